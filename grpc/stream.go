package grpc

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-paygate"
	"google.golang.org/grpc"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments.
// Payment is settled once, before the stream begins; per-message payment is not supported.
func StreamServerInterceptor(gate *x402.Gate, cfg x402.Config) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(srv, ss)
		}

		paidCtx, out, err := authorize(ss.Context(), gate, rule, info.FullMethod, cfg)
		if err != nil {
			return err
		}

		wrapped := &paymentServerStream{ServerStream: ss, ctx: paidCtx}

		// Set the receipt before the handler runs so a failed stream still carries it.
		if trailer, ok := settlementTrailer(out.Settlement); ok {
			wrapped.SetTrailer(trailer)
		}

		if err := handler(srv, wrapped); err != nil {
			gate.HandlerFailed(paidCtx, out, err)
			return err
		}
		return nil
	}
}

// paymentServerStream overrides Context so handlers see the settled payment.
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
