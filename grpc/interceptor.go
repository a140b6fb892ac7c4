package grpc

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-paygate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments.
// The payment travels in the x-payment metadata entry; an unpaid or rejected call
// fails with RESOURCE_EXHAUSTED carrying the base64 challenge.
func UnaryServerInterceptor(gate *x402.Gate, cfg x402.Config) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(ctx, req)
		}

		paidCtx, out, err := authorize(ctx, gate, rule, info.FullMethod, cfg)
		if err != nil {
			return nil, err
		}

		// The caller has paid at this point; the receipt goes out even if
		// the handler fails.
		if trailer, ok := settlementTrailer(out.Settlement); ok {
			grpc.SetTrailer(ctx, trailer)
		}

		resp, err := handler(paidCtx, req)
		if err != nil {
			gate.HandlerFailed(paidCtx, out, err)
			return nil, err
		}
		return resp, nil
	}
}

// authorize runs the gate for one call and returns the context to hand to
// the service implementation.
func authorize(ctx context.Context, gate *x402.Gate, rule *x402.PricingRule, fullMethod string, cfg x402.Config) (context.Context, *x402.Outcome, error) {
	var header, chain string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		header = firstValue(md, MetadataKeyPayment)
		chain = firstValue(md, MetadataKeyChain)
	}

	accepts := x402.PreferNetwork(x402.BuildRequirements(*rule, fullMethod, cfg), chain)

	out := gate.Process(ctx, header, accepts)
	if !out.Granted() {
		return nil, out, paymentRequired(out)
	}

	paidCtx := context.WithValue(ctx, x402.PaymentContextKey, out.PaymentContext(gate.Clock().Now()))
	return paidCtx, out, nil
}

// paymentRequired maps a rejected outcome to RESOURCE_EXHAUSTED, following
// Google Cloud's precedent for billing and quota enforcement.
func paymentRequired(out *x402.Outcome) error {
	encoded, err := x402.EncodeChallenge(out.Challenge)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment challenge: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment returns the settled payment or a RESOURCE_EXHAUSTED status.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
