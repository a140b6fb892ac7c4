package x402

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// gRPC metadata keys carrying a settled payment through grpc-gateway.
const (
	MetadataPaymentVerified = "x-payment-verified"
	MetadataPaymentPayer    = "x-payment-payer"
	MetadataPaymentAmount   = "x-payment-amount"
	MetadataPaymentAsset    = "x-payment-asset"
	MetadataPaymentNetwork  = "x-payment-network"
	MetadataPaymentNonce    = "x-payment-nonce"
	MetadataPaymentTxHash   = "x-payment-tx-hash"
	MetadataPaymentSettled  = "x-payment-settled-at"
)

// WithPaymentMetadata returns a ServeMuxOption that forwards the PaymentContext
// set by PaymentMiddleware into gRPC metadata.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok || !payment.Verified {
			return md
		}

		md.Set(MetadataPaymentVerified, "true")
		for key, value := range map[string]string{
			MetadataPaymentPayer:   payment.PayerAddress,
			MetadataPaymentAmount:  payment.Amount,
			MetadataPaymentAsset:   payment.Asset,
			MetadataPaymentNetwork: payment.Network,
			MetadataPaymentNonce:   payment.Nonce,
			MetadataPaymentTxHash:  payment.TransactionHash,
		} {
			if value != "" {
				md.Set(key, value)
			}
		}
		if !payment.SettledAt.IsZero() {
			md.Set(MetadataPaymentSettled, strconv.FormatInt(payment.SettledAt.Unix(), 10))
		}

		return md
	})
}

// GetPaymentFromGRPCContext reads the payment forwarded by WithPaymentMetadata.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	if first(md, MetadataPaymentVerified) != "true" {
		return nil, false
	}

	payment := &PaymentContext{
		Verified:        true,
		PayerAddress:    first(md, MetadataPaymentPayer),
		Amount:          first(md, MetadataPaymentAmount),
		Asset:           first(md, MetadataPaymentAsset),
		Network:         first(md, MetadataPaymentNetwork),
		Nonce:           first(md, MetadataPaymentNonce),
		TransactionHash: first(md, MetadataPaymentTxHash),
	}

	if ts, err := strconv.ParseInt(first(md, MetadataPaymentSettled), 10, 64); err == nil {
		payment.SettledAt = time.Unix(ts, 0).UTC()
	}

	return payment, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	return runtime.HTTPPathPattern(ctx)
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
