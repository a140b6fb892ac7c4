package grpc

import (
	"fmt"

	x402 "github.com/becomeliminal/x402-paygate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// MetadataKeyPayment carries the base64 payment payload.
	MetadataKeyPayment = "x-payment"

	// MetadataKeyPaymentResponse carries the base64 settlement result in trailers.
	MetadataKeyPaymentResponse = "x-payment-response"

	// MetadataKeyChain optionally names the caller's preferred network.
	MetadataKeyChain = "x-chain"
)

// WithPayment attaches an encoded payment payload to outgoing metadata.
func WithPayment(md metadata.MD, payload *x402.PaymentPayload) (metadata.MD, error) {
	encoded, err := x402.EncodeHeader(payload)
	if err != nil {
		return nil, err
	}
	out := md.Copy()
	if out == nil {
		out = metadata.MD{}
	}
	out.Set(MetadataKeyPayment, encoded)
	return out, nil
}

// ExtractPaymentFromMetadata decodes the payment payload from incoming metadata.
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.PaymentPayload, error) {
	value := firstValue(md, MetadataKeyPayment)
	if value == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeNoPayment, "no payment found in metadata", nil)
	}
	return x402.DecodeHeader(value)
}

// ExtractSettlementFromTrailer decodes the settlement result a client received in trailers.
func ExtractSettlementFromTrailer(trailer metadata.MD) (*x402.SettlementResult, error) {
	value := firstValue(trailer, MetadataKeyPaymentResponse)
	if value == "" {
		return nil, fmt.Errorf("no payment response found in trailer")
	}
	return x402.DecodeSettlement(value)
}

// ChallengeFromError extracts the payment challenge from a RESOURCE_EXHAUSTED error.
func ChallengeFromError(err error) (*x402.PaymentChallenge, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return nil, false
	}
	challenge, decErr := x402.DecodeChallenge(st.Message())
	if decErr != nil {
		return nil, false
	}
	return challenge, true
}

func settlementTrailer(result *x402.SettlementResult) (metadata.MD, bool) {
	if result == nil {
		return nil, false
	}
	encoded, err := x402.EncodeSettlement(result)
	if err != nil {
		return nil, false
	}
	return metadata.Pairs(MetadataKeyPaymentResponse, encoded), true
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
