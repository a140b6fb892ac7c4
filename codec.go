package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeHeader serialises a payload into the X-Payment header value.
func EncodeHeader(payload *PaymentPayload) (string, error) {
	return encode(payload)
}

// DecodeHeader parses an X-Payment header value. It checks structure only;
// signatures, amounts and freshness are the facilitator's job.
func DecodeHeader(header string) (*PaymentPayload, error) {
	var payload PaymentPayload
	if err := decode(header, &payload); err != nil {
		return nil, NewPaymentError(ErrCodeMalformedPayment, err.Error(), err)
	}
	return &payload, nil
}

// EncodeSettlement serialises a settlement result into the X-Payment-Response header value.
func EncodeSettlement(result *SettlementResult) (string, error) {
	return encode(result)
}

// DecodeSettlement parses an X-Payment-Response header value.
func DecodeSettlement(header string) (*SettlementResult, error) {
	var result SettlementResult
	if err := decode(header, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EncodeChallenge serialises a challenge for transports that carry it in a
// header or status detail (e.g., gRPC).
func EncodeChallenge(challenge *PaymentChallenge) (string, error) {
	return encode(challenge)
}

// DecodeChallenge parses a base64 encoded challenge.
func DecodeChallenge(encoded string) (*PaymentChallenge, error) {
	var challenge PaymentChallenge
	if err := decode(encoded, &challenge); err != nil {
		return nil, err
	}
	return &challenge, nil
}

func encode(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decode(value string, v interface{}) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty value")
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}
