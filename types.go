package x402

import (
	"context"
	"time"
)

// X402Version is the protocol version advertised in challenges.
const X402Version = 1

// SchemeExact is the only payment scheme issued by the challenge builder.
const SchemeExact = "exact"

// PaymentRequirement describes one acceptable way to pay for a resource.
// Amount and MaxAmountRequired carry the same atomic-unit integer string.
type PaymentRequirement struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	PayTo             string                 `json:"payTo"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Facilitator       string                 `json:"facilitator,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentChallenge is the 402 response body.
type PaymentChallenge struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Description string               `json:"description,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// PaymentPayload is the client's signed assertion, carried in the X-Payment header.
type PaymentPayload struct {
	X402Version int    `json:"x402Version,omitempty"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	PayTo       string `json:"payTo"`
	Payer       string `json:"payer"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
	Message     string `json:"message"`
}

// SettlementResult is the facilitator's proof of payment. It is also the
// body of the X-Payment-Response header.
type SettlementResult struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Error           string `json:"error,omitempty"`
	Network         string `json:"network,omitempty"`
	Payer           string `json:"payer,omitempty"`
}

// Facilitator delegates signature checks and settlement to a trusted service.
//
// Verify returns nil when the payload is acceptable and a *PaymentError
// otherwise. Settle returns the settlement proof or a *PaymentError; it must
// only be called after Verify succeeded for the same payload.
type Facilitator interface {
	Verify(ctx context.Context, payload *PaymentPayload, requirement *PaymentRequirement) error
	Settle(ctx context.Context, payload *PaymentPayload, requirement *PaymentRequirement) (*SettlementResult, error)
}

// NonceStore records (payer, nonce) pairs so a payload can only be settled once.
// Reserve reports false when the pair was already reserved and has not expired.
type NonceStore interface {
	Reserve(ctx context.Context, payer, nonce string, ttl time.Duration) (bool, error)
}

// PaymentContext contains payment information that can be extracted in handlers.
type PaymentContext struct {
	Verified        bool
	PayerAddress    string
	Amount          string
	Asset           string
	Network         string
	Nonce           string
	TransactionHash string
	SettledAt       time.Time
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context.
	PaymentContextKey contextKey = "x402-payment"
)
