package facilitator

import (
	x402 "github.com/becomeliminal/x402-paygate"
)

// Request is the body of POST /verify and POST /settle.
type Request struct {
	PaymentPayload *x402.PaymentPayload     `json:"paymentPayload"`
	PaymentDetails *x402.PaymentRequirement `json:"paymentDetails"`
}

// Response is the body returned by /verify and /settle.
//
// Facilitators disagree on field names; both the success/error/transactionHash
// shape and the isValid/invalidReason, errorReason/transaction shape are accepted.
type Response struct {
	Success         *bool  `json:"success,omitempty"`
	IsValid         *bool  `json:"isValid,omitempty"`
	Error           string `json:"error,omitempty"`
	InvalidReason   string `json:"invalidReason,omitempty"`
	ErrorReason     string `json:"errorReason,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Transaction     string `json:"transaction,omitempty"`
	Network         string `json:"network,omitempty"`
	Payer           string `json:"payer,omitempty"`
}

// OK reports whether the facilitator accepted the request.
func (r *Response) OK() bool {
	switch {
	case r.Success != nil:
		return *r.Success
	case r.IsValid != nil:
		return *r.IsValid
	default:
		return false
	}
}

// Reason returns the facilitator's explanation for a rejection.
func (r *Response) Reason() string {
	for _, s := range []string{r.Error, r.InvalidReason, r.ErrorReason} {
		if s != "" {
			return s
		}
	}
	return ""
}

// TxHash returns the settlement transaction hash.
func (r *Response) TxHash() string {
	if r.TransactionHash != "" {
		return r.TransactionHash
	}
	return r.Transaction
}

// SupportedResponse is returned by GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// SupportedKind represents a supported scheme+network pair.
type SupportedKind struct {
	X402Version int    `json:"x402Version,omitempty"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// Bool returns a pointer to b, for building responses.
func Bool(b bool) *bool {
	return &b
}
