package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel registered for the error's code, so callers can
// write errors.Is(err, ErrVerificationFailed).
func (e *PaymentError) Is(target error) bool {
	sentinel, ok := sentinels[e.Code]
	return ok && sentinel == target
}

// Error codes.
const (
	ErrCodeNoPayment              = "NO_PAYMENT"
	ErrCodeMalformedPayment       = "MALFORMED_PAYMENT"
	ErrCodeVerificationFailed     = "VERIFICATION_FAILED"
	ErrCodeSettlementFailed       = "SETTLEMENT_FAILED"
	ErrCodeFacilitatorUnreachable = "FACILITATOR_UNREACHABLE"
	ErrCodeReplayedPayment        = "REPLAYED_PAYMENT"
	ErrCodeResourceHandler        = "RESOURCE_HANDLER_ERROR"
	ErrCodeInvalidConfig          = "INVALID_CONFIG"
)

// Sentinel errors, one per error code.
var (
	ErrNoPayment              = errors.New("x402: no payment provided")
	ErrMalformedPayment       = errors.New("x402: malformed payment header")
	ErrVerificationFailed     = errors.New("x402: payment verification failed")
	ErrSettlementFailed       = errors.New("x402: payment settlement failed")
	ErrFacilitatorUnreachable = errors.New("x402: facilitator unreachable")
	ErrReplayedPayment        = errors.New("x402: payment nonce already used")
	ErrResourceHandler        = errors.New("x402: resource handler failed")
	ErrInvalidConfig          = errors.New("x402: invalid configuration")
)

var sentinels = map[string]error{
	ErrCodeNoPayment:              ErrNoPayment,
	ErrCodeMalformedPayment:       ErrMalformedPayment,
	ErrCodeVerificationFailed:     ErrVerificationFailed,
	ErrCodeSettlementFailed:       ErrSettlementFailed,
	ErrCodeFacilitatorUnreachable: ErrFacilitatorUnreachable,
	ErrCodeReplayedPayment:        ErrReplayedPayment,
	ErrCodeResourceHandler:        ErrResourceHandler,
	ErrCodeInvalidConfig:          ErrInvalidConfig,
}

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// reason returns the human-readable part of err for a 402 body.
func reason(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
