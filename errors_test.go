package x402

import (
	"errors"
	"fmt"
	"testing"
)

func TestPaymentErrorIs(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewPaymentError(ErrCodeFacilitatorUnreachable, "facilitator unreachable", cause)
	wrapped := fmt.Errorf("verify: %w", err)

	if !errors.Is(wrapped, ErrFacilitatorUnreachable) {
		t.Error("expected ErrFacilitatorUnreachable")
	}
	if errors.Is(wrapped, ErrVerificationFailed) {
		t.Error("unexpected ErrVerificationFailed")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause must be reachable through Unwrap")
	}
	if !IsPaymentError(wrapped) {
		t.Error("expected IsPaymentError")
	}
	if code := GetPaymentErrorCode(wrapped); code != ErrCodeFacilitatorUnreachable {
		t.Errorf("code = %q", code)
	}
}

func TestPaymentErrorString(t *testing.T) {
	err := NewPaymentError(ErrCodeVerificationFailed, "bad signature", nil)
	if err.Error() != "VERIFICATION_FAILED: bad signature" {
		t.Errorf("Error() = %q", err.Error())
	}

	if GetPaymentErrorCode(errors.New("plain")) != "" {
		t.Error("plain errors have no code")
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("boom"), "boom"},
		{NewPaymentError(ErrCodeSettlementFailed, "reverted", errors.New("gas")), "reverted"},
	}
	for _, tt := range tests {
		if got := reason(tt.err); got != tt.want {
			t.Errorf("reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
