package x402

import (
	"strconv"
	"strings"
)

// CanonicalMessage renders the text a payer signs. Field order is fixed.
func CanonicalMessage(p *PaymentPayload) string {
	var b strings.Builder
	b.WriteString("x402-payment")
	for _, field := range [...]struct{ label, value string }{
		{"scheme", p.Scheme},
		{"network", p.Network},
		{"asset", p.Asset},
		{"amount", p.Amount},
		{"payTo", p.PayTo},
		{"payer", p.Payer},
		{"timestamp", strconv.FormatInt(p.Timestamp, 10)},
		{"nonce", p.Nonce},
	} {
		b.WriteByte('\n')
		b.WriteString(field.label)
		b.WriteByte(':')
		b.WriteString(field.value)
	}
	return b.String()
}

// IsCanonical reports whether p.Message matches the payload fields and no
// field smuggles a line break.
func IsCanonical(p *PaymentPayload) bool {
	for _, v := range []string{p.Scheme, p.Network, p.Asset, p.Amount, p.PayTo, p.Payer, p.Nonce} {
		if strings.ContainsAny(v, "\r\n") {
			return false
		}
	}
	return p.Message == CanonicalMessage(p)
}
