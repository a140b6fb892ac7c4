package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Header names used by the protocol. net/http canonicalises them, so lookups
// are case-insensitive.
const (
	HeaderPayment         = "X-Payment"
	HeaderPaymentResponse = "X-Payment-Response"
	HeaderChain           = "X-Chain"
)

const maxBodyBytes = 1 << 20

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It integrates with grpc-gateway and returns standard http.Handler middleware.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	gate, err := NewGate(cfg.GateConfig())
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check if this endpoint requires payment
			rule, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}

			// Browsers without a payment attempt get the paywall page
			xPayment := r.Header.Get(HeaderPayment)
			if xPayment == "" && cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
				sendPaywallHTML(w, cfg.CustomPaywallHTML)
				return
			}

			// Verify and settle; anything short of settlement is a 402
			accepts := PreferNetwork(BuildRequirements(*rule, BuildResourceURL(r), cfg), r.Header.Get(HeaderChain))
			out := gate.Process(r.Context(), xPayment, accepts)
			if !out.Granted() {
				sendPaymentRequired(w, out)
				return
			}

			// Add the receipt and payment context, then continue to handler
			setPaymentResponse(w, out.Settlement)
			ctx := context.WithValue(r.Context(), PaymentContextKey, out.PaymentContext(gate.Clock().Now()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BusinessFunc is the protected business logic. body is the request body,
// already validated as JSON. It runs only after payment has settled.
type BusinessFunc func(ctx context.Context, body json.RawMessage) (any, error)

// Protect wraps fn behind the payment gate. The request body is validated
// before any payment is attempted; a failure of fn after settlement yields a
// 500 that still carries the settlement receipt.
func Protect(gate *Gate, rule PricingRule, cfg Config, fn BusinessFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			sendError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read request body: %v", err))
			return
		}
		// Reject bad input before the payer is charged
		if len(bytes.TrimSpace(body)) == 0 {
			body = []byte("{}")
		}
		if !json.Valid(body) {
			sendError(w, http.StatusInternalServerError, "request body is not valid JSON")
			return
		}

		accepts := PreferNetwork(BuildRequirements(rule, BuildResourceURL(r), cfg), r.Header.Get(HeaderChain))
		out := gate.Process(r.Context(), r.Header.Get(HeaderPayment), accepts)
		if !out.Granted() {
			sendPaymentRequired(w, out)
			return
		}

		setPaymentResponse(w, out.Settlement)
		ctx := context.WithValue(r.Context(), PaymentContextKey, out.PaymentContext(gate.Clock().Now()))

		result, err := fn(ctx, json.RawMessage(body))
		if err != nil {
			// Payment already settled; report the failure with the receipt, no refund
			herr := NewPaymentError(ErrCodeResourceHandler, err.Error(), err)
			gate.HandlerFailed(ctx, out, herr)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":           err.Error(),
				"transactionHash": out.Settlement.TransactionHash,
			})
			return
		}

		writeJSON(w, http.StatusOK, result)
	})
}

// BuildResourceURL reconstructs the absolute URL of the request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host == "" {
		return r.URL.Path
	}
	return scheme + "://" + host + r.URL.Path
}

// sendPaymentRequired writes the 402 challenge for a non-granted outcome.
func sendPaymentRequired(w http.ResponseWriter, out *Outcome) {
	writeJSON(w, http.StatusPaymentRequired, out.Challenge)
}

func sendPaywallHTML(w http.ResponseWriter, html string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusPaymentRequired)
	w.Write([]byte(html))
}

func setPaymentResponse(w http.ResponseWriter, settlement *SettlementResult) {
	if encoded, err := EncodeSettlement(settlement); err == nil {
		w.Header().Set(HeaderPaymentResponse, encoded)
	}
}

// sendError sends a JSON error response.
func sendError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// GetPaymentFromContext extracts payment information from the request context.
// This can be used in gRPC handlers to access payment details.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok && payment != nil
}

// RequirePayment extracts payment from context and returns an error if not found.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

// ReadPaymentChallenge extracts the challenge from a 402 response.
func ReadPaymentChallenge(resp *http.Response) (*PaymentChallenge, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var challenge PaymentChallenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("failed to parse payment challenge: %w", err)
	}

	return &challenge, nil
}

var browserIndicators = []string{
	"Mozilla/",
	"Chrome/",
	"Safari/",
	"Firefox/",
	"Edge/",
	"Opera/",
}

// isBrowserRequest detects if the request is from a web browser based on User-Agent.
func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return false
	}

	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}
	return false
}
