package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockFacilitator records calls in order and delegates to optional funcs.
type MockFacilitator struct {
	VerifyFunc func(ctx context.Context, payload *PaymentPayload, req *PaymentRequirement) error
	SettleFunc func(ctx context.Context, payload *PaymentPayload, req *PaymentRequirement) (*SettlementResult, error)

	mu          sync.Mutex
	calls       []string
	verifyCalls int
	settleCalls int
}

func (m *MockFacilitator) Verify(ctx context.Context, payload *PaymentPayload, req *PaymentRequirement) error {
	m.mu.Lock()
	m.calls = append(m.calls, "verify")
	m.verifyCalls++
	m.mu.Unlock()

	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, payload, req)
	}
	return nil
}

func (m *MockFacilitator) Settle(ctx context.Context, payload *PaymentPayload, req *PaymentRequirement) (*SettlementResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "settle")
	m.settleCalls++
	m.mu.Unlock()

	if m.SettleFunc != nil {
		return m.SettleFunc(ctx, payload, req)
	}
	return &SettlementResult{Success: true, TransactionHash: "0xabc123"}, nil
}

func (m *MockFacilitator) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyCalls, m.settleCalls
}

const (
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo = "0x6C9A1b2C3d4E5f60718293a4B5c6D7e8F9012345"
	testPayer = "0x1111111111111111111111111111111111111111"
)

func workoutConfig(fac Facilitator) Config {
	return Config{
		Facilitator:    fac,
		FacilitatorURL: "https://facilitator.example.com",
		EndpointPricing: map[string]PricingRule{
			"/analyze-workout": {
				Description: "AI workout analysis",
				MimeType:    "application/json",
				AcceptedTokens: []TokenRequirement{
					{Network: "base-sepolia", Symbol: "USDC", AssetContract: testAsset, Recipient: testPayTo, Amount: "50000", TokenDecimals: 6},
				},
			},
		},
	}
}

func testPayload() *PaymentPayload {
	p := &PaymentPayload{
		Scheme:    "exact",
		Network:   "base-sepolia",
		Asset:     testAsset,
		Amount:    "50000",
		PayTo:     testPayTo,
		Payer:     testPayer,
		Timestamp: 1700000000,
		Nonce:     "nonce-1",
		Signature: "0xsig",
	}
	p.Message = CanonicalMessage(p)
	return p
}

func encodedPayload(t *testing.T) string {
	t.Helper()
	header, err := EncodeHeader(testPayload())
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return header
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := RequirePayment(r.Context()); err != nil {
			t.Errorf("handler reached without payment: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	})
}

func decodeChallenge(t *testing.T, w *httptest.ResponseRecorder) PaymentChallenge {
	t.Helper()
	var challenge PaymentChallenge
	if err := json.NewDecoder(w.Body).Decode(&challenge); err != nil {
		t.Fatalf("failed to decode challenge: %v", err)
	}
	return challenge
}

func TestPaymentMiddleware_NoPaymentRequired(t *testing.T) {
	fac := &MockFacilitator{}
	handler := PaymentMiddleware(workoutConfig(fac))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "success" {
		t.Errorf("expected body 'success', got %s", w.Body.String())
	}
}

// Scenario A: no payment header yields a fresh challenge.
func TestPaymentMiddleware_MissingPayment(t *testing.T) {
	fac := &MockFacilitator{}
	handler := PaymentMiddleware(workoutConfig(fac))(okHandler(t))

	req := httptest.NewRequest("POST", "https://api.example.com/analyze-workout", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", w.Code)
	}

	challenge := decodeChallenge(t, w)
	if challenge.X402Version != X402Version {
		t.Errorf("expected x402Version %d, got %d", X402Version, challenge.X402Version)
	}
	if len(challenge.Accepts) != 1 {
		t.Fatalf("expected 1 requirement, got %d", len(challenge.Accepts))
	}

	accept := challenge.Accepts[0]
	if accept.Amount != "50000" {
		t.Errorf("expected amount 50000, got %s", accept.Amount)
	}
	if accept.Resource != "https://api.example.com/analyze-workout" {
		t.Errorf("unexpected resource %s", accept.Resource)
	}
	if accept.MaxTimeoutSeconds != 300 {
		t.Errorf("expected maxTimeoutSeconds 300, got %d", accept.MaxTimeoutSeconds)
	}
	if accept.Facilitator != "https://facilitator.example.com" {
		t.Errorf("unexpected facilitator %s", accept.Facilitator)
	}

	if v, s := fac.counts(); v != 0 || s != 0 {
		t.Errorf("facilitator must not be called, got verify=%d settle=%d", v, s)
	}
}

// Scenario B: a valid payment settles and the receipt carries the tx hash.
func TestPaymentMiddleware_ValidPayment(t *testing.T) {
	fac := &MockFacilitator{}

	var captured *PaymentContext
	handler := PaymentMiddleware(workoutConfig(fac))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payment, ok := GetPaymentFromContext(r.Context())
		if !ok {
			t.Error("payment context not found")
		}
		captured = payment
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/analyze-workout", strings.NewReader(`{}`))
	req.Header.Set("X-PAYMENT", encodedPayload(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	receipt, err := DecodeSettlement(w.Header().Get("X-Payment-Response"))
	if err != nil {
		t.Fatalf("failed to decode receipt: %v", err)
	}
	if receipt.TransactionHash != "0xabc123" {
		t.Errorf("expected tx hash 0xabc123, got %s", receipt.TransactionHash)
	}

	if captured == nil {
		t.Fatal("payment context not captured")
	}
	if captured.PayerAddress != testPayer || captured.TransactionHash != "0xabc123" || captured.Nonce != "nonce-1" {
		t.Errorf("unexpected payment context: %+v", captured)
	}
}

// Scenario C: verify rejects and settle is never attempted.
func TestPaymentMiddleware_VerifyRejected(t *testing.T) {
	fac := &MockFacilitator{
		VerifyFunc: func(ctx context.Context, payload *PaymentPayload, req *PaymentRequirement) error {
			return NewPaymentError(ErrCodeVerificationFailed, "bad signature", nil)
		},
	}
	handler := PaymentMiddleware(workoutConfig(fac))(okHandler(t))

	req := httptest.NewRequest("POST", "/analyze-workout", nil)
	req.Header.Set("X-Payment", encodedPayload(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", w.Code)
	}
	challenge := decodeChallenge(t, w)
	if !strings.Contains(challenge.Error, "bad signature") {
		t.Errorf("expected error to contain 'bad signature', got %q", challenge.Error)
	}
	if _, s := fac.counts(); s != 0 {
		t.Errorf("expected 0 settle calls, got %d", s)
	}
}

// Scenario D: an undecodable header is a 402, never a 500.
func TestPaymentMiddleware_InvalidPaymentHeader(t *testing.T) {
	fac := &MockFacilitator{}
	handler := PaymentMiddleware(workoutConfig(fac))(okHandler(t))

	req := httptest.NewRequest("POST", "/analyze-workout", nil)
	req.Header.Set("X-Payment", "not-base64!!")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", w.Code)
	}
	challenge := decodeChallenge(t, w)
	if !strings.HasPrefix(challenge.Error, "invalid payment header") {
		t.Errorf("unexpected error %q", challenge.Error)
	}
	if v, s := fac.counts(); v != 0 || s != 0 {
		t.Errorf("facilitator must not be called, got verify=%d settle=%d", v, s)
	}
}

func TestPaymentMiddleware_PreferredChain(t *testing.T) {
	cfg := workoutConfig(&MockFacilitator{})
	rule := cfg.EndpointPricing["/analyze-workout"]
	rule.AcceptedTokens = append(rule.AcceptedTokens, TokenRequirement{
		Network: "base", Symbol: "USDC", AssetContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Recipient: testPayTo, Amount: "50000",
	})
	cfg.EndpointPricing["/analyze-workout"] = rule

	handler := PaymentMiddleware(cfg)(okHandler(t))

	req := httptest.NewRequest("POST", "/analyze-workout", nil)
	req.Header.Set("X-Chain", "base")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	challenge := decodeChallenge(t, w)
	if len(challenge.Accepts) != 2 || challenge.Accepts[0].Network != "base" {
		t.Errorf("expected base first, got %+v", challenge.Accepts)
	}
}

func TestPaymentMiddleware_BrowserPaywall(t *testing.T) {
	cfg := workoutConfig(&MockFacilitator{})
	cfg.CustomPaywallHTML = "<html>pay me</html>"
	handler := PaymentMiddleware(cfg)(okHandler(t))

	req := httptest.NewRequest("GET", "/analyze-workout", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected html content type, got %s", ct)
	}
	if w.Body.String() != "<html>pay me</html>" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestPaymentMiddleware_InvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid configuration")
		}
	}()
	PaymentMiddleware(Config{})
}

func protectedHandler(t *testing.T, fac *MockFacilitator, fn BusinessFunc) http.Handler {
	t.Helper()
	cfg := workoutConfig(fac)
	gate, err := NewGate(cfg.GateConfig())
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	return Protect(gate, cfg.EndpointPricing["/analyze-workout"], cfg, fn)
}

func TestProtect_Success(t *testing.T) {
	fac := &MockFacilitator{}
	calls := 0
	handler := protectedHandler(t, fac, func(ctx context.Context, body json.RawMessage) (any, error) {
		calls++
		if _, err := RequirePayment(ctx); err != nil {
			t.Errorf("missing payment: %v", err)
		}
		return map[string]string{"feedback": "great squats"}, nil
	})

	req := httptest.NewRequest("POST", "/analyze-workout", strings.NewReader(`{"exercise":"squat"}`))
	req.Header.Set("X-Payment", encodedPayload(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if calls != 1 {
		t.Errorf("expected business logic to run once, ran %d times", calls)
	}
	if !strings.Contains(w.Body.String(), "great squats") {
		t.Errorf("unexpected body %s", w.Body.String())
	}
	if w.Header().Get("X-Payment-Response") == "" {
		t.Error("expected receipt header")
	}
}

func TestProtect_MalformedBody(t *testing.T) {
	fac := &MockFacilitator{}
	handler := protectedHandler(t, fac, func(ctx context.Context, body json.RawMessage) (any, error) {
		t.Error("business logic must not run")
		return nil, nil
	})

	req := httptest.NewRequest("POST", "/analyze-workout", strings.NewReader(`{not json`))
	req.Header.Set("X-Payment", encodedPayload(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if v, s := fac.counts(); v != 0 || s != 0 {
		t.Errorf("no payment may be attempted, got verify=%d settle=%d", v, s)
	}
}

func TestProtect_BusinessFailureAfterSettlement(t *testing.T) {
	fac := &MockFacilitator{}
	handler := protectedHandler(t, fac, func(ctx context.Context, body json.RawMessage) (any, error) {
		return nil, errors.New("pose model unavailable")
	})

	req := httptest.NewRequest("POST", "/analyze-workout", strings.NewReader(`{}`))
	req.Header.Set("X-Payment", encodedPayload(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["transactionHash"] != "0xabc123" || body["error"] != "pose model unavailable" {
		t.Errorf("unexpected body %+v", body)
	}
	if w.Header().Get("X-Payment-Response") == "" {
		t.Error("receipt header must be set even when the handler fails")
	}
	if _, s := fac.counts(); s != 1 {
		t.Errorf("expected exactly one settlement, got %d", s)
	}
}

func TestProtect_NoPayment(t *testing.T) {
	fac := &MockFacilitator{}
	handler := protectedHandler(t, fac, func(ctx context.Context, body json.RawMessage) (any, error) {
		t.Error("business logic must not run")
		return nil, nil
	})

	req := httptest.NewRequest("POST", "/analyze-workout", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", w.Code)
	}
}

func TestBuildResourceURL(t *testing.T) {
	req := httptest.NewRequest("GET", "http://api.example.com/analyze-workout?x=1", nil)
	if got := BuildResourceURL(req); got != "http://api.example.com/analyze-workout" {
		t.Errorf("unexpected url %s", got)
	}

	req.Header.Set("X-Forwarded-Proto", "https")
	if got := BuildResourceURL(req); got != "https://api.example.com/analyze-workout" {
		t.Errorf("unexpected url %s", got)
	}
}

func TestRequirePayment(t *testing.T) {
	if _, err := RequirePayment(context.Background()); err == nil {
		t.Error("expected error without payment")
	}

	ctx := context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{Verified: false})
	if _, err := RequirePayment(ctx); err == nil {
		t.Error("expected error for unverified payment")
	}

	ctx = context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{Verified: true, PayerAddress: "0xpayer"})
	payment, err := RequirePayment(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.PayerAddress != "0xpayer" {
		t.Errorf("unexpected payer %s", payment.PayerAddress)
	}
}
