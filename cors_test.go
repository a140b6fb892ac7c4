package x402

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORSPreflight(t *testing.T) {
	called := false
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/analyze-workout", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if called {
		t.Error("preflight must not reach the handler")
	}

	h := rec.Header()
	if h.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", h.Get("Access-Control-Allow-Origin"))
	}
	if h.Get("Access-Control-Allow-Methods") != "POST, OPTIONS" {
		t.Errorf("allow-methods = %q", h.Get("Access-Control-Allow-Methods"))
	}
	for _, name := range []string{"Content-Type", "Authorization", "X-Payment", "X-Payment-Response", "X-Chain"} {
		if !strings.Contains(h.Get("Access-Control-Allow-Headers"), name) {
			t.Errorf("allow-headers missing %s", name)
		}
	}
	if h.Get("Access-Control-Expose-Headers") != HeaderPaymentResponse {
		t.Errorf("expose-headers = %q", h.Get("Access-Control-Expose-Headers"))
	}
}

func TestCORSWrapsPaymentResponses(t *testing.T) {
	handler := CORS(PaymentMiddleware(workoutConfig(&MockFacilitator{}))(okHandler(t)))

	req := httptest.NewRequest(http.MethodPost, "/analyze-workout", strings.NewReader(`{}`))
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("402 responses must carry CORS headers")
	}
}
