package payer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/rs/zerolog"
)

// Transport is an http.RoundTripper that answers a 402 challenge by signing
// a payment and retrying the request exactly once.
type Transport struct {
	// Base performs the actual requests. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	Signer *Signer

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// NewClient returns an http.Client that pays for 402 responses with signer.
func NewClient(signer *Signer, logger *zerolog.Logger) *http.Client {
	return &http.Client{Transport: &Transport{Signer: signer, Logger: logger}}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := zerolog.Nop()
	if t.Logger != nil {
		logger = *t.Logger
	}

	// Keep a copy of the body so the paid retry can resend it.
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	first := cloneWithBody(req, body)
	resp, err := base.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || req.Header.Get(x402.HeaderPayment) != "" {
		return resp, nil
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read payment challenge: %w", err)
	}

	var challenge x402.PaymentChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil || len(challenge.Accepts) == 0 {
		// Not an x402 challenge; hand the 402 back untouched.
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		return resp, nil
	}

	requirement, err := t.Signer.Choose(challenge.Accepts)
	if err != nil {
		return nil, err
	}
	payload, err := t.Signer.Sign(requirement)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment: %w", err)
	}
	header, err := x402.EncodeHeader(payload)
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("url", req.URL.String()).
		Str("network", payload.Network).
		Str("amount", payload.Amount).
		Str("nonce", payload.Nonce).
		Msg("paying for resource")

	retry := cloneWithBody(req, body)
	retry.Header.Set(x402.HeaderPayment, header)
	return base.RoundTrip(retry)
}

func cloneWithBody(req *http.Request, body []byte) *http.Request {
	out := req.Clone(req.Context())
	if body == nil {
		out.Body = nil
		out.GetBody = nil
		out.ContentLength = 0
		if req.Body == http.NoBody {
			out.Body = http.NoBody
		}
		return out
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.ContentLength = int64(len(body))
	return out
}
