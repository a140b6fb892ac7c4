// Package facilitator talks to an x402 facilitator service over HTTP.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/rs/zerolog"
)

// Version is reported in the default User-Agent.
const Version = "0.3.0"

// DefaultTimeout bounds each facilitator call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// AuthorizationProvider supplies the Authorization header for facilitator calls.
type AuthorizationProvider interface {
	Authorization(ctx context.Context) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithAuthorization authenticates every call with the given provider.
func WithAuthorization(p AuthorizationProvider) Option {
	return func(c *Client) {
		c.auth = p
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client handles communication with an x402 facilitator service.
// It holds no keys and never retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	auth       AuthorizationProvider
	logger     zerolog.Logger
}

var _ x402.Facilitator = (*Client)(nil)

// NewClient creates a facilitator client for baseURL (e.g., "https://x402.org/facilitator").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		userAgent:  "x402-paygate/" + Version,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "facilitator").Str("url", c.baseURL).Logger()
	return c
}

// BaseURL returns the facilitator base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Verify checks a payment via POST /verify without moving funds.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, requirement *x402.PaymentRequirement) error {
	resp, err := c.call(ctx, "/verify", payload, requirement, x402.ErrCodeVerificationFailed)
	if err != nil {
		return err
	}

	if !resp.OK() {
		reason := resp.Reason()
		if reason == "" {
			reason = "payment rejected by facilitator"
		}
		return x402.NewPaymentError(x402.ErrCodeVerificationFailed, reason, nil)
	}
	return nil
}

// Settle commits a verified payment via POST /settle.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*x402.SettlementResult, error) {
	resp, err := c.call(ctx, "/settle", payload, requirement, x402.ErrCodeSettlementFailed)
	if err != nil {
		return nil, err
	}

	if !resp.OK() {
		reason := resp.Reason()
		if reason == "" {
			reason = "settlement rejected by facilitator"
		}
		return nil, x402.NewPaymentError(x402.ErrCodeSettlementFailed, reason, nil)
	}

	txHash := resp.TxHash()
	if txHash == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeSettlementFailed, "facilitator returned no transaction hash", nil)
	}

	return &x402.SettlementResult{
		Success:         true,
		TransactionHash: txHash,
		Network:         resp.Network,
		Payer:           resp.Payer,
	}, nil
}

// Supported fetches the scheme/network pairs the facilitator handles via GET /supported.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}
	if err := c.decorate(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeFacilitatorUnreachable, "failed to call facilitator supported endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("facilitator supported returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var supported SupportedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&supported); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supported, nil
}

func (c *Client) call(ctx context.Context, path string, payload *x402.PaymentPayload, requirement *x402.PaymentRequirement, failCode string) (*Response, error) {
	body, err := json.Marshal(Request{PaymentPayload: payload, PaymentDetails: requirement})
	if err != nil {
		return nil, x402.NewPaymentError(failCode, "failed to marshal facilitator request", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, x402.NewPaymentError(failCode, "failed to create facilitator request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.decorate(ctx, httpReq); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("facilitator unreachable")
		return nil, x402.NewPaymentError(x402.ErrCodeFacilitatorUnreachable, "facilitator unreachable", err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("facilitator responded")

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, x402.NewPaymentError(x402.ErrCodeFacilitatorUnreachable, "facilitator unreachable", err)
		}
		return nil, x402.NewPaymentError(failCode, "failed to read facilitator response", err)
	}

	var parsed Response
	parseErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := ""
		if parseErr == nil {
			reason = parsed.Reason()
		}
		if reason == "" {
			reason = strings.TrimSpace(string(raw))
		}
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, x402.NewPaymentError(failCode, reason,
			fmt.Errorf("facilitator %s returned status %d", path, resp.StatusCode))
	}

	if parseErr != nil {
		return nil, x402.NewPaymentError(failCode, "invalid facilitator response", parseErr)
	}
	return &parsed, nil
}

func (c *Client) decorate(ctx context.Context, req *http.Request) error {
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.auth != nil {
		value, err := c.auth.Authorization(ctx)
		if err != nil {
			return x402.NewPaymentError(x402.ErrCodeFacilitatorUnreachable, "failed to authorize facilitator request", err)
		}
		req.Header.Set("Authorization", value)
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
