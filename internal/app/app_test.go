package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/becomeliminal/x402-paygate/facilitator"
	"github.com/becomeliminal/x402-paygate/internal/config"
	"github.com/becomeliminal/x402-paygate/nonce"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, yaml string) *config.ParsedConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

const base = `
facilitator:
  url: %s
  user_agent: workout-api/1.0
  auth: {key_id: paygate, secret: s3cret}
payment:
  replay_protection: %s
endpoints:
  /analyze-workout:
    accepts: [{network: base, asset: "0xa", pay_to: "0xb", amount: "1"}]
`

func render(url, replay string) string {
	return fmt.Sprintf(base, url, replay)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewFacilitatorSendsAuthAndUserAgent(t *testing.T) {
	var authorized atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := facilitator.ValidateToken(r.Header.Get("Authorization"), "s3cret"); err == nil &&
			r.Header.Get("User-Agent") == "workout-api/1.0" {
			authorized.Store(true)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"isValid":true}`))
	}))
	defer srv.Close()

	fac := NewFacilitator(parse(t, render(srv.URL, "none")), zerolog.Nop())
	require.NoError(t, fac.Verify(context.Background(), &x402.PaymentPayload{}, &x402.PaymentRequirement{}))
	assert.True(t, authorized.Load())
}

func TestNewNonceStore(t *testing.T) {
	ctx := context.Background()

	store, cleanup, err := NewNonceStore(ctx, parse(t, render("http://f", "memory")), zerolog.Nop())
	require.NoError(t, err)
	defer cleanup()
	_, ok := store.(*nonce.Memory)
	assert.True(t, ok)

	store, cleanup, err = NewNonceStore(ctx, parse(t, render("http://f", "none")), zerolog.Nop())
	require.NoError(t, err)
	cleanup()
	assert.Nil(t, store)
}

func TestNewEventsLogsSettlement(t *testing.T) {
	var buf syncBuffer
	logger := zerolog.New(&buf)

	events, err := NewEvents(logger)
	require.NoError(t, err)
	defer events.Close()

	require.NoError(t, events.Emit(context.Background(), x402.EventSettled, x402.PaymentEvent{
		Payer: "0x1111", TransactionHash: "0xabc",
	}))

	assert.Eventually(t, func() bool {
		return strings.Contains(buf.String(), `"tx":"0xabc"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPaymentConfig(t *testing.T) {
	cfg := parse(t, render("http://f", "none"))
	logger := zerolog.Nop()
	pc := PaymentConfig(cfg, &facilitator.Client{}, nil, nil, &logger)

	require.NoError(t, pc.Validate())
	_, ok := pc.MatchEndpoint("/analyze-workout")
	assert.True(t, ok)
	assert.Equal(t, "http://f", pc.FacilitatorURL)
}
