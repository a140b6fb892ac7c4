// Package local is a self-contained reference facilitator. It checks
// personal_sign payment payloads and settles them into an in-memory ledger,
// which makes it suitable for development and end-to-end tests.
package local

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/becomeliminal/x402-paygate/internal/eip191"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
)

// Config configures a Facilitator.
type Config struct {
	// Networks restricts the accepted networks. Empty accepts any.
	Networks []string

	// AuthSecret, when set, requires an HS256 bearer token on every HTTP call.
	AuthSecret string

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger

	// Clock defaults to clockz.RealClock.
	Clock clockz.Clock
}

// Transfer is one settled payment.
type Transfer struct {
	TransactionHash string    `json:"transactionHash"`
	Network         string    `json:"network"`
	Asset           string    `json:"asset"`
	Amount          string    `json:"amount"`
	Payer           string    `json:"payer"`
	PayTo           string    `json:"payTo"`
	Nonce           string    `json:"nonce"`
	SettledAt       time.Time `json:"settledAt"`
}

// Facilitator verifies and settles payments. It implements x402.Facilitator
// in-process and serves the same operations over HTTP via Handler.
type Facilitator struct {
	cfg    Config
	clock  clockz.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	settled map[string]struct{}
	ledger  []Transfer
}

var _ x402.Facilitator = (*Facilitator)(nil)

// New creates a Facilitator.
func New(cfg Config) *Facilitator {
	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Facilitator{
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With().Str("component", "facilitator.local").Logger(),
		settled: make(map[string]struct{}),
	}
}

// Verify checks the payload against the requirement without moving funds.
func (f *Facilitator) Verify(_ context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirement) error {
	if reason := f.check(payload, req); reason != "" {
		f.logger.Debug().Str("reason", reason).Msg("verification failed")
		return x402.NewPaymentError(x402.ErrCodeVerificationFailed, reason, nil)
	}
	return nil
}

// Settle re-verifies the payload and records the transfer. A (payer, nonce)
// pair settles at most once.
func (f *Facilitator) Settle(_ context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirement) (*x402.SettlementResult, error) {
	if reason := f.check(payload, req); reason != "" {
		return nil, x402.NewPaymentError(x402.ErrCodeSettlementFailed, reason, nil)
	}

	key := strings.ToLower(payload.Payer) + "/" + payload.Nonce
	now := f.clock.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.settled[key]; ok {
		return nil, x402.NewPaymentError(x402.ErrCodeSettlementFailed, "nonce already settled", nil)
	}

	txHash := crypto.Keccak256Hash(
		[]byte(payload.Network),
		common.HexToAddress(payload.Payer).Bytes(),
		common.HexToAddress(payload.PayTo).Bytes(),
		[]byte(payload.Asset),
		[]byte(payload.Amount),
		[]byte(payload.Nonce),
		[]byte(strconv.Itoa(len(f.ledger))),
	).Hex()

	f.settled[key] = struct{}{}
	f.ledger = append(f.ledger, Transfer{
		TransactionHash: txHash,
		Network:         payload.Network,
		Asset:           payload.Asset,
		Amount:          payload.Amount,
		Payer:           payload.Payer,
		PayTo:           payload.PayTo,
		Nonce:           payload.Nonce,
		SettledAt:       now,
	})

	f.logger.Info().
		Str("payer", payload.Payer).
		Str("amount", payload.Amount).
		Str("tx", txHash).
		Msg("payment settled")

	return &x402.SettlementResult{
		Success:         true,
		TransactionHash: txHash,
		Network:         payload.Network,
		Payer:           payload.Payer,
	}, nil
}

// Transfers returns a copy of the ledger.
func (f *Facilitator) Transfers() []Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Transfer, len(f.ledger))
	copy(out, f.ledger)
	return out
}

// Networks returns the configured networks.
func (f *Facilitator) Networks() []string {
	return f.cfg.Networks
}

// check returns an empty string when the payload satisfies req, otherwise
// the rejection reason.
func (f *Facilitator) check(p *x402.PaymentPayload, req *x402.PaymentRequirement) string {
	if p == nil || req == nil {
		return "missing payment payload or details"
	}

	scheme := req.Scheme
	if scheme == "" {
		scheme = x402.SchemeExact
	}
	if p.Scheme != scheme {
		return fmt.Sprintf("unsupported scheme %q", p.Scheme)
	}
	if !f.supports(p.Network) {
		return fmt.Sprintf("unsupported network %q", p.Network)
	}
	if !strings.EqualFold(p.Network, req.Network) {
		return "network mismatch"
	}
	if !strings.EqualFold(p.Asset, req.Asset) {
		return "asset mismatch"
	}
	if !strings.EqualFold(p.PayTo, req.PayTo) {
		return "payTo mismatch"
	}

	required := req.Amount
	if required == "" {
		required = req.MaxAmountRequired
	}
	want, ok := new(big.Int).SetString(required, 10)
	if !ok {
		return "invalid required amount"
	}
	got, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok || got.Sign() < 0 {
		return "invalid amount"
	}
	if got.Cmp(want) < 0 {
		return fmt.Sprintf("insufficient amount: got %s, need %s", got, want)
	}

	maxAge := int64(req.MaxTimeoutSeconds)
	if maxAge <= 0 {
		maxAge = int64(x402.DefaultMaxTimeout / time.Second)
	}
	age := f.clock.Now().Unix() - p.Timestamp
	if age < 0 {
		age = -age
	}
	if age > maxAge {
		return "payment expired"
	}

	if !x402.IsCanonical(p) {
		return "message does not match payload"
	}
	if !common.IsHexAddress(p.Payer) {
		return "invalid payer address"
	}
	signer, err := eip191.Recover(p.Message, p.Signature)
	if err != nil || signer != common.HexToAddress(p.Payer) {
		return "bad signature"
	}

	return ""
}

func (f *Facilitator) supports(network string) bool {
	if len(f.cfg.Networks) == 0 {
		return true
	}
	for _, n := range f.cfg.Networks {
		if strings.EqualFold(n, network) {
			return true
		}
	}
	return false
}
