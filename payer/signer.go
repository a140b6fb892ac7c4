// Package payer implements the client side of x402: signing payment payloads
// and retrying requests that were answered with 402.
package payer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/becomeliminal/x402-paygate/internal/eip191"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// Signer produces signed PaymentPayloads with an EIP-191 personal_sign
// signature over the canonical message.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	maxAmount  *big.Int
	clock      clockz.Clock
	newNonce   func() string
}

// Option configures a Signer.
type Option func(*Signer) error

// WithNetwork makes the signer prefer requirements on network.
func WithNetwork(network string) Option {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithMaxAmount refuses to sign for more than max atomic units.
func WithMaxAmount(max string) Option {
	return func(s *Signer) error {
		amount, ok := new(big.Int).SetString(max, 10)
		if !ok || amount.Sign() < 0 {
			return fmt.Errorf("invalid max amount %q", max)
		}
		s.maxAmount = amount
		return nil
	}
}

// WithClock sets the clock used for payload timestamps.
func WithClock(clock clockz.Clock) Option {
	return func(s *Signer) error {
		s.clock = clock
		return nil
	}
}

// WithNonceFunc replaces the uuid nonce generator.
func WithNonceFunc(fn func() string) Option {
	return func(s *Signer) error {
		s.newNonce = fn
		return nil
	}
}

// NewSigner creates a signer from a hex private key (with or without 0x).
func NewSigner(privateKeyHex string, opts ...Option) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSignerFromKey(privateKey, opts...)
}

// NewSignerFromKey creates a signer from an existing key.
func NewSignerFromKey(key *ecdsa.PrivateKey, opts ...Option) (*Signer, error) {
	s := &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		clock:      clockz.RealClock,
		newNonce:   uuid.NewString,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Address returns the payer address in checksummed hex.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Choose picks the requirement to pay: the first on the preferred network,
// otherwise the first one offered.
func (s *Signer) Choose(accepts []x402.PaymentRequirement) (*x402.PaymentRequirement, error) {
	if len(accepts) == 0 {
		return nil, fmt.Errorf("challenge has no payment requirements")
	}
	if s.network != "" {
		for i := range accepts {
			if strings.EqualFold(accepts[i].Network, s.network) {
				return &accepts[i], nil
			}
		}
	}
	return &accepts[0], nil
}

// Sign builds and signs a payload satisfying req.
func (s *Signer) Sign(req *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	amount := req.Amount
	if amount == "" {
		amount = req.MaxAmountRequired
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid requirement amount %q", amount)
	}
	if s.maxAmount != nil && value.Cmp(s.maxAmount) > 0 {
		return nil, fmt.Errorf("amount %s exceeds signer limit %s", value, s.maxAmount)
	}

	scheme := req.Scheme
	if scheme == "" {
		scheme = x402.SchemeExact
	}

	payload := &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      scheme,
		Network:     req.Network,
		Asset:       req.Asset,
		Amount:      value.String(),
		PayTo:       req.PayTo,
		Payer:       s.Address(),
		Timestamp:   s.clock.Now().Unix(),
		Nonce:       s.newNonce(),
	}
	payload.Message = x402.CanonicalMessage(payload)

	signature, err := eip191.Sign(s.privateKey, payload.Message)
	if err != nil {
		return nil, err
	}
	payload.Signature = signature
	return payload, nil
}
