package payer

import (
	"testing"
	"time"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/becomeliminal/x402-paygate/internal/eip191"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

// Well-known hardhat account #0.
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func testRequirement() *x402.PaymentRequirement {
	return &x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           "base-sepolia",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:            "50000",
		MaxAmountRequired: "50000",
		PayTo:             "0x6C9A1b2C3d4E5f60718293a4B5c6D7e8F9012345",
		MaxTimeoutSeconds: 300,
	}
}

func TestNewSignerAddress(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, signer.Address())

	_, err = NewSigner("not-a-key")
	assert.Error(t, err)
}

func TestSignProducesCanonicalPayload(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	signer, err := NewSigner(testKey,
		WithClock(clockz.NewFakeClockAt(at)),
		WithNonceFunc(func() string { return "nonce-1" }))
	require.NoError(t, err)

	payload, err := signer.Sign(testRequirement())
	require.NoError(t, err)

	assert.Equal(t, "exact", payload.Scheme)
	assert.Equal(t, "50000", payload.Amount)
	assert.Equal(t, testAddress, payload.Payer)
	assert.Equal(t, at.Unix(), payload.Timestamp)
	assert.Equal(t, "nonce-1", payload.Nonce)
	assert.True(t, x402.IsCanonical(payload))

	recovered, err := eip191.Recover(payload.Message, payload.Signature)
	require.NoError(t, err)
	assert.Equal(t, testAddress, recovered.Hex())
}

func TestSignFreshNonces(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSignerFromKey(key)
	require.NoError(t, err)

	a, err := signer.Sign(testRequirement())
	require.NoError(t, err)
	b, err := signer.Sign(testRequirement())
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestSignMaxAmount(t *testing.T) {
	signer, err := NewSigner(testKey, WithMaxAmount("10000"))
	require.NoError(t, err)

	_, err = signer.Sign(testRequirement())
	assert.ErrorContains(t, err, "exceeds signer limit")

	_, err = NewSigner(testKey, WithMaxAmount("-1"))
	assert.Error(t, err)
}

func TestSignInvalidAmount(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)

	req := testRequirement()
	req.Amount = "1.5"
	_, err = signer.Sign(req)
	assert.Error(t, err)
}

func TestChoose(t *testing.T) {
	accepts := []x402.PaymentRequirement{
		{Network: "base"},
		{Network: "base-sepolia"},
	}

	signer, err := NewSigner(testKey, WithNetwork("base-sepolia"))
	require.NoError(t, err)
	req, err := signer.Choose(accepts)
	require.NoError(t, err)
	assert.Equal(t, "base-sepolia", req.Network)

	plain, err := NewSigner(testKey)
	require.NoError(t, err)
	req, err = plain.Choose(accepts)
	require.NoError(t, err)
	assert.Equal(t, "base", req.Network)

	_, err = plain.Choose(nil)
	assert.Error(t, err)
}
