package x402

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
)

// State is a step of the payment state machine.
type State int

const (
	StateChallengeIssued State = iota
	StateDecoding
	StateDecodeFailed
	StateVerifying
	StateVerifyFailed
	StateReplayed
	StateSettling
	StateSettleFailed
	StateGranted
)

func (s State) String() string {
	switch s {
	case StateChallengeIssued:
		return "challenge_issued"
	case StateDecoding:
		return "decoding"
	case StateDecodeFailed:
		return "decode_failed"
	case StateVerifying:
		return "verifying"
	case StateVerifyFailed:
		return "verify_failed"
	case StateReplayed:
		return "replayed"
	case StateSettling:
		return "settling"
	case StateSettleFailed:
		return "settle_failed"
	case StateGranted:
		return "granted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the terminal result of processing one request.
type Outcome struct {
	State State

	// Status is 200 for StateGranted and 402 otherwise.
	Status int

	// Challenge is set for every non-granted outcome.
	Challenge *PaymentChallenge

	Payload     *PaymentPayload
	Requirement *PaymentRequirement
	Settlement  *SettlementResult
	Err         error
}

// Granted reports whether the resource may be served.
func (o *Outcome) Granted() bool {
	return o.State == StateGranted
}

// PaymentContext converts a granted outcome into the value injected into
// downstream request contexts.
func (o *Outcome) PaymentContext(settledAt time.Time) *PaymentContext {
	if !o.Granted() {
		return nil
	}
	pc := &PaymentContext{
		Verified:        true,
		PayerAddress:    o.Payload.Payer,
		Amount:          o.Payload.Amount,
		Asset:           o.Payload.Asset,
		Network:         o.Payload.Network,
		Nonce:           o.Payload.Nonce,
		TransactionHash: o.Settlement.TransactionHash,
		SettledAt:       settledAt,
	}
	return pc
}

// GateConfig configures a Gate.
type GateConfig struct {
	Facilitator Facilitator

	// NonceStore enables replay protection (optional).
	NonceStore NonceStore

	// Events receives lifecycle events (optional).
	Events *hookz.Hooks[PaymentEvent]

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger

	// Clock defaults to clockz.RealClock.
	Clock clockz.Clock
}

// Gate runs the verify-then-settle state machine. It keeps no per-request
// state and is safe for concurrent use.
type Gate struct {
	facilitator Facilitator
	nonces      NonceStore
	events      *hookz.Hooks[PaymentEvent]
	logger      zerolog.Logger
	clock       clockz.Clock
}

// NewGate creates a Gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Facilitator == nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "facilitator is required", nil)
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	return &Gate{
		facilitator: cfg.Facilitator,
		nonces:      cfg.NonceStore,
		events:      cfg.Events,
		logger:      logger.With().Str("component", "x402.gate").Logger(),
		clock:       clock,
	}, nil
}

// GateConfig derives the gate configuration from middleware configuration.
func (c *Config) GateConfig() GateConfig {
	return GateConfig{
		Facilitator: c.Facilitator,
		NonceStore:  c.NonceStore,
		Events:      c.Events,
		Logger:      c.Logger,
		Clock:       c.Clock,
	}
}

// Clock returns the gate's clock.
func (g *Gate) Clock() clockz.Clock {
	return g.clock
}

// Process drives one request through the state machine. header is the raw
// X-Payment value and accepts the requirements advertised for the resource.
// Settle is only ever called after Verify succeeded, at most once.
func (g *Gate) Process(ctx context.Context, header string, accepts []PaymentRequirement) *Outcome {
	description := ""
	if len(accepts) > 0 {
		description = accepts[0].Description
	}

	header = strings.TrimSpace(header)
	if header == "" {
		out := g.reject(StateChallengeIssued, accepts, description, "", nil, nil,
			NewPaymentError(ErrCodeNoPayment, "payment required", nil))
		g.logger.Debug().Str("state", out.State.String()).Msg("payment challenge issued")
		emit(ctx, g.events, g.logger, EventChallenged, newEvent(out.State, firstRequirement(accepts), nil, g.clock.Now()))
		return out
	}

	g.logger.Debug().Str("state", StateDecoding.String()).Msg("decoding payment header")
	payload, err := DecodeHeader(header)
	if err != nil {
		out := g.reject(StateDecodeFailed, accepts, description, "invalid payment header: "+reason(err), nil, nil, err)
		g.logFailure(out)
		emit(ctx, g.events, g.logger, EventRejected, g.failureEvent(out))
		return out
	}

	if len(accepts) == 0 {
		err := NewPaymentError(ErrCodeInvalidConfig, "no payment requirements configured", nil)
		out := g.reject(StateVerifyFailed, accepts, description, "payment verification failed: "+err.Message, payload, nil, err)
		g.logFailure(out)
		return out
	}
	requirement := selectRequirement(accepts, payload)

	log := g.logger.With().
		Str("payer", payload.Payer).
		Str("network", payload.Network).
		Str("nonce", payload.Nonce).
		Logger()

	log.Debug().Str("state", StateVerifying.String()).Msg("verifying payment")
	if err := g.facilitator.Verify(ctx, payload, requirement); err != nil {
		out := g.reject(StateVerifyFailed, accepts, description, "payment verification failed: "+reason(err), payload, requirement, err)
		g.logFailure(out)
		emit(ctx, g.events, g.logger, EventRejected, g.failureEvent(out))
		return out
	}
	emit(ctx, g.events, g.logger, EventVerified, newEvent(StateVerifying, requirement, payload, g.clock.Now()))

	if g.nonces != nil {
		ttl := replayTTL(g.clock.Now(), payload.Timestamp, requirement.MaxTimeoutSeconds)
		fresh, err := g.nonces.Reserve(ctx, payload.Payer, payload.Nonce, ttl)
		if err != nil || !fresh {
			var perr error
			if err != nil {
				perr = NewPaymentError(ErrCodeReplayedPayment, "replay protection unavailable", err)
			} else {
				perr = NewPaymentError(ErrCodeReplayedPayment, "nonce already used", nil)
			}
			out := g.reject(StateReplayed, accepts, description, "payment rejected: "+reason(perr), payload, requirement, perr)
			g.logFailure(out)
			emit(ctx, g.events, g.logger, EventReplayed, g.failureEvent(out))
			return out
		}
	}

	log.Debug().Str("state", StateSettling.String()).Msg("settling payment")
	settlement, err := g.facilitator.Settle(ctx, payload, requirement)
	if err == nil && (settlement == nil || !settlement.Success) {
		msg := "settlement not confirmed"
		if settlement != nil && settlement.Error != "" {
			msg = settlement.Error
		}
		err = NewPaymentError(ErrCodeSettlementFailed, msg, nil)
	}
	if err != nil {
		out := g.reject(StateSettleFailed, accepts, description, "payment settlement failed: "+reason(err), payload, requirement, err)
		g.logFailure(out)
		emit(ctx, g.events, g.logger, EventRejected, g.failureEvent(out))
		return out
	}

	if settlement.Network == "" {
		settlement.Network = payload.Network
	}
	if settlement.Payer == "" {
		settlement.Payer = payload.Payer
	}

	log.Info().
		Str("state", StateGranted.String()).
		Str("tx", settlement.TransactionHash).
		Msg("payment settled")

	ev := newEvent(StateGranted, requirement, payload, g.clock.Now())
	ev.TransactionHash = settlement.TransactionHash
	emit(ctx, g.events, g.logger, EventSettled, ev)

	return &Outcome{
		State:       StateGranted,
		Status:      http.StatusOK,
		Payload:     payload,
		Requirement: requirement,
		Settlement:  settlement,
	}
}

// HandlerFailed records that the business logic failed after payment was
// taken. The payment is not refunded.
func (g *Gate) HandlerFailed(ctx context.Context, out *Outcome, err error) {
	log := g.logger.Error().Err(err).Str("state", out.State.String())
	if out.Payload != nil {
		log = log.Str("payer", out.Payload.Payer).Str("nonce", out.Payload.Nonce)
	}
	if out.Settlement != nil {
		log = log.Str("tx", out.Settlement.TransactionHash)
	}
	log.Msg("resource handler failed after settlement")

	ev := newEvent(out.State, out.Requirement, out.Payload, g.clock.Now())
	if out.Settlement != nil {
		ev.TransactionHash = out.Settlement.TransactionHash
	}
	ev.Reason = err.Error()
	emit(ctx, g.events, g.logger, EventHandlerFailed, ev)
}

func (g *Gate) reject(state State, accepts []PaymentRequirement, description, message string, payload *PaymentPayload, req *PaymentRequirement, err error) *Outcome {
	challenge := BuildChallenge(accepts, description, message)
	return &Outcome{
		State:       state,
		Status:      http.StatusPaymentRequired,
		Challenge:   &challenge,
		Payload:     payload,
		Requirement: req,
		Err:         err,
	}
}

func (g *Gate) logFailure(out *Outcome) {
	log := g.logger.Warn().Err(out.Err).Str("state", out.State.String())
	if out.Payload != nil {
		log = log.Str("payer", out.Payload.Payer).
			Str("network", out.Payload.Network).
			Str("nonce", out.Payload.Nonce)
	}
	log.Msg("payment rejected")
}

func (g *Gate) failureEvent(out *Outcome) PaymentEvent {
	ev := newEvent(out.State, out.Requirement, out.Payload, g.clock.Now())
	if out.Challenge != nil {
		ev.Reason = out.Challenge.Error
	}
	return ev
}

// replayTTL keeps a nonce reserved for as long as a facilitator could still
// accept the payload: until timestamp+maxTimeout (a future-dated payload stays
// valid that long), plus one second for whole-second timestamps, and never
// less than maxTimeout from now.
func replayTTL(now time.Time, timestamp int64, maxTimeoutSeconds int) time.Duration {
	maxTimeout := time.Duration(maxTimeoutSeconds) * time.Second
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeout
	}

	ttl := time.Unix(timestamp, 0).Add(maxTimeout + time.Second).Sub(now)
	if ttl < maxTimeout {
		ttl = maxTimeout
	}
	return ttl
}

func firstRequirement(accepts []PaymentRequirement) *PaymentRequirement {
	if len(accepts) == 0 {
		return nil
	}
	return &accepts[0]
}
