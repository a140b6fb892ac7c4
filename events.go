package x402

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/hookz"
)

// Payment lifecycle events emitted on GateConfig.Events.
const (
	EventChallenged    hookz.Key = "payment.challenged"
	EventRejected      hookz.Key = "payment.rejected"
	EventVerified      hookz.Key = "payment.verified"
	EventSettled       hookz.Key = "payment.settled"
	EventReplayed      hookz.Key = "payment.replayed"
	EventHandlerFailed hookz.Key = "payment.handler_failed"
)

// PaymentEvent is the data delivered to event hooks.
type PaymentEvent struct {
	State           State
	Resource        string
	Network         string
	Asset           string
	Amount          string
	Payer           string
	Nonce           string
	TransactionHash string
	Reason          string
	At              time.Time
}

func newEvent(state State, req *PaymentRequirement, payload *PaymentPayload, at time.Time) PaymentEvent {
	ev := PaymentEvent{State: state, At: at}
	if req != nil {
		ev.Resource = req.Resource
		ev.Network = req.Network
		ev.Asset = req.Asset
		ev.Amount = req.Amount
	}
	if payload != nil {
		ev.Payer = payload.Payer
		ev.Nonce = payload.Nonce
		if payload.Network != "" {
			ev.Network = payload.Network
		}
	}
	return ev
}

// emit hands the event to hookz. Hooks run on hookz workers and must not be
// cancelled when the request that triggered them completes.
func emit(ctx context.Context, hooks *hookz.Hooks[PaymentEvent], logger zerolog.Logger, key hookz.Key, ev PaymentEvent) {
	if hooks == nil {
		return
	}
	if err := hooks.Emit(context.WithoutCancel(ctx), key, ev); err != nil {
		logger.Warn().Err(err).Str("event", string(key)).Msg("failed to emit payment event")
	}
}
