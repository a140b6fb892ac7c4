// Package app wires configuration into the collaborators the example servers share.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/becomeliminal/x402-paygate/facilitator"
	"github.com/becomeliminal/x402-paygate/internal/config"
	"github.com/becomeliminal/x402-paygate/nonce"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
)

// NewLogger returns the process logger.
func NewLogger(service string, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// NewFacilitator builds the facilitator client described by cfg.
func NewFacilitator(cfg *config.ParsedConfig, logger zerolog.Logger) *facilitator.Client {
	opts := []facilitator.Option{
		facilitator.WithTimeout(cfg.FacilitatorTimeout),
		facilitator.WithLogger(logger),
	}
	if cfg.Facilitator.UserAgent != "" {
		opts = append(opts, facilitator.WithUserAgent(cfg.Facilitator.UserAgent))
	}
	if auth := cfg.Facilitator.Auth; auth.KeyID != "" {
		opts = append(opts, facilitator.WithAuthorization(
			facilitator.NewJWTProvider(auth.KeyID, auth.Secret, cfg.AuthTTL)))
	}
	return facilitator.NewClient(cfg.Facilitator.URL, opts...)
}

// NewNonceStore opens the replay protection backend. The returned cleanup
// releases it; the store is nil when replay protection is disabled.
func NewNonceStore(ctx context.Context, cfg *config.ParsedConfig, logger zerolog.Logger) (x402.NonceStore, func(), error) {
	switch cfg.Payment.ReplayProtection {
	case config.ReplayMemory:
		store := nonce.NewMemory(clockz.RealClock)
		sweepCtx, cancel := context.WithCancel(ctx)
		store.StartSweeper(sweepCtx, cfg.SweepInterval)
		logger.Info().Dur("sweep_interval", cfg.SweepInterval).Msg("in-memory replay protection enabled")
		return store, cancel, nil

	case config.ReplayPostgres:
		store, err := nonce.NewPostgres(ctx, cfg.Payment.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open nonce store: %w", err)
		}
		purgeCtx, cancel := context.WithCancel(ctx)
		go purgeLoop(purgeCtx, store, cfg.SweepInterval, logger)
		logger.Info().Msg("postgres replay protection enabled")
		return store, func() {
			cancel()
			store.Close()
		}, nil

	default:
		logger.Warn().Msg("replay protection disabled")
		return nil, func() {}, nil
	}
}

func purgeLoop(ctx context.Context, store *nonce.Postgres, every time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to purge expired nonces")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("purged", n).Msg("purged expired nonces")
			}
		}
	}
}

// NewEvents returns payment event hooks that log every settlement and every
// handler failure after settlement.
func NewEvents(logger zerolog.Logger) (*hookz.Hooks[x402.PaymentEvent], error) {
	events := hookz.New[x402.PaymentEvent]()

	if _, err := events.Hook(x402.EventSettled, func(_ context.Context, ev x402.PaymentEvent) error {
		logger.Info().
			Str("payer", ev.Payer).
			Str("amount", ev.Amount).
			Str("network", ev.Network).
			Str("tx", ev.TransactionHash).
			Str("resource", ev.Resource).
			Msg("payment settled")
		return nil
	}); err != nil {
		events.Close()
		return nil, err
	}

	if _, err := events.Hook(x402.EventHandlerFailed, func(_ context.Context, ev x402.PaymentEvent) error {
		logger.Error().
			Str("payer", ev.Payer).
			Str("tx", ev.TransactionHash).
			Str("reason", ev.Reason).
			Msg("paid request failed; payment not refunded")
		return nil
	}); err != nil {
		events.Close()
		return nil, err
	}

	return events, nil
}

// PaymentConfig assembles the middleware configuration from cfg and the
// collaborators built above.
func PaymentConfig(cfg *config.ParsedConfig, fac x402.Facilitator, store x402.NonceStore, events *hookz.Hooks[x402.PaymentEvent], logger *zerolog.Logger) x402.Config {
	pc := cfg.PaymentConfig(fac)
	pc.NonceStore = store
	pc.Events = events
	pc.Logger = logger
	return pc
}
