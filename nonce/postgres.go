package nonce

import (
	"context"
	"fmt"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zoobzio/clockz"
)

const schema = `
CREATE TABLE IF NOT EXISTS x402_nonces (
	payer      TEXT        NOT NULL,
	nonce      TEXT        NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (payer, nonce)
)`

// An expired row is overwritten in place; a live one makes the statement a no-op.
const reserveSQL = `
INSERT INTO x402_nonces (payer, nonce, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (payer, nonce) DO UPDATE
	SET expires_at = EXCLUDED.expires_at
	WHERE x402_nonces.expires_at <= $4`

const purgeSQL = `DELETE FROM x402_nonces WHERE expires_at <= $1`

// Postgres is a NonceStore shared by every replica of a service.
type Postgres struct {
	pool  *pgxpool.Pool
	clock clockz.Clock
}

var _ x402.NonceStore = (*Postgres)(nil)

// NewPostgres connects to dsn, verifies the connection and creates the table
// if needed.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewPostgresFromPool(pool, nil)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresFromPool wraps an existing pool. A nil clock means clockz.RealClock.
func NewPostgresFromPool(pool *pgxpool.Pool, clock clockz.Clock) *Postgres {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Postgres{pool: pool, clock: clock}
}

// Migrate creates the nonce table.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create nonce table: %w", err)
	}
	return nil
}

// Reserve records (payer, nonce) and reports whether it was unused.
func (p *Postgres) Reserve(ctx context.Context, payer, nonce string, ttl time.Duration) (bool, error) {
	now := p.clock.Now().UTC()
	tag, err := p.pool.Exec(ctx, reserveSQL, strings.ToLower(payer), nonce, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to reserve nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Purge deletes expired rows and returns how many were removed.
func (p *Postgres) Purge(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, purgeSQL, p.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
