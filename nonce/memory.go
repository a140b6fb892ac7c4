// Package nonce provides replay protection stores for the payment gate.
package nonce

import (
	"context"
	"strings"
	"sync"
	"time"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/zoobzio/clockz"
)

type key struct {
	payer string
	nonce string
}

// Memory is an in-process NonceStore. Entries expire after their TTL.
type Memory struct {
	mu      sync.RWMutex
	entries map[key]time.Time
	clock   clockz.Clock
}

var _ x402.NonceStore = (*Memory)(nil)

// NewMemory creates an empty store. A nil clock means clockz.RealClock.
func NewMemory(clock clockz.Clock) *Memory {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Memory{
		entries: make(map[key]time.Time),
		clock:   clock,
	}
}

// Reserve records (payer, nonce) and reports whether it was unused.
func (m *Memory) Reserve(_ context.Context, payer, nonce string, ttl time.Duration) (bool, error) {
	k := key{payer: strings.ToLower(payer), nonce: nonce}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if expires, ok := m.entries[k]; ok && now.Before(expires) {
		return false, nil
	}
	m.entries[k] = now.Add(ttl)
	return true, nil
}

// Seen reports whether (payer, nonce) is currently reserved.
func (m *Memory) Seen(payer, nonce string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	expires, ok := m.entries[key{payer: strings.ToLower(payer), nonce: nonce}]
	return ok && m.clock.Now().Before(expires)
}

// Len returns the number of entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, expires := range m.entries {
		if !now.Before(expires) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *Memory) StartSweeper(ctx context.Context, every time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(every):
				m.Sweep()
			}
		}
	}()
}
