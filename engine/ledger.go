package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"gift-battle-engine/models"

	"github.com/jonboulle/clockwork"
)

type ledgerEntry struct {
	matchID   string
	playerID  string
	expiresAt time.Time
}

// Ledger remembers processed event fingerprints for a bounded TTL.
// The in-memory map is checked and marked synchronously; the optional
// backend extends the window across engine instances sharing a store.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	backend LedgerBackend
	ttl     time.Duration
	clock   clockwork.Clock
}

func NewLedger(backend LedgerBackend, ttl time.Duration, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{
		entries: make(map[string]ledgerEntry),
		backend: backend,
		ttl:     ttl,
		clock:   clock,
	}
}

// Claim marks fingerprint as in flight. It returns false when the
// fingerprint was already seen inside the TTL. A backend error drops the
// local mark so the event can be retried.
func (l *Ledger) Claim(ctx context.Context, fingerprint, matchID, playerID string) (bool, error) {
	now := l.clock.Now()
	l.mu.Lock()
	if e, ok := l.entries[fingerprint]; ok && now.Before(e.expiresAt) {
		l.mu.Unlock()
		return false, nil
	}
	expires := now.Add(l.ttl)
	l.entries[fingerprint] = ledgerEntry{matchID: matchID, playerID: playerID, expiresAt: expires}
	l.mu.Unlock()

	if l.backend == nil {
		return true, nil
	}
	seen, err := l.backend.IsEventProcessed(ctx, fingerprint)
	if err != nil {
		l.forget(fingerprint)
		return false, err
	}
	if seen {
		return false, nil
	}
	err = l.backend.MarkEventProcessed(ctx, models.ProcessedEvent{
		Fingerprint: fingerprint,
		MatchID:     matchID,
		PlayerID:    playerID,
		ExpiresAt:   expires,
	})
	if err != nil {
		l.forget(fingerprint)
		return false, err
	}
	return true, nil
}

func (l *Ledger) forget(fingerprint string) {
	l.mu.Lock()
	delete(l.entries, fingerprint)
	l.mu.Unlock()
}

// eventReleaser is implemented by backends that can forget a fingerprint
type eventReleaser interface {
	ReleaseEvent(ctx context.Context, fingerprint string) error
}

// Release forgets a claimed fingerprint whose gift was never written, so
// the sender can retry it.
func (l *Ledger) Release(ctx context.Context, fingerprint string) error {
	l.forget(fingerprint)
	if r, ok := l.backend.(eventReleaser); ok {
		return r.ReleaseEvent(ctx, fingerprint)
	}
	return nil
}

// Seen reports whether fingerprint is held in memory and unexpired.
func (l *Ledger) Seen(fingerprint string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[fingerprint]
	return ok && now.Before(e.expiresAt)
}

// SetTTL changes the TTL applied to new claims.
func (l *Ledger) SetTTL(ttl time.Duration) {
	l.mu.Lock()
	l.ttl = ttl
	l.mu.Unlock()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Purge drops expired entries from memory and from the backend.
func (l *Ledger) Purge(ctx context.Context) (int, int64, error) {
	now := l.clock.Now()
	l.mu.Lock()
	local := 0
	for fp, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, fp)
			local++
		}
	}
	l.mu.Unlock()

	if l.backend == nil {
		return local, 0, nil
	}
	n, err := l.backend.PurgeExpiredEvents(ctx, now)
	return local, n, err
}

// Fingerprint derives an idempotency key for gifts without an upstream id.
func Fingerprint(matchID, playerID, giftID string, value int64, at time.Time) string {
	h := sha256.New()
	for _, part := range []string{matchID, playerID, giftID, strconv.FormatInt(value, 10), strconv.FormatInt(at.UnixNano(), 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
