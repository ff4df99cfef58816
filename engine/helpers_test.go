package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"gift-battle-engine/models"
	"gift-battle-engine/services"

	"github.com/jonboulle/clockwork"
)

var epoch = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type recorded struct {
	Event   string
	MatchID string
	Payload any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Emit(event, matchID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{event, matchID, payload})
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (r *recorder) last(event string) (recorded, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Event == event {
			return r.events[i], true
		}
	}
	return recorded{}, false
}

type harness struct {
	*Engine
	store *services.MemoryStore
	clock *clockwork.FakeClock
	rec   *recorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	store := services.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(epoch)
	rec := &recorder{}
	e, err := New(cfg, Deps{
		Store:   store,
		Ledger:  store,
		Emitter: rec,
		Clock:   clock,
		Rand:    rand.New(rand.NewPCG(1, 2)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return &harness{Engine: e, store: store, clock: clock, rec: rec}
}

func (h *harness) start(t *testing.T, mode models.MatchMode, d time.Duration) string {
	t.Helper()
	m, err := h.StartMatch(context.Background(), mode, d)
	if err != nil {
		t.Fatal(err)
	}
	return m.ID
}

func (h *harness) gift(t *testing.T, user, eventID string, value int64) *GiftResult {
	t.Helper()
	res, err := h.ProcessGift(context.Background(),
		GiftInput{ID: "rose", Name: "Rose", Value: value},
		UserInput{ID: user, DisplayName: user},
		eventID,
	)
	if err != nil {
		t.Fatalf("gift %s from %s: %v", eventID, user, err)
	}
	return res
}

// eventually polls cond until it holds; timer callbacks run on their own goroutines.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
