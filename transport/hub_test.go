package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gift-battle-engine/cache"
	"gift-battle-engine/delta"
	"gift-battle-engine/engine"
	"gift-battle-engine/models"

	"github.com/bmizerany/assert"
	"github.com/jonboulle/clockwork"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeSink struct {
	mu     sync.Mutex
	frames []Envelope
	fail   error
	closed bool
}

func (s *fakeSink) WriteMessage(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Event != event {
		return fmt.Errorf("event %q framed as %q", event, env.Event)
	}
	s.frames = append(s.frames, env)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) last() Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSource struct {
	mu    sync.Mutex
	snap  *models.LeaderboardSnapshot
	loads int
}

func (f *fakeSource) LoadLeaderboard(ctx context.Context, matchID string) (*models.LeaderboardSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.snap == nil {
		return nil, errors.New("no standings")
	}
	return f.snap.Clone(), nil
}

func (f *fakeSource) set(s *models.LeaderboardSnapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func standings(matchID string, n int) *models.LeaderboardSnapshot {
	s := &models.LeaderboardSnapshot{MatchID: matchID}
	for i := 0; i < n; i++ {
		s.Entries = append(s.Entries, models.LeaderboardEntry{
			PlayerID:    fmt.Sprintf("viewer-%02d", i),
			DisplayName: fmt.Sprintf("Viewer Display Name %d", i),
			AvatarURL:   fmt.Sprintf("https://cdn.example.com/avatar/%02d.png", i),
			Coins:       int64(500 - i),
			Gifts:       1,
			Rank:        i + 1,
		})
	}
	return s
}

type hubFixture struct {
	hub   *Hub
	clock *clockwork.FakeClock
	cache *cache.LeaderboardCache
	src   *fakeSource
}

func newFixture(max int) *hubFixture {
	clock := clockwork.NewFakeClock()
	f := &hubFixture{
		clock: clock,
		cache: cache.New(time.Minute, 10, clock),
		src:   &fakeSource{},
	}
	f.hub = NewHub(HubConfig{
		MaxConnections: max,
		RefreshDelay:   250 * time.Millisecond,
		Cache:          f.cache,
		Source:         f.src,
		Clock:          clock,
	})
	return f
}

func TestEmitBroadcastsToEveryViewer(t *testing.T) {
	f := newFixture(10)
	a, b := &fakeSink{}, &fakeSink{}
	assert.Equal(t, nil, f.hub.Join("a", a))
	assert.Equal(t, nil, f.hub.Join("b", b))
	assert.Equal(t, 2, f.hub.Viewers())

	f.hub.Emit(engine.EventGiftReceived, "m1", map[string]int{"coins": 5})
	for _, s := range []*fakeSink{a, b} {
		assert.Equal(t, 1, s.count())
		env := s.last()
		assert.Equal(t, engine.EventGiftReceived, env.Event)
		assert.Equal(t, "m1", env.MatchID)
		assert.Equal(t, `{"coins":5}`, string(env.Data))
	}
}

func TestViewerGetsFullThenDelta(t *testing.T) {
	f := newFixture(10)
	f.src.set(standings("m1", 10))
	f.hub.Emit(engine.EventMatchState, "m1", struct{}{})

	v := &fakeSink{}
	f.hub.Join("v", v)
	eventually(t, "initial leaderboard", func() bool { return v.count() == 1 })
	first := v.last()
	assert.Equal(t, engine.EventLeaderboardUpdate, first.Event)
	assert.Equal(t, delta.KindFull, first.Type)

	next := standings("m1", 10)
	next.Entries[4].Coins += 3
	f.src.set(next)
	f.cache.Invalidate("m1")
	f.hub.Emit(engine.EventGiftReceived, "m1", struct{}{})
	assert.Equal(t, 2, v.count())

	f.clock.Advance(250 * time.Millisecond)
	eventually(t, "delta leaderboard", func() bool { return v.count() == 3 })
	upd := v.last()
	assert.Equal(t, engine.EventLeaderboardUpdate, upd.Event)
	assert.Equal(t, delta.KindDelta, upd.Type)
	var d delta.Delta
	assert.Equal(t, nil, json.Unmarshal(upd.Data, &d))
	assert.Equal(t, 1, len(d.Updated))
	assert.Equal(t, "viewer-04", d.Updated[0].PlayerID)
	assert.Equal(t, int64(3), d.Updated[0].CoinsDelta)
}

func TestResyncSendsFull(t *testing.T) {
	f := newFixture(10)
	f.src.set(standings("m1", 10))
	f.hub.Emit(engine.EventMatchState, "m1", struct{}{})
	v := &fakeSink{}
	f.hub.Join("v", v)
	eventually(t, "initial leaderboard", func() bool { return v.count() == 1 })

	f.hub.Resync("v")
	eventually(t, "resync", func() bool { return v.count() == 2 })
	assert.Equal(t, delta.KindFull, v.last().Type)
}

func TestFailedWriteDropsViewer(t *testing.T) {
	f := newFixture(10)
	v := &fakeSink{fail: errors.New("broken pipe")}
	f.hub.Join("v", v)
	f.hub.Emit(engine.EventMatchPaused, "m1", struct{}{})
	eventually(t, "viewer drop", func() bool { return f.hub.Viewers() == 0 })
	assert.Equal(t, true, v.isClosed())
	assert.Equal(t, 0, f.hub.Pool().Stats().Active)
}

func TestPoolEvictionClosesOldestViewer(t *testing.T) {
	f := newFixture(1)
	a, b := &fakeSink{}, &fakeSink{}
	f.hub.Join("a", a)
	f.hub.Join("b", b)
	assert.Equal(t, true, a.isClosed())
	assert.Equal(t, false, b.isClosed())
	assert.Equal(t, 1, f.hub.Viewers())

	f.hub.Emit(engine.EventMatchResumed, "m1", struct{}{})
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
}

func TestRejoinReplacesSink(t *testing.T) {
	f := newFixture(10)
	old, fresh := &fakeSink{}, &fakeSink{}
	f.hub.Join("v", old)
	f.hub.Join("v", fresh)
	assert.Equal(t, true, old.isClosed())
	assert.Equal(t, 1, f.hub.Viewers())

	f.hub.Leave("v", old)
	assert.Equal(t, 1, f.hub.Viewers())
	f.hub.Leave("v", fresh)
	assert.Equal(t, 0, f.hub.Viewers())
}

func TestCloseClosesViewers(t *testing.T) {
	f := newFixture(10)
	v := &fakeSink{}
	f.hub.Join("v", v)
	f.hub.Emit(engine.EventGiftReceived, "m1", struct{}{})
	f.hub.Close()
	assert.Equal(t, true, v.isClosed())
	assert.Equal(t, 0, f.hub.Viewers())
}

// replay folds the leaderboard frames a sink received into the state a
// client would hold.
func replay(t *testing.T, frames []Envelope) *models.LeaderboardSnapshot {
	t.Helper()
	var state *models.LeaderboardSnapshot
	for _, env := range frames {
		if env.Event != engine.EventLeaderboardUpdate {
			continue
		}
		switch env.Type {
		case delta.KindFull:
			state = &models.LeaderboardSnapshot{}
			if err := json.Unmarshal(env.Data, state); err != nil {
				t.Fatal(err)
			}
		case delta.KindDelta:
			if state == nil {
				t.Fatal("delta before any full snapshot")
			}
			var d delta.Delta
			if err := json.Unmarshal(env.Data, &d); err != nil {
				t.Fatal(err)
			}
			state = delta.Apply(state, &d)
		}
	}
	return state
}

func coinsByPlayer(s *models.LeaderboardSnapshot) map[string]int64 {
	out := make(map[string]int64, len(s.Entries))
	for _, e := range s.Entries {
		out[e.PlayerID] = e.Coins
	}
	return out
}

func TestConcurrentLeaderboardSendsStayReplayable(t *testing.T) {
	f := newFixture(10)
	sink := &fakeSink{}
	assert.Equal(t, nil, f.hub.Join("v", sink))
	v := f.hub.snapshotViewers("v")[0]

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		snap := standings("m1", 10)
		snap.Entries[i%10].Coins += int64(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.hub.sendLeaderboard(v, snap)
		}()
	}
	wg.Wait()

	final := standings("m1", 10)
	final.Entries[3].Coins += 1000
	f.hub.sendLeaderboard(v, final)

	sink.mu.Lock()
	frames := append([]Envelope(nil), sink.frames...)
	sink.mu.Unlock()
	assert.Equal(t, 41, len(frames))
	assert.Equal(t, delta.KindFull, frames[0].Type)
	assert.Equal(t, coinsByPlayer(final), coinsByPlayer(replay(t, frames)))
}
