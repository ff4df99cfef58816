package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"gift-battle-engine/models"

	"github.com/bmizerany/assert"
	"github.com/jonboulle/clockwork"
)

func snapshot(matchID string, coins int64) *models.LeaderboardSnapshot {
	return &models.LeaderboardSnapshot{
		MatchID: matchID,
		Entries: []models.LeaderboardEntry{{PlayerID: "p1", Coins: coins, Rank: 1}},
		Teams:   &models.TeamScores{Red: coins},
	}
}

func TestCacheCopiesValues(t *testing.T) {
	c := New(time.Second, 10, clockwork.NewFakeClock())
	snap := snapshot("m1", 5)
	c.Set("m1", snap)
	snap.Entries[0].Coins = 99
	snap.Teams.Red = 99

	got, ok := c.Get("m1")
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(5), got.Entries[0].Coins)
	assert.Equal(t, int64(5), got.Teams.Red)

	got.Entries[0].Coins = 42
	again, _ := c.Get("m1")
	assert.Equal(t, int64(5), again.Entries[0].Coins)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(5*time.Second, 10, clock)
	c.Set("m1", snapshot("m1", 1))
	clock.Advance(4 * time.Second)
	_, ok := c.Get("m1")
	assert.Equal(t, true, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("m1")
	assert.Equal(t, false, ok)
	assert.Equal(t, 0, c.Len())
	st := c.Stats()
	assert.Equal(t, 1, st.Hits)
	assert.Equal(t, 1, st.Misses)
	assert.Equal(t, 1, st.Evictions)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(time.Minute, 2, clockwork.NewFakeClock())
	c.Set("a", snapshot("a", 1))
	c.Set("b", snapshot("b", 2))
	c.Get("a")
	c.Set("c", snapshot("c", 3))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("b")
	assert.Equal(t, false, ok)
	_, ok = c.Get("a")
	assert.Equal(t, true, ok)
	_, ok = c.Get("c")
	assert.Equal(t, true, ok)
}

func TestCacheSweepAndInvalidate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(time.Second, 10, clock)
	c.Set("a", snapshot("a", 1))
	clock.Advance(500 * time.Millisecond)
	c.Set("b", snapshot("b", 1))
	clock.Advance(600 * time.Millisecond)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	c.Invalidate("b")
	assert.Equal(t, 0, c.Len())
}

func TestGetOrLoad(t *testing.T) {
	c := New(time.Minute, 10, clockwork.NewFakeClock())
	calls := 0
	load := func(ctx context.Context, id string) (*models.LeaderboardSnapshot, error) {
		calls++
		return snapshot(id, 7), nil
	}
	for i := 0; i < 3; i++ {
		snap, err := c.GetOrLoad(context.Background(), "m1", load)
		assert.Equal(t, nil, err)
		assert.Equal(t, int64(7), snap.Entries[0].Coins)
	}
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), "m2", func(context.Context, string) (*models.LeaderboardSnapshot, error) {
		return nil, boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, c.Len())
}

func TestInvalidateDuringLoadSkipsCaching(t *testing.T) {
	c := New(time.Minute, 10, clockwork.NewFakeClock())
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan *models.LeaderboardSnapshot, 1)
	go func() {
		snap, err := c.GetOrLoad(context.Background(), "m1", func(ctx context.Context, id string) (*models.LeaderboardSnapshot, error) {
			close(started)
			<-release
			return snapshot(id, 10), nil
		})
		if err != nil {
			t.Errorf("load: %v", err)
		}
		done <- snap
	}()
	<-started
	c.Invalidate("m1")
	close(release)

	snap := <-done
	assert.Equal(t, int64(10), snap.Entries[0].Coins)
	_, ok := c.Get("m1")
	assert.Equal(t, false, ok)

	fresh, err := c.GetOrLoad(context.Background(), "m1", func(ctx context.Context, id string) (*models.LeaderboardSnapshot, error) {
		return snapshot(id, 25), nil
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(25), fresh.Entries[0].Coins)
	got, ok := c.Get("m1")
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(25), got.Entries[0].Coins)
}
