package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gift-battle-engine/engine"

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

type collector struct {
	mu   sync.Mutex
	aggs []Aggregate
}

func (c *collector) handle(a Aggregate) {
	c.mu.Lock()
	c.aggs = append(c.aggs, a)
	c.mu.Unlock()
}

func (c *collector) byUser() map[string]Aggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Aggregate, len(c.aggs))
	for _, a := range c.aggs {
		out[a.User.ID] = a
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.aggs)
}

func inbound(user, eventID, gift string, value int64) InboundGift {
	return InboundGift{
		EventID: eventID,
		User:    engine.UserInput{ID: user, DisplayName: user},
		Gift:    engine.GiftInput{ID: gift, Value: value},
	}
}

func TestDebouncerConservesValue(t *testing.T) {
	col := &collector{}
	d := NewDebouncer(time.Second, clockwork.NewFakeClock(), nil, col.handle)
	d.Add(inbound("alice", "e1", "rose", 1))
	d.Add(inbound("alice", "e2", "rose", 1))
	d.Add(inbound("alice", "e3", "finger-heart", 5))
	d.Add(inbound("bob", "e4", "galaxy", 1000))
	assert.Equal(t, 2, d.Pending())

	assert.Equal(t, nil, d.Close(context.Background()))
	got := col.byUser()
	alice := got["alice"]
	assert.Equal(t, int64(7), alice.Value)
	assert.Equal(t, 3, alice.Count)
	assert.Equal(t, []GiftBreakdown{
		{GiftID: "rose", Name: "rose", Count: 2, Value: 2},
		{GiftID: "finger-heart", Name: "finger-heart", Count: 1, Value: 5},
	}, alice.Gifts)
	assert.Equal(t, []string{"e1", "e2", "e3"}, alice.Members)
	assert.Equal(t, int64(1000), got["bob"].Value)
}

func TestDebouncerDropsRepeatedEventIDs(t *testing.T) {
	col := &collector{}
	d := NewDebouncer(time.Second, clockwork.NewFakeClock(), nil, col.handle)
	d.Add(inbound("alice", "e1", "rose", 1))
	d.Add(inbound("alice", "e1", "rose", 1))
	d.Close(context.Background())
	assert.Equal(t, int64(1), col.byUser()["alice"].Value)
}

func TestDebouncerWindowResetsOnEachGift(t *testing.T) {
	clock := clockwork.NewFakeClock()
	col := &collector{}
	d := NewDebouncer(200*time.Millisecond, clock, nil, col.handle)
	defer d.Close(context.Background())

	d.Add(inbound("alice", "e1", "rose", 1))
	clock.Advance(150 * time.Millisecond)
	d.Add(inbound("alice", "e2", "rose", 1))
	clock.Advance(150 * time.Millisecond)
	assert.Equal(t, 1, d.Pending())

	clock.Advance(50 * time.Millisecond)
	eventually(t, "aggregate delivery", func() bool { return col.len() == 1 })
	assert.Equal(t, int64(2), col.byUser()["alice"].Value)
	assert.Equal(t, 0, d.Pending())
}

func TestAggregateIDIsDerivedFromMembers(t *testing.T) {
	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		col := &collector{}
		d := NewDebouncer(time.Second, clockwork.NewFakeClock(), nil, col.handle)
		d.Add(inbound("alice", "e1", "rose", 1))
		d.Add(inbound("alice", "e2", "rose", 3))
		d.Close(context.Background())
		ids = append(ids, col.byUser()["alice"].ID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, 32, len(ids[0]))
}

func TestDebouncerValidation(t *testing.T) {
	d := NewDebouncer(time.Second, clockwork.NewFakeClock(), nil, func(Aggregate) {})
	var verr *engine.ValidationError
	assert.Equal(t, true, errors.As(d.Add(inbound("", "e1", "rose", 1)), &verr))
	assert.Equal(t, "user.id", verr.Field)
	assert.Equal(t, true, errors.As(d.Add(inbound("a", "e1", "rose", 0)), &verr))
	assert.Equal(t, "gift.value", verr.Field)
	assert.Equal(t, true, errors.As(d.Add(inbound("a", "e1", "", 1)), &verr))
	assert.Equal(t, "gift.id", verr.Field)

	d.Close(context.Background())
	assert.Equal(t, ErrDebouncerClosed, d.Add(inbound("a", "e1", "rose", 1)))
}

type processed struct {
	gift    engine.GiftInput
	user    engine.UserInput
	eventID string
}

type fakeProcessor struct {
	mu    sync.Mutex
	calls []processed
	fail  string
}

func (p *fakeProcessor) ProcessGift(ctx context.Context, gift engine.GiftInput, user engine.UserInput, eventID string) (*engine.GiftResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, processed{gift, user, eventID})
	if gift.ID == p.fail {
		return nil, &engine.NoActiveMatchError{}
	}
	return &engine.GiftResult{}, nil
}

func TestIngestAggregatesSubmitsPerGiftType(t *testing.T) {
	p := &fakeProcessor{fail: "rose"}
	ingest := IngestAggregates(context.Background(), p, nil)
	ingest(Aggregate{
		ID:   "agg",
		User: engine.UserInput{ID: "alice"},
		Gifts: []GiftBreakdown{
			{GiftID: "rose", Name: "Rose", Count: 2, Value: 2},
			{GiftID: "galaxy", Name: "Galaxy", Count: 1, Value: 1000},
		},
	})
	assert.Equal(t, 2, len(p.calls))
	assert.Equal(t, "agg:rose", p.calls[0].eventID)
	assert.Equal(t, engine.GiftInput{ID: "galaxy", Name: "Galaxy", Value: 1000, Count: 1}, p.calls[1].gift)
	assert.Equal(t, "alice", p.calls[1].user.ID)
}
