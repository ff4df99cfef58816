package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"gift-battle-engine/engine"
	"gift-battle-engine/utils"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const DefaultDebounceWindow = 200 * time.Millisecond

var ErrDebouncerClosed = errors.New("debouncer closed")

// InboundGift is one raw gift event before debouncing
type InboundGift struct {
	EventID    string           `json:"event_id"`
	User       engine.UserInput `json:"user"`
	Gift       engine.GiftInput `json:"gift"`
	ReceivedAt time.Time        `json:"received_at"`
}

// GiftBreakdown totals one gift type inside an aggregate
type GiftBreakdown struct {
	GiftID string `json:"gift_id"`
	Name   string `json:"name"`
	Count  int    `json:"count"`
	Value  int64  `json:"value"`
}

// Aggregate is every gift one user sent inside a debounce window.
// Value always equals the sum of the member gifts' values.
type Aggregate struct {
	ID      string           `json:"id"`
	User    engine.UserInput `json:"user"`
	Value   int64            `json:"value"`
	Count   int              `json:"count"`
	Gifts   []GiftBreakdown  `json:"gifts"`
	FirstAt time.Time        `json:"first_at"`
	LastAt  time.Time        `json:"last_at"`
	Members []string         `json:"members,omitempty"`
}

type bucket struct {
	agg   Aggregate
	index map[string]int
	ids   map[string]bool
	timer clockwork.Timer
}

// Debouncer merges bursts of gifts per user. Every gift resets its user's
// window; when the window elapses the aggregate is handed to the handler.
// A single consumer goroutine calls the handler, so aggregates of one user
// are delivered in order.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	clock   clockwork.Clock
	log     *zap.Logger
	handler func(Aggregate)
	pending map[string]*bucket
	out     chan Aggregate
	done    chan struct{}
	sending sync.WaitGroup
	closed  bool
}

func NewDebouncer(window time.Duration, clock clockwork.Clock, logger *zap.Logger, handler func(Aggregate)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Debouncer{
		window:  window,
		clock:   clock,
		log:     logger,
		handler: handler,
		pending: make(map[string]*bucket),
		out:     make(chan Aggregate, 1024),
		done:    make(chan struct{}),
	}
	go d.consume()
	return d
}

func (d *Debouncer) consume() {
	defer close(d.done)
	for agg := range d.out {
		d.handler(agg)
	}
}

// Add queues g into its user's window. Repeated event ids inside one
// window are dropped.
func (d *Debouncer) Add(g InboundGift) error {
	if g.User.ID == "" {
		return &engine.ValidationError{Field: "user.id", Message: "required"}
	}
	if g.Gift.Value <= 0 {
		return &engine.ValidationError{Field: "gift.value", Message: "must be positive"}
	}
	giftID := utils.NormalizeGiftID(g.Gift.ID, g.Gift.Name)
	if giftID == "" {
		return &engine.ValidationError{Field: "gift.id", Message: "id or name required"}
	}
	count := g.Gift.Count
	if count <= 0 {
		count = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDebouncerClosed
	}
	now := d.clock.Now()
	at := g.ReceivedAt
	if at.IsZero() {
		at = now
	}

	b, ok := d.pending[g.User.ID]
	if !ok {
		b = &bucket{
			agg:   Aggregate{User: g.User, FirstAt: at},
			index: make(map[string]int),
			ids:   make(map[string]bool),
		}
		d.pending[g.User.ID] = b
	}
	if g.EventID != "" {
		if b.ids[g.EventID] {
			return nil
		}
		b.ids[g.EventID] = true
	}

	a := &b.agg
	if g.User.DisplayName != "" {
		a.User = g.User
	}
	a.Value += g.Gift.Value
	a.Count += count
	if at.Before(a.FirstAt) {
		a.FirstAt = at
	}
	if at.After(a.LastAt) {
		a.LastAt = at
	}
	a.Members = append(a.Members, memberID(g, at))
	i, seen := b.index[giftID]
	if !seen {
		name := g.Gift.Name
		if name == "" {
			name = giftID
		}
		a.Gifts = append(a.Gifts, GiftBreakdown{GiftID: giftID, Name: name})
		i = len(a.Gifts) - 1
		b.index[giftID] = i
	}
	a.Gifts[i].Count += count
	a.Gifts[i].Value += g.Gift.Value

	if b.timer != nil {
		b.timer.Stop()
	}
	user := g.User.ID
	b.timer = d.clock.AfterFunc(d.window, func() { d.fire(user, b) })
	return nil
}

func memberID(g InboundGift, at time.Time) string {
	if g.EventID != "" {
		return g.EventID
	}
	return g.User.ID + "@" + strconv.FormatInt(at.UnixNano(), 10) + "#" + strconv.FormatInt(g.Gift.Value, 10)
}

func (d *Debouncer) fire(user string, b *bucket) {
	d.mu.Lock()
	if d.pending[user] != b {
		d.mu.Unlock()
		return
	}
	delete(d.pending, user)
	agg := seal(b)
	d.sending.Add(1)
	d.mu.Unlock()
	d.out <- agg
	d.sending.Done()
}

// seal derives the aggregate id from its members so a redelivered burst
// maps to the same id.
func seal(b *bucket) Aggregate {
	h := sha256.New()
	h.Write([]byte(b.agg.User.ID))
	for _, m := range b.agg.Members {
		h.Write([]byte{0})
		h.Write([]byte(m))
	}
	b.agg.ID = hex.EncodeToString(h.Sum(nil))[:32]
	return b.agg
}

// Flush delivers every pending window immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	aggs := d.drainLocked()
	d.sending.Add(1)
	d.mu.Unlock()
	for _, a := range aggs {
		d.out <- a
	}
	d.sending.Done()
}

func (d *Debouncer) drainLocked() []Aggregate {
	aggs := make([]Aggregate, 0, len(d.pending))
	for user, b := range d.pending {
		if b.timer != nil {
			b.timer.Stop()
		}
		aggs = append(aggs, seal(b))
		delete(d.pending, user)
	}
	return aggs
}

// Pending is the number of users with an open window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close flushes open windows, waits for the handler to drain and stops the consumer.
func (d *Debouncer) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	aggs := d.drainLocked()
	d.closed = true
	d.mu.Unlock()

	for _, a := range aggs {
		d.out <- a
	}
	d.sending.Wait()
	close(d.out)
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GiftProcessor is the ingestion entry point aggregates are fed into
type GiftProcessor interface {
	ProcessGift(ctx context.Context, gift engine.GiftInput, user engine.UserInput, eventID string) (*engine.GiftResult, error)
}

// IngestAggregates returns a debouncer handler that submits one gift per
// gift type of the aggregate, keyed by the aggregate id.
func IngestAggregates(ctx context.Context, p GiftProcessor, logger *zap.Logger) func(Aggregate) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(a Aggregate) {
		for _, g := range a.Gifts {
			_, err := p.ProcessGift(ctx,
				engine.GiftInput{ID: g.GiftID, Name: g.Name, Value: g.Value, Count: g.Count},
				a.User,
				a.ID+":"+g.GiftID,
			)
			if err != nil {
				logger.Warn("aggregate gift rejected",
					zap.String("user_id", a.User.ID),
					zap.String("gift_id", g.GiftID),
					zap.Int64("value", g.Value),
					zap.Error(err),
				)
			}
		}
	}
}
