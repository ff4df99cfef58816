package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	batchFlushSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "giftbattle_batch_flush_size",
		Help:    "Items per batch flush",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 150, 200},
	}, []string{"batcher"})
	batchFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "giftbattle_batch_flush_duration_seconds",
		Help:    "Duration of batch flushes",
		Buckets: prometheus.DefBuckets,
	}, []string{"batcher"})
	batchDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftbattle_batch_dropped_items_total",
		Help: "Items dropped because their batch failed to flush",
	}, []string{"batcher"})
	batchSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "giftbattle_batch_current_size",
		Help: "Current adaptive batch size",
	}, []string{"batcher"})
	batchIntervalGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "giftbattle_batch_current_interval_seconds",
		Help: "Current adaptive flush interval",
	}, []string{"batcher"})
)

var ErrBatcherClosed = errors.New("batcher closed")

// Load is the classification the batcher tunes against
type Load int

const (
	LoadLow Load = iota
	LoadMedium
	LoadHigh
)

func (l Load) String() string {
	switch l {
	case LoadHigh:
		return "high"
	case LoadMedium:
		return "medium"
	}
	return "low"
}

// FlushStat records one flush for load classification
type FlushStat struct {
	Items    int
	Capacity int
	Duration time.Duration
	At       time.Time
	Failed   bool
}

// BatcherConfig tunes a Batcher. Zero values take the defaults.
type BatcherConfig struct {
	Name            string
	InitialSize     int
	MinSize         int
	MaxSize         int
	InitialInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	TuneEvery       time.Duration
	StatsWindow     int
	StatsMaxAge     time.Duration
	Clock           clockwork.Clock
	Logger          *zap.Logger
}

func (c *BatcherConfig) defaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.InitialSize <= 0 {
		c.InitialSize = 50
	}
	if c.MinSize <= 0 {
		c.MinSize = 10
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 200
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 500 * time.Millisecond
	}
	if c.TuneEvery <= 0 {
		c.TuneEvery = 5 * time.Second
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 20
	}
	if c.StatsMaxAge <= 0 {
		c.StatsMaxAge = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Batcher queues items and hands them to flush in batches. A batch is
// flushed when the queue reaches the current size or the flush interval
// elapses. Size and interval are re-tuned from recent flush statistics.
// A failed batch is dropped and shrinks the batch size.
type Batcher[T any] struct {
	cfg   BatcherConfig
	flush func(ctx context.Context, items []T) error
	log   *zap.Logger
	clock clockwork.Clock

	mu       sync.Mutex
	queue    []T
	size     int
	interval time.Duration
	stats    []FlushStat
	started  bool
	closed   bool

	flushMu sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func NewBatcher[T any](cfg BatcherConfig, flush func(ctx context.Context, items []T) error) *Batcher[T] {
	cfg.defaults()
	b := &Batcher[T]{
		cfg:      cfg,
		flush:    flush,
		log:      cfg.Logger.With(zap.String("batcher", cfg.Name)),
		clock:    cfg.Clock,
		size:     cfg.InitialSize,
		interval: cfg.InitialInterval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.publish()
	return b
}

// Start runs the flush loop until ctx is done or Close is called.
func (b *Batcher[T]) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.run(ctx)
}

func (b *Batcher[T]) run(ctx context.Context) {
	defer close(b.done)
	timer := b.clock.NewTimer(b.Interval())
	defer timer.Stop()
	tuner := b.clock.NewTicker(b.cfg.TuneEvery)
	defer tuner.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-b.stop:
			b.Flush(context.Background())
			return
		case <-b.kick:
			b.Flush(ctx)
			timer.Reset(b.Interval())
		case <-timer.Chan():
			b.Flush(ctx)
			timer.Reset(b.Interval())
		case <-tuner.Chan():
			b.Tune()
		}
	}
}

// Add enqueues item. Reaching the batch size wakes the flush loop.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		batchDropped.WithLabelValues(b.cfg.Name).Inc()
		b.log.Warn("item added after close dropped")
		return
	}
	b.queue = append(b.queue, item)
	full := len(b.queue) >= b.size
	b.mu.Unlock()
	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes everything queued so far. On failure the batch is dropped,
// the batch size backs off by 20% and the error is returned.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	capacity := b.size
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	start := b.clock.Now()
	err := b.flush(ctx, batch)
	took := b.clock.Since(start)

	batchFlushSize.WithLabelValues(b.cfg.Name).Observe(float64(len(batch)))
	batchFlushDuration.WithLabelValues(b.cfg.Name).Observe(took.Seconds())

	b.mu.Lock()
	b.record(FlushStat{Items: len(batch), Capacity: capacity, Duration: took, At: start, Failed: err != nil})
	if err != nil {
		b.size = clampInt(int(float64(b.size)*0.8), b.cfg.MinSize, b.cfg.MaxSize)
		b.publish()
	}
	size := b.size
	b.mu.Unlock()

	if err != nil {
		batchDropped.WithLabelValues(b.cfg.Name).Add(float64(len(batch)))
		b.log.Error("batch flush failed, dropping batch",
			zap.Int("items", len(batch)),
			zap.Int("next_size", size),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (b *Batcher[T]) record(st FlushStat) {
	b.stats = append(b.stats, st)
	if over := len(b.stats) - b.cfg.StatsWindow; over > 0 {
		b.stats = append(b.stats[:0], b.stats[over:]...)
	}
}

// Tune reclassifies load from the last StatsWindow flushes younger than
// StatsMaxAge and adjusts size and interval.
func (b *Batcher[T]) Tune() Load {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneStats(now)
	load := ClassifyLoad(b.stats, b.interval)
	switch load {
	case LoadHigh:
		b.size = clampInt(int(float64(b.size)*1.5), b.cfg.MinSize, b.cfg.MaxSize)
		b.interval = clampDuration(time.Duration(float64(b.interval)*0.8), b.cfg.MinInterval, b.cfg.MaxInterval)
	case LoadLow:
		b.size = clampInt(int(float64(b.size)*0.8), b.cfg.MinSize, b.cfg.MaxSize)
		b.interval = clampDuration(time.Duration(float64(b.interval)*1.2), b.cfg.MinInterval, b.cfg.MaxInterval)
	}
	b.publish()
	b.log.Debug("batcher tuned",
		zap.Stringer("load", load),
		zap.Int("size", b.size),
		zap.Duration("interval", b.interval),
	)
	return load
}

func (b *Batcher[T]) pruneStats(now time.Time) {
	cut := 0
	for cut < len(b.stats) && now.Sub(b.stats[cut].At) > b.cfg.StatsMaxAge {
		cut++
	}
	if cut > 0 {
		b.stats = append(b.stats[:0], b.stats[cut:]...)
	}
}

// ClassifyLoad grades recent flushes. Batches that fill at least 80% of
// their capacity, or flushes slower than the flush interval, mean high
// load; batches under 30% full, or no flushes at all, mean low load.
func ClassifyLoad(stats []FlushStat, interval time.Duration) Load {
	if len(stats) == 0 {
		return LoadLow
	}
	var fill float64
	var took time.Duration
	for _, st := range stats {
		if st.Capacity > 0 {
			fill += float64(st.Items) / float64(st.Capacity)
		}
		took += st.Duration
	}
	n := float64(len(stats))
	fill /= n
	avg := time.Duration(float64(took) / n)
	switch {
	case fill >= 0.8 || avg > interval:
		return LoadHigh
	case fill < 0.3:
		return LoadLow
	}
	return LoadMedium
}

func (b *Batcher[T]) publish() {
	batchSizeGauge.WithLabelValues(b.cfg.Name).Set(float64(b.size))
	batchIntervalGauge.WithLabelValues(b.cfg.Name).Set(b.interval.Seconds())
}

func (b *Batcher[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Batcher[T]) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

// Len is the number of queued items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the flush loop after a final flush. It is safe to call
// without Start, in which case the final flush runs inline.
func (b *Batcher[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatcherClosed
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	if !started {
		return b.Flush(ctx)
	}
	close(b.stop)
	select {
	case <-b.done:
		// items added while the loop was exiting
		return b.Flush(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
