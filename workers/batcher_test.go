package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/jonboulle/clockwork"
)

type flushLog struct {
	mu      sync.Mutex
	batches [][]int
	err     error
}

func (f *flushLog) flush(ctx context.Context, items []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]int(nil), items...))
	return nil
}

func (f *flushLog) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestBatcherCloseWithoutStartFlushesInline(t *testing.T) {
	log := &flushLog{}
	b := NewBatcher[int](BatcherConfig{Name: "inline", Clock: clockwork.NewFakeClock()}, log.flush)
	b.Add(1)
	b.Add(2)
	assert.Equal(t, nil, b.Close(context.Background()))
	assert.Equal(t, [][]int{{1, 2}}, log.batches)
	assert.Equal(t, ErrBatcherClosed, b.Close(context.Background()))

	b.Add(3)
	assert.Equal(t, 0, b.Len())
}

func TestBatcherFlushesWhenFull(t *testing.T) {
	log := &flushLog{}
	b := NewBatcher[int](BatcherConfig{Name: "full", InitialSize: 3, MinSize: 1, Clock: clockwork.NewFakeClock()}, log.flush)
	b.Start(context.Background())
	for i := 0; i < 3; i++ {
		b.Add(i)
	}
	eventually(t, "size-triggered flush", func() bool { return log.total() == 3 })

	b.Add(9)
	assert.Equal(t, nil, b.Close(context.Background()))
	assert.Equal(t, 4, log.total())
}

func TestBatcherFailureShrinksSize(t *testing.T) {
	log := &flushLog{err: errors.New("db down")}
	b := NewBatcher[int](BatcherConfig{Name: "failing", Clock: clockwork.NewFakeClock()}, log.flush)
	b.Add(1)
	assert.Equal(t, log.err, b.Flush(context.Background()))
	assert.Equal(t, 40, b.Size())
	assert.Equal(t, 0, b.Len())

	for i := 0; i < 20; i++ {
		b.Add(i)
		b.Flush(context.Background())
	}
	assert.Equal(t, 10, b.Size())
}

func TestBatcherTune(t *testing.T) {
	b := NewBatcher[int](BatcherConfig{Name: "tune", Clock: clockwork.NewFakeClock()}, (&flushLog{}).flush)
	assert.Equal(t, LoadLow, b.Tune())
	assert.Equal(t, 40, b.Size())
	assert.Equal(t, 120*time.Millisecond, b.Interval())

	for i := 0; i < 40; i++ {
		b.Add(i)
	}
	b.Flush(context.Background())
	assert.Equal(t, LoadHigh, b.Tune())
	assert.Equal(t, 60, b.Size())
	assert.Equal(t, 96*time.Millisecond, b.Interval())
}

func TestBatcherTuneUsesRollingWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBatcher[int](BatcherConfig{Name: "rolling", InitialSize: 40, Clock: clock}, (&flushLog{}).flush)
	for i := 0; i < 40; i++ {
		b.Add(i)
	}
	b.Flush(context.Background())
	assert.Equal(t, LoadHigh, b.Tune())
	assert.Equal(t, 60, b.Size())

	// the same flush still counts on the next pass
	clock.Advance(5 * time.Second)
	assert.Equal(t, LoadHigh, b.Tune())
	assert.Equal(t, 90, b.Size())

	clock.Advance(30 * time.Second)
	assert.Equal(t, LoadLow, b.Tune())
	assert.Equal(t, 72, b.Size())
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &flushLog{}
	b := NewBatcher[int](BatcherConfig{Name: "interval", Clock: clock}, log.flush)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Start(ctx)
	// flush timer and tuning ticker
	if err := clock.BlockUntilContext(ctx, 2); err != nil {
		t.Fatal(err)
	}

	b.Add(1)
	b.Add(2)
	assert.Equal(t, 0, log.total())
	clock.Advance(100 * time.Millisecond)
	eventually(t, "interval flush", func() bool { return log.total() == 2 })
	assert.Equal(t, nil, b.Close(context.Background()))
}

func TestBatcherTunesOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBatcher[int](BatcherConfig{Name: "ticker", Clock: clock}, (&flushLog{}).flush)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Start(ctx)
	if err := clock.BlockUntilContext(ctx, 2); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, 50, b.Size())
	clock.Advance(5 * time.Second)
	eventually(t, "tuning pass", func() bool { return b.Size() == 40 })
	assert.Equal(t, nil, b.Close(context.Background()))
}

func TestClassifyLoad(t *testing.T) {
	interval := 100 * time.Millisecond
	cases := []struct {
		name  string
		stats []FlushStat
		want  Load
	}{
		{"idle", nil, LoadLow},
		{"sparse", []FlushStat{{Items: 2, Capacity: 50}, {Items: 10, Capacity: 50}}, LoadLow},
		{"moderate", []FlushStat{{Items: 25, Capacity: 50}}, LoadMedium},
		{"full", []FlushStat{{Items: 45, Capacity: 50}, {Items: 40, Capacity: 50}}, LoadHigh},
		{"slow", []FlushStat{{Items: 5, Capacity: 50, Duration: 300 * time.Millisecond}}, LoadHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyLoad(tc.stats, interval))
		})
	}
}
