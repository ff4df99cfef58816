package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gift-battle-engine/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// RetentionStore is the part of the store the housekeeper prunes
type RetentionStore interface {
	ArchiveMatches(ctx context.Context, cutoff time.Time, limit int) ([]models.MatchArchive, error)
	Maintain(ctx context.Context) error
}

// LedgerPurger drops expired idempotency entries
type LedgerPurger interface {
	Purge(ctx context.Context) (int, int64, error)
}

// Sweeper drops expired entries from an in-memory structure
type Sweeper interface {
	Sweep() int
}

// ArchiveUploader exports an archived match summary
type ArchiveUploader interface {
	UploadArchive(ctx context.Context, a models.MatchArchive) error
}

type HousekeeperConfig struct {
	Store    RetentionStore
	Ledger   LedgerPurger
	Cache    Sweeper
	Pools    []Sweeper
	Uploader ArchiveUploader

	Retention       time.Duration // completed matches older than this are archived
	ArchiveBatch    int
	RetentionEvery  time.Duration
	CacheSweepEvery time.Duration
	PoolSweepEvery  time.Duration
	MaintainEvery   int // run store maintenance every Nth retention pass
	Clock           clockwork.Clock
	Logger          *zap.Logger
}

// RetentionReport describes one retention pass
type RetentionReport struct {
	Archived          int      `json:"archived"`
	Uploaded          int      `json:"uploaded"`
	LedgerPurged      int      `json:"ledger_purged"`
	StoreEventsPurged int64    `json:"store_events_purged"`
	Maintained        bool     `json:"maintained"`
	Errors            []string `json:"errors,omitempty"`
}

// Housekeeper runs the periodic retention, cache sweep and pool sweep jobs.
type Housekeeper struct {
	cfg   HousekeeperConfig
	log   *zap.Logger
	sched gocron.Scheduler

	mu     sync.Mutex
	passes int
}

func NewHousekeeper(cfg HousekeeperConfig) *Housekeeper {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.ArchiveBatch <= 0 {
		cfg.ArchiveBatch = 100
	}
	if cfg.RetentionEvery <= 0 {
		cfg.RetentionEvery = 10 * time.Minute
	}
	if cfg.CacheSweepEvery <= 0 {
		cfg.CacheSweepEvery = 10 * time.Second
	}
	if cfg.PoolSweepEvery <= 0 {
		cfg.PoolSweepEvery = 30 * time.Second
	}
	if cfg.MaintainEvery <= 0 {
		cfg.MaintainEvery = 6
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Housekeeper{cfg: cfg, log: cfg.Logger}
}

// Start schedules the jobs. ctx bounds every retention pass.
func (h *Housekeeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(h.cfg.Clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	// Every RetentionEvery: archive, purge, maybe maintain
	if _, err := sched.NewJob(
		gocron.DurationJob(h.cfg.RetentionEvery),
		gocron.NewTask(func() {
			rep := h.RunRetention(ctx)
			h.log.Info("retention pass",
				zap.Int("archived", rep.Archived),
				zap.Int("ledger_purged", rep.LedgerPurged),
				zap.Int64("store_events_purged", rep.StoreEventsPurged),
				zap.Bool("maintained", rep.Maintained),
				zap.Strings("errors", rep.Errors),
			)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}

	if h.cfg.Cache != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(h.cfg.CacheSweepEvery),
			gocron.NewTask(func() {
				if n := h.cfg.Cache.Sweep(); n > 0 {
					h.log.Debug("cache sweep", zap.Int("expired", n))
				}
			}),
		); err != nil {
			return fmt.Errorf("schedule cache sweep: %w", err)
		}
	}

	if len(h.cfg.Pools) > 0 {
		if _, err := sched.NewJob(
			gocron.DurationJob(h.cfg.PoolSweepEvery),
			gocron.NewTask(func() {
				for _, p := range h.cfg.Pools {
					if n := p.Sweep(); n > 0 {
						h.log.Info("pool sweep", zap.Int("stale", n))
					}
				}
			}),
		); err != nil {
			return fmt.Errorf("schedule pool sweep: %w", err)
		}
	}

	h.sched = sched
	sched.Start()
	return nil
}

func (h *Housekeeper) Shutdown() error {
	if h.sched == nil {
		return nil
	}
	return h.sched.Shutdown()
}

// RunRetention performs one pass. Each step runs even when an earlier one fails.
func (h *Housekeeper) RunRetention(ctx context.Context) RetentionReport {
	var rep RetentionReport
	fail := func(step string, err error) {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", step, err))
		h.log.Error("retention step failed", zap.String("step", step), zap.Error(err))
	}

	if h.cfg.Store != nil {
		cutoff := h.cfg.Clock.Now().Add(-h.cfg.Retention)
		archives, err := h.cfg.Store.ArchiveMatches(ctx, cutoff, h.cfg.ArchiveBatch)
		if err != nil {
			fail("archive", err)
		}
		rep.Archived = len(archives)
		if h.cfg.Uploader != nil {
			for _, a := range archives {
				if err := h.cfg.Uploader.UploadArchive(ctx, a); err != nil {
					fail("upload "+a.MatchID, err)
					continue
				}
				rep.Uploaded++
			}
		}
	}

	if h.cfg.Ledger != nil {
		local, stored, err := h.cfg.Ledger.Purge(ctx)
		rep.LedgerPurged = local
		rep.StoreEventsPurged = stored
		if err != nil {
			fail("ledger purge", err)
		}
	}

	h.mu.Lock()
	h.passes++
	due := h.passes%h.cfg.MaintainEvery == 0
	h.mu.Unlock()
	if due && h.cfg.Store != nil {
		if err := h.cfg.Store.Maintain(ctx); err != nil {
			fail("maintain", err)
		} else {
			rep.Maintained = true
		}
	}
	return rep
}
