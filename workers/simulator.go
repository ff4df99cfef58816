package workers

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"gift-battle-engine/engine"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type simGift struct {
	id    string
	name  string
	value int64
	// weight is the relative chance of the gift being picked
	weight int
}

var simCatalogue = []simGift{
	{id: "rose", name: "Rose", value: 1, weight: 50},
	{id: "finger-heart", name: "Finger Heart", value: 5, weight: 25},
	{id: "doughnut", name: "Doughnut", value: 30, weight: 12},
	{id: "hat-and-mustache", name: "Hat and Mustache", value: 99, weight: 8},
	{id: "galaxy", name: "Galaxy", value: 1000, weight: 4},
	{id: "lion", name: "Lion", value: 29999, weight: 1},
}

// SimulatorConfig drives synthetic gift generation for demo overlays
type SimulatorConfig struct {
	Interval time.Duration
	Viewers  int
	Seed     uint64
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// Simulator emits synthetic gifts from a fixed roster of fake viewers.
type Simulator struct {
	cfg    SimulatorConfig
	sink   func(InboundGift) error
	roster []engine.UserInput
	weight int

	mu   sync.Mutex
	rng  *rand.Rand
	stop chan struct{}
	done chan struct{}
}

func NewSimulator(cfg SimulatorConfig, sink func(InboundGift) error) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = 750 * time.Millisecond
	}
	if cfg.Viewers <= 0 {
		cfg.Viewers = 12
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Simulator{
		cfg:  cfg,
		sink: sink,
		rng:  rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for i := 0; i < cfg.Viewers; i++ {
		s.roster = append(s.roster, engine.UserInput{
			ID:          fmt.Sprintf("sim-viewer-%02d", i+1),
			Username:    fmt.Sprintf("viewer%02d", i+1),
			DisplayName: fmt.Sprintf("Sim Viewer %d", i+1),
		})
	}
	for _, g := range simCatalogue {
		s.weight += g.weight
	}
	return s
}

// Next builds one synthetic gift.
func (s *Simulator) Next() InboundGift {
	s.mu.Lock()
	user := s.roster[s.rng.IntN(len(s.roster))]
	roll := s.rng.IntN(s.weight)
	count := 1 + s.rng.IntN(3)
	s.mu.Unlock()

	gift := simCatalogue[len(simCatalogue)-1]
	for _, g := range simCatalogue {
		if roll < g.weight {
			gift = g
			break
		}
		roll -= g.weight
	}
	return InboundGift{
		EventID: "sim-" + uuid.NewString(),
		User:    user,
		Gift: engine.GiftInput{
			ID:    gift.id,
			Name:  gift.name,
			Value: gift.value * int64(count),
			Count: count,
		},
		ReceivedAt: s.cfg.Clock.Now(),
	}
}

// Start emits a gift every Interval until Stop or ctx is done.
func (s *Simulator) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		s.cfg.Logger.Info("simulation started", zap.Duration("interval", s.cfg.Interval), zap.Int("viewers", len(s.roster)))
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.Chan():
				if err := s.sink(s.Next()); err != nil {
					s.cfg.Logger.Warn("simulated gift rejected", zap.Error(err))
				}
			}
		}
	}()
}

func (s *Simulator) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.cfg.Logger.Info("simulation stopped")
}

func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}
