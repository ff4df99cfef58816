// Package engine runs one gift-driven match at a time: the lifecycle state
// machine, idempotent gift ingestion, team assignment and multipliers.
package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"gift-battle-engine/models"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// State of the lifecycle controller
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StatePaused
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Deps are the collaborators of an Engine. Only Store is required.
type Deps struct {
	Store       Store
	Ledger      LedgerBackend
	Sink        GiftSink
	Emitter     Emitter
	Invalidator Invalidator
	Clock       clockwork.Clock
	Logger      *zap.Logger
	Rand        *rand.Rand
}

type Engine struct {
	mu sync.Mutex

	cfg         Config
	store       Store
	ledger      *Ledger
	sink        GiftSink
	emitter     Emitter
	invalidator Invalidator
	clock       clockwork.Clock
	log         *zap.Logger
	rng         *rand.Rand

	state     State
	current   *MatchContext
	last      *models.Match
	startDone chan struct{}
	reset     clockwork.Timer
	stopped   bool
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         cfg,
		store:       deps.Store,
		sink:        deps.Sink,
		emitter:     deps.Emitter,
		invalidator: deps.Invalidator,
		clock:       deps.Clock,
		log:         deps.Logger,
		rng:         deps.Rand,
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.emitter == nil {
		e.emitter = nopEmitter{}
	}
	if e.invalidator == nil {
		e.invalidator = nopInvalidator{}
	}
	if e.rng == nil {
		seed := uint64(e.clock.Now().UnixNano())
		e.rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	e.ledger = NewLedger(deps.Ledger, cfg.IdempotencyTTL, e.clock)
	return e, nil
}

// SetEmitter swaps the broadcast target. Used when the transport is built after the engine.
func (e *Engine) SetEmitter(em Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if em == nil {
		em = nopEmitter{}
	}
	e.emitter = em
}

func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// LoadConfig applies a partial update. Invalid options change nothing.
// Duration changes take effect from the next match.
func (e *Engine) LoadConfig(opts Options) (Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := e.cfg.With(opts)
	if err != nil {
		return e.cfg, err
	}
	if next.IdempotencyTTL != e.cfg.IdempotencyTTL {
		e.ledger.SetTTL(next.IdempotencyTTL)
	}
	if !next.AutoReset && e.reset != nil {
		e.reset.Stop()
		e.reset = nil
	}
	e.cfg = next
	e.log.Info("config loaded",
		zap.Duration("match_duration", next.MatchDuration),
		zap.String("team_policy", string(next.TeamPolicy)),
		zap.Bool("auto_start", next.AutoStart),
		zap.Bool("auto_reset", next.AutoReset),
		zap.Bool("auto_extension", next.AutoExtension),
	)
	return next, nil
}

// Status is a point-in-time view of the controller
type Status struct {
	State        string             `json:"state"`
	Match        *models.Match      `json:"match,omitempty"`
	RemainingSec float64            `json:"remaining_sec"`
	EndsAt       *time.Time         `json:"ends_at,omitempty"`
	Extensions   int                `json:"extensions"`
	Multiplier   *MultiplierWindow  `json:"multiplier,omitempty"`
	Teams        *models.TeamScores `json:"teams,omitempty"`
	Participants int                `json:"participants"`
	LastMatch    *models.Match      `json:"last_match,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	st := Status{State: e.state.String()}
	if e.last != nil {
		last := *e.last
		st.LastMatch = &last
	}
	mc := e.current
	if mc == nil {
		return st
	}
	m := *mc.Match
	st.Match = &m
	remaining := mc.Remaining(now)
	st.RemainingSec = remaining.Seconds()
	if !mc.paused() {
		ends := now.Add(remaining)
		st.EndsAt = &ends
	}
	st.Extensions = mc.extensions
	if mc.multiplier.activeAt(now) {
		w := *mc.multiplier
		st.Multiplier = &w
	}
	if mc.Match.Mode.Teamed() {
		ts := mc.teamScores()
		st.Teams = &ts
	}
	st.Participants = len(mc.players)
	return st
}

// CurrentMatchID returns the running match id, or the last ended one.
func (e *Engine) CurrentMatchID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return e.current.Match.ID
	}
	if e.last != nil {
		return e.last.ID
	}
	return ""
}

// LoadLeaderboard reads standings for matchID from the store.
func (e *Engine) LoadLeaderboard(ctx context.Context, matchID string) (*models.LeaderboardSnapshot, error) {
	limit := e.Config().LeaderboardLimit
	entries, err := e.store.GetLeaderboard(ctx, matchID, limit)
	if err != nil {
		return nil, persistErr("get leaderboard", err)
	}
	snap := &models.LeaderboardSnapshot{
		MatchID:     matchID,
		Entries:     entries,
		GeneratedAt: e.clock.Now(),
	}
	scores, err := e.store.GetTeamScores(ctx, matchID)
	if err != nil {
		return nil, persistErr("get team scores", err)
	}
	if scores.RedPlayers+scores.BluePlayers > 0 {
		snap.Teams = &scores
	}
	return snap, nil
}

// Stop cancels every match-scoped timer and any pending auto-reset.
// The current match, if any, stays in its state.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.reset != nil {
		e.reset.Stop()
		e.reset = nil
	}
	if e.current != nil {
		e.current.stopTimers()
	}
}

func (e *Engine) emit(event, matchID string, payload any) {
	e.mu.Lock()
	em := e.emitter
	e.mu.Unlock()
	em.Emit(event, matchID, payload)
}
