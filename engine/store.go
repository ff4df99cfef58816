package engine

import (
	"context"
	"time"

	"gift-battle-engine/models"
)

// Store is the durable side of the engine.
type Store interface {
	CreateMatch(ctx context.Context, m *models.Match) error
	EndMatch(ctx context.Context, m *models.Match) error

	// GetOrCreatePlayer creates p on first sight and refreshes its display fields otherwise.
	GetOrCreatePlayer(ctx context.Context, p models.Player) (*models.Player, error)
	// AddParticipant is an idempotent upsert. The returned row carries the
	// team that was stored first; later calls never change it.
	AddParticipant(ctx context.Context, p *models.Participant) (*models.Participant, error)
	AddParticipantCoins(ctx context.Context, matchID, playerID string, team models.Team, coins, gifts int64) error

	RecordGiftEvent(ctx context.Context, ev *models.GiftEvent) error
	RecordGiftEvents(ctx context.Context, evs []models.GiftEvent) error

	GetLeaderboard(ctx context.Context, matchID string, limit int) ([]models.LeaderboardEntry, error)
	GetTeamScores(ctx context.Context, matchID string) (models.TeamScores, error)

	UpdateLifetimeStats(ctx context.Context, playerID string, d models.StatsDelta) (*models.Player, error)
	EvaluateAndAwardBadges(ctx context.Context, playerID string) ([]models.BadgeType, error)

	RecordMultiplierEvent(ctx context.Context, ev *models.MultiplierEvent) error
}

// LedgerBackend persists idempotency fingerprints beyond the in-memory window.
type LedgerBackend interface {
	IsEventProcessed(ctx context.Context, fingerprint string) (bool, error)
	MarkEventProcessed(ctx context.Context, ev models.ProcessedEvent) error
	PurgeExpiredEvents(ctx context.Context, now time.Time) (int64, error)
}

// GiftSink receives gift events for deferred bulk persistence.
type GiftSink interface {
	Add(ev models.GiftEvent)
	Flush(ctx context.Context) error
}

// Emitter fans engine events out to viewers.
type Emitter interface {
	Emit(event, matchID string, payload any)
}

// Invalidator drops cached standings for a match.
type Invalidator interface {
	Invalidate(matchID string)
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, string, any) {}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(string) {}
