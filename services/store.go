package services

import (
	"context"
	"fmt"

	"gift-battle-engine/models"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

// GormStore is the Postgres-backed persistence store
type GormStore struct {
	DB    *gorm.DB
	Clock clockwork.Clock
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db, Clock: clockwork.NewRealClock()}
}

// Migrate creates or updates every table the engine touches and seeds the badge catalogue.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.DB.WithContext(ctx).AutoMigrate(
		&models.Match{},
		&models.Player{},
		&models.Participant{},
		&models.GiftEvent{},
		&models.MultiplierEvent{},
		&models.ProcessedEvent{},
		&models.BadgeType{},
		&models.PlayerBadge{},
		&models.MatchArchive{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return s.SeedBadges(ctx)
}

func (s *GormStore) CreateMatch(ctx context.Context, m *models.Match) error {
	if err := s.DB.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create match %s: %w", m.ID, err)
	}
	return nil
}

// EndMatch writes the final scores. Only an active row is finalized.
func (s *GormStore) EndMatch(ctx context.Context, m *models.Match) error {
	res := s.DB.WithContext(ctx).Model(&models.Match{}).
		Where("id = ? AND status = ?", m.ID, models.MatchStatusActive).
		Updates(map[string]interface{}{
			"status":           m.Status,
			"ended_at":         m.EndedAt,
			"duration_sec":     m.DurationSec,
			"extensions":       m.Extensions,
			"red_score":        m.RedScore,
			"blue_score":       m.BlueScore,
			"total_coins":      m.TotalCoins,
			"total_gifts":      m.TotalGifts,
			"winner_player_id": m.WinnerPlayerID,
			"winner_team":      m.WinnerTeam,
		})
	if res.Error != nil {
		return fmt.Errorf("end match %s: %w", m.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("end match %s: %w", m.ID, gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *GormStore) RecordMultiplierEvent(ctx context.Context, ev *models.MultiplierEvent) error {
	if err := s.DB.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("record multiplier for match %s: %w", ev.MatchID, err)
	}
	return nil
}
