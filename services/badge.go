package services

import (
	"context"
	"fmt"

	"gift-battle-engine/models"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

// SeedBadges upserts the static badge catalogue.
func (s *GormStore) SeedBadges(ctx context.Context) error {
	for _, b := range models.BadgeTriggers {
		badge := b
		err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "rarity", "threshold"}),
		}).Create(&badge).Error
		if err != nil {
			return fmt.Errorf("seed badge %s: %w", b.Code, err)
		}
	}
	return nil
}

// EvaluateAndAwardBadges checks all badge triggers for a player after a stats update.
// Each badge is awarded at most once; only newly awarded badges are returned.
func (s *GormStore) EvaluateAndAwardBadges(ctx context.Context, playerID string) ([]models.BadgeType, error) {
	db := s.DB.WithContext(ctx)
	var p models.Player
	if err := db.Where("id = ?", playerID).First(&p).Error; err != nil {
		return nil, fmt.Errorf("load player %s: %w", playerID, err)
	}

	var awarded []models.BadgeType
	for _, trigger := range models.BadgeTriggers {
		if !models.MeetsThreshold(&p, trigger.Threshold) {
			continue
		}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.PlayerBadge{
			ID:        uuid.NewString(),
			PlayerID:  playerID,
			BadgeCode: trigger.Code,
		})
		if res.Error != nil {
			return awarded, fmt.Errorf("award %s to %s: %w", trigger.Code, playerID, res.Error)
		}
		if res.RowsAffected > 0 {
			awarded = append(awarded, trigger)
		}
	}
	return awarded, nil
}
