package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gift-battle-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetOrCreatePlayer inserts p on first sight; afterwards only its display fields are refreshed.
func (s *GormStore) GetOrCreatePlayer(ctx context.Context, p models.Player) (*models.Player, error) {
	db := s.DB.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username",
			"display_name",
			"avatar_url",
			"search_name",
			"updated_at",
		}),
	}).Omit("Badges").Create(&p).Error
	if err != nil {
		return nil, fmt.Errorf("upsert player %s: %w", p.ID, err)
	}

	var out models.Player
	if err := db.Where("id = ?", p.ID).First(&out).Error; err != nil {
		return nil, fmt.Errorf("load player %s: %w", p.ID, err)
	}
	return &out, nil
}

// UpdateLifetimeStats applies d under a row lock and returns the updated player
func (s *GormStore) UpdateLifetimeStats(ctx context.Context, playerID string, d models.StatsDelta) (*models.Player, error) {
	var updated models.Player
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Player
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", playerID).First(&p).Error; err != nil {
			return fmt.Errorf("player %s not found: %w", playerID, err)
		}

		p.Apply(d)

		if err := tx.Model(&p).Select(
			"lifetime_coins",
			"lifetime_gifts",
			"matches_played",
			"matches_won",
			"win_streak",
			"best_win_streak",
			"last_match_at",
		).Updates(&p).Error; err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// GetPlayer loads a player with their awarded badges.
func (s *GormStore) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	var p models.Player
	err := s.DB.WithContext(ctx).
		Preload("Badges", func(db *gorm.DB) *gorm.DB { return db.Order("awarded_at") }).
		Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrPlayerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load player %s: %w", id, err)
	}
	return &p, nil
}

// SearchPlayers matches q against the folded display name and the username,
// highest lifetime coins first.
func (s *GormStore) SearchPlayers(ctx context.Context, q string, limit int) ([]models.Player, error) {
	db := s.DB.WithContext(ctx).Model(&models.Player{}).Limit(limit)
	if q != "" {
		term := likeContains(q)
		db = db.Where("search_name LIKE ? OR LOWER(username) LIKE ?", term, term)
	}
	var players []models.Player
	if err := db.Order("lifetime_coins DESC").Order("id").Find(&players).Error; err != nil {
		return nil, fmt.Errorf("search players: %w", err)
	}
	return players, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likeContains turns q into a LIKE pattern matching it literally anywhere,
// using Postgres' default backslash escape.
func likeContains(q string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(q)) + "%"
}
