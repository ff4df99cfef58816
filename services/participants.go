package services

import (
	"context"
	"fmt"

	"gift-battle-engine/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const giftInsertBatch = 100

// AddParticipant inserts the participant unless the (match, player) pair
// exists, and returns the stored row. The first stored team wins.
func (s *GormStore) AddParticipant(ctx context.Context, p *models.Participant) (*models.Participant, error) {
	db := s.DB.WithContext(ctx)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "match_id"}, {Name: "player_id"}},
		DoNothing: true,
	}).Create(p).Error
	if err != nil {
		return nil, fmt.Errorf("add participant %s to %s: %w", p.PlayerID, p.MatchID, err)
	}

	var stored models.Participant
	if err := db.Where("match_id = ? AND player_id = ?", p.MatchID, p.PlayerID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("load participant %s: %w", p.PlayerID, err)
	}
	return &stored, nil
}

// AddParticipantCoins increments a participant's coins and gifts, creating the row when missing.
func (s *GormStore) AddParticipantCoins(ctx context.Context, matchID, playerID string, team models.Team, coins, gifts int64) error {
	row := models.Participant{
		ID:       uuid.NewString(),
		MatchID:  matchID,
		PlayerID: playerID,
		Team:     team,
		Coins:    coins,
		Gifts:    gifts,
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "match_id"}, {Name: "player_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"coins": gorm.Expr("participants.coins + ?", coins),
			"gifts": gorm.Expr("participants.gifts + ?", gifts),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("add coins for %s in %s: %w", playerID, matchID, err)
	}
	return nil
}

func (s *GormStore) RecordGiftEvent(ctx context.Context, ev *models.GiftEvent) error {
	if err := s.DB.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("record gift %s: %w", ev.Fingerprint, err)
	}
	return nil
}

// RecordGiftEvents bulk-inserts events; fingerprints already stored are skipped.
func (s *GormStore) RecordGiftEvents(ctx context.Context, evs []models.GiftEvent) error {
	if len(evs) == 0 {
		return nil
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoNothing: true,
	}).CreateInBatches(evs, giftInsertBatch).Error
	if err != nil {
		return fmt.Errorf("record %d gifts: %w", len(evs), err)
	}
	return nil
}

// GetLeaderboard returns the top participants of a match ranked 1..n.
func (s *GormStore) GetLeaderboard(ctx context.Context, matchID string, limit int) ([]models.LeaderboardEntry, error) {
	var rows []models.LeaderboardEntry
	err := s.DB.WithContext(ctx).
		Table("participants AS p").
		Select("p.player_id, pl.display_name, pl.avatar_url, p.team, p.coins, p.gifts").
		Joins("LEFT JOIN players pl ON pl.id = p.player_id").
		Where("p.match_id = ?", matchID).
		Order("p.coins DESC, p.gifts DESC, p.player_id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("leaderboard for %s: %w", matchID, err)
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func (s *GormStore) GetTeamScores(ctx context.Context, matchID string) (models.TeamScores, error) {
	var rows []struct {
		Team    models.Team
		Coins   int64
		Players int
	}
	err := s.DB.WithContext(ctx).Model(&models.Participant{}).
		Select("team, COALESCE(SUM(coins), 0) AS coins, COUNT(*) AS players").
		Where("match_id = ? AND team <> ''", matchID).
		Group("team").
		Scan(&rows).Error
	if err != nil {
		return models.TeamScores{}, fmt.Errorf("team scores for %s: %w", matchID, err)
	}
	var ts models.TeamScores
	for _, r := range rows {
		switch r.Team {
		case models.TeamRed:
			ts.Red, ts.RedPlayers = r.Coins, r.Players
		case models.TeamBlue:
			ts.Blue, ts.BluePlayers = r.Coins, r.Players
		}
	}
	return ts, nil
}
