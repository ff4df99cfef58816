package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gift-battle-engine/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const archiveTopPlayers = 3

// TopPlayer is one row of an archive's top_players column
type TopPlayer struct {
	PlayerID string      `json:"player_id"`
	Team     models.Team `json:"team,omitempty"`
	Coins    int64       `json:"coins"`
	Gifts    int64       `json:"gifts"`
}

func (s *GormStore) IsEventProcessed(ctx context.Context, fingerprint string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("fingerprint = ? AND expires_at > ?", fingerprint, s.Clock.Now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) MarkEventProcessed(ctx context.Context, ev models.ProcessedEvent) error {
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"match_id", "player_id", "expires_at"}),
	}).Create(&ev).Error
	if err != nil {
		return fmt.Errorf("mark fingerprint: %w", err)
	}
	return nil
}

func (s *GormStore) ReleaseEvent(ctx context.Context, fingerprint string) error {
	err := s.DB.WithContext(ctx).Where("fingerprint = ?", fingerprint).Delete(&models.ProcessedEvent{}).Error
	if err != nil {
		return fmt.Errorf("release fingerprint: %w", err)
	}
	return nil
}

func (s *GormStore) PurgeExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.ProcessedEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge processed events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ArchiveMatches summarizes completed matches that ended before cutoff,
// deletes their raw gift events and flags them archived. A failing match
// does not stop the others.
func (s *GormStore) ArchiveMatches(ctx context.Context, cutoff time.Time, limit int) ([]models.MatchArchive, error) {
	db := s.DB.WithContext(ctx)
	var matches []models.Match
	err := db.Where("status = ? AND archived = ? AND ended_at < ?", models.MatchStatusCompleted, false, cutoff).
		Order("ended_at ASC").
		Limit(limit).
		Find(&matches).Error
	if err != nil {
		return nil, fmt.Errorf("find archivable matches: %w", err)
	}

	var archives []models.MatchArchive
	var errs []error
	for _, m := range matches {
		var archive models.MatchArchive
		err := db.Transaction(func(tx *gorm.DB) error {
			var parts []models.Participant
			if err := tx.Where("match_id = ?", m.ID).
				Order("coins DESC, gifts DESC, player_id ASC").
				Find(&parts).Error; err != nil {
				return err
			}
			archive = BuildArchive(m, parts, s.Clock.Now())
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&archive).Error; err != nil {
				return err
			}
			if err := tx.Where("match_id = ?", m.ID).Delete(&models.GiftEvent{}).Error; err != nil {
				return err
			}
			return tx.Model(&models.Match{}).Where("id = ?", m.ID).Update("archived", true).Error
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("archive match %s: %w", m.ID, err))
			continue
		}
		archives = append(archives, archive)
	}
	return archives, errors.Join(errs...)
}

// Maintain reclaims space and refreshes planner statistics on the hot tables.
func (s *GormStore) Maintain(ctx context.Context) error {
	for _, table := range []string{"gift_events", "participants", "processed_events", "matches"} {
		if err := s.DB.WithContext(ctx).Exec("VACUUM ANALYZE " + table).Error; err != nil {
			return fmt.Errorf("vacuum %s: %w", table, err)
		}
	}
	return nil
}

// BuildArchive produces the summary row for a finished match. parts must be
// ordered by standing.
func BuildArchive(m models.Match, parts []models.Participant, now time.Time) models.MatchArchive {
	top := make([]TopPlayer, 0, archiveTopPlayers)
	for i, p := range parts {
		if i == archiveTopPlayers {
			break
		}
		top = append(top, TopPlayer{PlayerID: p.PlayerID, Team: p.Team, Coins: p.Coins, Gifts: p.Gifts})
	}
	raw, _ := json.Marshal(top)
	return models.MatchArchive{
		ID:               uuid.NewString(),
		MatchID:          m.ID,
		Mode:             m.Mode,
		StartedAt:        m.StartedAt,
		EndedAt:          m.EndedAt,
		WinnerPlayerID:   m.WinnerPlayerID,
		WinnerTeam:       m.WinnerTeam,
		RedScore:         m.RedScore,
		BlueScore:        m.BlueScore,
		TotalCoins:       m.TotalCoins,
		TotalGifts:       m.TotalGifts,
		ParticipantCount: len(parts),
		TopPlayers:       string(raw),
		ArchivedAt:       now,
	}
}
