package models

import (
	"time"
)

// MatchMode selects how coins are scored and who wins
type MatchMode string

const (
	ModeSolo MatchMode = "solo"
	ModeTeam MatchMode = "team"
	Mode1v1  MatchMode = "1v1"
)

// Valid reports whether m is one of the known modes.
func (m MatchMode) Valid() bool {
	switch m {
	case ModeSolo, ModeTeam, Mode1v1:
		return true
	}
	return false
}

// Teamed reports whether players are split into red/blue sides.
func (m MatchMode) Teamed() bool {
	return m == ModeTeam || m == Mode1v1
}

type MatchStatus string

const (
	MatchStatusActive    MatchStatus = "active"
	MatchStatusCompleted MatchStatus = "completed"
)

// Match records a single scoring round driven by gifts
type Match struct {
	ID          string      `gorm:"primaryKey;type:uuid" json:"id"`
	Mode        MatchMode   `gorm:"type:varchar(8);not null" json:"mode"`
	Status      MatchStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     *time.Time  `gorm:"index" json:"ended_at,omitempty"`
	DurationSec int         `json:"duration_sec" gorm:"default:0"`

	// Extensions counts manual and automatic extensions
	Extensions int `json:"extensions" gorm:"default:0"`

	// Final scores (team modes fill red/blue; solo leaves them zero)
	RedScore   int64 `json:"red_score" gorm:"default:0"`
	BlueScore  int64 `json:"blue_score" gorm:"default:0"`
	TotalCoins int64 `json:"total_coins" gorm:"default:0"`
	TotalGifts int64 `json:"total_gifts" gorm:"default:0"`

	WinnerPlayerID *string `gorm:"index" json:"winner_player_id,omitempty"`
	WinnerTeam     Team    `gorm:"type:varchar(8)" json:"winner_team,omitempty"`

	Archived bool `json:"archived" gorm:"default:false;index"`

	Timestamps
}

// Participant joins a Player to a Match
type Participant struct {
	ID       string    `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID  string    `gorm:"uniqueIndex:ux_participant_match_player,priority:1;not null" json:"match_id"`
	PlayerID string    `gorm:"uniqueIndex:ux_participant_match_player,priority:2;not null" json:"player_id"`
	Team     Team      `gorm:"type:varchar(8)" json:"team,omitempty"`
	Coins    int64     `json:"coins" gorm:"default:0"`
	Gifts    int64     `json:"gifts" gorm:"default:0"`
	Rank     int       `json:"rank" gorm:"default:0"` // 0 = not ranked yet
	JoinedAt time.Time `json:"joined_at" gorm:"autoCreateTime"`
}

// MultiplierEvent is the audit row for an activated multiplier window
type MultiplierEvent struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID     string    `gorm:"index;not null" json:"match_id"`
	Value       float64   `json:"value"`
	StartedAt   time.Time `json:"started_at"`
	EndsAt      time.Time `json:"ends_at"`
	ActivatedBy string    `json:"activated_by"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// MatchArchive is the compact summary kept after a match's raw events are purged
type MatchArchive struct {
	ID               string     `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID          string     `gorm:"uniqueIndex;not null" json:"match_id"`
	Mode             MatchMode  `gorm:"type:varchar(8)" json:"mode"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	WinnerPlayerID   *string    `json:"winner_player_id,omitempty"`
	WinnerTeam       Team       `gorm:"type:varchar(8)" json:"winner_team,omitempty"`
	RedScore         int64      `json:"red_score"`
	BlueScore        int64      `json:"blue_score"`
	TotalCoins       int64      `json:"total_coins"`
	TotalGifts       int64      `json:"total_gifts"`
	ParticipantCount int        `json:"participant_count"`
	TopPlayers       string     `gorm:"type:jsonb" json:"top_players"` // e.g., [{"player_id":"...","coins":120}]
	ArchivedAt       time.Time  `json:"archived_at" gorm:"autoCreateTime"`
}
