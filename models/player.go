package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrPlayerNotFound is returned by player lookups for unknown ids.
var ErrPlayerNotFound = errors.New("player not found")

// Player tracks a gifting viewer and their lifetime aggregates (denormalized for fast reads)
type Player struct {
	ID          string `gorm:"primaryKey" json:"id"` // stable external id from the stream platform
	Username    string `gorm:"index" json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `gorm:"type:text" json:"avatar_url,omitempty"`
	SearchName  string `gorm:"index" json:"-"` // ASCII-folded display name for lookups

	// Lifetime counters
	LifetimeCoins int64 `json:"lifetime_coins" gorm:"default:0"`
	LifetimeGifts int64 `json:"lifetime_gifts" gorm:"default:0"`
	MatchesPlayed int64 `json:"matches_played" gorm:"default:0"`
	MatchesWon    int64 `json:"matches_won" gorm:"default:0"`

	// Streaks
	WinStreak     int `json:"win_streak" gorm:"default:0"`
	BestWinStreak int `json:"best_win_streak" gorm:"default:0"`

	LastMatchAt *time.Time `json:"last_match_at,omitempty"`

	Badges []PlayerBadge `json:"badges,omitempty" gorm:"foreignKey:PlayerID"`

	Timestamps
}

// StatsDelta is applied to a Player when a match is finalized
type StatsDelta struct {
	Coins  int64
	Gifts  int64
	Played bool
	Won    bool
	At     time.Time
}

// Apply folds d into p.
func (p *Player) Apply(d StatsDelta) {
	p.LifetimeCoins += d.Coins
	p.LifetimeGifts += d.Gifts
	if d.Played {
		p.MatchesPlayed++
		if d.Won {
			p.MatchesWon++
			p.WinStreak++
			if p.WinStreak > p.BestWinStreak {
				p.BestWinStreak = p.WinStreak
			}
		} else {
			p.WinStreak = 0
		}
		at := d.At
		p.LastMatchAt = &at
	}
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
