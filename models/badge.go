package models

import (
	"time"
)

// BadgeType: static catalogue entry (seeded from BadgeTriggers)
type BadgeType struct {
	Code        string           `gorm:"primaryKey" json:"code"` // e.g., "FIRST_WIN", "BIG_SPENDER"
	Name        string           `gorm:"not null" json:"name"`
	Description string           `json:"description"`
	Rarity      string           `gorm:"type:varchar(16);default:'common'" json:"rarity"` // common, rare, epic, legendary
	Threshold   map[string]int64 `gorm:"serializer:json;type:jsonb" json:"threshold"`     // e.g., {"matches_won": 1}
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// PlayerBadge: awarded instance (many-to-many)
type PlayerBadge struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	PlayerID  string    `gorm:"uniqueIndex:ux_player_badge,priority:1;not null" json:"player_id"`
	BadgeCode string    `gorm:"uniqueIndex:ux_player_badge,priority:2;not null" json:"badge_code"`
	AwardedAt time.Time `gorm:"autoCreateTime" json:"awarded_at"`
}

// Badge thresholds keyed by lifetime counter name
const (
	ThresholdLifetimeGifts = "lifetime_gifts"
	ThresholdLifetimeCoins = "lifetime_coins"
	ThresholdMatchesPlayed = "matches_played"
	ThresholdMatchesWon    = "matches_won"
	ThresholdBestWinStreak = "best_win_streak"
)

// BadgeTriggers is the catalogue evaluated after every finalized match
var BadgeTriggers = []BadgeType{
	{
		Code:        "FIRST_GIFT",
		Name:        "First Spark",
		Description: "Sent your first gift",
		Rarity:      "common",
		Threshold:   map[string]int64{ThresholdLifetimeGifts: 1},
	},
	{
		Code:        "BIG_SPENDER",
		Name:        "Big Spender",
		Description: "Contributed 10,000 coins across matches",
		Rarity:      "epic",
		Threshold:   map[string]int64{ThresholdLifetimeCoins: 10000},
	},
	{
		Code:        "FIRST_WIN",
		Name:        "First Victory",
		Description: "Won your first match",
		Rarity:      "common",
		Threshold:   map[string]int64{ThresholdMatchesWon: 1},
	},
	{
		Code:        "VETERAN",
		Name:        "Veteran",
		Description: "Played 25 matches",
		Rarity:      "rare",
		Threshold:   map[string]int64{ThresholdMatchesPlayed: 25},
	},
	{
		Code:        "ON_FIRE",
		Name:        "On Fire",
		Description: "Won three matches in a row",
		Rarity:      "rare",
		Threshold:   map[string]int64{ThresholdBestWinStreak: 3},
	},
}

// MeetsThreshold reports whether p satisfies every requirement in req.
func MeetsThreshold(p *Player, req map[string]int64) bool {
	for key, required := range req {
		var have int64
		switch key {
		case ThresholdLifetimeGifts:
			have = p.LifetimeGifts
		case ThresholdLifetimeCoins:
			have = p.LifetimeCoins
		case ThresholdMatchesPlayed:
			have = p.MatchesPlayed
		case ThresholdMatchesWon:
			have = p.MatchesWon
		case ThresholdBestWinStreak:
			have = int64(p.BestWinStreak)
		default:
			return false
		}
		if have < required {
			return false
		}
	}
	return true
}
