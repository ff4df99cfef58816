package models

import (
	"time"
)

// GiftEvent is one attributed gift. Rows are append-only.
type GiftEvent struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID     string    `gorm:"index;not null" json:"match_id"`
	PlayerID    string    `gorm:"index;not null" json:"player_id"`
	GiftID      string    `gorm:"type:varchar(64)" json:"gift_id"`
	GiftName    string    `json:"gift_name"`
	Count       int       `json:"count" gorm:"default:1"`
	RawValue    int64     `json:"raw_value"`
	Multiplier  float64   `json:"multiplier" gorm:"default:1"`
	Coins       int64     `json:"coins"`
	Team        Team      `gorm:"type:varchar(8)" json:"team,omitempty"`
	Fingerprint string    `gorm:"uniqueIndex;not null" json:"fingerprint"`
	ReceivedAt  time.Time `gorm:"index" json:"received_at"`
}

// ProcessedEvent backs the idempotency ledger in the database
type ProcessedEvent struct {
	Fingerprint string    `gorm:"primaryKey" json:"fingerprint"`
	MatchID     string    `gorm:"index" json:"match_id"`
	PlayerID    string    `json:"player_id"`
	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
}
