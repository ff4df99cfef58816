package engine

import (
	"time"

	"gift-battle-engine/models"
)

// Broadcast event names
const (
	EventMatchState          = "match-state"
	EventLeaderboardUpdate   = "leaderboard-update"
	EventGiftReceived        = "gift-received"
	EventMultiplierActivated = "multiplier-activated"
	EventMultiplierEnded     = "multiplier-ended"
	EventMatchEnded          = "match-ended"
	EventMatchPaused         = "match-paused"
	EventMatchResumed        = "match-resumed"
	EventMatchExtended       = "match-extended"
)

type MatchStatePayload struct {
	Match        models.Match `json:"match"`
	State        string       `json:"state"`
	RemainingSec float64      `json:"remaining_sec"`
}

type GiftReceivedPayload struct {
	MatchID     string      `json:"match_id"`
	PlayerID    string      `json:"player_id"`
	DisplayName string      `json:"display_name"`
	GiftID      string      `json:"gift_id"`
	GiftName    string      `json:"gift_name"`
	Count       int         `json:"count"`
	RawValue    int64       `json:"raw_value"`
	Multiplier  float64     `json:"multiplier"`
	Coins       int64       `json:"coins"`
	Team        models.Team `json:"team,omitempty"`
	At          time.Time   `json:"at"`
}

type PausePayload struct {
	MatchID      string  `json:"match_id"`
	RemainingSec float64 `json:"remaining_sec"`
}

type ExtendPayload struct {
	MatchID      string  `json:"match_id"`
	Seconds      int     `json:"seconds"`
	Extensions   int     `json:"extensions"`
	RemainingSec float64 `json:"remaining_sec"`
	Automatic    bool    `json:"automatic"`
}

type MultiplierEndedPayload struct {
	MatchID string `json:"match_id"`
	ID      string `json:"id"`
	Reason  string `json:"reason"` // expired, deactivated, match-ended
}

// MatchResult is returned by EndMatch and broadcast as match-ended.
type MatchResult struct {
	Match     models.Match              `json:"match"`
	Standings []models.LeaderboardEntry `json:"standings"`
	Teams     *models.TeamScores        `json:"teams,omitempty"`
	Winners   []string                  `json:"winners"`
	Badges    map[string][]string       `json:"badges,omitempty"`
	Failed    []string                  `json:"failed_players,omitempty"`
}
