package models

import (
	"time"
)

// LeaderboardEntry is one ranked row of a match leaderboard
type LeaderboardEntry struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Team        Team   `json:"team,omitempty"`
	Coins       int64  `json:"coins"`
	Gifts       int64  `json:"gifts"`
	Rank        int    `json:"rank"`
}

// TeamScores aggregates coins and head-counts per side
type TeamScores struct {
	Red         int64 `json:"red"`
	Blue        int64 `json:"blue"`
	RedPlayers  int   `json:"red_players"`
	BluePlayers int   `json:"blue_players"`
}

// Gap is the absolute score difference between the sides.
func (t TeamScores) Gap() int64 {
	if t.Red > t.Blue {
		return t.Red - t.Blue
	}
	return t.Blue - t.Red
}

// Leader returns the side ahead, or TeamNone on a draw.
func (t TeamScores) Leader() Team {
	switch {
	case t.Red > t.Blue:
		return TeamRed
	case t.Blue > t.Red:
		return TeamBlue
	}
	return TeamNone
}

// LeaderboardSnapshot is the broadcast and cached view of a match's standings
type LeaderboardSnapshot struct {
	MatchID     string             `json:"match_id"`
	Entries     []LeaderboardEntry `json:"entries"`
	Teams       *TeamScores        `json:"teams,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *LeaderboardSnapshot) Clone() *LeaderboardSnapshot {
	if s == nil {
		return nil
	}
	out := &LeaderboardSnapshot{
		MatchID:     s.MatchID,
		GeneratedAt: s.GeneratedAt,
	}
	if s.Entries != nil {
		out.Entries = make([]LeaderboardEntry, len(s.Entries))
		copy(out.Entries, s.Entries)
	}
	if s.Teams != nil {
		teams := *s.Teams
		out.Teams = &teams
	}
	return out
}
