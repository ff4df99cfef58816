package engine

import (
	"sort"
	"time"

	"gift-battle-engine/models"

	"github.com/jonboulle/clockwork"
)

// MultiplierWindow is the active coin multiplier of a match
type MultiplierWindow struct {
	ID          string    `json:"id"`
	Value       float64   `json:"value"`
	StartedAt   time.Time `json:"started_at"`
	EndsAt      time.Time `json:"ends_at"`
	ActivatedBy string    `json:"activated_by"`
}

func (w *MultiplierWindow) activeAt(now time.Time) bool {
	return w != nil && now.Before(w.EndsAt)
}

// standing is the in-memory working row of one participant
type standing struct {
	playerID    string
	displayName string
	avatarURL   string
	team        models.Team
	coins       int64
	gifts       int64
	persisted   bool
}

// MatchContext is the mutable state of the match an Engine is running.
// It is created on start and dropped on end; every field is guarded by
// the owning Engine's mutex.
type MatchContext struct {
	Match *models.Match

	duration   time.Duration
	startedAt  time.Time
	pausedAt   time.Time
	pausedFor  time.Duration
	extensions int
	autoExt    int

	players   map[string]*standing
	redCount  int
	blueCount int
	redScore  int64
	blueScore int64

	totalCoins int64
	totalGifts int64

	multiplier *MultiplierWindow

	// gifts between the state check and their credit; EndMatch waits on drained
	inflight int
	drained  chan struct{}

	countdown       clockwork.Timer
	multiplierTimer clockwork.Timer
}

func newMatchContext(m *models.Match, duration time.Duration, now time.Time) *MatchContext {
	return &MatchContext{
		Match:     m,
		duration:  duration,
		startedAt: now,
		players:   make(map[string]*standing),
	}
}

func (mc *MatchContext) paused() bool {
	return !mc.pausedAt.IsZero()
}

// Remaining excludes any time spent paused.
func (mc *MatchContext) Remaining(now time.Time) time.Duration {
	elapsed := now.Sub(mc.startedAt) - mc.pausedFor
	if mc.paused() {
		elapsed -= now.Sub(mc.pausedAt)
	}
	if r := mc.duration - elapsed; r > 0 {
		return r
	}
	return 0
}

func (mc *MatchContext) teamScores() models.TeamScores {
	return models.TeamScores{
		Red:         mc.redScore,
		Blue:        mc.blueScore,
		RedPlayers:  mc.redCount,
		BluePlayers: mc.blueCount,
	}
}

func (mc *MatchContext) join(s *standing) {
	mc.players[s.playerID] = s
	switch s.team {
	case models.TeamRed:
		mc.redCount++
	case models.TeamBlue:
		mc.blueCount++
	}
}

// moveTeam rebinds s to the team the store already holds for it.
func (mc *MatchContext) moveTeam(s *standing, team models.Team) {
	if s.team == team {
		return
	}
	switch s.team {
	case models.TeamRed:
		mc.redCount--
		mc.redScore -= s.coins
	case models.TeamBlue:
		mc.blueCount--
		mc.blueScore -= s.coins
	}
	s.team = team
	switch team {
	case models.TeamRed:
		mc.redCount++
		mc.redScore += s.coins
	case models.TeamBlue:
		mc.blueCount++
		mc.blueScore += s.coins
	}
}

func (mc *MatchContext) credit(s *standing, coins, gifts int64) {
	s.coins += coins
	s.gifts += gifts
	mc.totalCoins += coins
	mc.totalGifts += gifts
	switch s.team {
	case models.TeamRed:
		mc.redScore += coins
	case models.TeamBlue:
		mc.blueScore += coins
	}
}

// ranked orders players by coins desc, gifts desc, player id asc and assigns ranks from 1.
func (mc *MatchContext) ranked() []models.LeaderboardEntry {
	out := make([]models.LeaderboardEntry, 0, len(mc.players))
	for _, s := range mc.players {
		out = append(out, models.LeaderboardEntry{
			PlayerID:    s.playerID,
			DisplayName: s.displayName,
			AvatarURL:   s.avatarURL,
			Team:        s.team,
			Coins:       s.coins,
			Gifts:       s.gifts,
		})
	}
	SortEntries(out)
	return out
}

func (mc *MatchContext) leave() {
	mc.inflight--
	if mc.inflight == 0 && mc.drained != nil {
		close(mc.drained)
		mc.drained = nil
	}
}

// drainChan returns a channel closed once no gift is in flight, or nil
// when none is.
func (mc *MatchContext) drainChan() chan struct{} {
	if mc.inflight == 0 {
		return nil
	}
	if mc.drained == nil {
		mc.drained = make(chan struct{})
	}
	return mc.drained
}

func (mc *MatchContext) stopTimers() {
	if mc.countdown != nil {
		mc.countdown.Stop()
		mc.countdown = nil
	}
	if mc.multiplierTimer != nil {
		mc.multiplierTimer.Stop()
		mc.multiplierTimer = nil
	}
}

// SortEntries orders a leaderboard and rewrites ranks 1..n.
func SortEntries(entries []models.LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Coins != b.Coins {
			return a.Coins > b.Coins
		}
		if a.Gifts != b.Gifts {
			return a.Gifts > b.Gifts
		}
		return a.PlayerID < b.PlayerID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}
