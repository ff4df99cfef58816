package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gift-battle-engine/models"

	"github.com/google/uuid"
)

// Operation names passed to MemoryStore.Hook
const (
	OpCreateMatch         = "CreateMatch"
	OpEndMatch            = "EndMatch"
	OpGetOrCreatePlayer   = "GetOrCreatePlayer"
	OpAddParticipant      = "AddParticipant"
	OpAddParticipantCoins = "AddParticipantCoins"
	OpRecordGiftEvent     = "RecordGiftEvent"
	OpRecordGiftEvents    = "RecordGiftEvents"
	OpGetLeaderboard      = "GetLeaderboard"
	OpGetTeamScores       = "GetTeamScores"
	OpUpdateLifetimeStats = "UpdateLifetimeStats"
	OpEvaluateBadges      = "EvaluateAndAwardBadges"
	OpRecordMultiplier    = "RecordMultiplierEvent"
	OpIsEventProcessed    = "IsEventProcessed"
	OpMarkEventProcessed  = "MarkEventProcessed"
	OpReleaseEvent        = "ReleaseEvent"
	OpPurgeExpiredEvents  = "PurgeExpiredEvents"
	OpArchiveMatches      = "ArchiveMatches"
	OpMaintain            = "Maintain"
	OpGetPlayer           = "GetPlayer"
	OpSearchPlayers       = "SearchPlayers"
)

type participantKey struct {
	matchID  string
	playerID string
}

// MemoryStore keeps everything in process memory. It backs the engine when
// no DATABASE_URL is configured and doubles as the test store: Hook runs
// before every operation (outside the lock) with the operation name and the
// key it touches, and a non-nil result fails the operation.
type MemoryStore struct {
	Hook func(op, key string) error

	mu           sync.Mutex
	matches      map[string]*models.Match
	players      map[string]*models.Player
	participants map[participantKey]*models.Participant
	gifts        []models.GiftEvent
	fingerprints map[string]bool
	multipliers  []models.MultiplierEvent
	processed    map[string]models.ProcessedEvent
	badges       map[string]map[string]time.Time
	archives     []models.MatchArchive
	maintained   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches:      make(map[string]*models.Match),
		players:      make(map[string]*models.Player),
		participants: make(map[participantKey]*models.Participant),
		fingerprints: make(map[string]bool),
		processed:    make(map[string]models.ProcessedEvent),
		badges:       make(map[string]map[string]time.Time),
	}
}

func (s *MemoryStore) hook(op, key string) error {
	if s.Hook == nil {
		return nil
	}
	if err := s.Hook(op, key); err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return nil
}

func (s *MemoryStore) CreateMatch(ctx context.Context, m *models.Match) error {
	if err := s.hook(OpCreateMatch, m.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; ok {
		return fmt.Errorf("match %s already exists", m.ID)
	}
	for _, existing := range s.matches {
		if existing.Status == models.MatchStatusActive {
			return fmt.Errorf("match %s is still active", existing.ID)
		}
	}
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemoryStore) EndMatch(ctx context.Context, m *models.Match) error {
	if err := s.hook(OpEndMatch, m.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.matches[m.ID]
	if !ok || stored.Status != models.MatchStatusActive {
		return fmt.Errorf("match %s is not active", m.ID)
	}
	archived := stored.Archived
	*stored = *m
	stored.Archived = archived
	return nil
}

func (s *MemoryStore) GetOrCreatePlayer(ctx context.Context, p models.Player) (*models.Player, error) {
	if err := s.hook(OpGetOrCreatePlayer, p.ID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.players[p.ID]
	if !ok {
		cp := p
		cp.Badges = nil
		stored = &cp
		s.players[p.ID] = stored
	} else {
		stored.Username = p.Username
		stored.DisplayName = p.DisplayName
		stored.AvatarURL = p.AvatarURL
		stored.SearchName = p.SearchName
	}
	out := *stored
	return &out, nil
}

func (s *MemoryStore) AddParticipant(ctx context.Context, p *models.Participant) (*models.Participant, error) {
	if err := s.hook(OpAddParticipant, p.PlayerID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{p.MatchID, p.PlayerID}
	stored, ok := s.participants[key]
	if !ok {
		cp := *p
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		stored = &cp
		s.participants[key] = stored
	}
	out := *stored
	return &out, nil
}

func (s *MemoryStore) AddParticipantCoins(ctx context.Context, matchID, playerID string, team models.Team, coins, gifts int64) error {
	if err := s.hook(OpAddParticipantCoins, playerID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{matchID, playerID}
	stored, ok := s.participants[key]
	if !ok {
		stored = &models.Participant{ID: uuid.NewString(), MatchID: matchID, PlayerID: playerID, Team: team}
		s.participants[key] = stored
	}
	stored.Coins += coins
	stored.Gifts += gifts
	return nil
}

func (s *MemoryStore) RecordGiftEvent(ctx context.Context, ev *models.GiftEvent) error {
	if err := s.hook(OpRecordGiftEvent, ev.Fingerprint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fingerprints[ev.Fingerprint] {
		return fmt.Errorf("gift %s already recorded", ev.Fingerprint)
	}
	s.fingerprints[ev.Fingerprint] = true
	s.gifts = append(s.gifts, *ev)
	return nil
}

func (s *MemoryStore) RecordGiftEvents(ctx context.Context, evs []models.GiftEvent) error {
	if err := s.hook(OpRecordGiftEvents, fmt.Sprint(len(evs))); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		if s.fingerprints[ev.Fingerprint] {
			continue
		}
		s.fingerprints[ev.Fingerprint] = true
		s.gifts = append(s.gifts, ev)
	}
	return nil
}

func (s *MemoryStore) GetLeaderboard(ctx context.Context, matchID string, limit int) ([]models.LeaderboardEntry, error) {
	if err := s.hook(OpGetLeaderboard, matchID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.LeaderboardEntry
	for key, p := range s.participants {
		if key.matchID != matchID {
			continue
		}
		e := models.LeaderboardEntry{PlayerID: p.PlayerID, Team: p.Team, Coins: p.Coins, Gifts: p.Gifts}
		if pl, ok := s.players[p.PlayerID]; ok {
			e.DisplayName = pl.DisplayName
			e.AvatarURL = pl.AvatarURL
		}
		rows = append(rows, e)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Coins != b.Coins {
			return a.Coins > b.Coins
		}
		if a.Gifts != b.Gifts {
			return a.Gifts > b.Gifts
		}
		return a.PlayerID < b.PlayerID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func (s *MemoryStore) GetTeamScores(ctx context.Context, matchID string) (models.TeamScores, error) {
	if err := s.hook(OpGetTeamScores, matchID); err != nil {
		return models.TeamScores{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ts models.TeamScores
	for key, p := range s.participants {
		if key.matchID != matchID {
			continue
		}
		switch p.Team {
		case models.TeamRed:
			ts.Red += p.Coins
			ts.RedPlayers++
		case models.TeamBlue:
			ts.Blue += p.Coins
			ts.BluePlayers++
		}
	}
	return ts, nil
}

func (s *MemoryStore) UpdateLifetimeStats(ctx context.Context, playerID string, d models.StatsDelta) (*models.Player, error) {
	if err := s.hook(OpUpdateLifetimeStats, playerID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return nil, fmt.Errorf("player %s not found", playerID)
	}
	p.Apply(d)
	out := *p
	return &out, nil
}

func (s *MemoryStore) EvaluateAndAwardBadges(ctx context.Context, playerID string) ([]models.BadgeType, error) {
	if err := s.hook(OpEvaluateBadges, playerID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return nil, fmt.Errorf("player %s not found", playerID)
	}
	owned := s.badges[playerID]
	if owned == nil {
		owned = make(map[string]time.Time)
		s.badges[playerID] = owned
	}
	var awarded []models.BadgeType
	for _, trigger := range models.BadgeTriggers {
		if _, has := owned[trigger.Code]; has || !models.MeetsThreshold(p, trigger.Threshold) {
			continue
		}
		owned[trigger.Code] = time.Now()
		awarded = append(awarded, trigger)
	}
	return awarded, nil
}

func (s *MemoryStore) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	if err := s.hook(OpGetPlayer, id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrPlayerNotFound, id)
	}
	out := *p
	out.Badges = nil
	for code, at := range s.badges[id] {
		out.Badges = append(out.Badges, models.PlayerBadge{PlayerID: id, BadgeCode: code, AwardedAt: at})
	}
	sort.Slice(out.Badges, func(i, j int) bool {
		a, b := out.Badges[i], out.Badges[j]
		if !a.AwardedAt.Equal(b.AwardedAt) {
			return a.AwardedAt.Before(b.AwardedAt)
		}
		return a.BadgeCode < b.BadgeCode
	})
	return &out, nil
}

func (s *MemoryStore) SearchPlayers(ctx context.Context, q string, limit int) ([]models.Player, error) {
	if err := s.hook(OpSearchPlayers, q); err != nil {
		return nil, err
	}
	q = strings.ToLower(q)
	s.mu.Lock()
	var out []models.Player
	for _, p := range s.players {
		if q == "" || strings.Contains(p.SearchName, q) || strings.Contains(strings.ToLower(p.Username), q) {
			out = append(out, *p)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LifetimeCoins != out[j].LifetimeCoins {
			return out[i].LifetimeCoins > out[j].LifetimeCoins
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordMultiplierEvent(ctx context.Context, ev *models.MultiplierEvent) error {
	if err := s.hook(OpRecordMultiplier, ev.MatchID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multipliers = append(s.multipliers, *ev)
	return nil
}

func (s *MemoryStore) IsEventProcessed(ctx context.Context, fingerprint string) (bool, error) {
	if err := s.hook(OpIsEventProcessed, fingerprint); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[fingerprint]
	return ok, nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, ev models.ProcessedEvent) error {
	if err := s.hook(OpMarkEventProcessed, ev.Fingerprint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[ev.Fingerprint] = ev
	return nil
}

func (s *MemoryStore) ReleaseEvent(ctx context.Context, fingerprint string) error {
	if err := s.hook(OpReleaseEvent, fingerprint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processed, fingerprint)
	return nil
}

func (s *MemoryStore) PurgeExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	if err := s.hook(OpPurgeExpiredEvents, ""); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for fp, ev := range s.processed {
		if !now.Before(ev.ExpiresAt) {
			delete(s.processed, fp)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ArchiveMatches(ctx context.Context, cutoff time.Time, limit int) ([]models.MatchArchive, error) {
	if err := s.hook(OpArchiveMatches, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.Match
	for _, m := range s.matches {
		if m.Status == models.MatchStatusCompleted && !m.Archived && m.EndedAt != nil && m.EndedAt.Before(cutoff) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EndedAt.Before(*due[j].EndedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	var out []models.MatchArchive
	for _, m := range due {
		var parts []models.Participant
		for key, p := range s.participants {
			if key.matchID == m.ID {
				parts = append(parts, *p)
			}
		}
		sort.Slice(parts, func(i, j int) bool {
			if parts[i].Coins != parts[j].Coins {
				return parts[i].Coins > parts[j].Coins
			}
			if parts[i].Gifts != parts[j].Gifts {
				return parts[i].Gifts > parts[j].Gifts
			}
			return parts[i].PlayerID < parts[j].PlayerID
		})
		archive := BuildArchive(*m, parts, time.Now())
		kept := s.gifts[:0]
		for _, g := range s.gifts {
			if g.MatchID != m.ID {
				kept = append(kept, g)
			}
		}
		s.gifts = kept
		m.Archived = true
		s.archives = append(s.archives, archive)
		out = append(out, archive)
	}
	return out, nil
}

func (s *MemoryStore) Maintain(ctx context.Context) error {
	if err := s.hook(OpMaintain, ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.maintained++
	s.mu.Unlock()
	return nil
}

// Inspection helpers, mostly for tests and the in-memory status endpoints.

func (s *MemoryStore) Match(id string) (models.Match, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return models.Match{}, false
	}
	return *m, true
}

func (s *MemoryStore) Matches() []models.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Match, 0, len(s.matches))
	for _, m := range s.matches {
		out = append(out, *m)
	}
	return out
}

func (s *MemoryStore) Player(id string) (models.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return models.Player{}, false
	}
	return *p, true
}

func (s *MemoryStore) Participant(matchID, playerID string) (models.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantKey{matchID, playerID}]
	if !ok {
		return models.Participant{}, false
	}
	return *p, true
}

func (s *MemoryStore) GiftEvents(matchID string) []models.GiftEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GiftEvent
	for _, g := range s.gifts {
		if g.MatchID == matchID {
			out = append(out, g)
		}
	}
	return out
}

func (s *MemoryStore) MultiplierEvents() []models.MultiplierEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MultiplierEvent(nil), s.multipliers...)
}

func (s *MemoryStore) Badges(playerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for code := range s.badges[playerID] {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) Archives() []models.MatchArchive {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MatchArchive(nil), s.archives...)
}

func (s *MemoryStore) MaintainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintained
}
