// Package delta decides per subscriber whether to send a full leaderboard or a diff.
package delta

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"gift-battle-engine/models"
)

type Kind string

const (
	KindFull  Kind = "full"
	KindDelta Kind = "delta"
)

// maxChangedRatio is the share of changed entries above which a full snapshot is sent
const maxChangedRatio = 0.7

// EntryUpdate carries only the changed fields of a leaderboard row.
// RankDelta is old rank minus new rank, so a positive value means the player moved up.
type EntryUpdate struct {
	PlayerID    string       `json:"player_id"`
	DisplayName *string      `json:"display_name,omitempty"`
	AvatarURL   *string      `json:"avatar_url,omitempty"`
	Team        *models.Team `json:"team,omitempty"`
	Coins       *int64       `json:"coins,omitempty"`
	Gifts       *int64       `json:"gifts,omitempty"`
	Rank        *int         `json:"rank,omitempty"`
	CoinsDelta  int64        `json:"coins_delta,omitempty"`
	RankDelta   int          `json:"rank_delta,omitempty"`
}

type Delta struct {
	MatchID      string                    `json:"match_id"`
	Added        []models.LeaderboardEntry `json:"added,omitempty"`
	Updated      []EntryUpdate             `json:"updated,omitempty"`
	Removed      []string                  `json:"removed,omitempty"`
	Teams        *models.TeamScores        `json:"teams,omitempty"`
	TeamsCleared bool                      `json:"teams_cleared,omitempty"`
	GeneratedAt  time.Time                 `json:"generated_at"`
}

// Changed counts added, updated and removed entries.
func (d *Delta) Changed() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// Message is the representation chosen for one subscriber. Payload is the
// JSON encoding of Full or Delta.
type Message struct {
	Kind    Kind
	Full    *models.LeaderboardSnapshot
	Delta   *Delta
	Payload []byte
}

// Encoder remembers the last state sent to each subscriber.
type Encoder struct {
	mu   sync.Mutex
	last map[string]*models.LeaderboardSnapshot
}

func NewEncoder() *Encoder {
	return &Encoder{last: make(map[string]*models.LeaderboardSnapshot)}
}

// Encode picks full or delta for subscriber. A delta is sent only when it
// encodes to less than half of the full payload and touches at most 70% of
// the entries. The stored state is updated whichever representation is sent.
func (e *Encoder) Encode(subscriber string, snap *models.LeaderboardSnapshot) (Message, error) {
	full, err := json.Marshal(snap)
	if err != nil {
		return Message{}, err
	}

	e.mu.Lock()
	prev := e.last[subscriber]
	e.last[subscriber] = snap.Clone()
	e.mu.Unlock()

	fullMsg := Message{Kind: KindFull, Full: snap, Payload: full}
	if prev == nil || prev.MatchID != snap.MatchID {
		return fullMsg, nil
	}
	d := Diff(prev, snap)
	if n := len(snap.Entries); n > 0 && float64(d.Changed()) > maxChangedRatio*float64(n) {
		return fullMsg, nil
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return Message{}, err
	}
	if 2*len(payload) >= len(full) {
		return fullMsg, nil
	}
	return Message{Kind: KindDelta, Delta: d, Payload: payload}, nil
}

// Forget drops the stored state so the subscriber's next message is full.
func (e *Encoder) Forget(subscriber string) {
	e.mu.Lock()
	delete(e.last, subscriber)
	e.mu.Unlock()
}

func (e *Encoder) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.last)
}

// Diff partitions the change from prev to next by player id.
func Diff(prev, next *models.LeaderboardSnapshot) *Delta {
	d := &Delta{MatchID: next.MatchID, GeneratedAt: next.GeneratedAt}
	old := make(map[string]models.LeaderboardEntry, len(prev.Entries))
	for _, e := range prev.Entries {
		old[e.PlayerID] = e
	}
	seen := make(map[string]bool, len(next.Entries))
	for _, n := range next.Entries {
		seen[n.PlayerID] = true
		o, ok := old[n.PlayerID]
		if !ok {
			d.Added = append(d.Added, n)
			continue
		}
		if u, changed := diffEntry(o, n); changed {
			d.Updated = append(d.Updated, u)
		}
	}
	for _, o := range prev.Entries {
		if !seen[o.PlayerID] {
			d.Removed = append(d.Removed, o.PlayerID)
		}
	}
	switch {
	case next.Teams == nil && prev.Teams != nil:
		d.TeamsCleared = true
	case next.Teams != nil && (prev.Teams == nil || *prev.Teams != *next.Teams):
		t := *next.Teams
		d.Teams = &t
	}
	return d
}

func diffEntry(o, n models.LeaderboardEntry) (EntryUpdate, bool) {
	u := EntryUpdate{PlayerID: n.PlayerID}
	changed := false
	if o.DisplayName != n.DisplayName {
		v := n.DisplayName
		u.DisplayName = &v
		changed = true
	}
	if o.AvatarURL != n.AvatarURL {
		v := n.AvatarURL
		u.AvatarURL = &v
		changed = true
	}
	if o.Team != n.Team {
		v := n.Team
		u.Team = &v
		changed = true
	}
	if o.Coins != n.Coins {
		v := n.Coins
		u.Coins = &v
		u.CoinsDelta = n.Coins - o.Coins
		changed = true
	}
	if o.Gifts != n.Gifts {
		v := n.Gifts
		u.Gifts = &v
		changed = true
	}
	if o.Rank != n.Rank {
		v := n.Rank
		u.Rank = &v
		u.RankDelta = o.Rank - n.Rank
		changed = true
	}
	return u, changed
}

// Apply replays d on prev and returns the resulting snapshot. prev is not modified.
func Apply(prev *models.LeaderboardSnapshot, d *Delta) *models.LeaderboardSnapshot {
	byID := make(map[string]models.LeaderboardEntry, len(prev.Entries))
	for _, e := range prev.Entries {
		byID[e.PlayerID] = e
	}
	for _, id := range d.Removed {
		delete(byID, id)
	}
	for _, u := range d.Updated {
		e := byID[u.PlayerID]
		e.PlayerID = u.PlayerID
		if u.DisplayName != nil {
			e.DisplayName = *u.DisplayName
		}
		if u.AvatarURL != nil {
			e.AvatarURL = *u.AvatarURL
		}
		if u.Team != nil {
			e.Team = *u.Team
		}
		if u.Coins != nil {
			e.Coins = *u.Coins
		}
		if u.Gifts != nil {
			e.Gifts = *u.Gifts
		}
		if u.Rank != nil {
			e.Rank = *u.Rank
		}
		byID[u.PlayerID] = e
	}
	for _, a := range d.Added {
		byID[a.PlayerID] = a
	}

	out := &models.LeaderboardSnapshot{MatchID: d.MatchID, GeneratedAt: d.GeneratedAt}
	out.Entries = make([]models.LeaderboardEntry, 0, len(byID))
	for _, e := range byID {
		out.Entries = append(out.Entries, e)
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		if out.Entries[i].Rank != out.Entries[j].Rank {
			return out.Entries[i].Rank < out.Entries[j].Rank
		}
		return out.Entries[i].PlayerID < out.Entries[j].PlayerID
	})
	switch {
	case d.Teams != nil:
		t := *d.Teams
		out.Teams = &t
	case !d.TeamsCleared && prev.Teams != nil:
		t := *prev.Teams
		out.Teams = &t
	}
	return out
}
