package engine

import (
	"context"
	"errors"
	"math"
	"strings"

	"gift-battle-engine/models"
	"gift-battle-engine/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GiftInput describes the gift part of an inbound event.
// Value is the total raw value; Count is how many gifts it covers.
type GiftInput struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value int64  `json:"value"`
	Count int    `json:"count"`
}

// UserInput identifies the gifting viewer. Team is honoured only under the manual policy.
type UserInput struct {
	ID          string      `json:"id"`
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	AvatarURL   string      `json:"avatar_url"`
	Team        models.Team `json:"team"`
}

// GiftResult is the attribution of one processed gift. Duplicate results
// carry only the fingerprint and match id.
type GiftResult struct {
	Duplicate   bool               `json:"duplicate"`
	Fingerprint string             `json:"fingerprint"`
	MatchID     string             `json:"match_id"`
	PlayerID    string             `json:"player_id,omitempty"`
	Team        models.Team        `json:"team,omitempty"`
	RawValue    int64              `json:"raw_value,omitempty"`
	Multiplier  float64            `json:"multiplier,omitempty"`
	Coins       int64              `json:"coins,omitempty"`
	PlayerCoins int64              `json:"player_coins,omitempty"`
	PlayerGifts int64              `json:"player_gifts,omitempty"`
	Teams       *models.TeamScores `json:"teams,omitempty"`
}

const maxStartAttempts = 3

func validateGift(g *GiftInput, u *UserInput) error {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return &ValidationError{Field: "user.id", Message: "required"}
	}
	if u.Team != models.TeamNone && !u.Team.Valid() {
		return &ValidationError{Field: "user.team", Message: "unknown team " + string(u.Team)}
	}
	g.ID = utils.NormalizeGiftID(g.ID, g.Name)
	if g.ID == "" {
		return &ValidationError{Field: "gift.id", Message: "id or name required"}
	}
	if g.Name == "" {
		g.Name = g.ID
	}
	if g.Value <= 0 {
		return &ValidationError{Field: "gift.value", Message: "must be positive"}
	}
	if g.Count < 0 {
		return &ValidationError{Field: "gift.count", Message: "must not be negative"}
	}
	if g.Count == 0 {
		g.Count = 1
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}
	if u.DisplayName == "" {
		u.DisplayName = u.ID
	}
	u.DisplayName = utils.NormalizeDisplayName(u.DisplayName)
	return nil
}

// ProcessGift attributes one gift to the running match. eventID should be
// the upstream event id; when empty a fingerprint is derived from the
// match, user, gift, value and arrival time.
func (e *Engine) ProcessGift(ctx context.Context, gift GiftInput, user UserInput, eventID string) (*GiftResult, error) {
	if err := validateGift(&gift, &user); err != nil {
		return nil, err
	}

	mc, err := e.activeMatch(ctx)
	if err != nil {
		return nil, err
	}
	defer e.leave(mc)
	matchID := mc.Match.ID
	now := e.clock.Now()

	fp := strings.TrimSpace(eventID)
	if fp == "" {
		fp = Fingerprint(matchID, user.ID, gift.ID, gift.Value, now)
	}
	claimed, err := e.ledger.Claim(ctx, fp, matchID, user.ID)
	if err != nil {
		return nil, persistErr("idempotency ledger", err)
	}
	if !claimed {
		giftsDuplicate.Inc()
		e.log.Debug("duplicate gift", zap.String("match_id", matchID), zap.String("fingerprint", fp))
		return &GiftResult{Duplicate: true, Fingerprint: fp, MatchID: matchID}, nil
	}

	player, err := e.store.GetOrCreatePlayer(ctx, models.Player{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		SearchName:  utils.SearchName(user.DisplayName),
	})
	if err != nil {
		return nil, persistErr("get or create player", err)
	}

	e.mu.Lock()
	if e.current != mc || e.state != StateActive {
		reason := "match ended"
		if e.current == mc {
			switch e.state {
			case StatePaused:
				reason = "match paused"
			case StateEnding:
				reason = "match ending"
			}
		}
		e.mu.Unlock()
		e.release(ctx, fp)
		return nil, &ConflictError{Reason: reason}
	}
	st, ok := mc.players[player.ID]
	if !ok {
		team := models.TeamNone
		if mc.Match.Mode.Teamed() {
			team = assignTeam(e.cfg.TeamPolicy, mc.redCount, mc.blueCount, user.Team, e.rng)
		}
		st = &standing{playerID: player.ID, team: team}
		mc.join(st)
	}
	st.displayName = player.DisplayName
	st.avatarURL = player.AvatarURL
	team := st.team
	needsParticipant := !st.persisted
	mult := 1.0
	if mc.multiplier.activeAt(now) {
		mult = mc.multiplier.Value
	}
	e.mu.Unlock()

	if needsParticipant {
		stored, err := e.store.AddParticipant(ctx, &models.Participant{
			ID:       uuid.NewString(),
			MatchID:  matchID,
			PlayerID: player.ID,
			Team:     team,
		})
		if err != nil {
			return nil, persistErr("add participant", err)
		}
		if stored.Team != team {
			e.mu.Lock()
			mc.moveTeam(st, stored.Team)
			e.mu.Unlock()
			team = stored.Team
		}
	}

	coins := int64(math.Floor(float64(gift.Value) * mult))
	ev := models.GiftEvent{
		ID:          uuid.NewString(),
		MatchID:     matchID,
		PlayerID:    player.ID,
		GiftID:      gift.ID,
		GiftName:    gift.Name,
		Count:       gift.Count,
		RawValue:    gift.Value,
		Multiplier:  mult,
		Coins:       coins,
		Team:        team,
		Fingerprint: fp,
		ReceivedAt:  now,
	}
	if err := e.persistGift(ctx, &ev); err != nil {
		e.log.Error("gift persistence failed",
			zap.String("match_id", matchID),
			zap.String("player_id", player.ID),
			zap.String("fingerprint", fp),
			zap.Error(err),
		)
		return nil, err
	}

	e.mu.Lock()
	st.persisted = true
	mc.credit(st, coins, int64(gift.Count))
	res := &GiftResult{
		Fingerprint: fp,
		MatchID:     matchID,
		PlayerID:    player.ID,
		Team:        team,
		RawValue:    gift.Value,
		Multiplier:  mult,
		Coins:       coins,
		PlayerCoins: st.coins,
		PlayerGifts: st.gifts,
	}
	if mc.Match.Mode.Teamed() {
		ts := mc.teamScores()
		res.Teams = &ts
	}
	e.mu.Unlock()

	giftsIngested.Inc()
	coinsAttributed.Add(float64(coins))
	e.invalidator.Invalidate(matchID)
	e.emit(EventGiftReceived, matchID, GiftReceivedPayload{
		MatchID:     matchID,
		PlayerID:    player.ID,
		DisplayName: player.DisplayName,
		GiftID:      gift.ID,
		GiftName:    gift.Name,
		Count:       gift.Count,
		RawValue:    gift.Value,
		Multiplier:  mult,
		Coins:       coins,
		Team:        team,
		At:          now,
	})
	return res, nil
}

// persistGift writes the participant increment and the gift event. With a
// sink the event row is deferred to the next batch flush.
func (e *Engine) persistGift(ctx context.Context, ev *models.GiftEvent) error {
	if e.sink != nil {
		if err := e.store.AddParticipantCoins(ctx, ev.MatchID, ev.PlayerID, ev.Team, ev.Coins, int64(ev.Count)); err != nil {
			return persistErr("add participant coins", err)
		}
		e.sink.Add(*ev)
		return nil
	}
	if err := e.store.RecordGiftEvent(ctx, ev); err != nil {
		return persistErr("record gift event", err)
	}
	if err := e.store.AddParticipantCoins(ctx, ev.MatchID, ev.PlayerID, ev.Team, ev.Coins, int64(ev.Count)); err != nil {
		return persistErr("add participant coins", err)
	}
	return nil
}

// release drops a claim for a gift that was never attributed.
func (e *Engine) release(ctx context.Context, fp string) {
	if err := e.ledger.Release(ctx, fp); err != nil {
		e.log.Warn("idempotency release failed", zap.String("fingerprint", fp), zap.Error(err))
	}
}

func (e *Engine) leave(mc *MatchContext) {
	e.mu.Lock()
	mc.leave()
	e.mu.Unlock()
}

// activeMatch returns the running match, auto-starting one when configured.
// A start already in flight is awaited rather than failed. The caller is
// counted as in flight on the returned match until it calls leave.
func (e *Engine) activeMatch(ctx context.Context) (*MatchContext, error) {
	for attempt := 0; attempt < maxStartAttempts; attempt++ {
		e.mu.Lock()
		switch e.state {
		case StateActive:
			mc := e.current
			mc.inflight++
			e.mu.Unlock()
			return mc, nil
		case StatePaused:
			e.mu.Unlock()
			return nil, &ConflictError{Reason: "match paused"}
		case StateEnding:
			e.mu.Unlock()
			return nil, &ConflictError{Reason: "match ending"}
		case StateStarting:
			done := e.startDone
			e.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		autoStart := e.cfg.AutoStart
		e.mu.Unlock()
		if !autoStart {
			return nil, &NoActiveMatchError{}
		}
		if _, err := e.StartMatch(ctx, "", 0); err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return nil, err
		}
	}
	return nil, &NoActiveMatchError{}
}
