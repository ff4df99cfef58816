package engine

import (
	"context"
	"errors"
	"time"

	"gift-battle-engine/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StartMatch creates a match and arms its countdown. An empty mode or a
// zero duration falls back to the configured defaults.
func (e *Engine) StartMatch(ctx context.Context, mode models.MatchMode, duration time.Duration) (*models.Match, error) {
	e.mu.Lock()
	switch e.state {
	case StateStarting:
		e.mu.Unlock()
		return nil, ErrStartWhileStarting
	case StateActive, StatePaused:
		e.mu.Unlock()
		return nil, &ConflictError{Reason: "match already active"}
	case StateEnding:
		e.mu.Unlock()
		return nil, &ConflictError{Reason: "match ending"}
	}
	if mode == "" {
		mode = e.cfg.DefaultMode
	}
	if duration == 0 {
		duration = e.cfg.MatchDuration
	}
	if !mode.Valid() {
		e.mu.Unlock()
		return nil, &ValidationError{Field: "mode", Message: "unknown mode " + string(mode)}
	}
	if duration < time.Second {
		e.mu.Unlock()
		return nil, &ValidationError{Field: "duration", Message: "must be at least one second"}
	}

	prev := e.state
	e.state = StateStarting
	done := make(chan struct{})
	e.startDone = done
	e.stopped = false
	if e.reset != nil {
		e.reset.Stop()
		e.reset = nil
	}
	now := e.clock.Now()
	e.mu.Unlock()

	match := &models.Match{
		ID:          uuid.NewString(),
		Mode:        mode,
		Status:      models.MatchStatusActive,
		StartedAt:   now,
		DurationSec: int(duration / time.Second),
	}
	err := e.store.CreateMatch(ctx, match)

	e.mu.Lock()
	e.startDone = nil
	close(done)
	if err != nil {
		e.state = prev
		e.mu.Unlock()
		e.log.Error("create match failed", zap.Error(err))
		return nil, persistErr("create match", err)
	}
	mc := newMatchContext(match, duration, now)
	e.current = mc
	e.state = StateActive
	e.armCountdown(mc)
	payload := MatchStatePayload{Match: *match, State: e.state.String(), RemainingSec: duration.Seconds()}
	e.mu.Unlock()

	matchesStarted.Inc()
	e.log.Info("match started",
		zap.String("match_id", match.ID),
		zap.String("mode", string(mode)),
		zap.Duration("duration", duration),
	)
	e.emit(EventMatchState, match.ID, payload)
	out := *match
	return &out, nil
}

// PauseMatch freezes the countdown.
func (e *Engine) PauseMatch(ctx context.Context) error {
	e.mu.Lock()
	mc, err := e.requireRunning()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if e.state == StatePaused {
		e.mu.Unlock()
		return &ConflictError{Reason: "match already paused"}
	}
	now := e.clock.Now()
	mc.pausedAt = now
	if mc.countdown != nil {
		mc.countdown.Stop()
		mc.countdown = nil
	}
	e.state = StatePaused
	payload := PausePayload{MatchID: mc.Match.ID, RemainingSec: mc.Remaining(now).Seconds()}
	e.mu.Unlock()

	e.log.Info("match paused", zap.String("match_id", payload.MatchID), zap.Float64("remaining_sec", payload.RemainingSec))
	e.emit(EventMatchPaused, payload.MatchID, payload)
	return nil
}

// ResumeMatch restarts the countdown from where it was paused.
func (e *Engine) ResumeMatch(ctx context.Context) error {
	e.mu.Lock()
	mc, err := e.requireRunning()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if e.state != StatePaused {
		e.mu.Unlock()
		return &ConflictError{Reason: "match not paused"}
	}
	now := e.clock.Now()
	mc.pausedFor += now.Sub(mc.pausedAt)
	mc.pausedAt = time.Time{}
	e.state = StateActive
	e.armCountdown(mc)
	payload := PausePayload{MatchID: mc.Match.ID, RemainingSec: mc.Remaining(now).Seconds()}
	e.mu.Unlock()

	e.log.Info("match resumed", zap.String("match_id", payload.MatchID), zap.Float64("remaining_sec", payload.RemainingSec))
	e.emit(EventMatchResumed, payload.MatchID, payload)
	return nil
}

// ExtendMatch adds seconds to the countdown. Manual extensions are not capped.
func (e *Engine) ExtendMatch(ctx context.Context, seconds int) error {
	if seconds <= 0 {
		return &ValidationError{Field: "seconds", Message: "must be positive"}
	}
	e.mu.Lock()
	mc, err := e.requireRunning()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	payload := e.extendLocked(mc, time.Duration(seconds)*time.Second, false)
	e.mu.Unlock()

	e.log.Info("match extended", zap.String("match_id", payload.MatchID), zap.Int("seconds", seconds))
	e.emit(EventMatchExtended, payload.MatchID, payload)
	return nil
}

func (e *Engine) extendLocked(mc *MatchContext, d time.Duration, automatic bool) ExtendPayload {
	mc.duration += d
	mc.extensions++
	if automatic {
		mc.autoExt++
	}
	mc.Match.Extensions = mc.extensions
	if e.state == StateActive {
		e.armCountdown(mc)
	}
	return ExtendPayload{
		MatchID:      mc.Match.ID,
		Seconds:      int(d / time.Second),
		Extensions:   mc.extensions,
		RemainingSec: mc.Remaining(e.clock.Now()).Seconds(),
		Automatic:    automatic,
	}
}

// requireRunning returns the current match when it is active or paused.
func (e *Engine) requireRunning() (*MatchContext, error) {
	switch e.state {
	case StateActive, StatePaused:
		return e.current, nil
	case StateStarting:
		return nil, &ConflictError{Reason: "match starting"}
	case StateEnding:
		return nil, &ConflictError{Reason: "match ending"}
	}
	return nil, &NoActiveMatchError{}
}

// restoreAfterFailedEnd puts mc back into prev with its timers re-armed.
// Callers hold e.mu.
func (e *Engine) restoreAfterFailedEnd(mc *MatchContext, prev State, window *MultiplierWindow) {
	e.state = prev
	mc.multiplier = window
	if prev == StateActive {
		e.armCountdown(mc)
	}
	if window.activeAt(e.clock.Now()) {
		e.armMultiplierExpiry(mc, window)
	}
}

func (e *Engine) armCountdown(mc *MatchContext) {
	if mc.countdown != nil {
		mc.countdown.Stop()
	}
	remaining := mc.Remaining(e.clock.Now())
	mc.countdown = e.clock.AfterFunc(remaining, func() { e.onCountdown(mc) })
}

func (e *Engine) onCountdown(mc *MatchContext) {
	e.mu.Lock()
	if e.current != mc || e.state != StateActive {
		e.mu.Unlock()
		return
	}
	if mc.Remaining(e.clock.Now()) > 0 {
		e.armCountdown(mc)
		e.mu.Unlock()
		return
	}
	mc.countdown = nil
	if mc.Match.Mode.Teamed() && e.cfg.AutoExtension && mc.autoExt < e.cfg.MaxExtensions &&
		mc.teamScores().Gap() < e.cfg.AutoExtensionThreshold {
		payload := e.extendLocked(mc, e.cfg.AutoExtensionDuration, true)
		e.mu.Unlock()
		e.log.Info("match auto-extended",
			zap.String("match_id", payload.MatchID),
			zap.Int("extensions", payload.Extensions),
		)
		e.emit(EventMatchExtended, payload.MatchID, payload)
		return
	}
	e.mu.Unlock()

	if _, err := e.EndMatch(context.Background()); err != nil {
		e.log.Error("countdown end failed", zap.String("match_id", mc.Match.ID), zap.Error(err))
	}
}

// EndMatch finalizes the current match. A call that arrives while another
// end is in progress returns (nil, nil).
func (e *Engine) EndMatch(ctx context.Context) (*MatchResult, error) {
	e.mu.Lock()
	switch e.state {
	case StateEnding:
		e.mu.Unlock()
		e.log.Debug("end ignored", zap.Error(ErrEndWhileEnding))
		return nil, nil
	case StateStarting:
		e.mu.Unlock()
		return nil, &ConflictError{Reason: "match starting"}
	case StateIdle, StateEnded:
		e.mu.Unlock()
		return nil, &NoActiveMatchError{}
	}
	mc := e.current
	prev := e.state
	e.state = StateEnding
	mc.stopTimers()
	drained := mc.drainChan()
	e.mu.Unlock()

	// gifts already past the state check are credited before standings are taken
	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			e.mu.Lock()
			mc.drained = nil
			e.restoreAfterFailedEnd(mc, prev, mc.multiplier)
			e.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	now := e.clock.Now()
	standings := mc.ranked()
	scores := mc.teamScores()
	final := *mc.Match
	elapsed := now.Sub(mc.startedAt) - mc.pausedFor
	if mc.paused() {
		elapsed -= now.Sub(mc.pausedAt)
	}
	final.Extensions = mc.extensions
	final.TotalCoins = mc.totalCoins
	final.TotalGifts = mc.totalGifts
	window := mc.multiplier
	mc.multiplier = nil
	e.mu.Unlock()

	if e.sink != nil {
		if err := e.sink.Flush(ctx); err != nil {
			e.log.Warn("gift flush at match end failed", zap.String("match_id", final.ID), zap.Error(err))
		}
	}

	final.Status = models.MatchStatusCompleted
	final.EndedAt = &now
	final.DurationSec = int(elapsed / time.Second)
	winners := decideWinners(&final, standings, scores)

	if err := e.store.EndMatch(ctx, &final); err != nil {
		e.mu.Lock()
		e.restoreAfterFailedEnd(mc, prev, window)
		e.mu.Unlock()
		e.log.Error("end match failed", zap.String("match_id", final.ID), zap.Error(err))
		return nil, persistErr("end match", err)
	}

	result := &MatchResult{
		Match:     final,
		Standings: standings,
		Winners:   winners,
		Badges:    make(map[string][]string),
	}
	if final.Mode.Teamed() {
		result.Teams = &scores
	}
	won := make(map[string]bool, len(winners))
	for _, id := range winners {
		won[id] = true
	}
	for _, s := range standings {
		delta := models.StatsDelta{
			Coins:  s.Coins,
			Gifts:  s.Gifts,
			Played: true,
			Won:    won[s.PlayerID],
			At:     now,
		}
		if _, err := e.store.UpdateLifetimeStats(ctx, s.PlayerID, delta); err != nil {
			finalizeFailures.Inc()
			result.Failed = append(result.Failed, s.PlayerID)
			e.log.Error("lifetime stats update failed, skipping participant",
				zap.String("match_id", final.ID),
				zap.String("player_id", s.PlayerID),
				zap.Error(err),
			)
			continue
		}
		awarded, err := e.store.EvaluateAndAwardBadges(ctx, s.PlayerID)
		if err != nil {
			e.log.Warn("badge evaluation failed",
				zap.String("match_id", final.ID),
				zap.String("player_id", s.PlayerID),
				zap.Error(err),
			)
			continue
		}
		for _, b := range awarded {
			result.Badges[s.PlayerID] = append(result.Badges[s.PlayerID], b.Code)
		}
	}

	e.mu.Lock()
	e.current = nil
	e.last = &final
	e.state = StateEnded
	if e.cfg.AutoReset && !e.stopped {
		e.scheduleReset(final.Mode, e.cfg.MatchDuration)
	}
	e.mu.Unlock()

	matchesEnded.Inc()
	e.log.Info("match ended",
		zap.String("match_id", final.ID),
		zap.Int64("total_coins", final.TotalCoins),
		zap.Strings("winners", winners),
		zap.Int("failed", len(result.Failed)),
	)
	e.invalidator.Invalidate(final.ID)
	if window != nil {
		e.emit(EventMultiplierEnded, final.ID, MultiplierEndedPayload{MatchID: final.ID, ID: window.ID, Reason: "match-ended"})
	}
	e.emit(EventMatchEnded, final.ID, result)
	return result, nil
}

// decideWinners fills the winner fields of m and returns the ids credited with a win.
// Solo: the top player, if they scored. Team: every member of the leading side,
// with its top scorer as winner_player_id. A team draw has no winners.
func decideWinners(m *models.Match, standings []models.LeaderboardEntry, scores models.TeamScores) []string {
	if !m.Mode.Teamed() {
		if len(standings) == 0 || standings[0].Coins == 0 {
			return nil
		}
		id := standings[0].PlayerID
		m.WinnerPlayerID = &id
		return []string{id}
	}
	m.RedScore = scores.Red
	m.BlueScore = scores.Blue
	lead := scores.Leader()
	if lead == models.TeamNone {
		return nil
	}
	m.WinnerTeam = lead
	var winners []string
	for _, s := range standings {
		if s.Team != lead {
			continue
		}
		if m.WinnerPlayerID == nil {
			id := s.PlayerID
			m.WinnerPlayerID = &id
		}
		winners = append(winners, s.PlayerID)
	}
	return winners
}

func (e *Engine) scheduleReset(mode models.MatchMode, duration time.Duration) {
	delay := e.cfg.AutoResetDelay
	e.reset = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		e.reset = nil
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			return
		}
		if _, err := e.StartMatch(context.Background(), mode, duration); err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				return
			}
			e.log.Error("auto-reset start failed", zap.Error(err))
		}
	})
}

// ActivateMultiplier opens a multiplier window on the running match,
// replacing any window already open.
func (e *Engine) ActivateMultiplier(ctx context.Context, value float64, duration time.Duration, by string) (*MultiplierWindow, error) {
	if !(value > 0) {
		return nil, &ValidationError{Field: "value", Message: "must be positive"}
	}
	if duration <= 0 {
		return nil, &ValidationError{Field: "duration", Message: "must be positive"}
	}
	e.mu.Lock()
	if !e.cfg.MultiplierEnabled {
		e.mu.Unlock()
		return nil, &ConflictError{Reason: "multipliers disabled"}
	}
	mc, err := e.requireRunning()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	now := e.clock.Now()
	e.mu.Unlock()

	window := &MultiplierWindow{
		ID:          uuid.NewString(),
		Value:       value,
		StartedAt:   now,
		EndsAt:      now.Add(duration),
		ActivatedBy: by,
	}
	err = e.store.RecordMultiplierEvent(ctx, &models.MultiplierEvent{
		ID:          window.ID,
		MatchID:     mc.Match.ID,
		Value:       value,
		StartedAt:   window.StartedAt,
		EndsAt:      window.EndsAt,
		ActivatedBy: by,
	})
	if err != nil {
		return nil, persistErr("record multiplier", err)
	}

	e.mu.Lock()
	if e.current != mc || (e.state != StateActive && e.state != StatePaused) {
		e.mu.Unlock()
		return nil, &NoActiveMatchError{}
	}
	replaced := mc.multiplier
	mc.multiplier = window
	e.armMultiplierExpiry(mc, window)
	e.mu.Unlock()

	if replaced != nil {
		e.emit(EventMultiplierEnded, mc.Match.ID, MultiplierEndedPayload{MatchID: mc.Match.ID, ID: replaced.ID, Reason: "replaced"})
	}
	e.log.Info("multiplier activated",
		zap.String("match_id", mc.Match.ID),
		zap.Float64("value", value),
		zap.Duration("duration", duration),
		zap.String("by", by),
	)
	e.emit(EventMultiplierActivated, mc.Match.ID, *window)
	out := *window
	return &out, nil
}

// DeactivateMultiplier closes the open window. It reports whether one was open.
func (e *Engine) DeactivateMultiplier() bool {
	e.mu.Lock()
	mc := e.current
	if mc == nil || mc.multiplier == nil {
		e.mu.Unlock()
		return false
	}
	window := mc.multiplier
	mc.multiplier = nil
	if mc.multiplierTimer != nil {
		mc.multiplierTimer.Stop()
		mc.multiplierTimer = nil
	}
	e.mu.Unlock()

	e.emit(EventMultiplierEnded, mc.Match.ID, MultiplierEndedPayload{MatchID: mc.Match.ID, ID: window.ID, Reason: "deactivated"})
	return true
}

func (e *Engine) armMultiplierExpiry(mc *MatchContext, w *MultiplierWindow) {
	if mc.multiplierTimer != nil {
		mc.multiplierTimer.Stop()
	}
	d := w.EndsAt.Sub(e.clock.Now())
	mc.multiplierTimer = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		if mc.multiplier != w {
			e.mu.Unlock()
			return
		}
		mc.multiplier = nil
		mc.multiplierTimer = nil
		e.mu.Unlock()
		e.emit(EventMultiplierEnded, mc.Match.ID, MultiplierEndedPayload{MatchID: mc.Match.ID, ID: w.ID, Reason: "expired"})
	})
}
