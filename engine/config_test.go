package engine

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"gift-battle-engine/models"

	"github.com/bmizerany/assert"
)

func TestConfigWithAppliesPartialUpdate(t *testing.T) {
	base := DefaultConfig()
	d := 90 * time.Second
	policy := PolicyRandom
	next, err := base.With(Options{MatchDuration: &d, TeamPolicy: &policy})
	assert.Equal(t, nil, err)
	assert.Equal(t, d, next.MatchDuration)
	assert.Equal(t, PolicyRandom, next.TeamPolicy)
	assert.Equal(t, base.LeaderboardLimit, next.LeaderboardLimit)
}

func TestConfigWithIsAllOrNothing(t *testing.T) {
	base := DefaultConfig()
	d := 90 * time.Second
	limit := 0
	next, err := base.With(Options{MatchDuration: &d, LeaderboardLimit: &limit})
	var verr *ValidationError
	assert.Equal(t, true, errors.As(err, &verr))
	assert.Equal(t, "leaderboard_limit", verr.Field)
	assert.Equal(t, base, next)
}

func TestLoadConfigUpdatesLedgerTTL(t *testing.T) {
	h := newHarness(t, nil)
	ttl := time.Minute
	cfg, err := h.LoadConfig(Options{IdempotencyTTL: &ttl})
	assert.Equal(t, nil, err)
	assert.Equal(t, ttl, cfg.IdempotencyTTL)
	assert.Equal(t, ttl, h.Config().IdempotencyTTL)

	bad := models.MatchMode("duel")
	_, err = h.LoadConfig(Options{DefaultMode: &bad})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, ttl, h.Config().IdempotencyTTL)
}

func TestAssignTeam(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	assert.Equal(t, models.TeamRed, assignTeam(PolicyAlternate, 0, 0, models.TeamBlue, rng))
	assert.Equal(t, models.TeamBlue, assignTeam(PolicyAlternate, 3, 2, models.TeamNone, rng))
	assert.Equal(t, models.TeamBlue, assignTeam(PolicyManual, 0, 0, models.TeamBlue, rng))
	assert.Equal(t, models.TeamRed, assignTeam(PolicyManual, 1, 2, models.TeamNone, rng))

	seen := map[models.Team]bool{}
	for i := 0; i < 64; i++ {
		seen[assignTeam(PolicyRandom, 0, 0, models.TeamNone, rng)] = true
	}
	assert.Equal(t, 2, len(seen))
}
