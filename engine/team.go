package engine

import (
	"math/rand/v2"

	"gift-battle-engine/models"
)

// assignTeam picks a side for a participant joining a teamed match.
// Balancing compares participant counts; ties favour red.
func assignTeam(policy TeamPolicy, red, blue int, requested models.Team, rng *rand.Rand) models.Team {
	switch policy {
	case PolicyManual:
		if requested.Valid() {
			return requested
		}
	case PolicyRandom:
		if rng.IntN(2) == 0 {
			return models.TeamRed
		}
		return models.TeamBlue
	}
	if red <= blue {
		return models.TeamRed
	}
	return models.TeamBlue
}
