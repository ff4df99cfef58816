package handlers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"gift-battle-engine/models"
	"gift-battle-engine/utils"

	"github.com/gofiber/fiber/v2"
)

// PlayerDirectory serves lifetime player profiles.
type PlayerDirectory interface {
	GetPlayer(ctx context.Context, id string) (*models.Player, error)
	SearchPlayers(ctx context.Context, q string, limit int) ([]models.Player, error)
}

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 100
)

// SetupPlayerRoutes registers the read-only player endpoints.
func SetupPlayerRoutes(app *fiber.App, dir PlayerDirectory) {
	app.Get("/players", func(c *fiber.Ctx) error {
		limit, err := strconv.Atoi(c.Query("limit", strconv.Itoa(defaultSearchLimit)))
		if err != nil || limit <= 0 || limit > maxSearchLimit {
			limit = defaultSearchLimit
		}
		players, err := dir.SearchPlayers(c.UserContext(), utils.SearchName(c.Query("q")), limit)
		if err != nil {
			return respondError(c, err)
		}

		type playerSummary struct {
			ID            string `json:"id"`
			Username      string `json:"username"`
			DisplayName   string `json:"display_name"`
			AvatarURL     string `json:"avatar_url,omitempty"`
			LifetimeCoins int64  `json:"lifetime_coins"`
			Tier          string `json:"tier"`
		}
		res := make([]playerSummary, len(players))
		for i, p := range players {
			res[i] = playerSummary{
				ID:            p.ID,
				Username:      p.Username,
				DisplayName:   p.DisplayName,
				AvatarURL:     p.AvatarURL,
				LifetimeCoins: p.LifetimeCoins,
				Tier:          tierName(p.LifetimeCoins),
			}
		}
		return c.JSON(res)
	})

	app.Get("/players/:id", func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		p, err := dir.GetPlayer(c.UserContext(), id)
		if err != nil {
			return respondError(c, err)
		}

		winRate := 0.0
		if p.MatchesPlayed > 0 {
			winRate = float64(p.MatchesWon) / float64(p.MatchesPlayed)
		}
		return c.JSON(fiber.Map{
			"id":              p.ID,
			"username":        p.Username,
			"display_name":    p.DisplayName,
			"avatar_url":      p.AvatarURL,
			"tier":            tierName(p.LifetimeCoins),
			"lifetime_coins":  p.LifetimeCoins,
			"lifetime_gifts":  p.LifetimeGifts,
			"matches_played":  p.MatchesPlayed,
			"matches_won":     p.MatchesWon,
			"win_rate":        winRate,
			"win_streak":      p.WinStreak,
			"best_win_streak": p.BestWinStreak,
			"last_match_at":   p.LastMatchAt,
			"badges":          badgeViews(p.Badges),
		})
	})
}

type badgeView struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Rarity      string    `json:"rarity"`
	AwardedAt   time.Time `json:"awarded_at"`
}

// badgeViews joins awarded badges with the catalogue. Codes no longer in
// the catalogue are still listed by code.
func badgeViews(owned []models.PlayerBadge) []badgeView {
	catalogue := make(map[string]models.BadgeType, len(models.BadgeTriggers))
	for _, b := range models.BadgeTriggers {
		catalogue[b.Code] = b
	}
	out := make([]badgeView, 0, len(owned))
	for _, pb := range owned {
		b := catalogue[pb.BadgeCode]
		out = append(out, badgeView{
			Code:        pb.BadgeCode,
			Name:        b.Name,
			Description: b.Description,
			Rarity:      b.Rarity,
			AwardedAt:   pb.AwardedAt,
		})
	}
	return out
}

func tierName(lifetimeCoins int64) string {
	switch {
	case lifetimeCoins >= 100000:
		return "Legend"
	case lifetimeCoins >= 25000:
		return "Diamond"
	case lifetimeCoins >= 10000:
		return "Platinum"
	case lifetimeCoins >= 2500:
		return "Gold"
	case lifetimeCoins >= 500:
		return "Silver"
	case lifetimeCoins >= 50:
		return "Bronze"
	}
	return "Rookie"
}
