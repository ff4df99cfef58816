package handlers

import (
	"context"
	"time"

	"gift-battle-engine/cache"
	"gift-battle-engine/engine"
	"gift-battle-engine/middleware"
	"gift-battle-engine/models"
	"gift-battle-engine/transport"
	"gift-battle-engine/workers"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// MatchHandler serves the control surface. Cache, Debouncer, Hub and
// Simulator are optional.
type MatchHandler struct {
	Engine    *engine.Engine
	Cache     *cache.LeaderboardCache
	Debouncer *workers.Debouncer
	Hub       *transport.Hub
	Simulator *workers.Simulator
	// Ctx bounds the simulator started through PUT /config
	Ctx          context.Context
	ControlToken string
	ViewerToken  string
	Logger       *zap.Logger
}

func SetupMatchRoutes(app *fiber.App, h *MatchHandler) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.Ctx == nil {
		h.Ctx = context.Background()
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "state": h.Engine.Status().State})
	})

	control := middleware.ControlToken(h.ControlToken, h.Logger)

	m := app.Group("/match")
	m.Get("/", h.GetStatus)
	m.Get("/leaderboard", h.Leaderboard)
	m.Post("/start", control, h.Start)
	m.Post("/end", control, h.End)
	m.Post("/pause", control, h.Pause)
	m.Post("/resume", control, h.Resume)
	m.Post("/extend", control, h.Extend)
	m.Post("/multiplier", control, h.ActivateMultiplier)
	m.Delete("/multiplier", control, h.DeactivateMultiplier)

	app.Get("/config", h.GetConfig)
	app.Put("/config", control, h.PutConfig)

	app.Post("/gifts", control, h.EnqueueGift)
	app.Post("/gifts/process", control, h.ProcessGift)

	if h.Hub != nil {
		app.Get("/stream", middleware.ViewerToken(h.ViewerToken, h.Logger), h.Hub.StreamSSE)
	}
}

func (h *MatchHandler) GetStatus(c *fiber.Ctx) error {
	return c.JSON(h.Engine.Status())
}

func (h *MatchHandler) Start(c *fiber.Ctx) error {
	var req struct {
		Mode     models.MatchMode `json:"mode"`
		Duration int              `json:"duration"` // seconds
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, err)
		}
	}
	if req.Duration < 0 {
		return respondError(c, &engine.ValidationError{Field: "duration", Message: "must not be negative"})
	}
	m, err := h.Engine.StartMatch(c.UserContext(), req.Mode, time.Duration(req.Duration)*time.Second)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (h *MatchHandler) End(c *fiber.Ctx) error {
	res, err := h.Engine.EndMatch(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if res == nil {
		// already ending
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "match is already ending"})
	}
	return c.JSON(res)
}

func (h *MatchHandler) Pause(c *fiber.Ctx) error {
	if err := h.Engine.PauseMatch(c.UserContext()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.Engine.Status())
}

func (h *MatchHandler) Resume(c *fiber.Ctx) error {
	if err := h.Engine.ResumeMatch(c.UserContext()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.Engine.Status())
}

func (h *MatchHandler) Extend(c *fiber.Ctx) error {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := h.Engine.ExtendMatch(c.UserContext(), req.Seconds); err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.Engine.Status())
}

func (h *MatchHandler) ActivateMultiplier(c *fiber.Ctx) error {
	var req struct {
		Value       float64 `json:"value"`
		Duration    int     `json:"duration"` // seconds
		ActivatedBy string  `json:"activated_by"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	w, err := h.Engine.ActivateMultiplier(c.UserContext(), req.Value, time.Duration(req.Duration)*time.Second, req.ActivatedBy)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(w)
}

func (h *MatchHandler) DeactivateMultiplier(c *fiber.Ctx) error {
	if !h.Engine.DeactivateMultiplier() {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no active multiplier"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Leaderboard serves the current (or given) match standings.
func (h *MatchHandler) Leaderboard(c *fiber.Ctx) error {
	matchID := c.Query("match_id", h.Engine.CurrentMatchID())
	if matchID == "" {
		return respondError(c, &engine.NoActiveMatchError{})
	}
	var (
		snap *models.LeaderboardSnapshot
		err  error
	)
	if h.Cache != nil {
		snap, err = h.Cache.GetOrLoad(c.UserContext(), matchID, h.Engine.LoadLeaderboard)
	} else {
		snap, err = h.Engine.LoadLeaderboard(c.UserContext(), matchID)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(snap)
}

// configRequest is the HTTP form of engine.Options with durations in seconds
type configRequest struct {
	MatchDurationSec       *int               `json:"match_duration_sec"`
	DefaultMode            *models.MatchMode  `json:"default_mode"`
	AutoStart              *bool              `json:"auto_start"`
	AutoReset              *bool              `json:"auto_reset"`
	AutoResetDelaySec      *int               `json:"auto_reset_delay_sec"`
	AutoExtension          *bool              `json:"auto_extension"`
	AutoExtensionThreshold *int64             `json:"auto_extension_threshold"`
	AutoExtensionSec       *int               `json:"auto_extension_sec"`
	MaxExtensions          *int               `json:"max_extensions"`
	TeamPolicy             *engine.TeamPolicy `json:"team_policy"`
	MultiplierEnabled      *bool              `json:"multiplier_enabled"`
	SimulationMode         *bool              `json:"simulation_mode"`
	IdempotencyTTLSec      *int               `json:"idempotency_ttl_sec"`
	LeaderboardLimit       *int               `json:"leaderboard_limit"`
}

func seconds(v *int) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v) * time.Second
	return &d
}

func (r configRequest) options() engine.Options {
	return engine.Options{
		MatchDuration:          seconds(r.MatchDurationSec),
		DefaultMode:            r.DefaultMode,
		AutoStart:              r.AutoStart,
		AutoReset:              r.AutoReset,
		AutoResetDelay:         seconds(r.AutoResetDelaySec),
		AutoExtension:          r.AutoExtension,
		AutoExtensionThreshold: r.AutoExtensionThreshold,
		AutoExtensionDuration:  seconds(r.AutoExtensionSec),
		MaxExtensions:          r.MaxExtensions,
		TeamPolicy:             r.TeamPolicy,
		MultiplierEnabled:      r.MultiplierEnabled,
		SimulationMode:         r.SimulationMode,
		IdempotencyTTL:         seconds(r.IdempotencyTTLSec),
		LeaderboardLimit:       r.LeaderboardLimit,
	}
}

func configResponse(cfg engine.Config) fiber.Map {
	return fiber.Map{
		"match_duration_sec":       int(cfg.MatchDuration / time.Second),
		"default_mode":             cfg.DefaultMode,
		"auto_start":               cfg.AutoStart,
		"auto_reset":               cfg.AutoReset,
		"auto_reset_delay_sec":     int(cfg.AutoResetDelay / time.Second),
		"auto_extension":           cfg.AutoExtension,
		"auto_extension_threshold": cfg.AutoExtensionThreshold,
		"auto_extension_sec":       int(cfg.AutoExtensionDuration / time.Second),
		"max_extensions":           cfg.MaxExtensions,
		"team_policy":              cfg.TeamPolicy,
		"multiplier_enabled":       cfg.MultiplierEnabled,
		"simulation_mode":          cfg.SimulationMode,
		"idempotency_ttl_sec":      int(cfg.IdempotencyTTL / time.Second),
		"leaderboard_limit":        cfg.LeaderboardLimit,
	}
}

func (h *MatchHandler) GetConfig(c *fiber.Ctx) error {
	return c.JSON(configResponse(h.Engine.Config()))
}

func (h *MatchHandler) PutConfig(c *fiber.Ctx) error {
	var req configRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	cfg, err := h.Engine.LoadConfig(req.options())
	if err != nil {
		return respondError(c, err)
	}
	h.syncSimulation(cfg.SimulationMode)
	return c.JSON(configResponse(cfg))
}

func (h *MatchHandler) syncSimulation(on bool) {
	if h.Simulator == nil {
		return
	}
	switch {
	case on && !h.Simulator.Running():
		h.Simulator.Start(h.Ctx)
	case !on && h.Simulator.Running():
		h.Simulator.Stop()
	}
}

// EnqueueGift hands the gift to the debouncer; it is attributed when the
// sender's window closes.
func (h *MatchHandler) EnqueueGift(c *fiber.Ctx) error {
	if h.Debouncer == nil {
		return h.ProcessGift(c)
	}
	var in workers.InboundGift
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, err)
	}
	if err := h.Debouncer.Add(in); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true, "event_id": in.EventID})
}

// ProcessGift attributes the gift immediately. Duplicates are a 200 with
// duplicate set.
func (h *MatchHandler) ProcessGift(c *fiber.Ctx) error {
	var in workers.InboundGift
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, err)
	}
	res, err := h.Engine.ProcessGift(c.UserContext(), in.Gift, in.User, in.EventID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}
