package engine

import (
	"time"

	"gift-battle-engine/models"
)

// TeamPolicy decides which side a new participant joins
type TeamPolicy string

const (
	PolicyRandom    TeamPolicy = "random"
	PolicyAlternate TeamPolicy = "alternate"
	PolicyManual    TeamPolicy = "manual"
)

func (p TeamPolicy) Valid() bool {
	switch p {
	case PolicyRandom, PolicyAlternate, PolicyManual:
		return true
	}
	return false
}

// Config is the runtime configuration of an Engine
type Config struct {
	MatchDuration time.Duration    `json:"match_duration"`
	DefaultMode   models.MatchMode `json:"default_mode"`

	AutoStart      bool          `json:"auto_start"`
	AutoReset      bool          `json:"auto_reset"`
	AutoResetDelay time.Duration `json:"auto_reset_delay"`

	AutoExtension          bool          `json:"auto_extension"`
	AutoExtensionThreshold int64         `json:"auto_extension_threshold"` // max score gap that still triggers an extension
	AutoExtensionDuration  time.Duration `json:"auto_extension_duration"`
	MaxExtensions          int           `json:"max_extensions"` // automatic only; manual extensions are unbounded

	TeamPolicy        TeamPolicy `json:"team_policy"`
	MultiplierEnabled bool       `json:"multiplier_enabled"`
	SimulationMode    bool       `json:"simulation_mode"`

	IdempotencyTTL   time.Duration `json:"idempotency_ttl"`
	LeaderboardLimit int           `json:"leaderboard_limit"`
}

func DefaultConfig() Config {
	return Config{
		MatchDuration:          5 * time.Minute,
		DefaultMode:            models.ModeSolo,
		AutoResetDelay:         10 * time.Second,
		AutoExtensionThreshold: 100,
		AutoExtensionDuration:  30 * time.Second,
		MaxExtensions:          3,
		TeamPolicy:             PolicyAlternate,
		MultiplierEnabled:      true,
		IdempotencyTTL:         time.Hour,
		LeaderboardLimit:       10,
	}
}

// Options is a partial Config update. Nil fields keep their current value.
type Options struct {
	MatchDuration          *time.Duration    `json:"match_duration,omitempty"`
	DefaultMode            *models.MatchMode `json:"default_mode,omitempty"`
	AutoStart              *bool             `json:"auto_start,omitempty"`
	AutoReset              *bool             `json:"auto_reset,omitempty"`
	AutoResetDelay         *time.Duration    `json:"auto_reset_delay,omitempty"`
	AutoExtension          *bool             `json:"auto_extension,omitempty"`
	AutoExtensionThreshold *int64            `json:"auto_extension_threshold,omitempty"`
	AutoExtensionDuration  *time.Duration    `json:"auto_extension_duration,omitempty"`
	MaxExtensions          *int              `json:"max_extensions,omitempty"`
	TeamPolicy             *TeamPolicy       `json:"team_policy,omitempty"`
	MultiplierEnabled      *bool             `json:"multiplier_enabled,omitempty"`
	SimulationMode         *bool             `json:"simulation_mode,omitempty"`
	IdempotencyTTL         *time.Duration    `json:"idempotency_ttl,omitempty"`
	LeaderboardLimit       *int              `json:"leaderboard_limit,omitempty"`
}

// With returns c updated by o. Nothing is applied when validation fails.
func (c Config) With(o Options) (Config, error) {
	next := c
	if o.MatchDuration != nil {
		next.MatchDuration = *o.MatchDuration
	}
	if o.DefaultMode != nil {
		next.DefaultMode = *o.DefaultMode
	}
	if o.AutoStart != nil {
		next.AutoStart = *o.AutoStart
	}
	if o.AutoReset != nil {
		next.AutoReset = *o.AutoReset
	}
	if o.AutoResetDelay != nil {
		next.AutoResetDelay = *o.AutoResetDelay
	}
	if o.AutoExtension != nil {
		next.AutoExtension = *o.AutoExtension
	}
	if o.AutoExtensionThreshold != nil {
		next.AutoExtensionThreshold = *o.AutoExtensionThreshold
	}
	if o.AutoExtensionDuration != nil {
		next.AutoExtensionDuration = *o.AutoExtensionDuration
	}
	if o.MaxExtensions != nil {
		next.MaxExtensions = *o.MaxExtensions
	}
	if o.TeamPolicy != nil {
		next.TeamPolicy = *o.TeamPolicy
	}
	if o.MultiplierEnabled != nil {
		next.MultiplierEnabled = *o.MultiplierEnabled
	}
	if o.SimulationMode != nil {
		next.SimulationMode = *o.SimulationMode
	}
	if o.IdempotencyTTL != nil {
		next.IdempotencyTTL = *o.IdempotencyTTL
	}
	if o.LeaderboardLimit != nil {
		next.LeaderboardLimit = *o.LeaderboardLimit
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

func (c Config) Validate() error {
	switch {
	case c.MatchDuration <= 0:
		return &ValidationError{Field: "match_duration", Message: "must be positive"}
	case !c.DefaultMode.Valid():
		return &ValidationError{Field: "default_mode", Message: "unknown mode " + string(c.DefaultMode)}
	case c.AutoResetDelay < 0:
		return &ValidationError{Field: "auto_reset_delay", Message: "must not be negative"}
	case c.AutoExtensionThreshold < 0:
		return &ValidationError{Field: "auto_extension_threshold", Message: "must not be negative"}
	case c.AutoExtension && c.AutoExtensionDuration <= 0:
		return &ValidationError{Field: "auto_extension_duration", Message: "must be positive"}
	case c.MaxExtensions < 0:
		return &ValidationError{Field: "max_extensions", Message: "must not be negative"}
	case !c.TeamPolicy.Valid():
		return &ValidationError{Field: "team_policy", Message: "unknown policy " + string(c.TeamPolicy)}
	case c.IdempotencyTTL <= 0:
		return &ValidationError{Field: "idempotency_ttl", Message: "must be positive"}
	case c.LeaderboardLimit <= 0:
		return &ValidationError{Field: "leaderboard_limit", Message: "must be positive"}
	}
	return nil
}
