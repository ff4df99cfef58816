// Package config reads process settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gift-battle-engine/engine"
	"gift-battle-engine/models"

	"github.com/joho/godotenv"
)

type Archive struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	Endpoint        string
	Prefix          string
}

// Enabled reports whether archives should be uploaded
func (a Archive) Enabled() bool {
	return a.Bucket != "" && a.AccessKeyID != "" && (a.AccountID != "" || a.Endpoint != "")
}

type Config struct {
	Env          string
	LogLevel     string
	DatabaseURL  string
	RedisURL     string
	HTTPAddr     string
	WSAddr       string
	ControlToken string
	ViewerToken  string
	AllowOrigins string

	Debounce      time.Duration
	MaxViewers    int
	Retention     time.Duration
	SimInterval   time.Duration
	SimViewers    int
	Archive       Archive
	Engine        engine.Config
	DotenvMissing bool
}

// Load reads .env when present, then the environment. Engine settings
// start from engine.DefaultConfig and are validated.
func Load() (Config, error) {
	missing := godotenv.Load() != nil
	return FromEnv(os.Getenv, missing)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string, dotenvMissing bool) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		Env:           r.str("APP_ENV", "production"),
		LogLevel:      r.str("LOG_LEVEL", "info"),
		DatabaseURL:   r.str("DATABASE_URL", ""),
		RedisURL:      r.str("REDIS_URL", ""),
		HTTPAddr:      r.str("HTTP_ADDR", ":5200"),
		WSAddr:        r.str("WS_ADDR", ":5201"),
		ControlToken:  r.str("CONTROL_TOKEN", ""),
		ViewerToken:   r.str("VIEWER_TOKEN", ""),
		AllowOrigins:  r.origins("ALLOWED_ORIGINS", "*"),
		Debounce:      r.millis("DEBOUNCE_MS", 200*time.Millisecond),
		MaxViewers:    r.int("MAX_VIEWER_CONNECTIONS", 1000),
		Retention:     time.Duration(r.int("RETENTION_DAYS", 7)) * 24 * time.Hour,
		SimInterval:   r.millis("SIMULATION_INTERVAL_MS", 750*time.Millisecond),
		SimViewers:    r.int("SIMULATION_VIEWERS", 12),
		DotenvMissing: dotenvMissing,
		Archive: Archive{
			AccountID:       r.str("ARCHIVE_ACCOUNT_ID", ""),
			AccessKeyID:     r.str("ARCHIVE_ACCESS_KEY_ID", ""),
			AccessKeySecret: r.str("ARCHIVE_ACCESS_KEY_SECRET", ""),
			Bucket:          r.str("ARCHIVE_BUCKET", ""),
			Endpoint:        r.str("ARCHIVE_ENDPOINT", ""),
			Prefix:          r.str("ARCHIVE_PREFIX", "matches/"),
		},
	}

	e := engine.DefaultConfig()
	e.MatchDuration = r.seconds("MATCH_DURATION_SEC", e.MatchDuration)
	e.DefaultMode = models.MatchMode(r.str("MATCH_MODE", string(e.DefaultMode)))
	e.AutoStart = r.bool("AUTO_START", e.AutoStart)
	e.AutoReset = r.bool("AUTO_RESET", e.AutoReset)
	e.AutoResetDelay = r.seconds("AUTO_RESET_DELAY_SEC", e.AutoResetDelay)
	e.AutoExtension = r.bool("AUTO_EXTENSION", e.AutoExtension)
	e.AutoExtensionThreshold = int64(r.int("AUTO_EXTENSION_THRESHOLD", int(e.AutoExtensionThreshold)))
	e.AutoExtensionDuration = r.seconds("AUTO_EXTENSION_SEC", e.AutoExtensionDuration)
	e.MaxExtensions = r.int("MAX_EXTENSIONS", e.MaxExtensions)
	e.TeamPolicy = engine.TeamPolicy(r.str("TEAM_POLICY", string(e.TeamPolicy)))
	e.MultiplierEnabled = r.bool("MULTIPLIER_ENABLED", e.MultiplierEnabled)
	e.SimulationMode = r.bool("SIMULATION_MODE", e.SimulationMode)
	e.IdempotencyTTL = r.seconds("IDEMPOTENCY_TTL_SEC", e.IdempotencyTTL)
	e.LeaderboardLimit = r.int("LEADERBOARD_LIMIT", e.LeaderboardLimit)
	cfg.Engine = e

	if r.err != nil {
		return cfg, r.err
	}
	if err := e.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) fail(key, raw string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("config %s=%q: %w", key, raw, err)
	}
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw, err)
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, raw, err)
		return def
	}
	return b
}

func (r *reader) seconds(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return def
	}
	return time.Duration(r.int(key, 0)) * time.Second
}

func (r *reader) millis(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return def
	}
	return time.Duration(r.int(key, 0)) * time.Millisecond
}

// origins normalizes a comma separated origin list
func (r *reader) origins(key, def string) string {
	raw := r.str(key, def)
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}
