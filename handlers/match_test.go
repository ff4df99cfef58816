package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gift-battle-engine/cache"
	"gift-battle-engine/engine"
	"gift-battle-engine/services"
	"gift-battle-engine/workers"

	"github.com/bmizerany/assert"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
)

const token = "control-secret"

type testServer struct {
	app   *fiber.App
	eng   *engine.Engine
	store *services.MemoryStore
	cache *cache.LeaderboardCache
}

func newServer(t *testing.T, withDebouncer bool) *testServer {
	t.Helper()
	store := services.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	lb := cache.New(cache.DefaultTTL, cache.DefaultCapacity, clock)
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{Store: store, Ledger: store, Invalidator: lb, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Stop)

	h := &MatchHandler{Engine: eng, Cache: lb, ControlToken: token}
	if withDebouncer {
		d := workers.NewDebouncer(time.Second, clock, nil, func(workers.Aggregate) {})
		h.Debouncer = d
	}
	app := fiber.New()
	SetupMatchRoutes(app, h)
	SetupPlayerRoutes(app, store)
	return &testServer{app: app, eng: eng, store: store, cache: lb}
}

func (s *testServer) do(t *testing.T, method, path, body string, authed bool) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 {
		json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

const giftBody = `{"event_id":"evt-1","user":{"id":"alice","display_name":"Alice"},"gift":{"id":"rose","value":25}}`

func TestControlRoutesRequireToken(t *testing.T) {
	s := newServer(t, false)
	code, body := s.do(t, http.MethodPost, "/match/start", "", false)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "control token missing", body["error"])

	req := httptest.NewRequest(http.MethodPost, "/match/start", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, _ := s.app.Test(req, -1)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, _ = s.do(t, http.MethodGet, "/match", "", false)
	assert.Equal(t, http.StatusOK, code)
}

func TestMatchFlow(t *testing.T) {
	s := newServer(t, false)
	code, body := s.do(t, http.MethodPost, "/match/start", `{"mode":"solo","duration":120}`, true)
	assert.Equal(t, http.StatusCreated, code)
	matchID := body["id"].(string)
	assert.Equal(t, float64(120), body["duration_sec"])

	code, body = s.do(t, http.MethodPost, "/match/start", "", true)
	assert.Equal(t, http.StatusConflict, code)

	code, body = s.do(t, http.MethodPost, "/gifts/process", giftBody, true)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(25), body["coins"])
	code, body = s.do(t, http.MethodPost, "/gifts/process", giftBody, true)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["duplicate"])

	code, body = s.do(t, http.MethodGet, "/match/leaderboard", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, matchID, body["match_id"])
	entries := body["entries"].([]any)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, "Alice", entries[0].(map[string]any)["display_name"])

	code, body = s.do(t, http.MethodGet, "/match", "", false)
	assert.Equal(t, "active", body["state"])

	code, body = s.do(t, http.MethodPost, "/match/end", "", true)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"alice"}, body["winners"])

	code, body = s.do(t, http.MethodGet, "/match", "", false)
	assert.Equal(t, "ended", body["state"])
}

func TestGiftErrors(t *testing.T) {
	s := newServer(t, false)
	code, _ := s.do(t, http.MethodPost, "/gifts/process", giftBody, true)
	assert.Equal(t, http.StatusNotFound, code)

	s.do(t, http.MethodPost, "/match/start", "", true)
	code, body := s.do(t, http.MethodPost, "/gifts/process", `{"user":{},"gift":{"id":"rose","value":1}}`, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "user.id", body["field"])

	code, body = s.do(t, http.MethodPost, "/gifts/process", `{"user":`, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid JSON", body["error"])

	s.do(t, http.MethodPost, "/match/pause", "", true)
	code, _ = s.do(t, http.MethodPost, "/gifts/process", giftBody, true)
	assert.Equal(t, http.StatusConflict, code)
}

func TestEnqueueGoesThroughDebouncer(t *testing.T) {
	s := newServer(t, true)
	code, body := s.do(t, http.MethodPost, "/gifts", giftBody, true)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, "evt-1", body["event_id"])

	code, body = s.do(t, http.MethodPost, "/gifts", `{"user":{"id":"a"},"gift":{"id":"rose","value":0}}`, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "gift.value", body["field"])
}

func TestMultiplierRoutes(t *testing.T) {
	s := newServer(t, false)
	s.do(t, http.MethodPost, "/match/start", "", true)

	code, body := s.do(t, http.MethodPost, "/match/multiplier", `{"value":2,"duration":30,"activated_by":"mod"}`, true)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, float64(2), body["value"])

	code, _ = s.do(t, http.MethodDelete, "/match/multiplier", "", true)
	assert.Equal(t, http.StatusNoContent, code)
	code, body = s.do(t, http.MethodDelete, "/match/multiplier", "", true)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "no active multiplier", body["error"])

	code, body = s.do(t, http.MethodPost, "/match/multiplier", `{"value":0,"duration":30}`, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "value", body["field"])
}

func TestConfigRoutes(t *testing.T) {
	s := newServer(t, false)
	code, body := s.do(t, http.MethodGet, "/config", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(300), body["match_duration_sec"])

	code, body = s.do(t, http.MethodPut, "/config", `{"match_duration_sec":120,"leaderboard_limit":0}`, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "leaderboard_limit", body["field"])
	assert.Equal(t, 5*time.Minute, s.eng.Config().MatchDuration)

	code, body = s.do(t, http.MethodPut, "/config", `{"match_duration_sec":120,"team_policy":"random"}`, true)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(120), body["match_duration_sec"])
	assert.Equal(t, "random", body["team_policy"])
	assert.Equal(t, engine.PolicyRandom, s.eng.Config().TeamPolicy)
}

func TestLeaderboardWithoutMatch(t *testing.T) {
	s := newServer(t, false)
	code, _ := s.do(t, http.MethodGet, "/match/leaderboard", "", false)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := s.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", body["state"])
}

func TestLeaderboardIsServedFromCache(t *testing.T) {
	s := newServer(t, false)
	s.do(t, http.MethodPost, "/match/start", `{"mode":"solo"}`, true)
	s.do(t, http.MethodPost, "/gifts/process", giftBody, true)

	code, body := s.do(t, http.MethodGet, "/match/leaderboard", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, len(body["entries"].([]any)))
	_, body = s.do(t, http.MethodGet, "/match/leaderboard", "", false)
	assert.Equal(t, 1, len(body["entries"].([]any)))
	st := s.cache.Stats()
	assert.Equal(t, 1, st.Misses)
	assert.Equal(t, 1, st.Hits)

	s.do(t, http.MethodPost, "/gifts/process",
		`{"event_id":"evt-2","user":{"id":"bob"},"gift":{"id":"rose","value":5}}`, true)
	_, body = s.do(t, http.MethodGet, "/match/leaderboard", "", false)
	assert.Equal(t, 2, len(body["entries"].([]any)))
	assert.Equal(t, 2, s.cache.Stats().Misses)
}
