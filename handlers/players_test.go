package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bmizerany/assert"
)

func TestPlayerProfileAfterMatch(t *testing.T) {
	s := newServer(t, false)
	s.do(t, http.MethodPost, "/match/start", `{"mode":"solo"}`, true)
	s.do(t, http.MethodPost, "/gifts/process", giftBody, true)
	code, _ := s.do(t, http.MethodPost, "/match/end", "", true)
	assert.Equal(t, http.StatusOK, code)

	code, body := s.do(t, http.MethodGet, "/players/alice", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Alice", body["display_name"])
	assert.Equal(t, float64(25), body["lifetime_coins"])
	assert.Equal(t, float64(1), body["matches_won"])
	assert.Equal(t, float64(1), body["win_rate"])
	assert.Equal(t, "Rookie", body["tier"])

	badges := body["badges"].([]any)
	assert.Equal(t, 2, len(badges))
	first := badges[0].(map[string]any)
	assert.Equal(t, "FIRST_GIFT", first["code"])
	assert.Equal(t, "First Spark", first["name"])
}

func TestPlayerNotFound(t *testing.T) {
	s := newServer(t, false)
	code, body := s.do(t, http.MethodGet, "/players/ghost", "", false)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "player not found: ghost", body["error"])
}

func TestSearchPlayers(t *testing.T) {
	s := newServer(t, false)
	s.do(t, http.MethodPost, "/match/start", "", true)
	s.do(t, http.MethodPost, "/gifts/process",
		`{"event_id":"e1","user":{"id":"u1","display_name":"Zoë"},"gift":{"id":"rose","value":5}}`, true)
	s.do(t, http.MethodPost, "/gifts/process",
		`{"event_id":"e2","user":{"id":"u2","display_name":"Bob"},"gift":{"id":"rose","value":5}}`, true)

	search := func(query string) []map[string]any {
		resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/players"+query, nil), -1)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var out []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	found := search("?q=ZOE")
	assert.Equal(t, 1, len(found))
	assert.Equal(t, "u1", found[0]["id"])

	assert.Equal(t, 2, len(search("")))
	assert.Equal(t, 1, len(search("?limit=1")))
	assert.Equal(t, 2, len(search("?limit=abc")))
}
