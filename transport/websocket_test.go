package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gift-battle-engine/engine"

	"github.com/bmizerany/assert"
	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	f := newFixture(10)
	srv := httptest.NewServer(NewWebsocketHandler(f.hub, "secret"))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=wrong"), nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketReceivesEvents(t *testing.T) {
	f := newFixture(10)
	srv := httptest.NewServer(NewWebsocketHandler(f.hub, "secret"))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=secret&viewer=overlay-1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	eventually(t, "viewer join", func() bool { return f.hub.Viewers() == 1 })

	f.hub.Emit(engine.EventMatchExtended, "m1", map[string]int{"seconds": 30})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	assert.Equal(t, nil, json.Unmarshal(data, &env))
	assert.Equal(t, engine.EventMatchExtended, env.Event)
	assert.Equal(t, `{"seconds":30}`, string(env.Data))

	conn.Close()
	eventually(t, "viewer leave", func() bool { return f.hub.Viewers() == 0 })
}
