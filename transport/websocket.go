package transport

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsBuffer     = 64
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 4096
)

// wsSink owns the write side of a websocket connection. gorilla
// connections allow one concurrent writer, so all writes go through pump.
type wsSink struct {
	conn   *websocket.Conn
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn, out: make(chan []byte, wsBuffer), closed: make(chan struct{})}
}

func (s *wsSink) WriteMessage(_ string, data []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	select {
	case s.out <- append([]byte(nil), data...):
		return nil
	default:
		return ErrViewerBehind
	}
}

func (s *wsSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *wsSink) pump(log *zap.Logger) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				s.Close()
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			return
		}
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

// WebsocketHandler upgrades viewers onto the hub.
type WebsocketHandler struct {
	hub      *Hub
	token    string
	upgrader websocket.Upgrader
}

// NewWebsocketHandler serves viewers from hub. A non-empty token must be
// presented in the token query parameter.
func NewWebsocketHandler(hub *Hub, token string) *WebsocketHandler {
	return &WebsocketHandler{
		hub:   hub,
		token: token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP handles /ws?viewer=... Clients may send {"type":"resync"}
// to receive a full leaderboard.
func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(h.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	viewerID := r.URL.Query().Get("viewer")
	if viewerID == "" {
		viewerID = "ws-" + uuid.NewString()
	}
	log := h.hub.log.With(zap.String("viewer_id", viewerID))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sink := newWSSink(conn)
	if err := h.hub.Join(viewerID, sink); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}
	go sink.pump(log)

	defer func() {
		h.hub.Leave(viewerID, sink)
		sink.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Debug("discarding malformed message", zap.Error(err))
			continue
		}
		if msg.Type == "resync" {
			h.hub.Resync(viewerID)
		}
	}
}
