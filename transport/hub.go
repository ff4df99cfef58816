// Package transport fans engine events out to viewers over SSE and websockets.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gift-battle-engine/cache"
	"gift-battle-engine/delta"
	"gift-battle-engine/engine"
	"gift-battle-engine/models"
	"gift-battle-engine/pool"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const DefaultRefreshDelay = 250 * time.Millisecond

var (
	broadcastMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftbattle_broadcast_messages_total",
		Help: "Messages written to viewers by event and representation",
	}, []string{"event", "type"})
	broadcastBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftbattle_broadcast_bytes_total",
		Help: "Bytes written to viewers by representation",
	}, []string{"type"})
	broadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftbattle_broadcast_dropped_total",
		Help: "Messages that could not be written to a viewer",
	})
	viewersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "giftbattle_viewers",
		Help: "Connected viewers",
	})
)

// Sink is one viewer's outbound channel. WriteMessage must not retain data.
type Sink interface {
	WriteMessage(event string, data []byte) error
	Close() error
}

// LeaderboardSource loads standings on a cache miss
type LeaderboardSource interface {
	LoadLeaderboard(ctx context.Context, matchID string) (*models.LeaderboardSnapshot, error)
}

// Envelope frames every message sent to a viewer
type Envelope struct {
	Event   string          `json:"event"`
	Type    delta.Kind      `json:"type,omitempty"`
	MatchID string          `json:"match_id,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type viewer struct {
	id   string
	sink Sink
	mu   sync.Mutex
}

type HubConfig struct {
	MaxConnections int
	RefreshDelay   time.Duration
	Cache          *cache.LeaderboardCache
	Source         LeaderboardSource
	Clock          clockwork.Clock
	Logger         *zap.Logger
}

// Hub implements engine.Emitter. Each viewer is bound to a pooled
// connection whose buffer frames outgoing envelopes. Leaderboard updates
// are coalesced per match and delta-encoded per viewer.
type Hub struct {
	pool    *pool.ConnectionPool[Sink]
	encoder *delta.Encoder
	cache   *cache.LeaderboardCache
	source  LeaderboardSource
	clock   clockwork.Clock
	log     *zap.Logger
	delay   time.Duration

	mu        sync.RWMutex
	viewers   map[string]*viewer
	refresh   map[string]clockwork.Timer
	lastMatch string
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.DefaultTTL, cache.DefaultCapacity, cfg.Clock)
	}
	h := &Hub{
		encoder: delta.NewEncoder(),
		cache:   cfg.Cache,
		source:  cfg.Source,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		delay:   cfg.RefreshDelay,
		viewers: make(map[string]*viewer),
		refresh: make(map[string]clockwork.Timer),
	}
	h.pool = pool.New[Sink](cfg.MaxConnections, pool.DefaultStaleAfter, cfg.Clock, h.evicted)
	return h
}

// SetSource sets the leaderboard loader when the engine is built after the hub.
func (h *Hub) SetSource(src LeaderboardSource) {
	h.mu.Lock()
	h.source = src
	h.mu.Unlock()
}

func (h *Hub) Pool() *pool.ConnectionPool[Sink] {
	return h.pool
}

// Join registers a viewer. The pool may evict the least recently used
// viewer to make room; that viewer's sink is closed. A joining viewer
// always receives a full leaderboard first.
func (h *Hub) Join(viewerID string, sink Sink) error {
	if _, err := h.pool.Get(viewerID, sink); err != nil {
		return err
	}
	h.encoder.Forget(viewerID)
	h.mu.Lock()
	old := h.viewers[viewerID]
	h.viewers[viewerID] = &viewer{id: viewerID, sink: sink}
	matchID := h.lastMatch
	viewersGauge.Set(float64(len(h.viewers)))
	h.mu.Unlock()

	if old != nil && old.sink != sink {
		old.sink.Close()
	}
	h.log.Debug("viewer joined", zap.String("viewer_id", viewerID))
	if matchID != "" {
		go h.pushLeaderboard(matchID, viewerID)
	}
	return nil
}

// Leave unregisters the viewer if it is still bound to sink.
func (h *Hub) Leave(viewerID string, sink Sink) {
	h.pool.Release(viewerID, sink)
	h.mu.Lock()
	v, ok := h.viewers[viewerID]
	if ok && v.sink == sink {
		delete(h.viewers, viewerID)
	}
	viewersGauge.Set(float64(len(h.viewers)))
	h.mu.Unlock()
	if ok && v.sink == sink {
		h.encoder.Forget(viewerID)
		h.log.Debug("viewer left", zap.String("viewer_id", viewerID))
	}
}

func (h *Hub) evicted(owner string, sink Sink) {
	h.mu.Lock()
	if v, ok := h.viewers[owner]; ok && v.sink == sink {
		delete(h.viewers, owner)
	}
	viewersGauge.Set(float64(len(h.viewers)))
	h.mu.Unlock()
	h.encoder.Forget(owner)
	if err := sink.Close(); err != nil {
		h.log.Debug("closing evicted viewer", zap.String("viewer_id", owner), zap.Error(err))
	}
	h.log.Info("viewer evicted", zap.String("viewer_id", owner))
}

func (h *Hub) Viewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Emit broadcasts an engine event to every viewer and schedules a
// leaderboard refresh for events that change standings.
func (h *Hub) Emit(event, matchID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	env := Envelope{Event: event, Type: delta.KindFull, MatchID: matchID, Data: data}
	for _, v := range h.snapshotViewers() {
		h.write(v, env)
	}

	switch event {
	case engine.EventMatchState:
		h.mu.Lock()
		h.lastMatch = matchID
		h.mu.Unlock()
		h.invalidateAndRefresh(matchID)
	case engine.EventGiftReceived, engine.EventMatchEnded:
		h.scheduleRefresh(matchID)
	}
}

func (h *Hub) invalidateAndRefresh(matchID string) {
	h.cache.Invalidate(matchID)
	h.scheduleRefresh(matchID)
}

// scheduleRefresh coalesces refreshes: at most one per match per delay.
func (h *Hub) scheduleRefresh(matchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastMatch = matchID
	if _, pending := h.refresh[matchID]; pending {
		return
	}
	h.refresh[matchID] = h.clock.AfterFunc(h.delay, func() {
		h.mu.Lock()
		delete(h.refresh, matchID)
		h.mu.Unlock()
		h.pushLeaderboard(matchID)
	})
}

// pushLeaderboard sends the match leaderboard to the given viewers, or to
// everyone when none are named.
func (h *Hub) pushLeaderboard(matchID string, only ...string) {
	h.mu.RLock()
	src := h.source
	h.mu.RUnlock()
	if src == nil {
		return
	}
	snap, err := h.cache.GetOrLoad(context.Background(), matchID, src.LoadLeaderboard)
	if err != nil {
		h.log.Warn("leaderboard refresh failed", zap.String("match_id", matchID), zap.Error(err))
		return
	}

	for _, v := range h.snapshotViewers(only...) {
		h.sendLeaderboard(v, snap)
	}
}

// sendLeaderboard encodes and writes snap under the viewer lock, so the
// encoder's record of the viewer matches the order frames reach the sink.
func (h *Hub) sendLeaderboard(v *viewer, snap *models.LeaderboardSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	msg, err := h.encoder.Encode(v.id, snap)
	if err != nil {
		h.log.Error("encode leaderboard", zap.String("viewer_id", v.id), zap.Error(err))
		return
	}
	h.writeLocked(v, Envelope{
		Event:   engine.EventLeaderboardUpdate,
		Type:    msg.Kind,
		MatchID: snap.MatchID,
		Data:    msg.Payload,
	})
}

func (h *Hub) snapshotViewers(only ...string) []*viewer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(only) > 0 {
		out := make([]*viewer, 0, len(only))
		for _, id := range only {
			if v, ok := h.viewers[id]; ok {
				out = append(out, v)
			}
		}
		return out
	}
	out := make([]*viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		out = append(out, v)
	}
	return out
}

// write frames env into the viewer's pooled buffer and hands it to the sink.
func (h *Hub) write(v *viewer, env Envelope) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h.writeLocked(v, env)
}

func (h *Hub) writeLocked(v *viewer, env Envelope) {
	conn, ok := h.pool.Lookup(v.id)
	if !ok || conn.Owner != v.id || conn.Handle != v.sink {
		return
	}
	conn.Buf.Reset()
	if err := json.NewEncoder(conn.Buf).Encode(env); err != nil {
		h.log.Error("frame envelope", zap.String("viewer_id", v.id), zap.Error(err))
		return
	}
	frame := conn.Buf.Bytes()
	frame = frame[:len(frame)-1] // Encode appends a newline
	if err := v.sink.WriteMessage(env.Event, frame); err != nil {
		broadcastDropped.Inc()
		h.log.Warn("viewer write failed", zap.String("viewer_id", v.id), zap.Error(err))
		go h.drop(v)
		return
	}
	h.pool.Touch(v.id)
	broadcastMessages.WithLabelValues(env.Event, string(env.Type)).Inc()
	broadcastBytes.WithLabelValues(string(env.Type)).Add(float64(len(frame)))
}

func (h *Hub) drop(v *viewer) {
	h.Leave(v.id, v.sink)
	v.sink.Close()
}

// Close stops pending refreshes and closes every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, t := range h.refresh {
		t.Stop()
		delete(h.refresh, id)
	}
	viewers := make([]*viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()
	for _, v := range viewers {
		h.Leave(v.id, v.sink)
		v.sink.Close()
	}
}

// Resync forgets what the viewer has seen and pushes a full leaderboard.
func (h *Hub) Resync(viewerID string) {
	h.encoder.Forget(viewerID)
	h.mu.RLock()
	matchID := h.lastMatch
	h.mu.RUnlock()
	if matchID != "" {
		go h.pushLeaderboard(matchID, viewerID)
	}
}
