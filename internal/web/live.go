package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/incubator-dashboard/internal/readings"
	"github.com/nugget/incubator-dashboard/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// Live event types sent to browsers.
const (
	eventSnapshot = "snapshot"
	eventMessage  = "message"
	eventReadings = "readings"
)

// liveEvent is one frame on the live feed.
type liveEvent struct {
	Type    string            `json:"type"`
	Topic   string            `json:"topic,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Records []readings.Record `json:"records,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// liveClient is one connected browser.
type liveClient struct {
	id   string
	send chan []byte
}

// liveHub fans events out to connected browsers. A client whose buffer
// is full misses the event rather than stalling the bridge.
type liveHub struct {
	mu      sync.RWMutex
	clients map[*liveClient]struct{}
	logger  *slog.Logger
}

func newLiveHub(logger *slog.Logger) *liveHub {
	return &liveHub{
		clients: make(map[*liveClient]struct{}),
		logger:  logger,
	}
}

func newLiveClient() *liveClient {
	return &liveClient{
		id:   uuid.NewString(),
		send: make(chan []byte, sendBuffer),
	}
}

func (h *liveHub) register(c *liveClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *liveHub) unregister(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *liveHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *liveHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *liveHub) broadcast(ev liveEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode live event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("live client too slow, event dropped", "client", c.id, "type", ev.Type)
		}
	}
}

func (h *liveHub) broadcastMessage(msg telemetry.Message) {
	h.broadcast(liveEvent{Type: eventMessage, Topic: msg.Topic, Payload: msg.Payload})
}

func (h *liveHub) broadcastReadings(recs []readings.Record) {
	h.broadcast(liveEvent{Type: eventReadings, Records: recs})
}

// handleLive upgrades to a WebSocket, sends the current snapshot and
// then streams live events.
func (s *WebServer) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newLiveClient()
	if s.bridge != nil {
		if payload, err := json.Marshal(s.bridge.Snapshot()); err == nil {
			if data, err := json.Marshal(liveEvent{Type: eventSnapshot, Payload: payload}); err == nil {
				client.send <- data
			}
		}
	}
	s.hub.register(client)
	s.logger.Debug("live client connected", "client", client.id, "remote", r.RemoteAddr, "clients", s.hub.count())

	go s.writePump(conn, client)
	go s.readPump(conn, client)
}

// readPump discards browser frames and detects disconnects.
func (s *WebServer) readPump(conn *websocket.Conn, client *liveClient) {
	defer func() {
		s.hub.unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("live client error", "client", client.id, "error", err)
			}
			return
		}
	}
}

// writePump sends queued events and keepalive pings. One event per
// frame keeps the browser side a plain JSON.parse.
func (s *WebServer) writePump(conn *websocket.Conn, client *liveClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
