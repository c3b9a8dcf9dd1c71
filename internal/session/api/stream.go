package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/events/bus"
)

const (
	keepaliveInterval = 30 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// replayEvents returns the session's persisted history as bus events
// tagged replayed, so stream consumers can tell history from live.
func (h *Handler) replayEvents(c *gin.Context, sessionID string) ([]bus.Event, error) {
	stored, err := h.store.ListEventsBySession(c.Request.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	events := make([]bus.Event, len(stored))
	for i, ev := range stored {
		events[i] = bus.Event{
			ID:        ev.ID,
			Role:      ev.Role,
			Type:      ev.Type,
			Data:      ev.Data,
			Timestamp: ev.Timestamp,
			Replayed:  true,
		}
	}
	return events, nil
}

// lastEventID returns the highest store-assigned id in the replayed
// history. Live events at or below it were already replayed.
func lastEventID(history []bus.Event) int64 {
	var last int64
	for _, ev := range history {
		if ev.ID > last {
			last = ev.ID
		}
	}
	return last
}

// StreamEvents streams session events over SSE: full persisted history
// first, then live events, with keepalives on idle.
// GET /api/v1/sessions/:sessionId/events
func (h *Handler) StreamEvents(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.store.GetSession(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}

	// Subscribe before replaying so nothing published during the replay
	// is lost.
	sub, cancel := h.bus.Subscribe(sessionID)
	defer cancel()

	history, err := h.replayEvents(c, sessionID)
	if err != nil {
		h.respondError(c, err, "failed to replay events")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	for _, ev := range history {
		c.SSEvent("message", ev)
	}
	c.Writer.Flush()

	// The subscription opened before the replay query, so events
	// published mid-replay can arrive twice. Drop the ones the replay
	// already covered.
	lastID := lastEventID(history)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.ID != 0 && ev.ID <= lastID {
				continue
			}
			c.SSEvent("message", ev)
			c.Writer.Flush()
		case <-keepalive.C:
			c.SSEvent("message", bus.KeepaliveEvent())
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// StreamEventsWS streams the same event feed over a WebSocket.
// GET /api/v1/sessions/:sessionId/ws
func (h *Handler) StreamEventsWS(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.store.GetSession(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}

	sub, cancel := h.bus.Subscribe(sessionID)

	history, err := h.replayEvents(c, sessionID)
	if err != nil {
		cancel()
		h.respondError(c, err, "failed to replay events")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:    conn,
		sub:     sub,
		cancel:  cancel,
		history: history,
		logger:  h.logger.WithFields(zap.String("session_id", sessionID)),
	}
	go client.writePump()
	go client.readPump()
}

// wsClient is one WebSocket subscriber.
type wsClient struct {
	conn    *websocket.Conn
	sub     *bus.Subscription
	cancel  func()
	history []bus.Event
	logger  *logger.Logger
}

func (c *wsClient) writeEvent(ev bus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// writePump replays history, then forwards live events and pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for _, ev := range c.history {
		if err := c.writeEvent(ev); err != nil {
			return
		}
	}
	lastID := lastEventID(c.history)

	for {
		select {
		case ev, ok := <-c.sub.C():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if ev.ID != 0 && ev.ID <= lastID {
				continue
			}
			if err := c.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection to detect closes and answer pings.
func (c *wsClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}
