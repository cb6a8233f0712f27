package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
)

const (
	// writeWait bounds each outbound frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may go without a pong.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Hub bridges project event streams onto WebSocket connections. Each
// connection gets its own bus subscription, so one slow socket lags
// independently of the rest.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates a hub over the given bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "streaming")),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeProject streams the project's events over the connection until
// the subscription ends, the peer disconnects, or ctx is cancelled. The
// connection is closed on return.
func (h *Hub) ServeProject(ctx context.Context, conn *websocket.Conn, projectID string) error {
	sub, err := h.bus.Subscribe(ctx, projectID)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer sub.Cancel()

	h.track(conn)
	defer h.untrack(conn)
	defer func() { _ = conn.Close() }()

	log := h.logger.WithProjectID(projectID)
	log.Debug("websocket attached")

	// Reader goroutine: consumes control frames and detects disconnect.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				// Stream ended; say goodbye cleanly.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				log.Debug("websocket stream ended")
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-readerDone:
			log.Debug("websocket peer disconnected")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseAll force-closes every tracked connection. Used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = c.Close()
	}
}

func (h *Hub) track(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}
