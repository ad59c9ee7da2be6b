package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-origin-service/internal/metrics"
	"github.com/skypro1111/voice-origin-service/internal/session"
)

const (
	eventWriteWait  = 5 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
)

// snapshotMessage is the first message on every event connection
type snapshotMessage struct {
	Type  string           `json:"type"`
	State session.Snapshot `json:"state"`
}

// eventStreamer pushes session updates to WebSocket clients
type eventStreamer struct {
	sessions SessionController
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.Mutex
}

func newEventStreamer(sessions SessionController, logger *slog.Logger, m *metrics.Metrics) *eventStreamer {
	return &eventStreamer{
		sessions: sessions,
		logger:   logger,
		metrics:  m,
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and streams updates until either side closes
func (e *eventStreamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	updates, unsubscribe := e.sessions.Subscribe()
	defer unsubscribe()

	e.addClient(conn)
	defer e.removeClient(conn)

	e.logger.Info("Event subscriber connected", slog.String("remote_addr", conn.RemoteAddr().String()))

	snapshot, err := e.sessions.State(r.Context())
	if err != nil {
		e.logger.Warn("Failed to read session state", slog.String("error", err.Error()))
		return
	}

	if err := e.write(conn, snapshotMessage{Type: "snapshot", State: snapshot}); err != nil {
		return
	}

	// Reader detects client disconnects and answers control frames
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := e.write(conn, update); err != nil {
				e.logger.Debug("Event write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			e.logger.Info("Event subscriber disconnected", slog.String("remote_addr", conn.RemoteAddr().String()))
			return
		}
	}
}

func (e *eventStreamer) write(conn *websocket.Conn, v interface{}) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		e.logger.Error("Failed to encode event", slog.String("error", err.Error()))
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (e *eventStreamer) addClient(conn *websocket.Conn) {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	e.clients[conn] = struct{}{}
	e.metrics.SetEventSubscribers(len(e.clients))
}

func (e *eventStreamer) removeClient(conn *websocket.Conn) {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	delete(e.clients, conn)
	e.metrics.SetEventSubscribers(len(e.clients))
}

// Close disconnects every client
func (e *eventStreamer) Close() {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()

	for conn := range e.clients {
		_ = conn.Close()
	}
}
