package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-incident/internal/models"
)

// StreamHub fans incident transition events out to websocket subscribers so
// dashboards render state changes live. Slow consumers are dropped rather
// than allowed to back-pressure the pipeline.
type StreamHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn *websocket.Conn
	send chan models.TransitionEvent
}

// NewStreamHub constructs an empty hub.
func NewStreamHub(logger *slog.Logger) *StreamHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards live on other origins; transition events are
			// read-only telemetry.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
	}
}

// Broadcast queues the event for every subscriber.
func (h *StreamHub) Broadcast(ev models.TransitionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- ev:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// Serve upgrades the request and streams events until the peer disconnects.
func (h *StreamHub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	client := &streamClient{
		conn: conn,
		send: make(chan models.TransitionEvent, 64),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *StreamHub) writeLoop(client *streamClient) {
	defer client.conn.Close()
	for ev := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.conn.WriteJSON(ev); err != nil {
			h.remove(client)
			return
		}
	}
}

// readLoop discards inbound frames; the stream is one-way but reads are
// needed to notice disconnects.
func (h *StreamHub) readLoop(client *streamClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

func (h *StreamHub) remove(client *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Close disconnects all subscribers.
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}
