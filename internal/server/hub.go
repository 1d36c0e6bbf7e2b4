package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"particlestack/internal/metrics"
	"particlestack/internal/pipeline"
)

const writeWait = 5 * time.Second

// message is the envelope of every websocket frame.
type message struct {
	Type string `json:"type"` // connected, progress, result
	Data any    `json:"data,omitempty"`
}

// hub owns every websocket connection; only run writes to them.
type hub struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *hub) run(ctx context.Context, results <-chan pipeline.Result, progress <-chan pipeline.Progress) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			h.drop(client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			metrics.WebsocketConnected(1)
			h.log.Debug("websocket client connected", "clients", len(h.clients))
			h.send(client, message{Type: "connected"})

		case client := <-h.unregister:
			if h.clients[client] {
				h.drop(client)
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			h.broadcast(message{Type: "result", Data: res})

		case ev, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			h.broadcast(message{Type: "progress", Data: ev})
		}
	}
}

func (h *hub) broadcast(msg message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("failed to encode websocket message", "type", msg.Type, "error", err)
		return
	}
	for client := range h.clients {
		h.write(client, payload)
	}
}

func (h *hub) send(client *websocket.Conn, msg message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.write(client, payload)
}

func (h *hub) write(client *websocket.Conn, payload []byte) {
	client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.drop(client)
	}
}

func (h *hub) drop(client *websocket.Conn) {
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	client.Close()
	metrics.WebsocketConnected(-1)
}
