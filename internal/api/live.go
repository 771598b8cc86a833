package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tasbih-app/tasbih/internal/app/progress"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
)

// ─── Live Progress Feed ─────────────────────────────────────────────────────
// Every accepted progress write is pushed to the user's other open devices
// so a second tab or phone sees the count move without polling.
//
// GET /api/live     Server-Sent Events
// GET /api/live/ws  WebSocket, same payloads

// Hub fans progress events out to connected feed clients, per user.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]string // channel → user id
	logger  *log.Logger
}

var _ progress.Publisher = (*Hub)(nil)

// NewHub creates a new progress broadcast hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan []byte]string),
		logger:  log.New(os.Stderr, "[live] ", log.LstdFlags),
	}
}

// Publish sends an event to every client of the event's user.
func (h *Hub) Publish(ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, uid := range h.clients {
		if uid != ev.UserID {
			continue
		}
		select {
		case ch <- data:
		default:
			// Client too slow; drop the message
		}
	}
}

// Subscribe registers a new client for userID. Returns the channel and an
// unsubscribe func.
func (h *Hub) Subscribe(userID string) (chan []byte, func()) {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[ch] = userID
	h.mu.Unlock()
	observability.LiveSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
			observability.LiveSubscribers.Dec()
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleSSE serves the live feed via Server-Sent Events.
// GET /api/live
func (h *Hub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := h.Subscribe(userID(r))
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// HandleWebSocket serves the live feed over a WebSocket.
// GET /api/live/ws
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch, unsub := h.Subscribe(userID(r))
	defer unsub()

	// CloseRead discards client messages and cancels ctx when the peer goes.
	ctx := conn.CloseRead(r.Context())

	hello, _ := json.Marshal(map[string]interface{}{
		"type":      "hello",
		"timestamp": time.Now().Unix(),
	})
	if err := writeFrame(ctx, conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if err := writeFrame(ctx, conn, data); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
