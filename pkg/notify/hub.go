package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes events to connected websocket observers. New connections first
// receive the events returned by the snapshot function.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	snapshot func() []Event
}

// NewHub returns a Hub. snapshot may be nil.
func NewHub(snapshot func() []Event) *Hub {
	return &Hub{
		clients:  make(map[*client]struct{}),
		snapshot: snapshot,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends ev to every observer. Observers whose buffer is full miss
// the event.
func (h *Hub) Broadcast(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode event", slog.Any("error", err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			log.Ctx(ctx).WarnContext(ctx, "websocket client buffer full, dropping event", slog.String("type", ev.Type))
		}
	}
}

func (h *Hub) PlanChanged(ctx context.Context, plan types.ChargePlan) {
	h.Broadcast(ctx, NewEvent(TypePlan, plan))
}

func (h *Hub) StatusChanged(ctx context.Context, state types.ControllerState) {
	h.Broadcast(ctx, NewEvent(TypeStatus, state))
}

// ServeHTTP upgrades the request and streams events until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if h.snapshot != nil {
		for _, ev := range h.snapshot() {
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			c.send <- b
		}
	}
	h.register(c)
	go c.writePump()

	// nothing is read from observers, but reading is what notices a close
	defer func() {
		h.unregister(c)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Ctx(ctx).DebugContext(ctx, "websocket read failed", slog.Any("error", err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
