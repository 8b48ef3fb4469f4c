// Package live pushes transcript rows to connected dashboard operators.
package live

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/zapdesk/internal/inbox"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

const subscriberBuffer = 32

// Event is one frame sent to the dashboard.
type Event struct {
	Type           string         `json:"type"`
	ConversationID uuid.UUID      `json:"conversation_id,omitempty"`
	Message        *inbox.Message `json:"message,omitempty"`
	At             time.Time      `json:"at"`
}

// Hub fans out events to the subscribers of each company.
type Hub struct {
	logger *logging.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[uuid.UUID]map[chan Event]struct{}),
	}
}

// Subscribe registers a listener for companyID. The returned func unsubscribes.
func (h *Hub) Subscribe(companyID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs[companyID] == nil {
		h.subs[companyID] = make(map[chan Event]struct{})
	}
	h.subs[companyID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[companyID], ch)
			if len(h.subs[companyID]) == 0 {
				delete(h.subs, companyID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers counts listeners for companyID.
func (h *Hub) Subscribers(companyID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[companyID])
}

// Publish delivers evt to every subscriber of companyID. Slow subscribers
// miss events rather than block the pipeline.
func (h *Hub) Publish(companyID uuid.UUID, evt Event) {
	if h == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[companyID] {
		select {
		case ch <- evt:
		default:
			h.logger.Warn("live subscriber lagging, event dropped", "company_id", companyID, "type", evt.Type)
		}
	}
}

// ServeWS upgrades the request and streams companyID's events until the
// client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, companyID uuid.UUID) {
	server := websocket.Server{
		// Origin is not checked; admin auth runs before the upgrade.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			h.stream(r.Context(), conn, companyID)
		},
	}
	server.ServeHTTP(w, r)
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, companyID uuid.UUID) {
	// Server read/write timeouts survive the hijack.
	_ = conn.SetDeadline(time.Time{})

	events, unsubscribe := h.Subscribe(companyID)
	defer unsubscribe()

	if err := websocket.JSON.Send(conn, Event{Type: "ready", At: time.Now().UTC()}); err != nil {
		return
	}
	h.logger.Info("live feed connected", "company_id", companyID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var frame struct {
				Type string `json:"type"`
			}
			if err := websocket.JSON.Receive(conn, &frame); err != nil {
				return
			}
			if frame.Type == "ping" {
				_ = websocket.JSON.Send(conn, Event{Type: "pong", At: time.Now().UTC()})
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			h.logger.Debug("live feed disconnected", "company_id", companyID)
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(conn, evt); err != nil {
				h.logger.Debug("live feed send failed", "company_id", companyID, "error", err)
				return
			}
		}
	}
}
