// Package realtime streams engagement decisions and referral transitions to
// operator dashboards over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/viralloop/internal/metrics"
)

type EventType string

const (
	EventEngagementTracked     EventType = "engagement_tracked"
	EventEngagementBlocked     EventType = "engagement_blocked"
	EventEngagementRateLimited EventType = "engagement_rate_limited"
	EventReferralTransition    EventType = "referral_transition"
	EventReconcileMismatch     EventType = "reconcile_mismatch"
)

// Event is one message on the feed. Data keys used for filtering are
// contentId, metric and fraudScore.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is sent by a client as a JSON text frame to narrow its feed.
// Empty filters match everything.
type Subscription struct {
	AllEvents     bool        `json:"allEvents"`
	EventTypes    []EventType `json:"eventTypes"`
	ContentIDs    []string    `json:"contentIds"`
	Metrics       []string    `json:"metrics"`
	MinFraudScore float64     `json:"minFraudScore"`
}

// Matches reports whether ev passes every filter in s.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.ContentIDs) > 0 {
		id, _ := ev.Data["contentId"].(string)
		if !slices.Contains(s.ContentIDs, id) {
			return false
		}
	}
	if len(s.Metrics) > 0 {
		m, _ := ev.Data["metric"].(string)
		if !slices.Contains(s.Metrics, m) {
			return false
		}
	}
	if s.MinFraudScore > 0 {
		score, ok := ev.Data["fraudScore"].(float64)
		if !ok || score < s.MinFraudScore {
			return false
		}
	}
	return true
}

const (
	MaxClients      = 10000
	broadcastBuffer = 256
)

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
}

// Hub fans published events out to connected clients. Publish never blocks
// the engagement write path; events are dropped when the buffer is full.
type Hub struct {
	logger     *slog.Logger
	maxClients int

	mu      sync.RWMutex
	clients map[*Client]struct{}

	events     chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		maxClients: MaxClients,
		clients:    make(map[*Client]struct{}),
		events:     make(chan *Event, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns client membership until ctx is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("realtime client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("realtime client disconnected", "clients", n)

		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

// drop removes c. Callers hold h.mu.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) fanOut(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("realtime event not serializable", "type", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.drop(c)
	}
	h.mu.Unlock()
	h.logger.Warn("dropped slow realtime clients", "count", len(slow))
}

// Publish queues an event of type t. It never blocks.
func (h *Hub) Publish(t EventType, data map[string]any) {
	select {
	case h.events <- &Event{Type: t, Timestamp: time.Now().UTC(), Data: data}:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("realtime buffer full, dropping event", "type", t)
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peakClients.Load(),
		TotalClients:     h.totalClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
	}
}

// HandleWebSocket upgrades r and attaches the connection to the hub with an
// all-events subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
