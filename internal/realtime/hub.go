// Package realtime streams escrow lifecycle events to websocket subscribers.
//
// Clients connect to /v1/ws and, optionally, send a Subscription JSON
// message to narrow the feed to particular escrows, intents or parties.
// Every event carries a hub-wide sequence number; a client that reconnects
// can send AfterSeq to replay what it missed from the hub's backlog.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/intentpay/internal/metrics"
)

// EventType names an escrow lifecycle event.
type EventType string

const (
	EventEscrowDeposited   EventType = "escrow.deposited"
	EventEscrowReleased    EventType = "escrow.released"
	EventEscrowRefunded    EventType = "escrow.refunded"
	EventEscrowDisputed    EventType = "escrow.disputed"
	EventDisputeResolved   EventType = "dispute.resolved"
	EventReconcileRequired EventType = "escrow.reconcile_required"
)

// Event is one message on the feed.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription filters for a client. Empty filters match everything.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
	EscrowIDs  []string    `json:"escrowIds"`
	IntentIDs  []string    `json:"intentIds"`
	Addresses  []string    `json:"addresses"` // owner or agent payout address
	// AfterSeq replays backlog events with a larger sequence number.
	AfterSeq uint64 `json:"afterSeq,omitempty"`
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	// BacklogSize is how many recent events are kept for replay.
	BacklogSize = 512
)

type subscribeRequest struct {
	client *Client
	sub    Subscription
}

// Hub fans events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	subscribe  chan subscribeRequest
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// backlog is a ring of the last BacklogSize events, owned by Run.
	backlog []*Event
	next    int
	seq     uint64

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	replayed     atomic.Int64
}

// NewHub creates a hub; call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscribeRequest),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		backlog:    make([]*Event, BacklogSize),
	}
}

// Run owns client membership and the backlog until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.drop(client)

		case req := <-h.subscribe:
			h.resubscribe(req)

		case event := <-h.broadcast:
			h.seq++
			event.Seq = h.seq
			h.backlog[h.next] = event
			h.next = (h.next + 1) % len(h.backlog)

			h.totalEvents.Add(1)
			metrics.RealtimeEventsTotal.WithLabelValues(string(event.Type)).Inc()
			h.fanOut(event)
		}
	}
}

func (h *Hub) fanOut(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !h.shouldSend(client, event) {
			continue
		}
		if !client.offer(payload) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow websocket client")
		h.drop(client)
	}
}

// resubscribe swaps a client's filter and replays backlog events newer than
// AfterSeq in sequence order.
func (h *Hub) resubscribe(req subscribeRequest) {
	h.mu.RLock()
	_, connected := h.clients[req.client]
	h.mu.RUnlock()
	if !connected {
		return
	}
	req.client.setSubscription(req.sub)
	if req.sub.AfterSeq == 0 {
		return
	}

	for i := 0; i < len(h.backlog); i++ {
		event := h.backlog[(h.next+i)%len(h.backlog)]
		if event == nil || event.Seq <= req.sub.AfterSeq || !h.shouldSend(req.client, event) {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if !req.client.offer(payload) {
			h.drop(req.client)
			return
		}
		h.replayed.Add(1)
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client disconnected", "total", n)
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	sub := client.subscription()

	if len(sub.EventTypes) > 0 && !containsType(sub.EventTypes, event.Type) {
		return false
	}
	if len(sub.EscrowIDs) > 0 && !containsString(sub.EscrowIDs, field(event, "escrowId"), false) {
		return false
	}
	if len(sub.IntentIDs) > 0 && !containsString(sub.IntentIDs, field(event, "intentId"), false) {
		return false
	}
	if len(sub.Addresses) > 0 &&
		!containsString(sub.Addresses, field(event, "ownerAddr"), true) &&
		!containsString(sub.Addresses, field(event, "agentAddr"), true) {
		return false
	}
	return true
}

func field(event *Event, key string) string {
	v, _ := event.Data[key].(string)
	return v
}

func containsType(types []EventType, t EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string, foldCase bool) bool {
	if s == "" {
		return false
	}
	for _, candidate := range list {
		if candidate == s || (foldCase && strings.EqualFold(candidate, s)) {
			return true
		}
	}
	return false
}

// Broadcast queues an event for every matching client. It never blocks;
// when the hub is saturated the event is dropped.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// Publish wraps data in an Event stamped with the current time.
func (h *Hub) Publish(eventType EventType, data map[string]any) {
	h.Broadcast(&Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"replayedEvents":   h.replayed.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
