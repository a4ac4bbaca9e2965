package services

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	submodels "wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/internal/websocket/models"
	"wanderer-kills/pkg/config"
)

// HubConfig bounds the per-connection mailbox.
type HubConfig struct {
	MailboxSize int
}

// HubConfigFromEnv reads hub settings from the environment.
func HubConfigFromEnv() HubConfig {
	return HubConfig{
		MailboxSize: config.GetIntEnv("WS_MAILBOX_SIZE", 256),
	}
}

// Hub is the in-process broadcaster. Topics map to the connections watching
// them; publishing enqueues into each watcher's bounded mailbox and never
// blocks. A connection watching a system is subscribed to that system's
// topic; a connection watching characters is subscribed to the all-systems
// topic and filters kills in its own write loop.
type Hub struct {
	cfg HubConfig

	mu     sync.RWMutex
	conns  map[string]*models.Connection
	topics map[string]map[string]struct{}

	totalConnections atomic.Int64
	published        atomic.Int64
	delivered        atomic.Int64
	dropped          atomic.Int64

	lastConnMu sync.Mutex
	lastConnAt time.Time
}

// NewHub builds an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	return &Hub{
		cfg:    cfg,
		conns:  make(map[string]*models.Connection),
		topics: make(map[string]map[string]struct{}),
	}
}

// MailboxSize returns the configured per-connection mailbox bound.
func (h *Hub) MailboxSize() int {
	return h.cfg.MailboxSize
}

// AddConnection registers a connection with the hub.
func (h *Hub) AddConnection(conn *models.Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()

	h.totalConnections.Add(1)
	h.lastConnMu.Lock()
	h.lastConnAt = time.Now().UTC()
	h.lastConnMu.Unlock()

	slog.Info("WebSocket connection added",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr)
}

// RemoveConnection unsubscribes the connection from every topic and drops it
// from the registry. Safe to call twice.
func (h *Hub) RemoveConnection(connID string) {
	h.mu.Lock()
	_, exists := h.conns[connID]
	delete(h.conns, connID)
	for topic, watchers := range h.topics {
		delete(watchers, connID)
		if len(watchers) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	if exists {
		slog.Info("WebSocket connection removed", "connection_id", connID)
	}
}

// SubscribeTopic adds the connection to a topic's watcher set.
func (h *Hub) SubscribeTopic(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return
	}
	watchers, ok := h.topics[topic]
	if !ok {
		watchers = make(map[string]struct{})
		h.topics[topic] = watchers
	}
	watchers[connID] = struct{}{}
}

// UnsubscribeTopic removes the connection from a topic's watcher set.
func (h *Hub) UnsubscribeTopic(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	watchers, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(watchers, connID)
	if len(watchers) == 0 {
		delete(h.topics, topic)
	}
}

// Publish fans a message out to every connection watching the topic.
// Deliveries that do not fit a connection's mailbox are dropped for that
// connection only and counted; the publisher never blocks.
func (h *Hub) Publish(topic string, msg *submodels.BroadcastMessage) {
	h.published.Add(1)

	h.mu.RLock()
	watchers := h.topics[topic]
	targets := make([]*models.Connection, 0, len(watchers))
	for connID := range watchers {
		if conn, ok := h.conns[connID]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Mailbox <- models.Delivery{Topic: topic, Message: msg}:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// Stats snapshots the hub counters.
func (h *Hub) Stats() models.HubStats {
	h.mu.RLock()
	active := len(h.conns)
	topics := len(h.topics)
	h.mu.RUnlock()

	h.lastConnMu.Lock()
	lastConn := h.lastConnAt
	h.lastConnMu.Unlock()

	return models.HubStats{
		ActiveConnections: active,
		TotalConnections:  h.totalConnections.Load(),
		ActiveTopics:      topics,
		MessagesPublished: h.published.Load(),
		MessagesDelivered: h.delivered.Load(),
		MessagesDropped:   h.dropped.Load(),
		LastConnectionAt:  lastConn,
	}
}
