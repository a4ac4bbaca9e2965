package models

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	killmodels "wanderer-kills/internal/killmails/models"
	submodels "wanderer-kills/internal/subscriptions/models"
)

// Client actions accepted on the killmails lobby.
const (
	ActionSubscribeSystems      = "subscribe_systems"
	ActionUnsubscribeSystems    = "unsubscribe_systems"
	ActionSubscribeCharacters   = "subscribe_characters"
	ActionUnsubscribeCharacters = "unsubscribe_characters"
	ActionGetStatus             = "get_status"
)

// Server message types pushed to lobby clients.
const (
	MessageTypeKillmailUpdate = "killmail_update"
	MessageTypeStatus         = "status"
	MessageTypeSubscribed     = "subscribed"
	MessageTypeError          = "error"
)

// ClientMessage is one inbound frame from a lobby client.
type ClientMessage struct {
	Action     string  `json:"action"`
	Systems    []int   `json:"systems,omitempty"`
	Characters []int64 `json:"characters,omitempty"`
}

// KillmailUpdateMessage is the outbound frame carrying kills that matched a
// client's filters.
type KillmailUpdateMessage struct {
	Type      string                 `json:"type"`
	SystemID  int                    `json:"system_id"`
	Killmails []*killmodels.Killmail `json:"killmails"`
	Timestamp time.Time              `json:"timestamp"`
}

// StatusMessage answers a get_status request.
type StatusMessage struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	Systems      []int     `json:"systems"`
	Characters   []int64   `json:"characters"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// SubscribedMessage confirms a filter mutation.
type SubscribedMessage struct {
	Type       string `json:"type"`
	Systems    int    `json:"systems"`
	Characters int    `json:"characters"`
}

// ErrorMessage reports a rejected client action.
type ErrorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Delivery is one queued fanout unit awaiting the connection's write loop.
// The topic tells the write loop which filter applies.
type Delivery struct {
	Topic   string
	Message *submodels.BroadcastMessage
}

// Connection is one lobby client. The mailbox is bounded; the hub drops the
// newest delivery for this connection when it is full so a slow reader never
// blocks the publisher.
type Connection struct {
	ID         string
	Conn       *websocket.Conn
	Mailbox    chan Delivery
	CreatedAt  time.Time
	RemoteAddr string

	mu         sync.RWMutex
	systems    map[int]struct{}
	characters map[int64]struct{}
}

// NewConnection wraps an upgraded websocket with an empty filter set.
func NewConnection(id string, conn *websocket.Conn, mailboxSize int) *Connection {
	remote := ""
	if conn != nil {
		remote = conn.RemoteAddr().String()
	}
	return &Connection{
		ID:         id,
		Conn:       conn,
		Mailbox:    make(chan Delivery, mailboxSize),
		CreatedAt:  time.Now().UTC(),
		RemoteAddr: remote,
		systems:    make(map[int]struct{}),
		characters: make(map[int64]struct{}),
	}
}

// AddSystems merges ids into the system filter and reports the new size.
func (c *Connection) AddSystems(ids []int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.systems[id] = struct{}{}
	}
	return len(c.systems)
}

// RemoveSystems drops ids from the system filter.
func (c *Connection) RemoveSystems(ids []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.systems, id)
	}
}

// AddCharacters merges ids into the character filter and reports the new size.
func (c *Connection) AddCharacters(ids []int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.characters[id] = struct{}{}
	}
	return len(c.characters)
}

// RemoveCharacters drops ids from the character filter.
func (c *Connection) RemoveCharacters(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.characters, id)
	}
}

// WatchesSystem reports whether the system is in the filter.
func (c *Connection) WatchesSystem(id int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.systems[id]
	return ok
}

// WatchesAnyCharacter reports whether any of the ids is in the filter.
func (c *Connection) WatchesAnyCharacter(ids []int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range ids {
		if _, ok := c.characters[id]; ok {
			return true
		}
	}
	return false
}

// SystemCount returns the current system filter size.
func (c *Connection) SystemCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.systems)
}

// CharacterCount returns the current character filter size.
func (c *Connection) CharacterCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.characters)
}

// Systems returns a copy of the system filter.
func (c *Connection) Systems() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int, 0, len(c.systems))
	for id := range c.systems {
		out = append(out, id)
	}
	return out
}

// Characters returns a copy of the character filter.
func (c *Connection) Characters() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int64, 0, len(c.characters))
	for id := range c.characters {
		out = append(out, id)
	}
	return out
}

// HubStats are the hub's lifetime counters.
type HubStats struct {
	ActiveConnections int       `json:"active_connections"`
	TotalConnections  int64     `json:"total_connections"`
	ActiveTopics      int       `json:"active_topics"`
	MessagesPublished int64     `json:"messages_published"`
	MessagesDelivered int64     `json:"messages_delivered"`
	MessagesDropped   int64     `json:"messages_dropped"`
	LastConnectionAt  time.Time `json:"last_connection_at,omitempty"`
}
