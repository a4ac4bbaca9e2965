package models

import (
	"fmt"
	"time"

	killmodels "wanderer-kills/internal/killmails/models"
)

// Delivery kinds. A subscription with a callback URL is delivered over
// webhooks; everything else is served through the websocket topics.
const (
	KindWebhook   = "http"
	KindWebSocket = "websocket"
)

// Limits on a single subscription. The websocket lobby enforces the same
// bounds on its per-connection filters.
const (
	MaxSystemsPerSubscription    = 100
	MaxCharactersPerSubscription = 1000
)

// Broadcast topics.
const TopicAllSystems = "all_systems"

// SystemTopic names the per-system broadcast topic.
func SystemTopic(systemID int) string {
	return fmt.Sprintf("system:%d", systemID)
}

// SystemDetailedTopic names the per-system topic that carries full killmail
// payloads.
func SystemDetailedTopic(systemID int) string {
	return fmt.Sprintf("system:%d:detailed", systemID)
}

// Subscription is one registered interest in killmail activity, matched by
// solar system or by involved character.
type Subscription struct {
	SubID        string    `json:"subscription_id"`
	SubscriberID string    `json:"subscriber_id"`
	SystemIDs    []int     `json:"system_ids"`
	CharacterIDs []int64   `json:"character_ids"`
	CallbackURL  string    `json:"callback_url,omitempty"`
	Kind         string    `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BroadcastMessage is the fanout unit published to websocket topics. It
// carries the involved character ids so the transport layer can match
// character filters without re-walking the killmails.
type BroadcastMessage struct {
	Type         string                 `json:"type"`
	SystemID     int                    `json:"system_id"`
	Killmails    []*killmodels.Killmail `json:"killmails"`
	CharacterIDs []int64                `json:"character_ids,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Broadcast message types.
const (
	MessageKillmailUpdate  = "killmail_update"
	MessageKillCountUpdate = "killmail_count_update"
)
