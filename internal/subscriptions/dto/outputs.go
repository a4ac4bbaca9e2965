package dto

import (
	"wanderer-kills/internal/subscriptions/models"
)

// CreateSubscriptionOutput wraps the creation response.
type CreateSubscriptionOutput struct {
	Body CreateSubscriptionResponse
}

// CreateSubscriptionResponse returns the assigned subscription id.
type CreateSubscriptionResponse struct {
	SubscriptionID string `json:"subscription_id" doc:"Assigned subscription identifier"`
	Message        string `json:"message" doc:"Human-readable confirmation"`
}

// ListSubscriptionsOutput wraps the subscription listing.
type ListSubscriptionsOutput struct {
	Body ListSubscriptionsResponse
}

// ListSubscriptionsResponse lists the active subscriptions.
type ListSubscriptionsResponse struct {
	Subscriptions []*models.Subscription `json:"subscriptions" doc:"Active subscriptions"`
	Count         int                    `json:"count" doc:"Number of active subscriptions"`
}

// SubscriptionStatsOutput wraps the stats response.
type SubscriptionStatsOutput struct {
	Body SubscriptionStatsResponse
}

// SubscriptionStatsResponse reports index sizes and delivery counters.
type SubscriptionStatsResponse struct {
	TotalSubscriptions   int          `json:"total_subscriptions" doc:"Active subscriptions"`
	WebhookSubscriptions int          `json:"webhook_subscriptions" doc:"Subscriptions with a callback URL"`
	SystemIndex          IndexStats   `json:"system_index" doc:"System index counters"`
	CharacterIndex       IndexStats   `json:"character_index" doc:"Character index counters"`
	Webhooks             WebhookStats `json:"webhooks" doc:"Webhook delivery counters"`
	DispatchedKillmails  int64        `json:"dispatched_killmails" doc:"Killmails routed through fanout since start"`
	BroadcastsPublished  int64        `json:"broadcasts_published" doc:"Messages published to websocket topics since start"`
}

// IndexStats describes one entity index.
type IndexStats struct {
	TotalSubscriptions int `json:"total_subscriptions" doc:"Subscriptions with at least one entry in this index"`
	TotalEntityEntries int `json:"total_entity_entries" doc:"Distinct entities indexed"`
	TotalMappings      int `json:"total_mappings" doc:"Entity-to-subscription pairs"`
}

// WebhookStats reports notifier counters.
type WebhookStats struct {
	Enqueued  int64 `json:"enqueued" doc:"Deliveries accepted into the queue"`
	Delivered int64 `json:"delivered" doc:"Deliveries acknowledged with a 2xx response"`
	Failed    int64 `json:"failed" doc:"Deliveries that errored or timed out"`
	Dropped   int64 `json:"dropped" doc:"Deliveries discarded because a queue overflowed"`
}

// DeleteSubscriptionOutput wraps the unsubscribe response.
type DeleteSubscriptionOutput struct {
	Body DeleteSubscriptionResponse
}

// DeleteSubscriptionResponse confirms an unsubscribe. Removing an unknown
// subscriber succeeds with a zero count.
type DeleteSubscriptionResponse struct {
	Removed int    `json:"removed" doc:"Subscriptions removed"`
	Message string `json:"message" doc:"Human-readable confirmation"`
}
