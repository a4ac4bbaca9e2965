package dto

// CreateSubscriptionInput wraps the subscription creation request body.
type CreateSubscriptionInput struct {
	Body CreateSubscriptionRequest
}

// CreateSubscriptionRequest registers interest in killmail activity. At
// least one of system_ids or character_ids must be non-empty.
type CreateSubscriptionRequest struct {
	SubscriberID string  `json:"subscriber_id" validate:"required,min=1,max=128" doc:"Caller-chosen identifier owning this subscription"`
	SystemIDs    []int   `json:"system_ids,omitempty" validate:"max=100,dive,min=30000000,max=33000000" doc:"Solar system IDs to watch (up to 100)"`
	CharacterIDs []int64 `json:"character_ids,omitempty" validate:"max=1000,dive,min=1" doc:"Character IDs to watch (up to 1000)"`
	CallbackURL  string  `json:"callback_url,omitempty" validate:"omitempty,http_callback" doc:"Webhook URL POSTed killmail updates; omit for websocket-only delivery"`
}

// UpdateSubscriptionRequest changes an existing subscription. Nil fields are
// left untouched; a present empty list clears that dimension, but a change
// may not empty both lists at once.
type UpdateSubscriptionRequest struct {
	SystemIDs    *[]int   `json:"system_ids,omitempty" validate:"omitempty,max=100,dive,min=30000000,max=33000000" doc:"Replacement solar system ID list"`
	CharacterIDs *[]int64 `json:"character_ids,omitempty" validate:"omitempty,max=1000,dive,min=1" doc:"Replacement character ID list"`
	CallbackURL  *string  `json:"callback_url,omitempty" validate:"omitempty,http_callback" doc:"Replacement webhook URL; empty string removes it"`
}

// DeleteSubscriptionInput identifies the subscriber to unsubscribe.
type DeleteSubscriptionInput struct {
	SubscriberID string `path:"subscriber_id" doc:"Subscription ID or subscriber ID to remove"`
}
