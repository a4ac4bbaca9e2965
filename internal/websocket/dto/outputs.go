package dto

import (
	"time"
)

// StatusOutput wraps the hub status response.
type StatusOutput struct {
	Body StatusResponse
}

// StatusResponse reports the broadcast hub's counters.
type StatusResponse struct {
	ActiveConnections int       `json:"active_connections" doc:"Connections currently attached to the hub"`
	TotalConnections  int64     `json:"total_connections" doc:"Connections accepted since start"`
	ActiveTopics      int       `json:"active_topics" doc:"Topics with at least one watcher"`
	MessagesPublished int64     `json:"messages_published" doc:"Messages published to the hub since start"`
	MessagesDelivered int64     `json:"messages_delivered" doc:"Deliveries enqueued to connection mailboxes"`
	MessagesDropped   int64     `json:"messages_dropped" doc:"Deliveries dropped because a mailbox was full"`
	LastConnectionAt  time.Time `json:"last_connection_at,omitempty" doc:"Time of the most recent connection"`
	MailboxSize       int       `json:"mailbox_size" doc:"Per-connection mailbox bound"`
}
