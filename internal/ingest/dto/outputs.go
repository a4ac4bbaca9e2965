package dto

import (
	"time"
)

// PollerStatusOutput represents the status of the kill stream poller
type PollerStatusOutput struct {
	Body PollerStatusResponse `json:"body" doc:"Kill stream poller status"`
}

// PollerStatusResponse represents the actual status data
type PollerStatusResponse struct {
	Status       string           `json:"status" doc:"Poller state (stopped, starting, running, backoff, draining)"`
	QueueID      string           `json:"queue_id" doc:"Long-poll queue identifier"`
	LastPoll     *time.Time       `json:"last_poll,omitempty" doc:"Last poll attempt time"`
	LastKillmail *int64           `json:"last_killmail_id,omitempty" doc:"Last killmail ID seen on the stream"`
	Metrics      PollerMetrics    `json:"metrics" doc:"Poller counters"`
	Config       PollerConfigInfo `json:"config" doc:"Effective poller configuration"`
	Message      string           `json:"message,omitempty" doc:"Status message"`
}

// PollerMetrics represents counters for the poll loop
type PollerMetrics struct {
	TotalPolls    int64         `json:"total_polls" doc:"Total number of polls made"`
	EmptyPolls    int64         `json:"empty_polls" doc:"Polls that returned no package"`
	Received      int64         `json:"received" doc:"Packages received from the stream"`
	Accepted      int64         `json:"accepted" doc:"Killmails accepted into the store"`
	Duplicates    int64         `json:"duplicates" doc:"Killmails already present in the store"`
	SkippedOld    int64         `json:"skipped_old" doc:"Killmails older than the recency cutoff"`
	LegacyFetches int64         `json:"legacy_fetches" doc:"Reference packages resolved via full fetch"`
	PollErrors    int64         `json:"poll_errors" doc:"Transport errors during polls"`
	ProcessErrors int64         `json:"process_errors" doc:"Killmails dropped during processing"`
	EmptyStreak   int           `json:"empty_streak" doc:"Consecutive empty polls"`
	Uptime        time.Duration `json:"uptime" doc:"Poller uptime duration"`
}

// PollerConfigInfo represents the current poller configuration
type PollerConfigInfo struct {
	FastInterval  string `json:"fast_interval" doc:"Delay after a received package"`
	IdleInterval  string `json:"idle_interval" doc:"Delay after an empty poll"`
	MaxBackoff    string `json:"max_backoff" doc:"Upper bound for the error backoff"`
	CutoffHours   int    `json:"cutoff_hours" doc:"Recency cutoff in hours"`
	LegacyTimeout string `json:"legacy_timeout" doc:"Time budget for resolving legacy packages"`
}

// PollerControlOutput represents the result of a poller control operation
type PollerControlOutput struct {
	Body PollerControlResponse `json:"body" doc:"Poller control operation result"`
}

// PollerControlResponse represents the actual control operation result
type PollerControlResponse struct {
	Success bool   `json:"success" doc:"Whether the operation succeeded"`
	Message string `json:"message" doc:"Operation result message"`
	Status  string `json:"status" doc:"Poller state after the operation"`
}
