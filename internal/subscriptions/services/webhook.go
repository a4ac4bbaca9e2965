package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	killmodels "wanderer-kills/internal/killmails/models"
	"wanderer-kills/internal/subscriptions/dto"
	"wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/fetch"
)

// KillmailUpdatePayload is the webhook body carrying killmails for one
// system.
type KillmailUpdatePayload struct {
	Type      string                 `json:"type"`
	SystemID  int                    `json:"system_id"`
	Kills     []*killmodels.Killmail `json:"kills"`
	Timestamp time.Time              `json:"timestamp"`
}

// KillCountPayload is the webhook body carrying a per-system kill count.
type KillCountPayload struct {
	Type      string    `json:"type"`
	SystemID  int       `json:"system_id"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// NotifierConfig controls webhook delivery.
type NotifierConfig struct {
	Workers  int
	QueueCap int
	Timeout  time.Duration
}

// NotifierConfigFromEnv reads webhook settings from the environment.
func NotifierConfigFromEnv() NotifierConfig {
	return NotifierConfig{
		Workers:  config.GetIntEnv("WEBHOOK_WORKERS", 4),
		QueueCap: config.GetIntEnv("WEBHOOK_QUEUE_CAP", 256),
		Timeout:  config.GetDurationEnv("WEBHOOK_TIMEOUT", 10*time.Second),
	}
}

type delivery struct {
	subID   string
	url     string
	payload interface{}
}

// Notifier posts killmail payloads to subscriber callback URLs. Each
// delivery gets a single attempt; failures are counted and logged, never
// retried. Deliveries hash to a fixed worker lane by subscription id, which
// keeps per-subscription ordering without a global queue. When a lane
// overflows the oldest queued delivery is dropped to make room.
type Notifier struct {
	http  *fetch.Client
	cfg   NotifierConfig
	lanes []chan delivery

	mu      sync.Mutex
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewNotifier builds a notifier. Zero-value config fields fall back to
// defaults.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	lanes := make([]chan delivery, cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan delivery, cfg.QueueCap)
	}

	return &Notifier{
		http: fetch.New(fetch.Config{
			Timeout:    cfg.Timeout,
			MaxRetries: 0,
		}),
		cfg:   cfg,
		lanes: lanes,
	}
}

// Start launches the delivery workers.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running.Load() {
		return fmt.Errorf("webhook notifier already running")
	}

	// Workers own their lifetime; detach from the caller's cancellation.
	n.ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))
	n.running.Store(true)

	for _, lane := range n.lanes {
		n.wg.Add(1)
		go n.worker(lane)
	}

	slog.InfoContext(ctx, "Webhook notifier started",
		"workers", n.cfg.Workers,
		"queue_cap", n.cfg.QueueCap,
		"timeout", n.cfg.Timeout.String())
	return nil
}

// Stop cancels the workers and waits for in-flight deliveries to finish.
// Queued deliveries that have not started are discarded.
func (n *Notifier) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running.Load() {
		return fmt.Errorf("webhook notifier not running")
	}

	n.cancel()
	n.wg.Wait()
	n.running.Store(false)

	pending := 0
	for _, lane := range n.lanes {
		pending += len(lane)
	}
	if pending > 0 {
		slog.Info("Webhook notifier stopped with queued deliveries discarded", "discarded", pending)
	} else {
		slog.Info("Webhook notifier stopped")
	}
	return nil
}

// Notify queues one delivery for a subscription. The callback URL is
// validated here so a malformed URL surfaces to the caller instead of
// failing silently in a worker.
func (n *Notifier) Notify(subID, callbackURL string, payload interface{}) error {
	if err := dto.ValidateCallbackURL(callbackURL); err != nil {
		return err
	}

	lane := n.lanes[xxhash.Sum64String(subID)%uint64(len(n.lanes))]
	d := delivery{subID: subID, url: callbackURL, payload: payload}
	n.enqueued.Add(1)

	select {
	case lane <- d:
		return nil
	default:
	}

	// Lane is full: evict the oldest queued delivery, then retry once. A
	// concurrent worker may have drained the lane in between, in which case
	// the receive misses and the send succeeds anyway.
	select {
	case <-lane:
		n.dropped.Add(1)
	default:
	}
	select {
	case lane <- d:
	default:
		n.dropped.Add(1)
	}
	return nil
}

// NotifyKillmails queues a killmail_update delivery.
func (n *Notifier) NotifyKillmails(subID, callbackURL string, systemID int, kills []*killmodels.Killmail, ts time.Time) error {
	return n.Notify(subID, callbackURL, &KillmailUpdatePayload{
		Type:      models.MessageKillmailUpdate,
		SystemID:  systemID,
		Kills:     kills,
		Timestamp: ts,
	})
}

// NotifyKillCount queues a killmail_count_update delivery.
func (n *Notifier) NotifyKillCount(subID, callbackURL string, systemID int, count int64, ts time.Time) error {
	return n.Notify(subID, callbackURL, &KillCountPayload{
		Type:      models.MessageKillCountUpdate,
		SystemID:  systemID,
		Count:     count,
		Timestamp: ts,
	})
}

func (n *Notifier) worker(lane chan delivery) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case d := <-lane:
			n.deliver(d)
		}
	}
}

func (n *Notifier) deliver(d delivery) {
	if err := n.http.PostJSON(n.ctx, d.url, d.payload, nil); err != nil {
		n.failed.Add(1)
		slog.Warn("Webhook delivery failed",
			"subscription_id", d.subID,
			"error", err)
		return
	}
	n.delivered.Add(1)
	slog.Debug("Webhook delivered", "subscription_id", d.subID)
}

// Stats returns the delivery counters.
func (n *Notifier) Stats() dto.WebhookStats {
	return dto.WebhookStats{
		Enqueued:  n.enqueued.Load(),
		Delivered: n.delivered.Load(),
		Failed:    n.failed.Load(),
		Dropped:   n.dropped.Load(),
	}
}
