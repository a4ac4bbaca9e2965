package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"wanderer-kills/internal/ingest/dto"
	"wanderer-kills/internal/killmails/models"
	killmails "wanderer-kills/internal/killmails/services"
	"wanderer-kills/pkg/cache"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/esi"
	"wanderer-kills/pkg/gate"
	"wanderer-kills/pkg/zkb"
)

// PollerState represents the state of the poll loop
type PollerState int

const (
	StateStopped PollerState = iota
	StateStarting
	StateRunning
	StateBackoff
	StateDraining
)

func (s PollerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// PollerConfig holds poll loop settings.
type PollerConfig struct {
	FastInterval   time.Duration
	IdleInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	CutoffHours    int
	LegacyTimeout  time.Duration
}

// PollerConfigFromEnv resolves poll loop settings from the environment.
func PollerConfigFromEnv() PollerConfig {
	return PollerConfig{
		FastInterval:   config.GetDurationEnv("POLL_FAST_INTERVAL", time.Second),
		IdleInterval:   config.GetDurationEnv("POLL_IDLE_INTERVAL", 5*time.Second),
		InitialBackoff: config.GetDurationEnv("POLL_INITIAL_BACKOFF", time.Second),
		MaxBackoff:     config.GetDurationEnv("POLL_MAX_BACKOFF", 60*time.Second),
		BackoffFactor:  config.GetFloatEnv("POLL_BACKOFF_FACTOR", 2.0),
		CutoffHours:    config.GetIntEnv("KILL_CUTOFF_HOURS", 1),
		LegacyTimeout:  config.GetDurationEnv("POLL_LEGACY_TIMEOUT", 10*time.Second),
	}
}

// Poller drives the long-poll loop against the kill stream and feeds received
// packages through the killmail service. Transport errors grow an exponential
// backoff; any successful poll, including empty and skipped ones, resets it.
type Poller struct {
	redisq *zkb.RedisQClient
	kills  *killmails.Service
	cache  *cache.Service
	cfg    PollerConfig

	// State management
	mu          sync.RWMutex
	state       atomic.Int32
	running     atomic.Bool
	lastPoll    time.Time
	emptyStreak int
	startTime   time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// Only touched from the poll loop goroutine.
	backoff *backoff.ExponentialBackOff

	// Metrics
	metrics PollerMetrics

	// One-minute activity window, swapped to zero on each summary.
	windowPolls    atomic.Int64
	windowReceived atomic.Int64
	windowAccepted atomic.Int64
	windowErrors   atomic.Int64

	now func() time.Time
}

// PollerMetrics tracks poll loop counters
type PollerMetrics struct {
	TotalPolls     atomic.Int64
	EmptyPolls     atomic.Int64
	Received       atomic.Int64
	Accepted       atomic.Int64
	Duplicates     atomic.Int64
	SkippedOld     atomic.Int64
	LegacyFetches  atomic.Int64
	PollErrors     atomic.Int64
	ProcessErrors  atomic.Int64
	LastKillmailID atomic.Int64
}

// NewPoller creates a poller over the long-poll client and the killmail
// service.
func NewPoller(redisq *zkb.RedisQClient, kills *killmails.Service, cacheService *cache.Service, cfg PollerConfig) *Poller {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.Multiplier = cfg.BackoffFactor
	b.MaxInterval = cfg.MaxBackoff
	b.RandomizationFactor = 0.2

	p := &Poller{
		redisq:  redisq,
		kills:   kills,
		cache:   cacheService,
		cfg:     cfg,
		backoff: b,
		now:     time.Now,
	}
	p.state.Store(int32(StateStopped))
	return p
}

// Start begins the poll loop
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return fmt.Errorf("poller already running")
	}

	p.state.Store(int32(StateStarting))

	// The poll loop owns its lifetime; detach from the caller's cancellation
	// so a control request ending does not kill the loop.
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	p.emptyStreak = 0
	p.startTime = p.now()
	p.backoff.Reset()

	p.wg.Add(1)
	go p.pollLoop()

	p.running.Store(true)
	p.state.Store(int32(StateRunning))

	slog.Info("Killmail poller started", "queue_id", p.redisq.QueueID())

	return nil
}

// Stop gracefully stops the poller
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return fmt.Errorf("poller not running")
	}

	p.state.Store(int32(StateDraining))

	slog.Info("Stopping killmail poller...")

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Killmail poller stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Killmail poller stop timeout")
	}

	p.running.Store(false)
	p.state.Store(int32(StateStopped))

	return nil
}

// pollLoop is the main polling loop
func (p *Poller) pollLoop() {
	defer p.wg.Done()

	slog.Info("Starting kill stream poll loop")

	for {
		delay := p.pollOnce(p.ctx)

		select {
		case <-p.ctx.Done():
			slog.Info("Poll loop context cancelled")
			return
		case <-time.After(delay):
		}
	}
}

// pollOnce performs a single poll and returns the delay before the next one.
func (p *Poller) pollOnce(ctx context.Context) time.Duration {
	p.metrics.TotalPolls.Add(1)
	p.windowPolls.Add(1)
	p.mu.Lock()
	p.lastPoll = p.now()
	p.mu.Unlock()

	pkg, kind, err := p.redisq.Poll(ctx)
	if err != nil {
		p.metrics.PollErrors.Add(1)
		p.windowErrors.Add(1)
		delay := p.backoff.NextBackOff()
		p.state.Store(int32(StateBackoff))
		slog.WarnContext(ctx, "Kill stream poll failed", "error", err, "retry_in", delay)
		return delay
	}

	p.state.Store(int32(StateRunning))

	switch kind {
	case zkb.PackageNone:
		p.backoff.Reset()
		p.metrics.EmptyPolls.Add(1)
		p.mu.Lock()
		p.emptyStreak++
		p.mu.Unlock()
		return p.cfg.IdleInterval

	case zkb.PackageUnexpected:
		p.metrics.ProcessErrors.Add(1)
		p.windowErrors.Add(1)
		delay := p.backoff.NextBackOff()
		p.state.Store(int32(StateBackoff))
		slog.WarnContext(ctx, "Dropping package with unexpected shape",
			"killmail_id", pkg.KillID, "retry_in", delay)
		return delay
	}

	p.mu.Lock()
	p.emptyStreak = 0
	p.mu.Unlock()

	p.metrics.Received.Add(1)
	p.windowReceived.Add(1)

	return p.handlePackage(ctx, pkg, kind)
}

// handlePackage routes one received package through the killmail service and
// picks the follow-up delay. Accepted kills poll again quickly, duplicates and
// stale kills back off to the idle interval, and processing failures grow the
// backoff: the stream delivered, but enrichment could not complete, so
// hammering it would only repeat the failure. Backoff resets only once a
// package actually resolves.
func (p *Poller) handlePackage(ctx context.Context, pkg *zkb.Package, kind zkb.PackageKind) time.Duration {
	killID := pkg.KillID
	if killID == 0 && pkg.Killmail != nil {
		killID = pkg.Killmail.KillmailID
	}
	if killID > 0 {
		p.metrics.LastKillmailID.Store(killID)
	}

	if killID > 0 && p.kills.Contains(killID) {
		p.backoff.Reset()
		p.metrics.Duplicates.Add(1)
		slog.DebugContext(ctx, "Killmail already ingested", "killmail_id", killID)
		return p.cfg.IdleInterval
	}

	cutoff := p.now().Add(-time.Duration(p.cfg.CutoffHours) * time.Hour)

	var (
		event *models.Event
		err   error
	)
	switch kind {
	case zkb.PackageNew:
		event, err = p.ingestNew(ctx, pkg, cutoff)
	case zkb.PackageLegacy:
		event, err = p.ingestLegacy(ctx, pkg, cutoff)
	}
	if err != nil {
		if errors.Is(err, killmails.ErrKillTooOld) {
			p.backoff.Reset()
			p.metrics.SkippedOld.Add(1)
			slog.DebugContext(ctx, "Skipping killmail older than cutoff", "killmail_id", killID)
			return p.cfg.IdleInterval
		}
		p.metrics.ProcessErrors.Add(1)
		p.windowErrors.Add(1)
		delay := p.backoff.NextBackOff()
		p.state.Store(int32(StateBackoff))
		slog.WarnContext(ctx, "Failed to process killmail",
			"error", err, "killmail_id", killID, "retry_in", delay)
		return delay
	}
	if event == nil {
		p.backoff.Reset()
		p.metrics.Duplicates.Add(1)
		slog.DebugContext(ctx, "Killmail already stored", "killmail_id", killID)
		return p.cfg.IdleInterval
	}

	p.backoff.Reset()
	p.metrics.Accepted.Add(1)
	p.windowAccepted.Add(1)
	p.markSystemActive(ctx, event.SystemID)

	slog.InfoContext(ctx, "Killmail accepted",
		"killmail_id", event.Killmail.KillmailID,
		"system_id", event.SystemID,
		"event_id", event.EventID,
		"format", kind.String())

	return p.cfg.FastInterval
}

func (p *Poller) ingestNew(ctx context.Context, pkg *zkb.Package, cutoff time.Time) (*models.Event, error) {
	return p.kills.Ingest(ctx, pkg.Killmail, pkg.ZKB, cutoff, gate.PriorityRealtime)
}

// ingestLegacy resolves a reference-only package. The pipeline recovers the
// hash and fetches the full record, so all the poller contributes is the kill
// id, the metadata, and a bounded time budget.
func (p *Poller) ingestLegacy(ctx context.Context, pkg *zkb.Package, cutoff time.Time) (*models.Event, error) {
	p.metrics.LegacyFetches.Add(1)

	legacyCtx, cancel := context.WithTimeout(ctx, p.cfg.LegacyTimeout)
	defer cancel()

	return p.kills.Ingest(legacyCtx, &esi.Killmail{KillmailID: pkg.KillID}, pkg.ZKB, cutoff, gate.PriorityRealtime)
}

func (p *Poller) markSystemActive(ctx context.Context, systemID int) {
	if err := p.cache.Put(ctx, cache.NamespaceSystemActive, strconv.Itoa(systemID), p.now().UTC()); err != nil {
		slog.WarnContext(ctx, "Failed to mark system active", "error", err, "system_id", systemID)
	}
}

// PublishSummary logs and resets the one-minute activity window. Quiet while
// the poller is stopped and nothing happened.
func (p *Poller) PublishSummary(ctx context.Context) {
	polls := p.windowPolls.Swap(0)
	received := p.windowReceived.Swap(0)
	accepted := p.windowAccepted.Swap(0)
	failed := p.windowErrors.Swap(0)

	if polls == 0 && !p.running.Load() {
		return
	}

	slog.InfoContext(ctx, "Poll summary",
		"polls", polls,
		"received", received,
		"accepted", accepted,
		"errors", failed,
		"store_killmails", p.kills.Stats(ctx).Killmails)
}

// GetStatus returns the current poller status
func (p *Poller) GetStatus() *dto.PollerStatusOutput {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var lastPoll *time.Time
	if !p.lastPoll.IsZero() {
		lp := p.lastPoll
		lastPoll = &lp
	}

	var lastKillmail *int64
	if id := p.metrics.LastKillmailID.Load(); id > 0 {
		lastKillmail = &id
	}

	var uptime time.Duration
	if !p.startTime.IsZero() {
		uptime = time.Since(p.startTime)
	}

	return &dto.PollerStatusOutput{
		Body: dto.PollerStatusResponse{
			Status:       PollerState(p.state.Load()).String(),
			QueueID:      p.redisq.QueueID(),
			LastPoll:     lastPoll,
			LastKillmail: lastKillmail,
			Metrics: dto.PollerMetrics{
				TotalPolls:    p.metrics.TotalPolls.Load(),
				EmptyPolls:    p.metrics.EmptyPolls.Load(),
				Received:      p.metrics.Received.Load(),
				Accepted:      p.metrics.Accepted.Load(),
				Duplicates:    p.metrics.Duplicates.Load(),
				SkippedOld:    p.metrics.SkippedOld.Load(),
				LegacyFetches: p.metrics.LegacyFetches.Load(),
				PollErrors:    p.metrics.PollErrors.Load(),
				ProcessErrors: p.metrics.ProcessErrors.Load(),
				EmptyStreak:   p.emptyStreak,
				Uptime:        uptime,
			},
			Config: dto.PollerConfigInfo{
				FastInterval:  p.cfg.FastInterval.String(),
				IdleInterval:  p.cfg.IdleInterval.String(),
				MaxBackoff:    p.cfg.MaxBackoff.String(),
				CutoffHours:   p.cfg.CutoffHours,
				LegacyTimeout: p.cfg.LegacyTimeout.String(),
			},
			Message: p.statusMessage(),
		},
	}
}

// statusMessage returns a descriptive status message
func (p *Poller) statusMessage() string {
	switch PollerState(p.state.Load()) {
	case StateRunning:
		return fmt.Sprintf("Poller running, %d killmails accepted", p.metrics.Accepted.Load())
	case StateBackoff:
		return "Poller backing off after stream errors"
	case StateDraining:
		return "Poller draining, shutdown in progress"
	case StateStopped:
		return "Poller stopped"
	default:
		return "Poller in unknown state"
	}
}
