package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"wanderer-kills/internal/ingest/routes"
	"wanderer-kills/internal/ingest/services"
	killmails "wanderer-kills/internal/killmails/services"
	"wanderer-kills/pkg/cache"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/module"
	"wanderer-kills/pkg/zkb"
)

// Module owns the kill stream poller and the periodic maintenance jobs that
// keep the in-memory store and cache bounded.
type Module struct {
	*module.BaseModule

	poller *services.Poller
	kills  *killmails.Service
	cache  *cache.Service
	cron   *cron.Cron

	maxEvents      int
	retentionHours int
}

// New creates the ingest module over the long-poll client and the killmail
// service.
func New(redisq *zkb.RedisQClient, kills *killmails.Service, cacheService *cache.Service) *Module {
	poller := services.NewPoller(redisq, kills, cacheService, services.PollerConfigFromEnv())

	return &Module{
		BaseModule:     module.NewBaseModule("ingest"),
		poller:         poller,
		kills:          kills,
		cache:          cacheService,
		cron:           cron.New(cron.WithSeconds()),
		maxEvents:      config.GetIntEnv("STORE_MAX_EVENTS", 100000),
		retentionHours: config.GetIntEnv("STORE_RETENTION_HOURS", 168),
	}
}

// Routes implements the module.Module interface for chi router
func (m *Module) Routes(r chi.Router) {
	// Endpoints are registered through the unified Huma API.
}

// RegisterUnifiedRoutes registers the module's HTTP routes
func (m *Module) RegisterUnifiedRoutes(api huma.API, basePath string) {
	routes.RegisterIngestRoutes(api, basePath, m.poller)
}

// StartBackgroundTasks starts the poller and the maintenance schedule.
// Streaming is on by default; set INGEST_ENABLED=false to leave the poller
// for manual start via the control endpoint.
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	slog.Info("Starting ingest background tasks")

	if config.GetBoolEnv("INGEST_ENABLED", true) {
		if err := m.poller.Start(ctx); err != nil {
			slog.Error("Failed to start killmail poller", "error", err)
		}
	} else {
		slog.Info("INGEST_ENABLED=false, poller ready for manual start via API")
	}

	m.schedule("0 * * * * *", "poll summary", func() {
		m.poller.PublishSummary(context.Background())
	})
	m.schedule("0 0 * * * *", "store retention", func() {
		m.runRetention(context.Background())
	})
	m.schedule("0 */5 * * * *", "cache sweep", func() {
		m.sweepCache(context.Background())
	})
	m.cron.Start()
}

func (m *Module) schedule(spec, name string, job func()) {
	if _, err := m.cron.AddFunc(spec, job); err != nil {
		slog.Error("Failed to schedule maintenance job", "job", name, "error", err)
	}
}

// runRetention trims the event log to its configured bound and drops
// killmails past the retention window.
func (m *Module) runRetention(ctx context.Context) {
	trimmed := 0
	if m.maxEvents > 0 {
		trimmed = m.kills.TrimEvents(m.maxEvents)
	}

	pruned := 0
	if m.retentionHours > 0 {
		cutoff := time.Now().Add(-time.Duration(m.retentionHours) * time.Hour)
		pruned = m.kills.PruneOlderThan(cutoff)
	}

	if trimmed > 0 || pruned > 0 {
		slog.InfoContext(ctx, "Store retention sweep", "trimmed_events", trimmed, "pruned_killmails", pruned)
	}
}

func (m *Module) sweepCache(ctx context.Context) {
	if removed := m.cache.Sweep(ctx); removed > 0 {
		slog.InfoContext(ctx, "Cache sweep", "removed", removed)
	}
}

// Stop stops the maintenance schedule and the poller
func (m *Module) Stop() {
	slog.Info("Stopping ingest module")

	cronCtx := m.cron.Stop()
	<-cronCtx.Done()

	if err := m.poller.Stop(); err != nil {
		slog.Warn("Failed to stop poller gracefully", "error", err)
	}

	m.BaseModule.Stop()

	slog.Info("Ingest module stopped")
}

// GetPoller returns the poller for external access
func (m *Module) GetPoller() *services.Poller {
	return m.poller
}
