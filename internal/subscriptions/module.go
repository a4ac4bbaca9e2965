package subscriptions

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	killmails "wanderer-kills/internal/killmails/services"
	"wanderer-kills/internal/subscriptions/routes"
	"wanderer-kills/internal/subscriptions/services"
	"wanderer-kills/pkg/module"
	"wanderer-kills/pkg/zkb"
)

// Module represents the subscriptions module: the subscription registry,
// both entity indexes, the webhook notifier and the subscription REST
// surface.
type Module struct {
	*module.BaseModule
	manager  *services.Manager
	notifier *services.Notifier
}

// New creates a new subscriptions module instance. The broadcaster may be
// nil; webhook delivery works without one.
func New(kills *killmails.Service, zkbClient *zkb.Client, broadcaster services.Broadcaster) *Module {
	notifier := services.NewNotifier(services.NotifierConfigFromEnv())
	manager := services.NewManager(kills, zkbClient, notifier, broadcaster, services.ManagerConfigFromEnv())

	return &Module{
		BaseModule: module.NewBaseModule("subscriptions"),
		manager:    manager,
		notifier:   notifier,
	}
}

// RegisterUnifiedRoutes registers all subscription routes with the unified API gateway
func (m *Module) RegisterUnifiedRoutes(api huma.API, basePath string) {
	routes.RegisterSubscriptionRoutes(api, basePath, m.manager)
}

// Routes registers routes on a Chi router (implements module.Module interface)
func (m *Module) Routes(r chi.Router) {
	// Subscriptions module uses only Huma v2 unified routes
}

// StartBackgroundTasks starts the webhook worker pool and the preload task
// context.
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	slog.Info("Starting subscriptions background tasks")

	if err := m.notifier.Start(ctx); err != nil {
		slog.Error("Failed to start webhook notifier", "error", err)
	}
	m.manager.Start(ctx)
}

// Stop drains preload tasks, then the webhook queue.
func (m *Module) Stop() {
	slog.Info("Stopping subscriptions module")

	m.manager.Stop()
	if err := m.notifier.Stop(); err != nil {
		slog.Warn("Failed to stop webhook notifier gracefully", "error", err)
	}

	m.BaseModule.Stop()

	slog.Info("Subscriptions module stopped")
}

// GetManager returns the subscription manager for external access
func (m *Module) GetManager() *services.Manager {
	return m.manager
}
