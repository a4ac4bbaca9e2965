package websocket

import (
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	submodels "wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/internal/websocket/routes"
	"wanderer-kills/internal/websocket/services"
	"wanderer-kills/pkg/module"
)

// Module represents the websocket module: the broadcast hub and the
// killmails lobby upgrade endpoint.
type Module struct {
	*module.BaseModule
	hub *services.Hub
}

// New creates a new websocket module instance
func New() *Module {
	return &Module{
		BaseModule: module.NewBaseModule("websocket"),
		hub:        services.NewHub(services.HubConfigFromEnv()),
	}
}

// RegisterUnifiedRoutes registers the hub status route with the unified API gateway
func (m *Module) RegisterUnifiedRoutes(api huma.API, basePath string) {
	routes.RegisterWebSocketRoutes(api, basePath, m.hub)
}

// Routes registers the upgrade endpoint on the Chi router. The upgrade
// bypasses Huma because it needs direct control of the HTTP response.
func (m *Module) Routes(r chi.Router) {
	r.Method(http.MethodGet, "/ws/killmails", routes.UpgradeHandler(m.hub))
}

// Publish implements the subscription manager's Broadcaster hook.
func (m *Module) Publish(topic string, msg *submodels.BroadcastMessage) {
	m.hub.Publish(topic, msg)
}

// Stop shuts the module down. Open sessions notice their cancelled request
// contexts as the HTTP server drains.
func (m *Module) Stop() {
	slog.Info("Stopping websocket module")
	m.BaseModule.Stop()
}

// GetHub returns the hub for external access
func (m *Module) GetHub() *services.Hub {
	return m.hub
}
