package killmails

import (
	"wanderer-kills/internal/killmails/routes"
	"wanderer-kills/internal/killmails/services"
	"wanderer-kills/pkg/cache"
	"wanderer-kills/pkg/esi"
	"wanderer-kills/pkg/module"
	"wanderer-kills/pkg/zkb"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

// Module represents the kills module: the in-memory killmail store, the
// enrichment pipeline and the killmail REST surface.
type Module struct {
	*module.BaseModule
	store   *services.Store
	service *services.Service
}

// New creates a new kills module instance
func New(esiClient *esi.Client, zkbClient *zkb.Client, cacheService *cache.Service) *Module {
	store := services.NewStore()
	pipeline := services.NewPipeline(esiClient, zkbClient, cacheService, services.PipelineConfigFromEnv())
	service := services.NewService(store, pipeline)

	return &Module{
		BaseModule: module.NewBaseModule("kills"),
		store:      store,
		service:    service,
	}
}

// RegisterUnifiedRoutes registers all kills routes with the unified API gateway
func (m *Module) RegisterUnifiedRoutes(api huma.API, basePath string) {
	routes.RegisterKillmailRoutes(api, basePath, m.service)
}

// Routes registers routes on a Chi router (implements module.Module interface)
func (m *Module) Routes(r chi.Router) {
	// Kills module uses only Huma v2 unified routes
}

// GetService returns the service instance for this module
func (m *Module) GetService() *services.Service {
	return m.service
}
