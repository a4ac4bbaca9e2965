package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "go.uber.org/automaxprocs"

	"wanderer-kills/internal/ingest"
	"wanderer-kills/internal/killmails"
	"wanderer-kills/internal/subscriptions"
	"wanderer-kills/internal/websocket"
	"wanderer-kills/pkg/app"
	"wanderer-kills/pkg/cache"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/esi"
	"wanderer-kills/pkg/fetch"
	"wanderer-kills/pkg/gate"
	"wanderer-kills/pkg/handlers"
	"wanderer-kills/pkg/version"
	"wanderer-kills/pkg/zkb"
)

// customLoggerMiddleware logs requests but excludes health check endpoints
func customLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/health") {
			next.ServeHTTP(w, r)
			return
		}
		middleware.Logger(next).ServeHTTP(w, r)
	})
}

func main() {
	versionInfo := version.Get()
	log.Printf("wanderer-kills %s | build %s", version.GetVersionString(), versionInfo.BuildDate)
	log.Printf("CPUs: %d | GOMAXPROCS: %d", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	ctx := context.Background()

	appCtx, err := app.InitializeApp("wanderer-kills")
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Shared infrastructure: cache backend, retrying HTTP client, and one
	// gate per rate-limited upstream.
	var backend cache.Backend
	if appCtx.Redis != nil {
		backend = cache.NewRedisBackend(appCtx.Redis)
	} else {
		backend = cache.NewMemoryBackend()
	}
	cacheService := cache.NewService(backend)

	httpClient := fetch.New(fetch.DefaultConfig())
	zkbGate := gate.New(gate.ConfigFromEnv("zkb"))
	esiGate := gate.New(gate.ConfigFromEnv("esi"))
	zkbGate.Start(ctx)
	esiGate.Start(ctx)

	esiClient := esi.NewClient(httpClient, esiGate, cacheService, esi.ConfigFromEnv())
	zkbClient := zkb.NewClient(httpClient, zkbGate, zkb.ConfigFromEnv())
	redisq := zkb.NewRedisQClient(httpClient, zkbGate, zkb.RedisQConfigFromEnv())

	// Modules, wired leaves-first: the killmail store and pipeline, the
	// websocket hub, the subscription fanout, and the poller driving them.
	killsModule := killmails.New(esiClient, zkbClient, cacheService)
	wsModule := websocket.New()
	subsModule := subscriptions.New(killsModule.GetService(), zkbClient, wsModule)
	killsModule.GetService().SetDispatcher(subsModule.GetManager())
	ingestModule := ingest.New(redisq, killsModule.GetService(), cacheService)

	modules := []interface {
		StartBackgroundTasks(ctx context.Context)
		Stop()
	}{killsModule, wsModule, subsModule, ingestModule}

	// Chi router with global middleware
	r := chi.NewRouter()
	r.Use(customLoggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(handlers.TracingMiddleware("wanderer-kills"))

	r.Get("/health", handlers.SimpleHealthHandler())
	wsModule.Routes(r)

	apiPrefix := config.GetEnv("API_PREFIX", "/api/v1")

	humaConfig := huma.DefaultConfig("WandererKills", version.GetVersionString())
	humaConfig.Info.Description = "EVE Online killmail ingestion and fanout service"

	var api huma.API
	if apiPrefix == "" {
		api = humachi.New(r, humaConfig)
	} else {
		// The request timeout stays off the root router so the websocket
		// upgrade keeps its long-lived context.
		r.Route(apiPrefix, func(prefixRouter chi.Router) {
			prefixRouter.Use(middleware.Timeout(60 * time.Second))
			api = humachi.New(prefixRouter, humaConfig)
		})
	}

	killsModule.RegisterUnifiedRoutes(api, "/kills")
	ingestModule.RegisterUnifiedRoutes(api, "/ingest")
	subsModule.RegisterUnifiedRoutes(api, "/subscriptions")
	wsModule.RegisterUnifiedRoutes(api, "/websocket")

	// Start order: fanout consumers before the poller that feeds them.
	for _, mod := range modules {
		go mod.StartBackgroundTasks(ctx)
	}

	port := app.GetPort("4004")
	host := config.GetEnv("HOST", "0.0.0.0")
	srv := &http.Server{
		Addr:         host + ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Starting wanderer-kills server", slog.String("addr", srv.Addr), slog.String("api_prefix", apiPrefix))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Received shutdown signal, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Stop order reversed: the poller stops producing before the fanout
	// drains.
	for i := len(modules) - 1; i >= 0; i-- {
		modules[i].Stop()
	}
	zkbGate.Stop()
	esiGate.Stop()
	if err := cacheService.Close(); err != nil {
		slog.Warn("Cache close failed", "error", err)
	}

	appCtx.Shutdown(shutdownCtx)

	slog.Info("wanderer-kills shutdown completed")
}
