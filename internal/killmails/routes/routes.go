package routes

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wanderer-kills/internal/killmails/dto"
	"wanderer-kills/internal/killmails/services"

	"github.com/danielgtaylor/huma/v2"
)

// RegisterKillmailRoutes registers all killmail-related routes
func RegisterKillmailRoutes(api huma.API, basePath string, service *services.Service) {
	// Module status endpoint (public)
	huma.Register(api, huma.Operation{
		OperationID:   "getKillsStatus",
		Method:        http.MethodGet,
		Path:          basePath + "/status",
		Summary:       "Get kills module status",
		Description:   "Returns the health status of the kills module",
		Tags:          []string{"Module Status"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*dto.StatusOutput, error) {
		return &dto.StatusOutput{
			Body: dto.ModuleStatusResponse{
				Module: "kills",
				Status: "healthy",
			},
		}, nil
	})

	// Get a stored killmail by ID (public)
	huma.Register(api, huma.Operation{
		OperationID:   "getKillmail",
		Method:        http.MethodGet,
		Path:          basePath + "/killmail/{killmail_id}",
		Summary:       "Get killmail by ID",
		Description:   "Retrieves a stored enriched killmail by its ID.",
		Tags:          []string{"Kills"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *dto.GetKillmailInput) (*dto.KillmailOutput, error) {
		killmail, ok := service.KillmailByID(ctx, input.KillmailID)
		if !ok {
			return nil, huma.Error404NotFound("Killmail not found")
		}
		return &dto.KillmailOutput{Body: dto.ConvertKillmailToResponse(killmail)}, nil
	})

	// List a system's recent killmails (public)
	huma.Register(api, huma.Operation{
		OperationID:   "getSystemKillmails",
		Method:        http.MethodGet,
		Path:          basePath + "/system/{system_id}",
		Summary:       "Get recent killmails for a system",
		Description:   "Lists stored killmails for a solar system within the given window, newest first.",
		Tags:          []string{"Kills"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *dto.GetSystemKillmailsInput) (*dto.SystemKillmailsOutput, error) {
		since := time.Now().Add(-time.Duration(input.SinceHours) * time.Hour)
		killmails := service.RecentBySystem(ctx, input.SystemID, since, input.Limit)

		return &dto.SystemKillmailsOutput{
			Body: dto.SystemKillmailsResponse{
				SystemID:  input.SystemID,
				Killmails: dto.ConvertKillmailsToResponse(killmails),
				Count:     len(killmails),
			},
		}, nil
	})

	// Per-system kill counters (public)
	huma.Register(api, huma.Operation{
		OperationID:   "getKillCounts",
		Method:        http.MethodGet,
		Path:          basePath + "/count",
		Summary:       "Get per-system kill counts",
		Description:   "Returns a snapshot of how many kills were ingested per solar system.",
		Tags:          []string{"Kills"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*dto.KillCountsOutput, error) {
		counts := service.KillCounts(ctx)

		var total int64
		for _, count := range counts {
			total += count
		}
		return &dto.KillCountsOutput{
			Body: dto.KillCountsResponse{Counts: counts, Total: total},
		}, nil
	})

	// Incremental event fetch for polling clients (public)
	huma.Register(api, huma.Operation{
		OperationID:   "fetchKillmailStream",
		Method:        http.MethodGet,
		Path:          basePath + "/stream",
		Summary:       "Fetch unconsumed killmail events",
		Description:   "Returns events the client has not consumed yet across the given systems and advances the client's offsets past them. Repeating the call returns only events inserted since.",
		Tags:          []string{"Kills"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *dto.StreamFetchInput) (*dto.StreamFetchOutput, error) {
		systemIDs, err := parseSystemIDs(input.SystemIDs)
		if err != nil {
			return nil, huma.Error400BadRequest("Invalid system_ids parameter", err)
		}

		events := service.FetchForClient(ctx, input.ClientID, systemIDs)
		return &dto.StreamFetchOutput{
			Body: dto.StreamFetchResponse{
				ClientID: input.ClientID,
				Events:   dto.ConvertEventsToResponse(events),
				Count:    len(events),
			},
		}, nil
	})

	// Read a client's stream offsets (public)
	huma.Register(api, huma.Operation{
		OperationID:   "getStreamOffsets",
		Method:        http.MethodGet,
		Path:          basePath + "/stream/offsets/{client_id}",
		Summary:       "Get a client's stream offsets",
		Description:   "Returns the highest consumed event ID per solar system for the client.",
		Tags:          []string{"Kills"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *dto.GetOffsetsInput) (*dto.OffsetsOutput, error) {
		return &dto.OffsetsOutput{
			Body: dto.OffsetsResponse{
				ClientID: input.ClientID,
				Offsets:  service.ClientOffsets(ctx, input.ClientID),
			},
		}, nil
	})

	// Store statistics (public)
	huma.Register(api, huma.Operation{
		OperationID:   "getKillmailStoreStats",
		Method:        http.MethodGet,
		Path:          basePath + "/stats",
		Summary:       "Get killmail store statistics",
		Description:   "Returns counters for the in-memory killmail store.",
		Tags:          []string{"Kills"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*dto.StoreStatsOutput, error) {
		stats := service.Stats(ctx)
		return &dto.StoreStatsOutput{
			Body: dto.StoreStatsResponse{
				Killmails:   stats.Killmails,
				Events:      stats.Events,
				Systems:     stats.Systems,
				Clients:     stats.Clients,
				LastEventID: stats.LastEventID,
			},
		}, nil
	})
}

// parseSystemIDs splits a comma-separated list of solar system ids.
func parseSystemIDs(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	systemIDs := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		systemIDs = append(systemIDs, id)
	}
	return systemIDs, nil
}
