package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"wanderer-kills/internal/ingest/dto"
	"wanderer-kills/internal/ingest/services"
)

// RegisterIngestRoutes registers the ingest module's endpoints under basePath.
func RegisterIngestRoutes(api huma.API, basePath string, poller *services.Poller) {
	huma.Register(api, huma.Operation{
		OperationID: "getIngestStatus",
		Method:      http.MethodGet,
		Path:        basePath + "/status",
		Summary:     "Get poller status",
		Description: "Returns the state, counters, and configuration of the kill stream poller",
		Tags:        []string{"Ingest"},
	}, func(ctx context.Context, input *struct{}) (*dto.PollerStatusOutput, error) {
		return poller.GetStatus(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "controlIngestPoller",
		Method:      http.MethodPost,
		Path:        basePath + "/control",
		Summary:     "Control the poller",
		Description: "Start, stop, or restart the kill stream poller",
		Tags:        []string{"Ingest"},
	}, func(ctx context.Context, input *dto.PollerControlInput) (*dto.PollerControlOutput, error) {
		var message string
		var success bool

		switch input.Body.Action {
		case "start":
			if err := poller.Start(ctx); err != nil {
				message = "Failed to start poller: " + err.Error()
			} else {
				message = "Poller started successfully"
				success = true
			}

		case "stop":
			if err := poller.Stop(); err != nil {
				message = "Failed to stop poller: " + err.Error()
			} else {
				message = "Poller stopped successfully"
				success = true
			}

		case "restart":
			_ = poller.Stop()
			time.Sleep(1 * time.Second)

			if err := poller.Start(ctx); err != nil {
				message = "Failed to restart poller: " + err.Error()
			} else {
				message = "Poller restarted successfully"
				success = true
			}

		default:
			return nil, huma.Error400BadRequest("invalid action: " + input.Body.Action)
		}

		status := poller.GetStatus()

		return &dto.PollerControlOutput{
			Body: dto.PollerControlResponse{
				Success: success,
				Message: message,
				Status:  status.Body.Status,
			},
		}, nil
	})
}
