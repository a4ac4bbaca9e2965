package routes

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wanderer-kills/internal/websocket/dto"
	"wanderer-kills/internal/websocket/models"
	"wanderer-kills/internal/websocket/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The lobby is a public feed; cross-origin browser clients are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterWebSocketRoutes registers the hub status endpoint under basePath.
func RegisterWebSocketRoutes(api huma.API, basePath string, hub *services.Hub) {
	huma.Register(api, huma.Operation{
		OperationID:   "getWebSocketStatus",
		Method:        http.MethodGet,
		Path:          basePath + "/status",
		Summary:       "Get websocket hub status",
		Description:   "Reports connection, topic, and delivery counters for the broadcast hub.",
		Tags:          []string{"WebSocket"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*dto.StatusOutput, error) {
		stats := hub.Stats()
		return &dto.StatusOutput{
			Body: dto.StatusResponse{
				ActiveConnections: stats.ActiveConnections,
				TotalConnections:  stats.TotalConnections,
				ActiveTopics:      stats.ActiveTopics,
				MessagesPublished: stats.MessagesPublished,
				MessagesDelivered: stats.MessagesDelivered,
				MessagesDropped:   stats.MessagesDropped,
				LastConnectionAt:  stats.LastConnectionAt,
				MailboxSize:       hub.MailboxSize(),
			},
		}, nil
	})
}

// UpgradeHandler returns the HTTP handler for the killmails lobby upgrade.
// Initial filters may be passed as comma-separated systems and characters
// query parameters; further filter changes arrive as client actions on the
// open socket.
func UpgradeHandler(hub *services.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("WebSocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
			return
		}

		conn := models.NewConnection(uuid.NewString(), wsConn, hub.MailboxSize())
		hub.AddConnection(conn)
		session := services.NewSession(hub, conn)

		if systems := parseIntList(r.URL.Query().Get("systems")); len(systems) > 0 {
			session.SubscribeSystems(systems)
		}
		if characters := parseInt64List(r.URL.Query().Get("characters")); len(characters) > 0 {
			session.SubscribeCharacters(characters)
		}

		session.Run(r.Context())
	}
}

func parseIntList(raw string) []int {
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		if v, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func parseInt64List(raw string) []int64 {
	if raw == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		if v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
