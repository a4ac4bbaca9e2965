package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	killmodels "wanderer-kills/internal/killmails/models"
	submodels "wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/internal/websocket/models"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Session drives one lobby connection: a read loop handling client actions
// and a write loop draining the hub mailbox plus control replies.
type Session struct {
	hub    *Hub
	conn   *models.Connection
	frames chan interface{}
}

// NewSession binds an already-registered connection to its hub.
func NewSession(hub *Hub, conn *models.Connection) *Session {
	return &Session{
		hub:    hub,
		conn:   conn,
		frames: make(chan interface{}, 16),
	}
}

// Run blocks until the client disconnects or ctx is cancelled. The
// connection is removed from the hub on return.
func (s *Session) Run(ctx context.Context) {
	defer s.hub.RemoveConnection(s.conn.ID)
	defer s.conn.Conn.Close()

	done := make(chan struct{})
	go s.readLoop(done)

	s.reply(&models.StatusMessage{
		Type:         models.MessageTypeStatus,
		ConnectionID: s.conn.ID,
		Systems:      s.conn.Systems(),
		Characters:   s.conn.Characters(),
		ConnectedAt:  s.conn.CreatedAt,
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return

		case <-ticker.C:
			s.conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case frame := <-s.frames:
			if err := s.writeJSON(frame); err != nil {
				return
			}

		case d := <-s.conn.Mailbox:
			kills := s.filter(d)
			if len(kills) == 0 {
				continue
			}
			err := s.writeJSON(&models.KillmailUpdateMessage{
				Type:      models.MessageTypeKillmailUpdate,
				SystemID:  d.Message.SystemID,
				Killmails: kills,
				Timestamp: d.Message.Timestamp,
			})
			if err != nil {
				return
			}
		}
	}
}

// filter selects the kills from a delivery this client should see. System
// topics pass everything through. The all-systems topic matches by involved
// character and skips kills already covered by a watched system's topic.
func (s *Session) filter(d models.Delivery) []*killmodels.Killmail {
	if d.Topic != submodels.TopicAllSystems {
		return d.Message.Killmails
	}

	kills := make([]*killmodels.Killmail, 0, len(d.Message.Killmails))
	for _, km := range d.Message.Killmails {
		if s.conn.WatchesSystem(km.SystemID) {
			continue
		}
		if s.conn.WatchesAnyCharacter(km.CharacterIDs()) {
			kills = append(kills, km)
		}
	}
	return kills
}

func (s *Session) writeJSON(frame interface{}) error {
	s.conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.Conn.WriteJSON(frame)
}

// readLoop consumes client frames until the connection errors or closes.
func (s *Session) readLoop(done chan struct{}) {
	defer close(done)

	s.conn.Conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.Conn.SetPongHandler(func(string) error {
		s.conn.Conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket read failed", "connection_id", s.conn.ID, "error", err)
			}
			return
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError("malformed message")
			continue
		}
		s.handleAction(&msg)
	}
}

// handleAction applies one client action, enforcing the same per-connection
// bounds as REST subscriptions.
func (s *Session) handleAction(msg *models.ClientMessage) {
	switch msg.Action {
	case models.ActionSubscribeSystems:
		if !s.subscribeSystems(msg.Systems) {
			return
		}

	case models.ActionUnsubscribeSystems:
		s.conn.RemoveSystems(msg.Systems)
		for _, id := range msg.Systems {
			s.hub.UnsubscribeTopic(s.conn.ID, submodels.SystemTopic(id))
		}

	case models.ActionSubscribeCharacters:
		if !s.subscribeCharacters(msg.Characters) {
			return
		}

	case models.ActionUnsubscribeCharacters:
		s.conn.RemoveCharacters(msg.Characters)
		if s.conn.CharacterCount() == 0 {
			s.hub.UnsubscribeTopic(s.conn.ID, submodels.TopicAllSystems)
		}

	case models.ActionGetStatus:
		s.reply(&models.StatusMessage{
			Type:         models.MessageTypeStatus,
			ConnectionID: s.conn.ID,
			Systems:      s.conn.Systems(),
			Characters:   s.conn.Characters(),
			ConnectedAt:  s.conn.CreatedAt,
		})
		return

	default:
		s.replyError("unknown action: " + msg.Action)
		return
	}

	s.reply(&models.SubscribedMessage{
		Type:       models.MessageTypeSubscribed,
		Systems:    s.conn.SystemCount(),
		Characters: s.conn.CharacterCount(),
	})
}

// SubscribeSystems adds system filters, enforcing the per-connection cap.
// Exported for the upgrade handler's join params.
func (s *Session) SubscribeSystems(ids []int) bool {
	return s.subscribeSystems(ids)
}

// SubscribeCharacters adds character filters, enforcing the cap.
func (s *Session) SubscribeCharacters(ids []int64) bool {
	return s.subscribeCharacters(ids)
}

func (s *Session) subscribeSystems(ids []int) bool {
	merged := make(map[int]struct{}, s.conn.SystemCount()+len(ids))
	for _, id := range s.conn.Systems() {
		merged[id] = struct{}{}
	}
	for _, id := range ids {
		merged[id] = struct{}{}
	}
	if len(merged) > submodels.MaxSystemsPerSubscription {
		s.replyError(fmt.Sprintf("too many systems: limit %d", submodels.MaxSystemsPerSubscription))
		return false
	}

	s.conn.AddSystems(ids)
	for _, id := range ids {
		s.hub.SubscribeTopic(s.conn.ID, submodels.SystemTopic(id))
	}
	return true
}

func (s *Session) subscribeCharacters(ids []int64) bool {
	merged := make(map[int64]struct{}, s.conn.CharacterCount()+len(ids))
	for _, id := range s.conn.Characters() {
		merged[id] = struct{}{}
	}
	for _, id := range ids {
		merged[id] = struct{}{}
	}
	if len(merged) > submodels.MaxCharactersPerSubscription {
		s.replyError(fmt.Sprintf("too many characters: limit %d", submodels.MaxCharactersPerSubscription))
		return false
	}

	s.conn.AddCharacters(ids)
	if s.conn.CharacterCount() > 0 {
		s.hub.SubscribeTopic(s.conn.ID, submodels.TopicAllSystems)
	}
	return true
}

func (s *Session) reply(frame interface{}) {
	select {
	case s.frames <- frame:
	default:
		slog.Warn("WebSocket control frame dropped", "connection_id", s.conn.ID)
	}
}

func (s *Session) replyError(reason string) {
	s.reply(&models.ErrorMessage{
		Type:   models.MessageTypeError,
		Reason: reason,
	})
}
