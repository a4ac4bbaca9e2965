package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmodels "wanderer-kills/internal/killmails/models"
	submodels "wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/internal/websocket/models"
)

func testKill(killmailID int64, systemID int, characterID int64) *killmodels.Killmail {
	return &killmodels.Killmail{
		KillmailID: killmailID,
		KillTime:   time.Now().UTC(),
		SystemID:   systemID,
		Victim:     killmodels.Participant{CharacterID: &characterID},
	}
}

func testMessage(systemID int, kills ...*killmodels.Killmail) *submodels.BroadcastMessage {
	return &submodels.BroadcastMessage{
		Type:      submodels.MessageKillmailUpdate,
		SystemID:  systemID,
		Killmails: kills,
		Timestamp: time.Now().UTC(),
	}
}

func TestHubPublishReachesTopicWatchers(t *testing.T) {
	hub := NewHub(HubConfig{MailboxSize: 8})

	conn := models.NewConnection("conn-1", nil, hub.MailboxSize())
	hub.AddConnection(conn)
	hub.SubscribeTopic(conn.ID, submodels.SystemTopic(30000142))

	other := models.NewConnection("conn-2", nil, hub.MailboxSize())
	hub.AddConnection(other)
	hub.SubscribeTopic(other.ID, submodels.SystemTopic(30002187))

	hub.Publish(submodels.SystemTopic(30000142), testMessage(30000142, testKill(123, 30000142, 95465499)))

	require.Len(t, conn.Mailbox, 1)
	assert.Empty(t, other.Mailbox, "watcher of a different system must not receive the message")

	d := <-conn.Mailbox
	assert.Equal(t, submodels.SystemTopic(30000142), d.Topic)
	assert.Equal(t, 30000142, d.Message.SystemID)
}

func TestHubFullMailboxDropsForThatConnectionOnly(t *testing.T) {
	hub := NewHub(HubConfig{MailboxSize: 1})

	slow := models.NewConnection("slow", nil, 1)
	fast := models.NewConnection("fast", nil, 8)
	hub.AddConnection(slow)
	hub.AddConnection(fast)
	hub.SubscribeTopic(slow.ID, submodels.TopicAllSystems)
	hub.SubscribeTopic(fast.ID, submodels.TopicAllSystems)

	for i := 0; i < 3; i++ {
		hub.Publish(submodels.TopicAllSystems, testMessage(30000142, testKill(int64(i+1), 30000142, 95465499)))
	}

	assert.Len(t, slow.Mailbox, 1, "overflow must drop, not block")
	assert.Len(t, fast.Mailbox, 3)

	stats := hub.Stats()
	assert.Equal(t, int64(3), stats.MessagesPublished)
	assert.Equal(t, int64(4), stats.MessagesDelivered)
	assert.Equal(t, int64(2), stats.MessagesDropped)
}

func TestHubRemoveConnectionCleansTopics(t *testing.T) {
	hub := NewHub(HubConfig{MailboxSize: 8})

	conn := models.NewConnection("conn-1", nil, hub.MailboxSize())
	hub.AddConnection(conn)
	hub.SubscribeTopic(conn.ID, submodels.SystemTopic(30000142))
	hub.SubscribeTopic(conn.ID, submodels.TopicAllSystems)
	require.Equal(t, 2, hub.Stats().ActiveTopics)

	hub.RemoveConnection(conn.ID)

	stats := hub.Stats()
	assert.Zero(t, stats.ActiveConnections)
	assert.Zero(t, stats.ActiveTopics, "empty topics must be deleted with their last watcher")

	hub.Publish(submodels.SystemTopic(30000142), testMessage(30000142, testKill(1, 30000142, 95465499)))
	assert.Empty(t, conn.Mailbox)
}

func TestHubSubscribeUnknownConnectionIgnored(t *testing.T) {
	hub := NewHub(HubConfig{MailboxSize: 8})

	hub.SubscribeTopic("ghost", submodels.TopicAllSystems)

	assert.Zero(t, hub.Stats().ActiveTopics)
}

func TestSessionFilterAllSystemsTopic(t *testing.T) {
	hub := NewHub(HubConfig{MailboxSize: 8})
	conn := models.NewConnection("conn-1", nil, hub.MailboxSize())
	hub.AddConnection(conn)
	session := NewSession(hub, conn)

	conn.AddSystems([]int{30000142})
	conn.AddCharacters([]int64{95465499})

	watchedChar := testKill(1, 30000999, 95465499)
	watchedSystem := testKill(2, 30000142, 90379338)
	unmatched := testKill(3, 30000999, 90379338)

	// System topics pass through unfiltered.
	kills := session.filter(models.Delivery{
		Topic:   submodels.SystemTopic(30000142),
		Message: testMessage(30000142, watchedSystem, unmatched),
	})
	assert.Len(t, kills, 2)

	// The all-systems topic matches by character and skips kills the
	// system topic already covers.
	kills = session.filter(models.Delivery{
		Topic:   submodels.TopicAllSystems,
		Message: testMessage(30000999, watchedChar, watchedSystem, unmatched),
	})
	require.Len(t, kills, 1)
	assert.Equal(t, int64(1), kills[0].KillmailID)
}

func TestSessionSubscribeCapEnforced(t *testing.T) {
	hub := NewHub(HubConfig{MailboxSize: 8})
	conn := models.NewConnection("conn-1", nil, hub.MailboxSize())
	hub.AddConnection(conn)
	session := NewSession(hub, conn)

	ids := make([]int, submodels.MaxSystemsPerSubscription)
	for i := range ids {
		ids[i] = 30000000 + i
	}
	require.True(t, session.SubscribeSystems(ids))
	assert.Equal(t, submodels.MaxSystemsPerSubscription, conn.SystemCount())

	assert.False(t, session.SubscribeSystems([]int{30009999}))
	assert.Equal(t, submodels.MaxSystemsPerSubscription, conn.SystemCount())

	// Re-subscribing already-watched systems stays within the cap.
	assert.True(t, session.SubscribeSystems(ids[:10]))
}
