package services

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmodels "wanderer-kills/internal/killmails/models"
	killmails "wanderer-kills/internal/killmails/services"
	"wanderer-kills/internal/subscriptions/dto"
	"wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/pkg/cache"
)

// recordingBroadcaster captures Publish calls by topic.
type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs map[string][]*models.BroadcastMessage
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{msgs: make(map[string][]*models.BroadcastMessage)}
}

func (b *recordingBroadcaster) Publish(topic string, msg *models.BroadcastMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[topic] = append(b.msgs[topic], msg)
}

func (b *recordingBroadcaster) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs[topic])
}

type managerFixture struct {
	manager     *Manager
	kills       *killmails.Service
	broadcaster *recordingBroadcaster
	sink        *webhookSink
	sinkURL     string
}

// newManagerFixture wires a manager over an in-memory killmail service and a
// webhook sink. Watched systems are marked freshly fetched so subscription
// preload replays the store instead of contacting the killboard.
func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	store := killmails.NewStore()
	cacheService := cache.NewService(cache.NewMemoryBackend())
	t.Cleanup(func() { _ = cacheService.Close() })
	pipeline := killmails.NewPipeline(nil, nil, cacheService, killmails.PipelineConfig{Workers: 1})
	kills := killmails.NewService(store, pipeline)

	sink := newWebhookSink()
	server := httptest.NewServer(sink.handler())
	t.Cleanup(server.Close)

	notifier := startedNotifier(t, NotifierConfig{Workers: 1, QueueCap: 32, Timeout: 5 * time.Second})
	broadcaster := newRecordingBroadcaster()

	manager := NewManager(kills, nil, notifier, broadcaster, ManagerConfig{
		PreloadCutoffHours:    24,
		PreloadKillsPerSystem: 20,
		PreloadFetchCoalesce:  time.Hour,
	})
	manager.Start(context.Background())
	t.Cleanup(manager.Stop)

	return &managerFixture{
		manager:     manager,
		kills:       kills,
		broadcaster: broadcaster,
		sink:        sink,
		sinkURL:     server.URL,
	}
}

func (f *managerFixture) markFetched(systemIDs ...int) {
	for _, id := range systemIDs {
		f.kills.MarkSystemFetched(id, time.Now())
	}
}

func storedKill(killmailID int64, systemID int, characterID int64, killTime time.Time) *killmodels.Killmail {
	return &killmodels.Killmail{
		KillmailID: killmailID,
		KillTime:   killTime,
		SystemID:   systemID,
		Victim:     killmodels.Participant{CharacterID: &characterID},
	}
}

func intRange(start, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = start + i
	}
	return out
}

func int64Range(start int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)
	}
	return out
}

func TestSubscribeValidatesBounds(t *testing.T) {
	f := newManagerFixture(t)

	cases := []struct {
		name    string
		req     dto.CreateSubscriptionRequest
		wantErr bool
	}{
		{
			name:    "both lists empty",
			req:     dto.CreateSubscriptionRequest{SubscriberID: "u1"},
			wantErr: true,
		},
		{
			name: "101 systems",
			req: dto.CreateSubscriptionRequest{
				SubscriberID: "u1",
				SystemIDs:    intRange(30000000, 101),
			},
			wantErr: true,
		},
		{
			name: "at the caps",
			req: dto.CreateSubscriptionRequest{
				SubscriberID: "u1",
				SystemIDs:    intRange(30000000, 100),
				CharacterIDs: int64Range(90000000, 1000),
			},
		},
		{
			name: "missing subscriber id",
			req: dto.CreateSubscriptionRequest{
				SystemIDs: []int{30000142},
			},
			wantErr: true,
		},
		{
			name: "bad callback url",
			req: dto.CreateSubscriptionRequest{
				SubscriberID: "u1",
				SystemIDs:    []int{30000142},
				CallbackURL:  "ftp://example.com/hook",
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.markFetched(tc.req.SystemIDs...)
			sub, err := f.manager.Subscribe(context.Background(), tc.req)
			if tc.wantErr {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, sub.SubID, "sub_")
		})
	}
}

func TestSubscribeDeduplicatesAndSorts(t *testing.T) {
	f := newManagerFixture(t)
	f.markFetched(30000142, 30002187)

	sub, err := f.manager.Subscribe(context.Background(), dto.CreateSubscriptionRequest{
		SubscriberID: "u1",
		SystemIDs:    []int{30002187, 30000142, 30002187, 30000142},
		CharacterIDs: []int64{2, 1, 2},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{30000142, 30002187}, sub.SystemIDs)
	assert.Equal(t, []int64{1, 2}, sub.CharacterIDs)
	assert.Equal(t, models.KindWebSocket, sub.Kind)
}

func TestUpdateRejectsEmptyingBothLists(t *testing.T) {
	f := newManagerFixture(t)
	f.markFetched(30000142)

	sub, err := f.manager.Subscribe(context.Background(), dto.CreateSubscriptionRequest{
		SubscriberID: "u1",
		SystemIDs:    []int{30000142},
	})
	require.NoError(t, err)

	empty := []int{}
	_, err = f.manager.Update(context.Background(), sub.SubID, dto.UpdateSubscriptionRequest{
		SystemIDs: &empty,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// Swapping dimensions in one update is fine.
	chars := []int64{95465499}
	updated, err := f.manager.Update(context.Background(), sub.SubID, dto.UpdateSubscriptionRequest{
		SystemIDs:    &empty,
		CharacterIDs: &chars,
	})
	require.NoError(t, err)
	assert.Empty(t, updated.SystemIDs)
	assert.Equal(t, chars, updated.CharacterIDs)

	stats := f.manager.Stats()
	assert.Zero(t, stats.SystemIndex.TotalMappings, "index must follow the update diff")
	assert.Equal(t, 1, stats.CharacterIndex.TotalMappings)
}

func TestUnsubscribeBySubscriberRemovesAll(t *testing.T) {
	f := newManagerFixture(t)
	f.markFetched(30000142, 30002187)

	_, err := f.manager.Subscribe(context.Background(), dto.CreateSubscriptionRequest{
		SubscriberID: "u1", SystemIDs: []int{30000142},
	})
	require.NoError(t, err)
	sub2, err := f.manager.Subscribe(context.Background(), dto.CreateSubscriptionRequest{
		SubscriberID: "u1", SystemIDs: []int{30002187},
	})
	require.NoError(t, err)
	_, err = f.manager.Subscribe(context.Background(), dto.CreateSubscriptionRequest{
		SubscriberID: "u2", SystemIDs: []int{30000142},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, f.manager.Unsubscribe(context.Background(), "u1"))
	assert.Equal(t, 1, len(f.manager.List()))
	assert.Zero(t, f.manager.Unsubscribe(context.Background(), sub2.SubID), "unsubscribe is idempotent")
	assert.Zero(t, f.manager.Unsubscribe(context.Background(), "unknown"))
}

func TestDispatchMatchesSystemSubscription(t *testing.T) {
	f := newManagerFixture(t)
	f.markFetched(30000142)

	_, err := f.manager.Subscribe(context.Background(), dto.CreateSubscriptionRequest{
		SubscriberID: "u1",
		SystemIDs:    []int{30000142},
		CallbackURL:  f.sinkURL,
	})
	require.NoError(t, err)

	// Preload replays the (empty) store: only a count update arrives.
	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	km := storedKill(123, 30000142, 95465499, time.Now().UTC())
	f.manager.DispatchKillmail(context.Background(), km)

	require.Eventually(t, func() bool { return f.sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	var payload KillmailUpdatePayload
	require.NoError(t, json.Unmarshal(f.sink.request(1).body, &payload))
	assert.Equal(t, "killmail_update", payload.Type)
	assert.Equal(t, 30000142, payload.SystemID)
	require.Len(t, payload.Kills, 1)
	assert.Equal(t, int64(123), payload.Kills[0].KillmailID)

	assert.Equal(t, 1, f.broadcaster.count(models.SystemTopic(30000142)))
	assert.Equal(t, 1, f.broadcaster.count(models.SystemDetailedTopic(30000142)))
	assert.Equal(t, 1, f.broadcaster.count(models.TopicAllSystems))
}

func TestDispatchMatchesCharacterOnlySubscription(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.Subscribe(context.Background(), dto.CreateSubscriptionRequest{
		SubscriberID: "u1",
		CharacterIDs: []int64{95465499},
		CallbackURL:  f.sinkURL,
	})
	require.NoError(t, err)

	// The kill happens in a system nobody watches; the victim matches.
	km := storedKill(555, 30000999, 95465499, time.Now().UTC())
	f.manager.DispatchKillmail(context.Background(), km)

	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	var payload KillmailUpdatePayload
	require.NoError(t, json.Unmarshal(f.sink.request(0).body, &payload))
	require.Len(t, payload.Kills, 1)
	assert.Equal(t, int64(555), payload.Kills[0].KillmailID)
}

func TestDispatchDeliversOncePerSubscription(t *testing.T) {
	f := newManagerFixture(t)
	f.markFetched(30000142)

	// Matches both by system and by victim character.
	_, err := f.manager.Subscribe(context.Background(), dto.CreateSubscriptionRequest{
		SubscriberID: "u1",
		SystemIDs:    []int{30000142},
		CharacterIDs: []int64{95465499},
		CallbackURL:  f.sinkURL,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	km := storedKill(123, 30000142, 95465499, time.Now().UTC())
	f.manager.DispatchKillmail(context.Background(), km)

	require.Eventually(t, func() bool { return f.sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.sink.count(), "a doubly-matched subscription gets one webhook")
}

func TestPreloadReplaysRecentWindow(t *testing.T) {
	f := newManagerFixture(t)
	f.markFetched(30000142)

	now := time.Now().UTC()
	f.kills.Accept(context.Background(), storedKill(1, 30000142, 1, now.Add(-30*time.Minute)))
	f.kills.Accept(context.Background(), storedKill(2, 30000142, 2, now.Add(-2*time.Hour)))
	f.kills.Accept(context.Background(), storedKill(3, 30000142, 3, now.Add(-25*time.Hour)))

	_, err := f.manager.Subscribe(context.Background(), dto.CreateSubscriptionRequest{
		SubscriberID: "u1",
		SystemIDs:    []int{30000142},
		CallbackURL:  f.sinkURL,
	})
	require.NoError(t, err)

	// Preload posts a killmail_update for the 24h window plus a count update.
	require.Eventually(t, func() bool { return f.sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	var update KillmailUpdatePayload
	require.NoError(t, json.Unmarshal(f.sink.request(0).body, &update))
	assert.Equal(t, "killmail_update", update.Type)
	require.Len(t, update.Kills, 2, "the 25h-old kill is outside the preload window")

	var count KillCountPayload
	require.NoError(t, json.Unmarshal(f.sink.request(1).body, &count))
	assert.Equal(t, "killmail_count_update", count.Type)
	assert.Equal(t, int64(3), count.Count)
}
