package services

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	killmodels "wanderer-kills/internal/killmails/models"
	killmails "wanderer-kills/internal/killmails/services"
	"wanderer-kills/internal/subscriptions/dto"
	"wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/esi"
	"wanderer-kills/pkg/gate"
	"wanderer-kills/pkg/zkb"
)

// ErrSubscriptionNotFound is returned for operations on unknown
// subscription ids.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ValidationError carries field-level messages for a rejected request.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages, "; ")
}

// Broadcaster fans a message out to websocket topics. Implementations must
// not block the caller.
type Broadcaster interface {
	Publish(topic string, msg *models.BroadcastMessage)
}

// ManagerConfig controls subscription preloading.
type ManagerConfig struct {
	PreloadCutoffHours    int
	PreloadKillsPerSystem int
	PreloadFetchCoalesce  time.Duration
}

// ManagerConfigFromEnv reads subscription settings from the environment.
func ManagerConfigFromEnv() ManagerConfig {
	return ManagerConfig{
		PreloadCutoffHours:    config.GetIntEnv("PRELOAD_CUTOFF_HOURS", 24),
		PreloadKillsPerSystem: config.GetIntEnv("PRELOAD_KILLS_PER_SYSTEM", 20),
		PreloadFetchCoalesce:  config.GetDurationEnv("PRELOAD_FETCH_COALESCE", 60*time.Second),
	}
}

// Manager owns the subscription registry and routes accepted killmails to
// their subscribers. It implements the killmail service's Dispatcher hook:
// every accepted killmail is matched against the system and character
// indexes, published to the websocket topics, and posted to webhook
// subscribers.
type Manager struct {
	kills       *killmails.Service
	zkb         *zkb.Client
	notifier    *Notifier
	broadcaster Broadcaster

	systems    *EntityIndex[int]
	characters *EntityIndex[int64]

	mu            sync.RWMutex
	subscriptions map[string]*models.Subscription

	validate *validator.Validate
	cfg      ManagerConfig

	runMu   sync.Mutex
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	dispatched atomic.Int64
	broadcasts atomic.Int64
}

// NewManager builds a subscription manager. The broadcaster may be nil when
// no websocket transport is wired, in which case only webhook delivery
// happens.
func NewManager(kills *killmails.Service, zkbClient *zkb.Client, notifier *Notifier, broadcaster Broadcaster, cfg ManagerConfig) *Manager {
	if cfg.PreloadCutoffHours <= 0 {
		cfg.PreloadCutoffHours = 24
	}
	if cfg.PreloadKillsPerSystem <= 0 {
		cfg.PreloadKillsPerSystem = 20
	}
	if cfg.PreloadFetchCoalesce <= 0 {
		cfg.PreloadFetchCoalesce = 60 * time.Second
	}

	return &Manager{
		kills:         kills,
		zkb:           zkbClient,
		notifier:      notifier,
		broadcaster:   broadcaster,
		systems:       NewEntityIndex[int](),
		characters:    NewEntityIndex[int64](),
		subscriptions: make(map[string]*models.Subscription),
		validate:      dto.NewValidator(),
		cfg:           cfg,
		ctx:           context.Background(),
	}
}

// Start installs a detached context for preload tasks so they survive the
// request that created them.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running.Load() {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.running.Store(true)
	slog.InfoContext(ctx, "Subscription manager started",
		"preload_cutoff_hours", m.cfg.PreloadCutoffHours,
		"preload_kills_per_system", m.cfg.PreloadKillsPerSystem)
}

// Stop cancels running preload tasks and waits for them to drain.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running.Load() {
		return
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("Subscription manager stopped before preload tasks drained")
	}
	m.running.Store(false)
	slog.Info("Subscription manager stopped")
}

// Subscribe validates and registers a new subscription, then kicks off an
// asynchronous preload of its watched systems.
func (m *Manager) Subscribe(ctx context.Context, req dto.CreateSubscriptionRequest) (*models.Subscription, error) {
	if msgs := dto.ValidateStruct(m.validate, req); len(msgs) > 0 {
		return nil, &ValidationError{Messages: msgs}
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		SubID:        "sub_" + uuid.NewString(),
		SubscriberID: req.SubscriberID,
		SystemIDs:    dedupSorted(req.SystemIDs),
		CharacterIDs: dedupSorted(req.CharacterIDs),
		CallbackURL:  req.CallbackURL,
		Kind:         kindFor(req.CallbackURL),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	m.subscriptions[sub.SubID] = sub
	m.mu.Unlock()

	m.systems.AddSubscription(sub.SubID, sub.SystemIDs)
	m.characters.AddSubscription(sub.SubID, sub.CharacterIDs)

	slog.InfoContext(ctx, "Subscription created",
		"subscription_id", sub.SubID,
		"subscriber_id", sub.SubscriberID,
		"kind", sub.Kind,
		"systems", len(sub.SystemIDs),
		"characters", len(sub.CharacterIDs))

	m.startPreload(sub.SubID)
	return cloneSubscription(sub), nil
}

// Update applies a partial change to a subscription. Nil request fields are
// left untouched; the change is rejected if it would leave the subscription
// matching nothing.
func (m *Manager) Update(ctx context.Context, subID string, req dto.UpdateSubscriptionRequest) (*models.Subscription, error) {
	if msgs := dto.ValidateStruct(m.validate, req); len(msgs) > 0 {
		return nil, &ValidationError{Messages: msgs}
	}

	m.mu.Lock()
	sub, ok := m.subscriptions[subID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSubscriptionNotFound
	}

	newSystems := sub.SystemIDs
	if req.SystemIDs != nil {
		newSystems = dedupSorted(*req.SystemIDs)
	}
	newCharacters := sub.CharacterIDs
	if req.CharacterIDs != nil {
		newCharacters = dedupSorted(*req.CharacterIDs)
	}
	if len(newSystems) == 0 && len(newCharacters) == 0 {
		m.mu.Unlock()
		return nil, &ValidationError{Messages: []string{"at least one of system_ids or character_ids is required"}}
	}

	sub.SystemIDs = newSystems
	sub.CharacterIDs = newCharacters
	if req.CallbackURL != nil {
		sub.CallbackURL = *req.CallbackURL
		sub.Kind = kindFor(sub.CallbackURL)
	}
	sub.UpdatedAt = time.Now().UTC()
	updated := cloneSubscription(sub)
	m.mu.Unlock()

	m.systems.UpdateSubscription(subID, updated.SystemIDs)
	m.characters.UpdateSubscription(subID, updated.CharacterIDs)

	slog.InfoContext(ctx, "Subscription updated",
		"subscription_id", subID,
		"systems", len(updated.SystemIDs),
		"characters", len(updated.CharacterIDs))
	return updated, nil
}

// Unsubscribe removes a subscription by its id, or every subscription owned
// by the given subscriber id. Unknown keys are a no-op; the removed count is
// returned either way.
func (m *Manager) Unsubscribe(ctx context.Context, key string) int {
	m.mu.Lock()
	var removed []*models.Subscription
	if sub, ok := m.subscriptions[key]; ok {
		delete(m.subscriptions, key)
		removed = append(removed, sub)
	} else {
		for id, sub := range m.subscriptions {
			if sub.SubscriberID == key {
				delete(m.subscriptions, id)
				removed = append(removed, sub)
			}
		}
	}
	m.mu.Unlock()

	for _, sub := range removed {
		m.systems.RemoveSubscription(sub.SubID)
		m.characters.RemoveSubscription(sub.SubID)
		slog.InfoContext(ctx, "Subscription removed",
			"subscription_id", sub.SubID,
			"subscriber_id", sub.SubscriberID)
	}
	return len(removed)
}

// Get returns a copy of one subscription.
func (m *Manager) Get(subID string) (*models.Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[subID]
	if !ok {
		return nil, false
	}
	return cloneSubscription(sub), true
}

// List returns copies of all subscriptions, oldest first.
func (m *Manager) List() []*models.Subscription {
	m.mu.RLock()
	out := make([]*models.Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		out = append(out, cloneSubscription(sub))
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SubID, b.SubID)
	})
	return out
}

// Stats reports index sizes and delivery counters.
func (m *Manager) Stats() dto.SubscriptionStatsResponse {
	m.mu.RLock()
	total := len(m.subscriptions)
	webhooks := 0
	for _, sub := range m.subscriptions {
		if sub.CallbackURL != "" {
			webhooks++
		}
	}
	m.mu.RUnlock()

	return dto.SubscriptionStatsResponse{
		TotalSubscriptions:   total,
		WebhookSubscriptions: webhooks,
		SystemIndex:          indexStatsDTO(m.systems.Stats()),
		CharacterIndex:       indexStatsDTO(m.characters.Stats()),
		Webhooks:             m.notifier.Stats(),
		DispatchedKillmails:  m.dispatched.Load(),
		BroadcastsPublished:  m.broadcasts.Load(),
	}
}

// DispatchKillmail routes one accepted killmail to its subscribers.
func (m *Manager) DispatchKillmail(ctx context.Context, km *killmodels.Killmail) {
	m.dispatch(ctx, km.SystemID, []*killmodels.Killmail{km})
}

// DispatchBatch routes a batch of accepted killmails from one system.
func (m *Manager) DispatchBatch(ctx context.Context, systemID int, kms []*killmodels.Killmail) {
	m.dispatch(ctx, systemID, kms)
}

// dispatch matches killmails against both indexes and delivers them.
// Subscriptions watching the system receive the whole batch; subscriptions
// watching an involved character receive only the kills that character
// appears in. A subscription matched both ways is delivered once.
func (m *Manager) dispatch(ctx context.Context, systemID int, kms []*killmodels.Killmail) {
	if len(kms) == 0 {
		return
	}

	perSub := make(map[string][]*killmodels.Killmail)
	systemSubs := make(map[string]struct{})
	for _, subID := range m.systems.FindForEntity(systemID) {
		systemSubs[subID] = struct{}{}
		perSub[subID] = kms
	}

	charSet := make(map[int64]struct{})
	for _, km := range kms {
		chars := m.kills.ExtractCharacterIDs(ctx, km)
		for _, id := range chars {
			charSet[id] = struct{}{}
		}
		for _, subID := range m.characters.FindForEntities(chars) {
			if _, ok := systemSubs[subID]; ok {
				continue
			}
			perSub[subID] = append(perSub[subID], km)
		}
	}

	allChars := make([]int64, 0, len(charSet))
	for id := range charSet {
		allChars = append(allChars, id)
	}
	slices.Sort(allChars)

	now := time.Now().UTC()
	m.publish(&models.BroadcastMessage{
		Type:         models.MessageKillmailUpdate,
		SystemID:     systemID,
		Killmails:    kms,
		CharacterIDs: allChars,
		Timestamp:    now,
	})

	for subID, matched := range perSub {
		callback, ok := m.callbackFor(subID)
		if !ok || callback == "" {
			continue
		}
		if err := m.notifier.NotifyKillmails(subID, callback, systemID, matched, now); err != nil {
			slog.WarnContext(ctx, "Webhook enqueue rejected",
				"subscription_id", subID,
				"error", err)
		}
	}

	m.dispatched.Add(int64(len(kms)))
}

func (m *Manager) publish(msg *models.BroadcastMessage) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.Publish(models.SystemTopic(msg.SystemID), msg)
	m.broadcaster.Publish(models.SystemDetailedTopic(msg.SystemID), msg)
	m.broadcaster.Publish(models.TopicAllSystems, msg)
	m.broadcasts.Add(3)
}

func (m *Manager) callbackFor(subID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[subID]
	if !ok {
		return "", false
	}
	return sub.CallbackURL, true
}

// startPreload runs Preload in a supervised goroutine so a slow or failing
// upstream never blocks the subscribe request.
func (m *Manager) startPreload(subID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Preload task panicked",
					"subscription_id", subID,
					"panic", r)
			}
		}()
		if err := m.Preload(m.ctx, subID); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Preload failed",
				"subscription_id", subID,
				"error", err)
		}
	}()
}

// Preload warms a new subscription: each watched system is refreshed from
// the killmail feed and its recent kills are delivered to the subscription
// as if they had just arrived. Fetches run at preload priority so live
// ingestion stays ahead of them.
func (m *Manager) Preload(ctx context.Context, subID string) error {
	m.mu.RLock()
	sub, ok := m.subscriptions[subID]
	var systemIDs []int
	var callback string
	if ok {
		systemIDs = slices.Clone(sub.SystemIDs)
		callback = sub.CallbackURL
	}
	m.mu.RUnlock()
	if !ok {
		return ErrSubscriptionNotFound
	}

	cutoff := time.Now().Add(-time.Duration(m.cfg.PreloadCutoffHours) * time.Hour)
	for _, systemID := range systemIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.preloadSystem(ctx, subID, callback, systemID, cutoff)
	}
	return nil
}

// preloadSystem ingests the latest kills for one system, then replays the
// store's recent window to the subscription's callback. Upstream fetches
// are skipped while a recent fetch for the same system is still fresh, so a
// burst of subscriptions to a popular system costs one request.
func (m *Manager) preloadSystem(ctx context.Context, subID, callback string, systemID int, cutoff time.Time) {
	if at, ok := m.kills.SystemFetchedAt(systemID); !ok || time.Since(at) > m.cfg.PreloadFetchCoalesce {
		refs, err := m.zkb.SystemKills(ctx, systemID, gate.PriorityPreload)
		if err != nil {
			slog.WarnContext(ctx, "System kill list fetch failed",
				"system_id", systemID,
				"error", err)
		} else {
			m.kills.MarkSystemFetched(systemID, time.Now())
			if len(refs) > m.cfg.PreloadKillsPerSystem {
				refs = refs[:m.cfg.PreloadKillsPerSystem]
			}
			entries := make([]killmails.BatchEntry, 0, len(refs))
			for _, ref := range refs {
				if ref.KillmailID == 0 || m.kills.Contains(ref.KillmailID) {
					continue
				}
				meta := ref.ZKB
				entries = append(entries, killmails.BatchEntry{
					Killmail: &esi.Killmail{KillmailID: ref.KillmailID},
					ZKB:      &meta,
				})
			}
			if len(entries) > 0 {
				m.kills.IngestBatch(ctx, entries, cutoff, gate.PriorityPreload)
			}
		}
	}

	if callback == "" {
		return
	}
	recent := m.kills.RecentBySystem(ctx, systemID, cutoff, m.cfg.PreloadKillsPerSystem)
	now := time.Now().UTC()
	if len(recent) > 0 {
		if err := m.notifier.NotifyKillmails(subID, callback, systemID, recent, now); err != nil {
			slog.WarnContext(ctx, "Preload webhook enqueue rejected",
				"subscription_id", subID,
				"error", err)
			return
		}
	}
	if err := m.notifier.NotifyKillCount(subID, callback, systemID, m.kills.SystemKillCount(systemID), now); err != nil {
		slog.WarnContext(ctx, "Preload webhook enqueue rejected",
			"subscription_id", subID,
			"error", err)
	}
}

func kindFor(callbackURL string) string {
	if callbackURL != "" {
		return models.KindWebhook
	}
	return models.KindWebSocket
}

func cloneSubscription(s *models.Subscription) *models.Subscription {
	c := *s
	c.SystemIDs = slices.Clone(s.SystemIDs)
	c.CharacterIDs = slices.Clone(s.CharacterIDs)
	return &c
}

func indexStatsDTO(s IndexStats) dto.IndexStats {
	return dto.IndexStats{
		TotalSubscriptions: s.TotalSubscriptions,
		TotalEntityEntries: s.TotalEntityEntries,
		TotalMappings:      s.TotalMappings,
	}
}

var _ killmails.Dispatcher = (*Manager)(nil)
