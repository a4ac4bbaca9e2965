package services

import (
	"context"
	"log/slog"
	"time"

	"wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/esi"
	"wanderer-kills/pkg/gate"
	"wanderer-kills/pkg/zkb"
)

// Dispatcher receives accepted killmails for fanout. The subscription module
// implements it; wiring happens at startup. Every accepted killmail is
// dispatched exactly once.
type Dispatcher interface {
	DispatchKillmail(ctx context.Context, km *models.Killmail)
	DispatchBatch(ctx context.Context, systemID int, kms []*models.Killmail)
}

// Service is the killmail facade: pipeline in front, store behind, dispatch
// hook out the side.
type Service struct {
	store      *Store
	pipeline   *Pipeline
	dispatcher Dispatcher
}

// NewService creates the killmail service over its store and pipeline.
func NewService(store *Store, pipeline *Pipeline) *Service {
	return &Service{
		store:    store,
		pipeline: pipeline,
	}
}

// SetDispatcher installs the fanout hook. Must be called before ingestion
// starts; accepted killmails are not replayed to a late dispatcher.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Ingest runs one raw killmail through the pipeline and accepts the result.
// The returned event is nil when the record was already stored unchanged.
func (s *Service) Ingest(ctx context.Context, raw *esi.Killmail, meta *zkb.Metadata, cutoff time.Time, priority gate.Priority) (*models.Event, error) {
	km, err := s.pipeline.Process(ctx, raw, meta, cutoff, priority)
	if err != nil {
		return nil, err
	}
	return s.Accept(ctx, km), nil
}

// Accept stores a canonical killmail and dispatches it to subscribers. A
// re-store of an identical record is a no-op and is not dispatched.
func (s *Service) Accept(ctx context.Context, km *models.Killmail) *models.Event {
	event := s.store.Put(km.KillmailID, km.SystemID, km)
	if event == nil {
		return nil
	}

	slog.DebugContext(ctx, "Accepted killmail",
		"killmail_id", km.KillmailID,
		"system_id", km.SystemID,
		"event_id", event.EventID)

	if s.dispatcher != nil {
		s.dispatcher.DispatchKillmail(ctx, km)
	}
	return event
}

// IngestBatch processes raw killmails as one batch and accepts the results,
// dispatching them grouped by system so subscribers get one delivery per
// system instead of one per kill.
func (s *Service) IngestBatch(ctx context.Context, entries []BatchEntry, cutoff time.Time, priority gate.Priority) BatchResult {
	result := s.pipeline.ProcessBatch(ctx, entries, cutoff, priority)

	bySystem := make(map[int][]*models.Killmail)
	accepted := result.Accepted[:0]
	for _, km := range result.Accepted {
		if s.store.Put(km.KillmailID, km.SystemID, km) == nil {
			continue
		}
		accepted = append(accepted, km)
		bySystem[km.SystemID] = append(bySystem[km.SystemID], km)
	}
	result.Accepted = accepted

	if s.dispatcher != nil {
		for systemID, kms := range bySystem {
			s.dispatcher.DispatchBatch(ctx, systemID, kms)
		}
	}

	if len(result.Accepted) > 0 || result.Failed > 0 {
		slog.InfoContext(ctx, "Ingested killmail batch",
			"accepted", len(result.Accepted),
			"skipped", result.Skipped,
			"failed", result.Failed)
	}
	return result
}

// KillmailByID returns a stored killmail.
func (s *Service) KillmailByID(ctx context.Context, killmailID int64) (*models.Killmail, bool) {
	return s.store.Get(killmailID)
}

// Contains reports whether a killmail id is already stored.
func (s *Service) Contains(killmailID int64) bool {
	return s.store.Contains(killmailID)
}

// RecentBySystem returns killmails for a system no older than since, newest
// first, capped at limit.
func (s *Service) RecentBySystem(ctx context.Context, systemID int, since time.Time, limit int) []*models.Killmail {
	return s.store.ListRecentBySystem(systemID, since, limit)
}

// KillCounts returns a snapshot of every per-system kill counter.
func (s *Service) KillCounts(ctx context.Context) map[int]int64 {
	return s.store.KillCountsSnapshot()
}

// SystemKillCount returns one system's kill counter.
func (s *Service) SystemKillCount(systemID int) int64 {
	return s.store.GetSystemKillCount(systemID)
}

// FetchForClient returns events the client has not consumed yet across the
// given systems and advances the client's offsets past them.
func (s *Service) FetchForClient(ctx context.Context, clientID string, systemIDs []int) []*models.Event {
	return s.store.FetchForClient(clientID, systemIDs)
}

// ClientOffsets returns a copy of the client's per-system offsets.
func (s *Service) ClientOffsets(ctx context.Context, clientID string) map[int]int64 {
	return s.store.GetClientOffsets(clientID)
}

// ExtractCharacterIDs returns the distinct character ids in a killmail,
// cached by killmail id.
func (s *Service) ExtractCharacterIDs(ctx context.Context, km *models.Killmail) []int64 {
	return s.pipeline.ExtractCharacterIDs(ctx, km)
}

// MarkSystemFetched records when a system's kills were last pulled from the
// killboard, bounding preload refetches.
func (s *Service) MarkSystemFetched(systemID int, ts time.Time) {
	s.store.SetSystemFetchTimestamp(systemID, ts)
}

// SystemFetchedAt returns when a system's kills were last pulled.
func (s *Service) SystemFetchedAt(systemID int) (time.Time, bool) {
	return s.store.GetSystemFetchTimestamp(systemID)
}

// TrimEvents enforces the event retention cap. Returns the number evicted.
func (s *Service) TrimEvents(maxEvents int) int {
	return s.store.TrimEvents(maxEvents)
}

// PruneOlderThan drops killmails older than the cutoff. Returns the number
// removed.
func (s *Service) PruneOlderThan(cutoff time.Time) int {
	return s.store.PruneOlderThan(cutoff)
}

// Stats returns store counters.
func (s *Service) Stats(ctx context.Context) StoreStats {
	return s.store.Stats()
}
