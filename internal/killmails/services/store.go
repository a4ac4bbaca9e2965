package services

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wanderer-kills/internal/killmails/models"
)

// Store is the in-memory event store: an append-only per-system log with
// globally monotonic event ids, a killmail-by-id map, per-client read offsets
// and per-system counters. Nothing is persisted; restart loses history.
type Store struct {
	mu           sync.RWMutex
	byID         map[int64]*models.Killmail
	log          []*models.Event
	systemEvents map[int][]*models.Event
	killCounts   map[int]int64
	fetchTimes   map[int]time.Time

	offsetsMu sync.Mutex
	offsets   map[string]*clientOffsets

	nextEventID atomic.Int64
}

// clientOffsets holds one client's per-system read positions. The mutex
// serializes concurrent fetches for the same client.
type clientOffsets struct {
	mu       sync.Mutex
	bySystem map[int]int64
}

// StoreStats is a point-in-time summary for status endpoints.
type StoreStats struct {
	Killmails   int   `json:"killmails"`
	Events      int   `json:"events"`
	Systems     int   `json:"systems"`
	Clients     int   `json:"clients"`
	LastEventID int64 `json:"last_event_id"`
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:         make(map[int64]*models.Killmail),
		systemEvents: make(map[int][]*models.Event),
		killCounts:   make(map[int]int64),
		fetchTimes:   make(map[int]time.Time),
		offsets:      make(map[string]*clientOffsets),
	}
}

// InsertEvent allocates the next global event id, appends the event to the
// per-system log, upserts the by-id map and bumps the system kill count.
func (s *Store) InsertEvent(systemID int, km *models.Killmail) *models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(systemID, km)
}

func (s *Store) insertLocked(systemID int, km *models.Killmail) *models.Event {
	id := s.nextEventID.Add(1)
	if id < 0 {
		panic("killmails: event id space exhausted")
	}

	event := &models.Event{
		EventID:  id,
		SystemID: systemID,
		Killmail: km,
	}
	s.log = append(s.log, event)
	s.systemEvents[systemID] = append(s.systemEvents[systemID], event)
	s.byID[km.KillmailID] = km
	s.killCounts[systemID]++
	return event
}

// Put upserts a killmail by id. Re-storing an identical record is a no-op;
// a new or changed record also appends to the event log so subscribers see
// the updated version. Returns the appended event, or nil for the no-op.
func (s *Store) Put(killmailID int64, systemID int, km *models.Killmail) *models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[killmailID]; ok && reflect.DeepEqual(existing, km) {
		return nil
	}
	return s.insertLocked(systemID, km)
}

// Get returns the killmail for an id.
func (s *Store) Get(killmailID int64) (*models.Killmail, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	km, ok := s.byID[killmailID]
	return km, ok
}

// Contains reports whether a killmail id has been stored.
func (s *Store) Contains(killmailID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[killmailID]
	return ok
}

// ListBySystem returns the system's killmails in insertion order. When a
// killmail was re-inserted (enriched replacement) only the latest version is
// returned, at its original position.
func (s *Store) ListBySystem(systemID int) []*models.Killmail {
	s.mu.RLock()
	events := s.systemEvents[systemID]
	s.mu.RUnlock()

	seen := make(map[int64]int, len(events))
	result := make([]*models.Killmail, 0, len(events))
	for _, ev := range events {
		if idx, ok := seen[ev.Killmail.KillmailID]; ok {
			result[idx] = ev.Killmail
			continue
		}
		seen[ev.Killmail.KillmailID] = len(result)
		result = append(result, ev.Killmail)
	}
	return result
}

// ListRecentBySystem returns the system's killmails newest first, filtered to
// kill times at or after since (zero since means no filter), capped at limit
// (zero limit means no cap).
func (s *Store) ListRecentBySystem(systemID int, since time.Time, limit int) []*models.Killmail {
	kills := s.ListBySystem(systemID)

	result := make([]*models.Killmail, 0, len(kills))
	for i := len(kills) - 1; i >= 0; i-- {
		if !since.IsZero() && kills[i].KillTime.Before(since) {
			continue
		}
		result = append(result, kills[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// FetchForClient returns every unseen event for the requested systems in
// ascending event id order and advances the client's offsets to the highest
// id observed per system. A repeat call with no new inserts returns nothing.
func (s *Store) FetchForClient(clientID string, systemIDs []int) []*models.Event {
	co := s.clientOffsetsFor(clientID)
	co.mu.Lock()
	defer co.mu.Unlock()

	var result []*models.Event
	for _, systemID := range systemIDs {
		events := s.snapshotSystem(systemID)
		offset := co.bySystem[systemID]
		for _, ev := range eventsAfter(events, offset) {
			result = append(result, ev)
			if ev.EventID > co.bySystem[systemID] {
				co.bySystem[systemID] = ev.EventID
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].EventID < result[j].EventID
	})
	return result
}

// FetchOneEvent returns the single earliest unseen event across the requested
// systems, advancing only that event's system offset.
func (s *Store) FetchOneEvent(clientID string, systemIDs []int) (*models.Event, bool) {
	co := s.clientOffsetsFor(clientID)
	co.mu.Lock()
	defer co.mu.Unlock()

	var earliest *models.Event
	for _, systemID := range systemIDs {
		events := eventsAfter(s.snapshotSystem(systemID), co.bySystem[systemID])
		if len(events) == 0 {
			continue
		}
		if earliest == nil || events[0].EventID < earliest.EventID {
			earliest = events[0]
		}
	}
	if earliest == nil {
		return nil, false
	}

	co.bySystem[earliest.SystemID] = earliest.EventID
	return earliest, true
}

// GetClientOffsets returns a copy of the client's per-system offsets.
func (s *Store) GetClientOffsets(clientID string) map[int]int64 {
	co := s.clientOffsetsFor(clientID)
	co.mu.Lock()
	defer co.mu.Unlock()

	out := make(map[int]int64, len(co.bySystem))
	for systemID, offset := range co.bySystem {
		out[systemID] = offset
	}
	return out
}

// PutClientOffsets replaces the client's per-system offsets.
func (s *Store) PutClientOffsets(clientID string, offsets map[int]int64) {
	co := s.clientOffsetsFor(clientID)
	co.mu.Lock()
	defer co.mu.Unlock()

	co.bySystem = make(map[int]int64, len(offsets))
	for systemID, offset := range offsets {
		co.bySystem[systemID] = offset
	}
}

// SetSystemFetchTimestamp records when a system was last fetched upstream.
func (s *Store) SetSystemFetchTimestamp(systemID int, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchTimes[systemID] = ts
}

// GetSystemFetchTimestamp returns when a system was last fetched upstream.
func (s *Store) GetSystemFetchTimestamp(systemID int) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.fetchTimes[systemID]
	return ts, ok
}

// IncrementSystemKillCount bumps and returns the system's kill counter.
func (s *Store) IncrementSystemKillCount(systemID int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killCounts[systemID]++
	return s.killCounts[systemID]
}

// GetSystemKillCount returns the system's kill counter.
func (s *Store) GetSystemKillCount(systemID int) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.killCounts[systemID]
}

// KillCountsSnapshot returns a copy of every per-system kill counter.
func (s *Store) KillCountsSnapshot() map[int]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[int]int64, len(s.killCounts))
	for systemID, count := range s.killCounts {
		counts[systemID] = count
	}
	return counts
}

// TrimEvents drops the oldest events until at most maxEvents remain. Dropped
// events are gone for late-joining clients. Returns the number removed.
func (s *Store) TrimEvents(maxEvents int) int {
	if maxEvents < 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	excess := len(s.log) - maxEvents
	if excess <= 0 {
		return 0
	}

	evictedThrough := s.log[excess-1].EventID
	remaining := make([]*models.Event, len(s.log)-excess)
	copy(remaining, s.log[excess:])
	s.log = remaining

	for systemID, events := range s.systemEvents {
		keepFrom := sort.Search(len(events), func(i int) bool {
			return events[i].EventID > evictedThrough
		})
		if keepFrom == 0 {
			continue
		}
		if keepFrom == len(events) {
			delete(s.systemEvents, systemID)
			continue
		}
		kept := make([]*models.Event, len(events)-keepFrom)
		copy(kept, events[keepFrom:])
		s.systemEvents[systemID] = kept
	}
	return excess
}

// PruneOlderThan removes killmails with kill times before the cutoff from the
// by-id map and drops their events. Returns the number of killmails removed.
func (s *Store) PruneOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, km := range s.byID {
		if km.KillTime.Before(cutoff) {
			delete(s.byID, id)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	s.log = filterEvents(s.log, cutoff)
	for systemID, events := range s.systemEvents {
		kept := filterEvents(events, cutoff)
		if len(kept) == 0 {
			delete(s.systemEvents, systemID)
			continue
		}
		s.systemEvents[systemID] = kept
	}
	return removed
}

// Stats returns a point-in-time summary.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	stats := StoreStats{
		Killmails:   len(s.byID),
		Events:      len(s.log),
		Systems:     len(s.systemEvents),
		LastEventID: s.nextEventID.Load(),
	}
	s.mu.RUnlock()

	s.offsetsMu.Lock()
	stats.Clients = len(s.offsets)
	s.offsetsMu.Unlock()
	return stats
}

func (s *Store) clientOffsetsFor(clientID string) *clientOffsets {
	s.offsetsMu.Lock()
	defer s.offsetsMu.Unlock()

	co, ok := s.offsets[clientID]
	if !ok {
		co = &clientOffsets{bySystem: make(map[int]int64)}
		s.offsets[clientID] = co
	}
	return co
}

// snapshotSystem returns the system's event slice header. The log is
// append-only, so the snapshot stays valid without holding the lock.
func (s *Store) snapshotSystem(systemID int) []*models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemEvents[systemID]
}

// eventsAfter returns the suffix of events with ids strictly greater than
// offset. Events are in ascending id order.
func eventsAfter(events []*models.Event, offset int64) []*models.Event {
	from := sort.Search(len(events), func(i int) bool {
		return events[i].EventID > offset
	})
	return events[from:]
}

func filterEvents(events []*models.Event, cutoff time.Time) []*models.Event {
	kept := make([]*models.Event, 0, len(events))
	for _, ev := range events {
		if ev.Killmail.KillTime.Before(cutoff) {
			continue
		}
		kept = append(kept, ev)
	}
	return kept
}
