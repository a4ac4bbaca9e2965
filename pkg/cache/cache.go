package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"wanderer-kills/pkg/config"
)

// Namespace identifies a logical cache partition with its own TTL policy.
type Namespace string

const (
	NamespaceCharacter      Namespace = "character_info"
	NamespaceCorporation    Namespace = "corporation_info"
	NamespaceAlliance       Namespace = "alliance_info"
	NamespaceShipType       Namespace = "ship_type"
	NamespaceGroup          Namespace = "group"
	NamespaceSystemFetch    Namespace = "system_fetch_timestamp"
	NamespaceSystemActive   Namespace = "system_active"
	NamespaceKillmail       Namespace = "killmail"
	NamespaceCharExtraction Namespace = "character_extraction"
)

// Backend is the raw byte-oriented storage under the namespaced service.
// A missing key is reported via the bool, never as an error.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	SizePrefix(ctx context.Context, prefix string) (int, error)
	DeleteExpired(ctx context.Context) int
	Close() error
}

// Stats tracks cache effectiveness counters.
type Stats struct {
	Hits    atomic.Int64
	Misses  atomic.Int64
	Puts    atomic.Int64
	Deletes atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats for reporting.
type StatsSnapshot struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Puts    int64 `json:"puts"`
	Deletes int64 `json:"deletes"`
}

// Service is the namespaced TTL cache used by enrichment lookups and
// per-system metadata tracking.
type Service struct {
	backend Backend
	ttls    map[Namespace]time.Duration
	stats   Stats
}

// NewService creates a cache service over the given backend with per-namespace
// TTLs resolved from the environment.
func NewService(backend Backend) *Service {
	return &Service{
		backend: backend,
		ttls:    loadTTLs(),
	}
}

func loadTTLs() map[Namespace]time.Duration {
	return map[Namespace]time.Duration{
		NamespaceCharacter:      config.GetDurationEnv("CACHE_TTL_CHARACTER", 24*time.Hour),
		NamespaceCorporation:    config.GetDurationEnv("CACHE_TTL_CORPORATION", 24*time.Hour),
		NamespaceAlliance:       config.GetDurationEnv("CACHE_TTL_ALLIANCE", 24*time.Hour),
		NamespaceShipType:       config.GetDurationEnv("CACHE_TTL_SHIP_TYPE", 24*time.Hour),
		NamespaceGroup:          config.GetDurationEnv("CACHE_TTL_GROUP", 24*time.Hour),
		NamespaceSystemFetch:    config.GetDurationEnv("CACHE_TTL_SYSTEM_FETCH", time.Hour),
		NamespaceSystemActive:   config.GetDurationEnv("CACHE_TTL_SYSTEM_ACTIVE", time.Hour),
		NamespaceKillmail:       config.GetDurationEnv("CACHE_TTL_KILLMAIL", 30*time.Minute),
		NamespaceCharExtraction: config.GetDurationEnv("CACHE_TTL_CHAR_EXTRACTION", 5*time.Minute),
	}
}

func cacheKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

// TTL returns the configured TTL for a namespace.
func (s *Service) TTL(ns Namespace) time.Duration {
	if ttl, ok := s.ttls[ns]; ok {
		return ttl
	}
	return 24 * time.Hour
}

// Put stores a JSON-serializable value under the namespace's TTL.
func (s *Service) Put(ctx context.Context, ns Namespace, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := s.backend.Set(ctx, cacheKey(ns, key), data, s.TTL(ns)); err != nil {
		return err
	}
	s.stats.Puts.Add(1)
	return nil
}

// Get retrieves a value into dest. The bool reports whether the key was found;
// a missing key is not an error.
func (s *Service) Get(ctx context.Context, ns Namespace, key string, dest interface{}) (bool, error) {
	data, found, err := s.backend.Get(ctx, cacheKey(ns, key))
	if err != nil {
		return false, err
	}
	if !found {
		s.stats.Misses.Add(1)
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	s.stats.Hits.Add(1)
	return true, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Service) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := s.backend.Delete(ctx, cacheKey(ns, key)); err != nil {
		return err
	}
	s.stats.Deletes.Add(1)
	return nil
}

// Exists reports whether a key is present and unexpired.
func (s *Service) Exists(ctx context.Context, ns Namespace, key string) (bool, error) {
	return s.backend.Exists(ctx, cacheKey(ns, key))
}

// Size returns the number of live entries in a namespace.
func (s *Service) Size(ctx context.Context, ns Namespace) (int, error) {
	return s.backend.SizePrefix(ctx, string(ns)+":")
}

// Sweep removes expired entries from backends that need explicit expiry.
// Returns the number of entries removed.
func (s *Service) Sweep(ctx context.Context) int {
	return s.backend.DeleteExpired(ctx)
}

// Stats returns a snapshot of the cache counters.
func (s *Service) Stats() StatsSnapshot {
	return StatsSnapshot{
		Hits:    s.stats.Hits.Load(),
		Misses:  s.stats.Misses.Load(),
		Puts:    s.stats.Puts.Load(),
		Deletes: s.stats.Deletes.Load(),
	}
}

// Close releases backend resources.
func (s *Service) Close() error {
	return s.backend.Close()
}
