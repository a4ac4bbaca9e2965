package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 16

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// MemoryBackend is a sharded in-process cache backend. Expired entries are
// dropped lazily on read and in bulk by DeleteExpired.
type MemoryBackend struct {
	shards [shardCount]*memoryShard
	now    func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{now: time.Now}
	for i := range b.shards {
		b.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	return b
}

func (b *MemoryBackend) shard(key string) *memoryShard {
	return b.shards[xxhash.Sum64String(key)%shardCount]
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	shard := b.shard(key)

	shard.mu.RLock()
	entry, ok := shard.entries[key]
	shard.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if b.now().After(entry.expiresAt) {
		shard.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if current, still := shard.entries[key]; still && b.now().After(current.expiresAt) {
			delete(shard.entries, key)
		}
		shard.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	shard := b.shard(key)

	shard.mu.Lock()
	shard.entries[key] = memoryEntry{value: value, expiresAt: b.now().Add(ttl)}
	shard.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	shard := b.shard(key)

	shard.mu.Lock()
	delete(shard.entries, key)
	shard.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := b.Get(ctx, key)
	return found, err
}

func (b *MemoryBackend) SizePrefix(ctx context.Context, prefix string) (int, error) {
	now := b.now()
	count := 0
	for _, shard := range b.shards {
		shard.mu.RLock()
		for key, entry := range shard.entries {
			if strings.HasPrefix(key, prefix) && now.Before(entry.expiresAt) {
				count++
			}
		}
		shard.mu.RUnlock()
	}
	return count, nil
}

func (b *MemoryBackend) DeleteExpired(ctx context.Context) int {
	now := b.now()
	removed := 0
	for _, shard := range b.shards {
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if now.After(entry.expiresAt) {
				delete(shard.entries, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func (b *MemoryBackend) Close() error {
	for _, shard := range b.shards {
		shard.mu.Lock()
		shard.entries = make(map[string]memoryEntry)
		shard.mu.Unlock()
	}
	return nil
}
