package services

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
)

// EntityIndex maps entity ids to subscription ids in both directions. The
// reverse direction (subscription to entities) is the source of truth; the
// forward map is a materialized view rebuilt on every mutation and published
// atomically, so lookups on the dispatch path never take a lock.
type EntityIndex[E cmp.Ordered] struct {
	mu      sync.Mutex
	reverse map[string][]E
	view    atomic.Pointer[indexView[E]]
}

type indexView[E cmp.Ordered] struct {
	forward  map[E][]string
	subs     int
	mappings int
}

// IndexStats counts the index contents at one point in time.
type IndexStats struct {
	TotalSubscriptions int
	TotalEntityEntries int
	TotalMappings      int
}

// NewEntityIndex creates an empty index.
func NewEntityIndex[E cmp.Ordered]() *EntityIndex[E] {
	idx := &EntityIndex[E]{reverse: make(map[string][]E)}
	idx.view.Store(&indexView[E]{forward: make(map[E][]string)})
	return idx
}

// AddSubscription registers the entity set for a subscription. Duplicates
// collapse silently; an empty set removes the subscription from the index.
func (ix *EntityIndex[E]) AddSubscription(subID string, entities []E) {
	ents := dedupSorted(entities)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ents) == 0 {
		delete(ix.reverse, subID)
	} else {
		ix.reverse[subID] = ents
	}
	ix.publish()
}

// UpdateSubscription replaces the entity set for a subscription. Additions
// and removals fall out of the rebuild.
func (ix *EntityIndex[E]) UpdateSubscription(subID string, entities []E) {
	ix.AddSubscription(subID, entities)
}

// RemoveSubscription drops a subscription from the index. Unknown ids are a
// no-op.
func (ix *EntityIndex[E]) RemoveSubscription(subID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.reverse[subID]; !ok {
		return
	}
	delete(ix.reverse, subID)
	ix.publish()
}

// publish rebuilds the forward view from the reverse map and swaps it in.
// Callers hold ix.mu.
func (ix *EntityIndex[E]) publish() {
	forward := make(map[E][]string, len(ix.reverse))
	mappings := 0
	for subID, ents := range ix.reverse {
		for _, e := range ents {
			forward[e] = append(forward[e], subID)
			mappings++
		}
	}
	for _, subs := range forward {
		slices.Sort(subs)
	}
	ix.view.Store(&indexView[E]{
		forward:  forward,
		subs:     len(ix.reverse),
		mappings: mappings,
	})
}

// FindForEntity returns the subscription ids watching one entity.
func (ix *EntityIndex[E]) FindForEntity(entity E) []string {
	return slices.Clone(ix.view.Load().forward[entity])
}

// FindForEntities returns the deduplicated union of subscription ids
// watching any of the entities.
func (ix *EntityIndex[E]) FindForEntities(entities []E) []string {
	view := ix.view.Load()
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entities {
		for _, subID := range view.forward[e] {
			if _, ok := seen[subID]; ok {
				continue
			}
			seen[subID] = struct{}{}
			out = append(out, subID)
		}
	}
	slices.Sort(out)
	return out
}

// Stats reports the current index counters.
func (ix *EntityIndex[E]) Stats() IndexStats {
	view := ix.view.Load()
	return IndexStats{
		TotalSubscriptions: view.subs,
		TotalEntityEntries: len(view.forward),
		TotalMappings:      view.mappings,
	}
}

// dedupSorted returns a sorted copy with duplicates collapsed.
func dedupSorted[E cmp.Ordered](in []E) []E {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
