package services

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityIndexBidirectional(t *testing.T) {
	idx := NewEntityIndex[int]()

	idx.AddSubscription("sub_a", []int{30000142, 30002187})
	idx.AddSubscription("sub_b", []int{30000142})

	assert.Equal(t, []string{"sub_a", "sub_b"}, idx.FindForEntity(30000142))
	assert.Equal(t, []string{"sub_a"}, idx.FindForEntity(30002187))
	assert.Empty(t, idx.FindForEntity(31000001))

	idx.RemoveSubscription("sub_a")

	assert.Equal(t, []string{"sub_b"}, idx.FindForEntity(30000142))
	assert.Empty(t, idx.FindForEntity(30002187), "empty buckets must disappear with their last subscription")

	stats := idx.Stats()
	assert.Equal(t, 1, stats.TotalSubscriptions)
	assert.Equal(t, 1, stats.TotalEntityEntries)
	assert.Equal(t, 1, stats.TotalMappings)
}

func TestEntityIndexDuplicatesCollapse(t *testing.T) {
	idx := NewEntityIndex[int]()

	idx.AddSubscription("sub_a", []int{30000142, 30000142, 30002187, 30000142})

	stats := idx.Stats()
	assert.Equal(t, 1, stats.TotalSubscriptions)
	assert.Equal(t, 2, stats.TotalEntityEntries)
	assert.Equal(t, 2, stats.TotalMappings)
}

func TestEntityIndexEmptySetRemoves(t *testing.T) {
	idx := NewEntityIndex[int64]()

	idx.AddSubscription("sub_a", []int64{95465499})
	require.Equal(t, 1, idx.Stats().TotalSubscriptions)

	idx.AddSubscription("sub_a", nil)

	stats := idx.Stats()
	assert.Zero(t, stats.TotalSubscriptions)
	assert.Zero(t, stats.TotalEntityEntries)
	assert.Zero(t, stats.TotalMappings)
	assert.Empty(t, idx.FindForEntity(95465499))
}

func TestEntityIndexUpdateDiff(t *testing.T) {
	idx := NewEntityIndex[int]()

	idx.AddSubscription("sub_a", []int{30000142, 30002187})
	idx.UpdateSubscription("sub_a", []int{30002187, 30002510})

	assert.Empty(t, idx.FindForEntity(30000142), "removed entity must be unindexed")
	assert.Equal(t, []string{"sub_a"}, idx.FindForEntity(30002187))
	assert.Equal(t, []string{"sub_a"}, idx.FindForEntity(30002510))
}

func TestEntityIndexFindForEntitiesUnion(t *testing.T) {
	idx := NewEntityIndex[int64]()

	idx.AddSubscription("sub_a", []int64{95465499, 90379338})
	idx.AddSubscription("sub_b", []int64{90379338})
	idx.AddSubscription("sub_c", []int64{2112625428})

	got := idx.FindForEntities([]int64{95465499, 90379338})
	assert.Equal(t, []string{"sub_a", "sub_b"}, got, "union must deduplicate subscriptions matched twice")

	assert.Empty(t, idx.FindForEntities(nil))
	assert.Empty(t, idx.FindForEntities([]int64{1}))
}

func TestEntityIndexRemoveUnknown(t *testing.T) {
	idx := NewEntityIndex[int]()
	idx.AddSubscription("sub_a", []int{30000142})

	idx.RemoveSubscription("sub_missing")

	assert.Equal(t, 1, idx.Stats().TotalSubscriptions)
}

func TestEntityIndexConcurrentReaders(t *testing.T) {
	idx := NewEntityIndex[int]()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					idx.FindForEntity(30000142)
					idx.FindForEntities([]int{30000142, 30002187})
					idx.Stats()
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		subID := fmt.Sprintf("sub_%d", i%10)
		idx.AddSubscription(subID, []int{30000142, 30002187 + i%5})
		if i%3 == 0 {
			idx.RemoveSubscription(subID)
		}
	}
	close(stop)
	wg.Wait()

	for i := 0; i < 10; i++ {
		idx.AddSubscription(fmt.Sprintf("sub_%d", i), []int{30000142})
	}
	stats := idx.Stats()
	assert.Equal(t, 10, stats.TotalSubscriptions)
	assert.Equal(t, 1, stats.TotalEntityEntries)
	assert.Equal(t, 10, stats.TotalMappings)
}
