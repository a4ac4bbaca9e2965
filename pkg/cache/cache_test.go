package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testName struct {
	Name string `json:"name"`
}

func TestServicePutGet(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryBackend())

	err := svc.Put(ctx, NamespaceCharacter, "95465499", testName{Name: "CCP Alpha"})
	require.NoError(t, err)

	var got testName
	found, err := svc.Get(ctx, NamespaceCharacter, "95465499", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "CCP Alpha", got.Name)
}

func TestServiceMissingKeyIsNotError(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryBackend())

	var got testName
	found, err := svc.Get(ctx, NamespaceCharacter, "12345", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestServiceNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryBackend())

	require.NoError(t, svc.Put(ctx, NamespaceCharacter, "42", testName{Name: "a character"}))
	require.NoError(t, svc.Put(ctx, NamespaceCorporation, "42", testName{Name: "a corporation"}))

	var got testName
	found, err := svc.Get(ctx, NamespaceCharacter, "42", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a character", got.Name)

	found, err = svc.Get(ctx, NamespaceCorporation, "42", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a corporation", got.Name)

	size, err := svc.Size(ctx, NamespaceCharacter)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestServiceDelete(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryBackend())

	require.NoError(t, svc.Put(ctx, NamespaceShipType, "670", testName{Name: "Capsule"}))
	require.NoError(t, svc.Delete(ctx, NamespaceShipType, "670"))

	exists, err := svc.Exists(ctx, NamespaceShipType, "670")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting again is not an error.
	require.NoError(t, svc.Delete(ctx, NamespaceShipType, "670"))
}

func TestMemoryBackendTTLExpiry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	backend.now = func() time.Time { return current }

	require.NoError(t, backend.Set(ctx, "character_info:1", []byte(`{"name":"x"}`), time.Minute))

	_, found, err := backend.Get(ctx, "character_info:1")
	require.NoError(t, err)
	assert.True(t, found)

	current = current.Add(2 * time.Minute)

	_, found, err = backend.Get(ctx, "character_info:1")
	require.NoError(t, err)
	assert.False(t, found, "expired entry must read as missing")
}

func TestMemoryBackendDeleteExpired(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	backend.now = func() time.Time { return current }

	require.NoError(t, backend.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, backend.Set(ctx, "b", []byte("2"), time.Hour))

	current = current.Add(30 * time.Minute)

	removed := backend.DeleteExpired(ctx)
	assert.Equal(t, 1, removed)

	_, found, err := backend.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestServiceStats(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryBackend())

	require.NoError(t, svc.Put(ctx, NamespaceKillmail, "123", testName{Name: "k"}))

	var got testName
	_, err := svc.Get(ctx, NamespaceKillmail, "123", &got)
	require.NoError(t, err)
	_, err = svc.Get(ctx, NamespaceKillmail, "999", &got)
	require.NoError(t, err)

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
