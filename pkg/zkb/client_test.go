package zkb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/pkg/fetch"
	"wanderer-kills/pkg/gate"
)

func newTestGate() *gate.Gate {
	return gate.New(gate.Config{Upstream: "zkb-test", BucketCapacity: 100, RefillRatePerSec: 100})
}

func newTestHTTPClient() *fetch.Client {
	return fetch.New(fetch.Config{Timeout: 5 * time.Second, MaxRetries: 0})
}

func TestPollClassifiesNone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listen.php", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("ttw"))
		assert.Len(t, r.URL.Query().Get("queueID"), 16)
		w.Write([]byte(`{"package": null}`))
	}))
	defer server.Close()

	cfg := RedisQConfigFromEnv()
	cfg.BaseURL = server.URL
	client := NewRedisQClient(newTestHTTPClient(), newTestGate(), cfg)

	pkg, kind, err := client.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pkg)
	assert.Equal(t, PackageNone, kind)
}

func TestPollClassifiesNewFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package": {
			"killID": 128000001,
			"killmail": {
				"killmail_time": "2026-08-24T10:15:00Z",
				"solar_system_id": 30000142,
				"victim": {"character_id": 95465499, "ship_type_id": 587, "damage_taken": 1842},
				"attackers": []
			},
			"zkb": {"hash": "abc123", "totalValue": 12500000.5, "npc": false}
		}}`))
	}))
	defer server.Close()

	cfg := RedisQConfigFromEnv()
	cfg.BaseURL = server.URL
	client := NewRedisQClient(newTestHTTPClient(), newTestGate(), cfg)

	pkg, kind, err := client.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PackageNew, kind)
	require.NotNil(t, pkg)
	require.NotNil(t, pkg.Killmail)
	// The kill id from the envelope fills in when the killmail omits its own.
	assert.Equal(t, int64(128000001), pkg.Killmail.KillmailID)
	assert.Equal(t, 30000142, pkg.Killmail.SolarSystemID)
	require.NotNil(t, pkg.ZKB)
	assert.Equal(t, "abc123", pkg.ZKB.Hash)
	assert.Equal(t, 12500000.5, pkg.ZKB.TotalValue)
}

func TestPollClassifiesLegacy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package": {"killID": 127999999, "zkb": {"hash": "deadbeef", "totalValue": 1000}}}`))
	}))
	defer server.Close()

	cfg := RedisQConfigFromEnv()
	cfg.BaseURL = server.URL
	client := NewRedisQClient(newTestHTTPClient(), newTestGate(), cfg)

	pkg, kind, err := client.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PackageLegacy, kind)
	require.NotNil(t, pkg)
	assert.Equal(t, int64(127999999), pkg.KillID)
	assert.Nil(t, pkg.Killmail)
	assert.Equal(t, "deadbeef", pkg.ZKB.Hash)
}

func TestPollClassifiesUnexpected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package": {"something": "else"}}`))
	}))
	defer server.Close()

	cfg := RedisQConfigFromEnv()
	cfg.BaseURL = server.URL
	client := NewRedisQClient(newTestHTTPClient(), newTestGate(), cfg)

	pkg, kind, err := client.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, PackageUnexpected, kind)
}

func TestSystemKillsDecodesReferences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/systemID/30000142/", r.URL.Path)
		w.Write([]byte(`[
			{"killmail_id": 128000003, "zkb": {"hash": "h1", "totalValue": 500}},
			{"killmail_id": 128000002, "zkb": {"hash": "h2", "totalValue": 900, "npc": true}}
		]`))
	}))
	defer server.Close()

	client := NewClient(newTestHTTPClient(), newTestGate(), Config{BaseURL: server.URL})

	refs, err := client.SystemKills(context.Background(), 30000142, gate.PriorityPreload)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(128000003), refs[0].KillmailID)
	assert.Equal(t, "h1", refs[0].ZKB.Hash)
	assert.True(t, refs[1].ZKB.NPC)
}

func TestKillByIDRecoversHash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/killID/128000004/", r.URL.Path)
		w.Write([]byte(`[{"killmail_id": 128000004, "zkb": {"hash": "recovered", "totalValue": 42}}]`))
	}))
	defer server.Close()

	client := NewClient(newTestHTTPClient(), newTestGate(), Config{BaseURL: server.URL})

	kills, err := client.KillByID(context.Background(), 128000004, gate.PriorityRealtime)
	require.NoError(t, err)
	require.Len(t, kills, 1)
	assert.Equal(t, int64(128000004), kills[0].Killmail.KillmailID)
	assert.Equal(t, "recovered", kills[0].ZKB.Hash)
}

func TestKillRefAcceptsBothIDKeys(t *testing.T) {
	var ref KillRef
	require.NoError(t, json.Unmarshal([]byte(`{"killID": 7, "zkb": {"hash": "x"}}`), &ref))
	assert.Equal(t, int64(7), ref.KillmailID)

	require.NoError(t, json.Unmarshal([]byte(`{"killmail_id": 8, "zkb": {"hash": "y"}}`), &ref))
	assert.Equal(t, int64(8), ref.KillmailID)

	// Encoding always uses the canonical key.
	out, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"killmail_id":8`)
	assert.NotContains(t, string(out), "killID")
}

func TestGenerateQueueIDShape(t *testing.T) {
	id := generateQueueID()
	assert.Len(t, id, 16)
	for _, r := range id {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		assert.True(t, isAlnum, "queue id must be alphanumeric")
	}
	assert.NotEqual(t, id, generateQueueID())
}
