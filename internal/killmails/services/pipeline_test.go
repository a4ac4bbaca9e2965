package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/cache"
	"wanderer-kills/pkg/esi"
	"wanderer-kills/pkg/fetch"
	"wanderer-kills/pkg/gate"
	"wanderer-kills/pkg/zkb"
)

// upstream is a fake serving both the lookup endpoints and the REST killboard
// endpoints from one server. Paths can be failed by prefix to exercise
// degraded enrichment.
type upstream struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]bool
	killTime time.Time
}

func newUpstream() *upstream {
	return &upstream{
		calls:    make(map[string]int),
		failures: make(map[string]bool),
		killTime: time.Now().UTC().Truncate(time.Second),
	}
}

func (u *upstream) failPrefix(prefix string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures[prefix] = true
}

func (u *upstream) count(prefix string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for path, n := range u.calls {
		if strings.HasPrefix(path, prefix) {
			total += n
		}
	}
	return total
}

func (u *upstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.calls[r.URL.Path]++
		failed := false
		for prefix := range u.failures {
			if strings.HasPrefix(r.URL.Path, prefix) {
				failed = true
			}
		}
		killTime := u.killTime
		u.mu.Unlock()

		if failed {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		switch parts[0] {
		case "characters":
			fmt.Fprintf(w, `{"name":"Char %s"}`, parts[1])
		case "corporations":
			fmt.Fprintf(w, `{"name":"Corp %s"}`, parts[1])
		case "alliances":
			fmt.Fprintf(w, `{"name":"Alliance %s"}`, parts[1])
		case "types":
			fmt.Fprintf(w, `{"name":"Type %s"}`, parts[1])
		case "killmails":
			// The "notime" hash serves a record without a kill time so merge
			// behavior is observable.
			if len(parts) > 2 && parts[2] == "notime" {
				fmt.Fprintf(w, `{
					"killmail_id": %s,
					"solar_system_id": 30000142,
					"victim": {"character_id": 95001, "corporation_id": 98001, "ship_type_id": 587, "damage_taken": 2000},
					"attackers": [{"character_id": 95002, "corporation_id": 98002, "ship_type_id": 17738, "damage_done": 2000, "final_blow": true}]
				}`, parts[1])
				return
			}
			fmt.Fprintf(w, `{
				"killmail_id": %s,
				"killmail_time": %q,
				"solar_system_id": 30000142,
				"victim": {"character_id": 95001, "corporation_id": 98001, "ship_type_id": 587, "damage_taken": 2000},
				"attackers": [{"character_id": 95002, "corporation_id": 98002, "ship_type_id": 17738, "damage_done": 2000, "final_blow": true}]
			}`, parts[1], killTime.Format(time.RFC3339))
		case "killID":
			fmt.Fprintf(w, `[{"killmail_id": %s, "zkb": {"hash": "recovered123"}}]`, parts[1])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestPipeline(t *testing.T, cfg PipelineConfig) (*Pipeline, *upstream) {
	t.Helper()
	fake := newUpstream()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	g := gate.New(gate.Config{Upstream: "pipeline-test", BucketCapacity: 1000, RefillRatePerSec: 1000})
	httpClient := fetch.New(fetch.Config{Timeout: 5 * time.Second, MaxRetries: 0})
	cacheService := cache.NewService(cache.NewMemoryBackend())

	esiClient := esi.NewClient(httpClient, g, cacheService, esi.Config{BaseURL: server.URL})
	zkbClient := zkb.NewClient(httpClient, g, zkb.Config{BaseURL: server.URL})

	return NewPipeline(esiClient, zkbClient, cacheService, cfg), fake
}

func ptr64(v int64) *int64 { return &v }

func rawFullKillmail(id int64, killTime time.Time) *esi.Killmail {
	return &esi.Killmail{
		KillmailID:    id,
		KillmailTime:  killTime.Format(time.RFC3339),
		SolarSystemID: 30000142,
		Victim: &esi.Victim{
			CharacterID:   ptr64(95001),
			CorporationID: ptr64(98001),
			ShipTypeID:    587,
			DamageTaken:   2000,
		},
		Attackers: []esi.Attacker{{
			CharacterID:   ptr64(95002),
			CorporationID: ptr64(98002),
			ShipTypeID:    ptr64(17738),
			WeaponTypeID:  ptr64(2456),
			DamageDone:    2000,
			FinalBlow:     true,
		}},
	}
}

func testMetadata(hash string, totalValue float64) *zkb.Metadata {
	return &zkb.Metadata{Hash: hash, TotalValue: totalValue, Points: 12}
}

func TestProcessFullKillmail(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)

	km, err := pipeline.Process(context.Background(),
		rawFullKillmail(128000001, fake.killTime), testMetadata("abc123", 250000000),
		cutoff, gate.PriorityRealtime)
	require.NoError(t, err)

	assert.Equal(t, int64(128000001), km.KillmailID)
	assert.Equal(t, 30000142, km.SystemID)
	assert.True(t, km.KillTime.Equal(fake.killTime))
	assert.Equal(t, 250000000.0, km.TotalValue)
	assert.False(t, km.NPC)
	require.NotNil(t, km.ZKB)
	assert.Equal(t, "abc123", km.ZKB.Hash)

	require.NotNil(t, km.Victim.CharacterName)
	assert.Equal(t, "Char 95001", *km.Victim.CharacterName)
	require.NotNil(t, km.Victim.CorporationName)
	assert.Equal(t, "Corp 98001", *km.Victim.CorporationName)
	require.NotNil(t, km.Victim.ShipName)
	assert.Equal(t, "Type 587", *km.Victim.ShipName)

	require.Len(t, km.Attackers, 1)
	require.NotNil(t, km.Attackers[0].CharacterName)
	assert.Equal(t, "Char 95002", *km.Attackers[0].CharacterName)
	assert.True(t, km.Attackers[0].FinalBlow)
	assert.True(t, km.Enriched)

	// One lookup per distinct entity.
	assert.Equal(t, 1, fake.count("/characters/95001/"))
	assert.Equal(t, 1, fake.count("/characters/95002/"))
	assert.Equal(t, 1, fake.count("/types/587/"))
	// No full-fetch needed for an already-full killmail.
	assert.Equal(t, 0, fake.count("/killmails/"))
}

func TestProcessNoMetadataDefaults(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)

	km, err := pipeline.Process(context.Background(),
		rawFullKillmail(128000002, fake.killTime), nil, cutoff, gate.PriorityRealtime)
	require.NoError(t, err)

	assert.Nil(t, km.ZKB)
	assert.Zero(t, km.TotalValue)
	assert.False(t, km.NPC)
}

func TestProcessSkipsOldKill(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime

	// Older than the cutoff is a skip, not an error.
	old := rawFullKillmail(128000003, fake.killTime.Add(-2*time.Hour))
	_, err := pipeline.Process(context.Background(), old, nil, cutoff, gate.PriorityRealtime)
	require.ErrorIs(t, err, ErrKillTooOld)

	// Exactly at the cutoff is accepted.
	atCutoff := rawFullKillmail(128000004, fake.killTime)
	km, err := pipeline.Process(context.Background(), atCutoff, nil, cutoff, gate.PriorityRealtime)
	require.NoError(t, err)
	assert.True(t, km.KillTime.Equal(cutoff))
}

func TestProcessPartialFetchesFull(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)

	partial := &esi.Killmail{KillmailID: 128000005}
	km, err := pipeline.Process(context.Background(),
		partial, testMetadata("abc123", 95000000), cutoff, gate.PriorityRealtime)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.count("/killmails/128000005/abc123/"))
	assert.Equal(t, 30000142, km.SystemID)
	assert.Equal(t, 95000000.0, km.TotalValue)
	require.NotNil(t, km.Victim.CharacterName)
	assert.Equal(t, "Char 95001", *km.Victim.CharacterName)
}

func TestProcessPartialKeepsOwnKillTime(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)

	// The full record served under the "notime" hash has no kill time, so the
	// partial's survives the merge.
	ownTime := fake.killTime.Add(-30 * time.Minute)
	partial := &esi.Killmail{KillmailID: 128000006, KillmailTime: ownTime.Format(time.RFC3339)}

	km, err := pipeline.Process(context.Background(),
		partial, testMetadata("notime", 0), cutoff, gate.PriorityRealtime)
	require.NoError(t, err)
	assert.True(t, km.KillTime.Equal(ownTime))
}

func TestProcessPartialRecoversHash(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)

	// Metadata without a hash forces a killboard round trip first.
	km, err := pipeline.Process(context.Background(),
		&esi.Killmail{KillmailID: 128000007}, &zkb.Metadata{}, cutoff, gate.PriorityRealtime)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.count("/killID/128000007/"))
	assert.Equal(t, 1, fake.count("/killmails/128000007/recovered123/"))
	assert.Equal(t, int64(128000007), km.KillmailID)
}

func TestProcessRejectsInvalidFormat(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)
	ctx := context.Background()

	var procErr *ProcessError

	// Nothing at all.
	_, err := pipeline.Process(ctx, nil, nil, cutoff, gate.PriorityRealtime)
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, ErrKindInvalidFormat, procErr.Kind)

	// No metadata and no participants cannot be classified.
	_, err = pipeline.Process(ctx, &esi.Killmail{KillmailID: 1}, nil, cutoff, gate.PriorityRealtime)
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, ErrKindInvalidFormat, procErr.Kind)

	// Participants present but no system id is neither full nor partial.
	broken := rawFullKillmail(128000008, fake.killTime)
	broken.SolarSystemID = 0
	_, err = pipeline.Process(ctx, broken, testMetadata("abc123", 0), cutoff, gate.PriorityRealtime)
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, ErrKindInvalidFormat, procErr.Kind)
}

func TestProcessValidatesStructure(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)
	ctx := context.Background()

	var procErr *ProcessError

	// Missing killmail id is reported by name.
	missing := rawFullKillmail(0, fake.killTime)
	_, err := pipeline.Process(ctx, missing, nil, cutoff, gate.PriorityRealtime)
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, ErrKindMissingFields, procErr.Kind)
	assert.Equal(t, []string{"killmail_id"}, procErr.Details)

	// Every type violation is collected in one pass.
	negative := rawFullKillmail(128000009, fake.killTime)
	negative.KillmailID = -5
	negative.SolarSystemID = -2
	_, err = pipeline.Process(ctx, negative, nil, cutoff, gate.PriorityRealtime)
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, ErrKindInvalidTypes, procErr.Kind)
	assert.Equal(t, []string{"killmail_id", "system_id"}, procErr.Details)
}

func TestProcessAcceptsEmptyAttackerList(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)

	raw := rawFullKillmail(128000010, fake.killTime)
	raw.Attackers = []esi.Attacker{}

	km, err := pipeline.Process(context.Background(), raw, nil, cutoff, gate.PriorityRealtime)
	require.NoError(t, err)
	assert.Empty(t, km.Attackers)
	assert.True(t, km.Enriched)
}

func TestProcessInvalidTime(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)
	ctx := context.Background()

	var procErr *ProcessError

	bad := rawFullKillmail(128000011, fake.killTime)
	bad.KillmailTime = "yesterday-ish"
	_, err := pipeline.Process(ctx, bad, nil, cutoff, gate.PriorityRealtime)
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, ErrKindInvalidTime, procErr.Kind)

	empty := rawFullKillmail(128000012, fake.killTime)
	empty.KillmailTime = ""
	_, err = pipeline.Process(ctx, empty, nil, cutoff, gate.PriorityRealtime)
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, ErrKindInvalidTime, procErr.Kind)
}

func TestProcessZonelessTimeAccepted(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)

	raw := rawFullKillmail(128000013, fake.killTime)
	raw.KillmailTime = fake.killTime.Format("2006-01-02T15:04:05")

	km, err := pipeline.Process(context.Background(), raw, nil, cutoff, gate.PriorityRealtime)
	require.NoError(t, err)
	assert.True(t, km.KillTime.Equal(fake.killTime))
}

func TestProcessEnrichmentFailureLeavesNamesUnset(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)
	fake.failPrefix("/characters/")

	km, err := pipeline.Process(context.Background(),
		rawFullKillmail(128000014, fake.killTime), nil, cutoff, gate.PriorityRealtime)
	require.NoError(t, err)

	assert.Nil(t, km.Victim.CharacterName)
	require.NotNil(t, km.Victim.CorporationName)
	assert.Equal(t, "Corp 98001", *km.Victim.CorporationName)
	assert.True(t, km.Enriched)
}

func TestProcessAllEnrichmentFailed(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)
	fake.failPrefix("/characters/")
	fake.failPrefix("/corporations/")
	fake.failPrefix("/types/")

	km, err := pipeline.Process(context.Background(),
		rawFullKillmail(128000015, fake.killTime), nil, cutoff, gate.PriorityRealtime)
	require.NoError(t, err)
	assert.False(t, km.Enriched)
	assert.Nil(t, km.Victim.CharacterName)
}

func TestProcessStrictEnrichmentDrops(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4, StrictEnrichment: true})
	cutoff := fake.killTime.Add(-time.Hour)
	fake.failPrefix("/characters/")
	fake.failPrefix("/corporations/")
	fake.failPrefix("/types/")

	var procErr *ProcessError
	_, err := pipeline.Process(context.Background(),
		rawFullKillmail(128000016, fake.killTime), nil, cutoff, gate.PriorityRealtime)
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, ErrKindEnrichmentFail, procErr.Kind)
}

func TestProcessDeterministic(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)
	ctx := context.Background()

	first, err := pipeline.Process(ctx, rawFullKillmail(128000017, fake.killTime),
		testMetadata("abc123", 1000), cutoff, gate.PriorityRealtime)
	require.NoError(t, err)

	second, err := pipeline.Process(ctx, rawFullKillmail(128000017, fake.killTime),
		testMetadata("abc123", 1000), cutoff, gate.PriorityRealtime)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestProcessBatchDedupesLookups(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)

	// Three killmails sharing the same participants.
	entries := []BatchEntry{
		{Killmail: rawFullKillmail(128000020, fake.killTime), ZKB: testMetadata("h1", 100)},
		{Killmail: rawFullKillmail(128000021, fake.killTime), ZKB: testMetadata("h2", 200)},
		{Killmail: rawFullKillmail(128000022, fake.killTime), ZKB: testMetadata("h3", 300)},
	}

	result := pipeline.ProcessBatch(context.Background(), entries, cutoff, gate.PriorityBackground)
	require.Len(t, result.Accepted, 3)
	assert.Zero(t, result.Skipped)
	assert.Zero(t, result.Failed)

	// Shared entities resolve once for the whole batch.
	assert.Equal(t, 1, fake.count("/characters/95001/"))
	assert.Equal(t, 1, fake.count("/characters/95002/"))
	assert.Equal(t, 1, fake.count("/corporations/98001/"))
	assert.Equal(t, 1, fake.count("/types/587/"))

	for _, km := range result.Accepted {
		require.NotNil(t, km.Victim.CharacterName)
		assert.Equal(t, "Char 95001", *km.Victim.CharacterName)
	}
}

func TestProcessBatchCountsSkipsAndFailures(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	cutoff := fake.killTime.Add(-time.Hour)

	entries := []BatchEntry{
		{Killmail: rawFullKillmail(128000030, fake.killTime)},
		{Killmail: rawFullKillmail(128000031, fake.killTime.Add(-3 * time.Hour))},
		{Killmail: &esi.Killmail{KillmailID: 128000032}},
	}

	result := pipeline.ProcessBatch(context.Background(), entries, cutoff, gate.PriorityBackground)
	require.Len(t, result.Accepted, 1)
	assert.Equal(t, int64(128000030), result.Accepted[0].KillmailID)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Failed)
}

func TestExtractCharacterIDsCached(t *testing.T) {
	pipeline, fake := newTestPipeline(t, PipelineConfig{Workers: 4})
	ctx := context.Background()

	km := testKillmail(128000040, 30000142, fake.killTime)
	km.Victim.CharacterID = ptr64(95001)
	km.Attackers = append(km.Attackers, models.Participant{CharacterID: ptr64(95002)})

	ids := pipeline.ExtractCharacterIDs(ctx, km)
	assert.Equal(t, []int64{95001, 95002}, ids)

	// A mutated killmail with the same id still hits the cached extraction.
	km.Attackers = append(km.Attackers, models.Participant{CharacterID: ptr64(95003)})
	ids = pipeline.ExtractCharacterIDs(ctx, km)
	assert.Equal(t, []int64{95001, 95002}, ids)
}

func TestProcessErrorMessage(t *testing.T) {
	err := &ProcessError{Kind: ErrKindMissingFields, Details: []string{"victim", "attackers"}}
	assert.Equal(t, "missing_required_fields: victim, attackers", err.Error())
	assert.Equal(t, "invalid_format", (&ProcessError{Kind: ErrKindInvalidFormat}).Error())

	var procErr *ProcessError
	assert.True(t, errors.As(err, &procErr))
}
