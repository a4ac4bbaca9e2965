package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/cache"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/esi"
	"wanderer-kills/pkg/gate"
	"wanderer-kills/pkg/zkb"
)

// Error kinds for killmails the pipeline rejects.
const (
	ErrKindInvalidFormat  = "invalid_format"
	ErrKindMissingFields  = "missing_required_fields"
	ErrKindInvalidTypes   = "invalid_field_types"
	ErrKindInvalidTime    = "invalid_time_format"
	ErrKindEnrichmentFail = "enrichment_failed"
)

// ErrKillTooOld marks a killmail older than the recency cutoff. It is a skip,
// not a failure; callers count it separately from errors.
var ErrKillTooOld = errors.New("kill too old")

// ProcessError reports why the pipeline rejected a killmail.
type ProcessError struct {
	Kind    string
	Details []string
}

func (e *ProcessError) Error() string {
	if len(e.Details) == 0 {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, strings.Join(e.Details, ", "))
}

// PipelineConfig controls enrichment behavior.
type PipelineConfig struct {
	// StrictEnrichment drops a killmail when every name lookup for it failed.
	StrictEnrichment bool
	// Workers bounds concurrent validation and lookup fan-out.
	Workers int
}

// PipelineConfigFromEnv resolves pipeline settings from the environment.
func PipelineConfigFromEnv() PipelineConfig {
	return PipelineConfig{
		StrictEnrichment: config.GetBoolEnv("STRICT_ENRICHMENT", false),
		Workers:          config.GetIntEnv("PIPELINE_WORKERS", runtime.NumCPU()),
	}
}

// Pipeline turns raw upstream killmails into canonical enriched records:
// normalize, classify, fetch partials to full, validate structure and time,
// resolve participant names through the cache-through lookups, build the
// canonical struct.
type Pipeline struct {
	esi    *esi.Client
	zkb    *zkb.Client
	cache  *cache.Service
	cfg    PipelineConfig
	tracer trace.Tracer
}

// BatchEntry is one raw killmail plus its zkb metadata.
type BatchEntry struct {
	Killmail *esi.Killmail
	ZKB      *zkb.Metadata
}

// BatchResult summarizes one ProcessBatch run.
type BatchResult struct {
	Accepted []*models.Killmail
	Skipped  int
	Failed   int
}

// NewPipeline creates an enrichment pipeline over the upstream clients and
// the shared cache.
func NewPipeline(esiClient *esi.Client, zkbClient *zkb.Client, cacheService *cache.Service, cfg PipelineConfig) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	p := &Pipeline{
		esi:   esiClient,
		zkb:   zkbClient,
		cache: cacheService,
		cfg:   cfg,
	}
	if config.GetBoolEnv("ENABLE_TELEMETRY", true) {
		p.tracer = otel.Tracer("wanderer-kills/killmails")
	}
	return p
}

// Process runs one raw killmail through the full pipeline. It returns the
// canonical killmail, ErrKillTooOld for kills older than the cutoff, or a
// ProcessError describing the rejection.
func (p *Pipeline) Process(ctx context.Context, raw *esi.Killmail, meta *zkb.Metadata, cutoff time.Time, priority gate.Priority) (*models.Killmail, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "pipeline.process")
		defer span.End()
	}

	km, err := p.prepare(ctx, raw, meta, cutoff, priority)
	if err != nil {
		return nil, err
	}

	p.enrich(ctx, []*models.Killmail{km}, priority)

	if p.cfg.StrictEnrichment && !km.Enriched {
		return nil, &ProcessError{Kind: ErrKindEnrichmentFail}
	}
	return km, nil
}

// ProcessBatch validates and builds the entries concurrently, then resolves
// names for the whole batch in one deduplicated pass. Skipped and failed
// entries are logged and dropped; the batch never fails as a whole.
func (p *Pipeline) ProcessBatch(ctx context.Context, entries []BatchEntry, cutoff time.Time, priority gate.Priority) BatchResult {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "pipeline.process_batch",
			trace.WithAttributes(attribute.Int("batch_size", len(entries))))
		defer span.End()
	}

	built := make([]*models.Killmail, len(entries))
	var skipped, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, entry := range entries {
		g.Go(func() error {
			km, err := p.prepare(ctx, entry.Killmail, entry.ZKB, cutoff, priority)
			if err != nil {
				if errors.Is(err, ErrKillTooOld) {
					skipped.Add(1)
				} else {
					failed.Add(1)
					slog.DebugContext(ctx, "Dropped killmail in batch", "error", err)
				}
				return nil
			}
			built[i] = km
			return nil
		})
	}
	g.Wait()

	accepted := make([]*models.Killmail, 0, len(built))
	for _, km := range built {
		if km != nil {
			accepted = append(accepted, km)
		}
	}

	p.enrich(ctx, accepted, priority)

	if p.cfg.StrictEnrichment {
		kept := accepted[:0]
		for _, km := range accepted {
			if !km.Enriched {
				failed.Add(1)
				continue
			}
			kept = append(kept, km)
		}
		accepted = kept
	}

	return BatchResult{
		Accepted: accepted,
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}
}

// ExtractCharacterIDs returns the unique character ids in the killmail,
// cached by killmail id to amortize attacker-list scans during dispatch.
func (p *Pipeline) ExtractCharacterIDs(ctx context.Context, km *models.Killmail) []int64 {
	key := strconv.FormatInt(km.KillmailID, 10)

	var ids []int64
	if found, err := p.cache.Get(ctx, cache.NamespaceCharExtraction, key, &ids); err == nil && found {
		return ids
	}

	ids = km.CharacterIDs()
	if err := p.cache.Put(ctx, cache.NamespaceCharExtraction, key, ids); err != nil {
		slog.WarnContext(ctx, "Failed to cache character extraction",
			"killmail_id", km.KillmailID, "error", err)
	}
	return ids
}

// prepare runs the non-enrichment stages: classify, fetch-to-full, structure
// validation, time validation and canonical build.
func (p *Pipeline) prepare(ctx context.Context, raw *esi.Killmail, meta *zkb.Metadata, cutoff time.Time, priority gate.Priority) (*models.Killmail, error) {
	if raw == nil && meta == nil {
		return nil, &ProcessError{Kind: ErrKindInvalidFormat}
	}
	if raw == nil {
		raw = &esi.Killmail{}
	}

	switch classify(raw, meta) {
	case classFull:
	case classPartial:
		full, err := p.fetchFull(ctx, raw, meta, priority)
		if err != nil {
			return nil, err
		}
		raw = full
	default:
		return nil, &ProcessError{Kind: ErrKindInvalidFormat}
	}

	if err := validateStructure(raw); err != nil {
		return nil, err
	}

	killTime, err := parseKillTime(raw.KillmailTime)
	if err != nil {
		return nil, err
	}
	if killTime.Before(cutoff) {
		return nil, ErrKillTooOld
	}

	return buildCanonical(raw, meta, killTime), nil
}

type killmailClass int

const (
	classInvalid killmailClass = iota
	classPartial
	classFull
)

// classify decides whether the raw killmail is complete, needs a full-fetch,
// or is unusable.
func classify(raw *esi.Killmail, meta *zkb.Metadata) killmailClass {
	switch {
	case raw.Victim != nil && raw.Attackers != nil && raw.SolarSystemID != 0:
		return classFull
	case meta != nil && (raw.Victim == nil || raw.Attackers == nil):
		return classPartial
	default:
		return classInvalid
	}
}

// fetchFull resolves a partial killmail into its full form via the upstream,
// recovering the zkb hash first when the metadata lacks one. The merged
// result keeps the partial's kill time if the full fetch has none.
func (p *Pipeline) fetchFull(ctx context.Context, raw *esi.Killmail, meta *zkb.Metadata, priority gate.Priority) (*esi.Killmail, error) {
	if raw.KillmailID == 0 {
		return nil, &ProcessError{Kind: ErrKindMissingFields, Details: []string{"killmail_id"}}
	}

	hash := ""
	if meta != nil {
		hash = meta.Hash
	}
	if hash == "" {
		recovered, err := p.recoverHash(ctx, raw.KillmailID, priority)
		if err != nil {
			return nil, err
		}
		hash = recovered
	}

	full, err := p.esi.GetKillmail(ctx, raw.KillmailID, hash, priority)
	if err != nil {
		return nil, err
	}

	merged := *full
	if merged.KillmailTime == "" {
		merged.KillmailTime = raw.KillmailTime
	}
	return &merged, nil
}

func (p *Pipeline) recoverHash(ctx context.Context, killmailID int64, priority gate.Priority) (string, error) {
	if p.zkb == nil {
		return "", &ProcessError{Kind: ErrKindMissingFields, Details: []string{"zkb.hash"}}
	}
	kills, err := p.zkb.KillByID(ctx, killmailID, priority)
	if err != nil {
		return "", err
	}
	for _, kill := range kills {
		if kill.ZKB.Hash != "" {
			return kill.ZKB.Hash, nil
		}
	}
	return "", &ProcessError{Kind: ErrKindMissingFields, Details: []string{"zkb.hash"}}
}

// validateStructure checks required fields in one pass and reports every
// violation together.
func validateStructure(raw *esi.Killmail) error {
	var missing, invalid []string

	switch {
	case raw.KillmailID == 0:
		missing = append(missing, "killmail_id")
	case raw.KillmailID < 0:
		invalid = append(invalid, "killmail_id")
	}
	switch {
	case raw.SolarSystemID == 0:
		missing = append(missing, "system_id")
	case raw.SolarSystemID < 0:
		invalid = append(invalid, "system_id")
	}
	if raw.Victim == nil {
		missing = append(missing, "victim")
	}
	if raw.Attackers == nil {
		missing = append(missing, "attackers")
	}

	if len(missing) > 0 {
		return &ProcessError{Kind: ErrKindMissingFields, Details: missing}
	}
	if len(invalid) > 0 {
		return &ProcessError{Kind: ErrKindInvalidTypes, Details: invalid}
	}
	return nil
}

func parseKillTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, &ProcessError{Kind: ErrKindInvalidTime, Details: []string{"kill_time missing"}}
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	// Some sources omit the zone suffix.
	if ts, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, &ProcessError{Kind: ErrKindInvalidTime, Details: []string{value}}
}

// buildCanonical assembles the canonical killmail. Total value and the npc
// flag come from zkb metadata, defaulting to zero and false.
func buildCanonical(raw *esi.Killmail, meta *zkb.Metadata, killTime time.Time) *models.Killmail {
	km := &models.Killmail{
		KillmailID: raw.KillmailID,
		KillTime:   killTime,
		SystemID:   raw.SolarSystemID,
		Attackers:  make([]models.Participant, 0, len(raw.Attackers)),
	}

	if raw.Victim != nil {
		km.Victim = models.Participant{
			CharacterID:   raw.Victim.CharacterID,
			CorporationID: raw.Victim.CorporationID,
			AllianceID:    raw.Victim.AllianceID,
			Damage:        raw.Victim.DamageTaken,
		}
		if raw.Victim.ShipTypeID != 0 {
			shipTypeID := raw.Victim.ShipTypeID
			km.Victim.ShipTypeID = &shipTypeID
		}
	}

	for i := range raw.Attackers {
		a := &raw.Attackers[i]
		km.Attackers = append(km.Attackers, models.Participant{
			CharacterID:    a.CharacterID,
			CorporationID:  a.CorporationID,
			AllianceID:     a.AllianceID,
			ShipTypeID:     a.ShipTypeID,
			WeaponTypeID:   a.WeaponTypeID,
			Damage:         a.DamageDone,
			FinalBlow:      a.FinalBlow,
			SecurityStatus: a.SecurityStatus,
		})
	}

	if meta != nil {
		km.ZKB = &models.ZKBMetadata{
			LocationID:  meta.LocationID,
			Hash:        meta.Hash,
			FittedValue: meta.FittedValue,
			TotalValue:  meta.TotalValue,
			Points:      meta.Points,
			NPC:         meta.NPC,
			Solo:        meta.Solo,
			Awox:        meta.Awox,
		}
		km.TotalValue = meta.TotalValue
		km.NPC = meta.NPC
	}
	return km
}

// entityNames accumulates resolved names keyed by entity id.
type entityNames struct {
	mu         sync.Mutex
	characters map[int64]string
	corps      map[int64]string
	alliances  map[int64]string
	ships      map[int64]string
}

// enrich resolves names for every distinct entity across the killmails, one
// lookup per distinct id, and applies them to each participant. A failed
// lookup leaves the name nil and never fails the killmail. Each killmail's
// Enriched flag reports whether at least one of its names resolved (trivially
// true when it references no entities).
func (p *Pipeline) enrich(ctx context.Context, kms []*models.Killmail, priority gate.Priority) {
	if len(kms) == 0 {
		return
	}

	charIDs := make(map[int64]struct{})
	corpIDs := make(map[int64]struct{})
	allianceIDs := make(map[int64]struct{})
	shipIDs := make(map[int64]struct{})

	collect := func(part *models.Participant) {
		if part.CharacterID != nil {
			charIDs[*part.CharacterID] = struct{}{}
		}
		if part.CorporationID != nil {
			corpIDs[*part.CorporationID] = struct{}{}
		}
		if part.AllianceID != nil {
			allianceIDs[*part.AllianceID] = struct{}{}
		}
		if part.ShipTypeID != nil {
			shipIDs[*part.ShipTypeID] = struct{}{}
		}
	}
	for _, km := range kms {
		collect(&km.Victim)
		for i := range km.Attackers {
			collect(&km.Attackers[i])
		}
	}

	names := &entityNames{
		characters: make(map[int64]string, len(charIDs)),
		corps:      make(map[int64]string, len(corpIDs)),
		alliances:  make(map[int64]string, len(allianceIDs)),
		ships:      make(map[int64]string, len(shipIDs)),
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	for id := range charIDs {
		g.Go(func() error {
			character, err := p.esi.GetCharacter(ctx, id, priority)
			if err != nil {
				slog.DebugContext(ctx, "Character lookup failed", "character_id", id, "error", err)
				return nil
			}
			names.mu.Lock()
			names.characters[id] = character.Name
			names.mu.Unlock()
			return nil
		})
	}
	for id := range corpIDs {
		g.Go(func() error {
			corporation, err := p.esi.GetCorporation(ctx, id, priority)
			if err != nil {
				slog.DebugContext(ctx, "Corporation lookup failed", "corporation_id", id, "error", err)
				return nil
			}
			names.mu.Lock()
			names.corps[id] = corporation.Name
			names.mu.Unlock()
			return nil
		})
	}
	for id := range allianceIDs {
		g.Go(func() error {
			alliance, err := p.esi.GetAlliance(ctx, id, priority)
			if err != nil {
				slog.DebugContext(ctx, "Alliance lookup failed", "alliance_id", id, "error", err)
				return nil
			}
			names.mu.Lock()
			names.alliances[id] = alliance.Name
			names.mu.Unlock()
			return nil
		})
	}
	for id := range shipIDs {
		g.Go(func() error {
			shipType, err := p.esi.GetShipType(ctx, id, priority)
			if err != nil {
				slog.DebugContext(ctx, "Ship type lookup failed", "type_id", id, "error", err)
				return nil
			}
			names.mu.Lock()
			names.ships[id] = shipType.Name
			names.mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for _, km := range kms {
		total, resolved := 0, 0
		apply := func(part *models.Participant) {
			t, r := names.apply(part)
			total += t
			resolved += r
		}
		apply(&km.Victim)
		for i := range km.Attackers {
			apply(&km.Attackers[i])
		}
		km.Enriched = total == 0 || resolved > 0
	}
}

// apply fills one participant's name fields. Returns how many entity ids the
// participant carries and how many of them resolved.
func (n *entityNames) apply(part *models.Participant) (total, resolved int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if part.CharacterID != nil {
		total++
		if name, ok := n.characters[*part.CharacterID]; ok {
			part.CharacterName = &name
			resolved++
		}
	}
	if part.CorporationID != nil {
		total++
		if name, ok := n.corps[*part.CorporationID]; ok {
			part.CorporationName = &name
			resolved++
		}
	}
	if part.AllianceID != nil {
		total++
		if name, ok := n.alliances[*part.AllianceID]; ok {
			part.AllianceName = &name
			resolved++
		}
	}
	if part.ShipTypeID != nil {
		total++
		if name, ok := n.ships[*part.ShipTypeID]; ok {
			part.ShipName = &name
			resolved++
		}
	}
	return total, resolved
}
