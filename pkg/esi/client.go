package esi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wanderer-kills/pkg/cache"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/fetch"
	"wanderer-kills/pkg/gate"
)

// Config holds ESI client settings.
type Config struct {
	BaseURL string
}

// ConfigFromEnv resolves ESI client settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		BaseURL: config.GetEnv("ESI_BASE_URL", "https://esi.evetech.net/latest"),
	}
}

// Client fetches killmails and entity names from the ESI-shaped upstream.
// Every call is cache-through: a cache hit returns immediately, a miss goes
// through the upstream gate so concurrent misses for the same entity coalesce
// into one request.
type Client struct {
	http    *fetch.Client
	gate    *gate.Gate
	cache   *cache.Service
	baseURL string
	tracer  trace.Tracer
}

// NewClient creates an ESI client over the shared HTTP client, gate and cache.
func NewClient(httpClient *fetch.Client, g *gate.Gate, cacheService *cache.Service, cfg Config) *Client {
	c := &Client{
		http:    httpClient,
		gate:    g,
		cache:   cacheService,
		baseURL: cfg.BaseURL,
	}
	if config.GetBoolEnv("ENABLE_TELEMETRY", true) {
		c.tracer = otel.Tracer("wanderer-kills/esi")
	}
	return c
}

// GetCharacter fetches a character record.
func (c *Client) GetCharacter(ctx context.Context, characterID int64, priority gate.Priority) (*Character, error) {
	ctx, span := c.startSpan(ctx, "GetCharacter", attribute.Int64("character_id", characterID))
	if span != nil {
		defer span.End()
	}

	key := strconv.FormatInt(characterID, 10)
	var cached Character
	if found, err := c.cache.Get(ctx, cache.NamespaceCharacter, key, &cached); err == nil && found {
		c.markCacheHit(span, true)
		return &cached, nil
	}
	c.markCacheHit(span, false)

	result, err := c.gate.Execute(ctx, gate.Fingerprint("character", key), priority, func(runCtx context.Context) (interface{}, error) {
		var character Character
		url := fmt.Sprintf("%s/characters/%d/", c.baseURL, characterID)
		if err := c.http.GetJSON(runCtx, url, &character); err != nil {
			return nil, err
		}
		character.CharacterID = characterID
		return &character, nil
	})
	if err != nil {
		return nil, c.fail(span, fetch.WrapGateError(err))
	}

	character := result.(*Character)
	c.store(ctx, cache.NamespaceCharacter, key, character)
	return character, nil
}

// GetCorporation fetches a corporation record.
func (c *Client) GetCorporation(ctx context.Context, corporationID int64, priority gate.Priority) (*Corporation, error) {
	ctx, span := c.startSpan(ctx, "GetCorporation", attribute.Int64("corporation_id", corporationID))
	if span != nil {
		defer span.End()
	}

	key := strconv.FormatInt(corporationID, 10)
	var cached Corporation
	if found, err := c.cache.Get(ctx, cache.NamespaceCorporation, key, &cached); err == nil && found {
		c.markCacheHit(span, true)
		return &cached, nil
	}
	c.markCacheHit(span, false)

	result, err := c.gate.Execute(ctx, gate.Fingerprint("corporation", key), priority, func(runCtx context.Context) (interface{}, error) {
		var corporation Corporation
		url := fmt.Sprintf("%s/corporations/%d/", c.baseURL, corporationID)
		if err := c.http.GetJSON(runCtx, url, &corporation); err != nil {
			return nil, err
		}
		corporation.CorporationID = corporationID
		return &corporation, nil
	})
	if err != nil {
		return nil, c.fail(span, fetch.WrapGateError(err))
	}

	corporation := result.(*Corporation)
	c.store(ctx, cache.NamespaceCorporation, key, corporation)
	return corporation, nil
}

// GetAlliance fetches an alliance record.
func (c *Client) GetAlliance(ctx context.Context, allianceID int64, priority gate.Priority) (*Alliance, error) {
	ctx, span := c.startSpan(ctx, "GetAlliance", attribute.Int64("alliance_id", allianceID))
	if span != nil {
		defer span.End()
	}

	key := strconv.FormatInt(allianceID, 10)
	var cached Alliance
	if found, err := c.cache.Get(ctx, cache.NamespaceAlliance, key, &cached); err == nil && found {
		c.markCacheHit(span, true)
		return &cached, nil
	}
	c.markCacheHit(span, false)

	result, err := c.gate.Execute(ctx, gate.Fingerprint("alliance", key), priority, func(runCtx context.Context) (interface{}, error) {
		var alliance Alliance
		url := fmt.Sprintf("%s/alliances/%d/", c.baseURL, allianceID)
		if err := c.http.GetJSON(runCtx, url, &alliance); err != nil {
			return nil, err
		}
		alliance.AllianceID = allianceID
		return &alliance, nil
	})
	if err != nil {
		return nil, c.fail(span, fetch.WrapGateError(err))
	}

	alliance := result.(*Alliance)
	c.store(ctx, cache.NamespaceAlliance, key, alliance)
	return alliance, nil
}

// GetShipType fetches a ship type record.
func (c *Client) GetShipType(ctx context.Context, typeID int64, priority gate.Priority) (*ShipType, error) {
	ctx, span := c.startSpan(ctx, "GetShipType", attribute.Int64("type_id", typeID))
	if span != nil {
		defer span.End()
	}

	key := strconv.FormatInt(typeID, 10)
	var cached ShipType
	if found, err := c.cache.Get(ctx, cache.NamespaceShipType, key, &cached); err == nil && found {
		c.markCacheHit(span, true)
		return &cached, nil
	}
	c.markCacheHit(span, false)

	result, err := c.gate.Execute(ctx, gate.Fingerprint("type", key), priority, func(runCtx context.Context) (interface{}, error) {
		var shipType ShipType
		url := fmt.Sprintf("%s/types/%d/", c.baseURL, typeID)
		if err := c.http.GetJSON(runCtx, url, &shipType); err != nil {
			return nil, err
		}
		shipType.TypeID = typeID
		return &shipType, nil
	})
	if err != nil {
		return nil, c.fail(span, fetch.WrapGateError(err))
	}

	shipType := result.(*ShipType)
	c.store(ctx, cache.NamespaceShipType, key, shipType)
	return shipType, nil
}

// GetKillmail fetches the full killmail for an (id, hash) pair.
func (c *Client) GetKillmail(ctx context.Context, killmailID int64, hash string, priority gate.Priority) (*Killmail, error) {
	ctx, span := c.startSpan(ctx, "GetKillmail",
		attribute.Int64("killmail_id", killmailID),
		attribute.String("hash", hash))
	if span != nil {
		defer span.End()
	}

	key := strconv.FormatInt(killmailID, 10)
	var cached Killmail
	if found, err := c.cache.Get(ctx, cache.NamespaceKillmail, key, &cached); err == nil && found {
		c.markCacheHit(span, true)
		return &cached, nil
	}
	c.markCacheHit(span, false)

	result, err := c.gate.Execute(ctx, gate.Fingerprint("killmail", key, hash), priority, func(runCtx context.Context) (interface{}, error) {
		var killmail Killmail
		url := fmt.Sprintf("%s/killmails/%d/%s/", c.baseURL, killmailID, hash)
		if err := c.http.GetJSON(runCtx, url, &killmail); err != nil {
			return nil, err
		}
		if killmail.KillmailID == 0 {
			killmail.KillmailID = killmailID
		}
		return &killmail, nil
	})
	if err != nil {
		return nil, c.fail(span, fetch.WrapGateError(err))
	}

	killmail := result.(*Killmail)
	c.store(ctx, cache.NamespaceKillmail, key, killmail)
	return killmail, nil
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, nil
	}
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (c *Client) markCacheHit(span trace.Span, hit bool) {
	if span != nil {
		span.SetAttributes(attribute.Bool("cache_hit", hit))
	}
}

func (c *Client) fail(span trace.Span, err error) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream fetch failed")
	}
	return err
}

func (c *Client) store(ctx context.Context, ns cache.Namespace, key string, value interface{}) {
	if err := c.cache.Put(ctx, ns, key, value); err != nil {
		slog.WarnContext(ctx, "Failed to cache upstream record",
			"namespace", string(ns),
			"key", key,
			"error", err)
	}
}
