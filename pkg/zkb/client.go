package zkb

import (
	"context"
	"fmt"
	"strconv"

	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/fetch"
	"wanderer-kills/pkg/gate"
)

// Config holds REST client settings.
type Config struct {
	BaseURL string
}

// ConfigFromEnv resolves REST client settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		BaseURL: config.GetEnv("ZKB_BASE_URL", "https://zkillboard.com/api"),
	}
}

// Client queries the reference REST endpoints. Results are reference format
// only; callers needing victim and attacker details must follow up with a
// full-fetch using the zkb hash.
type Client struct {
	http    *fetch.Client
	gate    *gate.Gate
	baseURL string
}

// NewClient creates a REST client over the shared HTTP client and gate.
func NewClient(httpClient *fetch.Client, g *gate.Gate, cfg Config) *Client {
	return &Client{
		http:    httpClient,
		gate:    g,
		baseURL: cfg.BaseURL,
	}
}

// SystemKills lists recent killmail references for a system, newest first.
func (c *Client) SystemKills(ctx context.Context, systemID int, priority gate.Priority) ([]KillRef, error) {
	key := strconv.Itoa(systemID)

	result, err := c.gate.Execute(ctx, gate.Fingerprint("system", key), priority, func(runCtx context.Context) (interface{}, error) {
		var refs []KillRef
		url := fmt.Sprintf("%s/systemID/%d/", c.baseURL, systemID)
		if err := c.http.GetJSON(runCtx, url, &refs); err != nil {
			return nil, err
		}
		return refs, nil
	})
	if err != nil {
		return nil, fetch.WrapGateError(err)
	}
	return result.([]KillRef), nil
}

// KillByID fetches the rows for one killmail id. Used to recover the zkb hash
// when a legacy stream package arrives without one.
func (c *Client) KillByID(ctx context.Context, killmailID int64, priority gate.Priority) ([]Kill, error) {
	key := strconv.FormatInt(killmailID, 10)

	result, err := c.gate.Execute(ctx, gate.Fingerprint("kill", key), priority, func(runCtx context.Context) (interface{}, error) {
		var kills []Kill
		url := fmt.Sprintf("%s/killID/%d/", c.baseURL, killmailID)
		if err := c.http.GetJSON(runCtx, url, &kills); err != nil {
			return nil, err
		}
		return kills, nil
	})
	if err != nil {
		return nil, fetch.WrapGateError(err)
	}
	return result.([]Kill), nil
}
