package zkb

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/fetch"
	"wanderer-kills/pkg/gate"
)

const queueIDLength = 16

// RedisQConfig holds long-poll client settings.
type RedisQConfig struct {
	BaseURL string
	QueueID string
	TTW     int
}

// RedisQConfigFromEnv resolves long-poll settings from the environment. The
// queue id is a per-instance stable random token unless pinned via env.
func RedisQConfigFromEnv() RedisQConfig {
	cfg := RedisQConfig{
		BaseURL: config.GetEnv("REDISQ_BASE_URL", "https://zkillredisq.stream"),
		QueueID: config.GetEnv("REDISQ_QUEUE_ID", ""),
		TTW:     config.GetIntEnv("REDISQ_TTW", 5),
	}
	if cfg.QueueID == "" {
		cfg.QueueID = generateQueueID()
	}
	if cfg.TTW < 1 {
		cfg.TTW = 1
	}
	if cfg.TTW > 10 {
		cfg.TTW = 10
	}
	return cfg
}

func generateQueueID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, queueIDLength)
	for i := range b {
		b[i] = charset[rand.IntN(len(charset))]
	}
	return string(b)
}

// RedisQClient long-polls the kill stream. One package at most is returned per
// poll; the ttw parameter bounds how long the upstream holds the request open
// when no package is available.
type RedisQClient struct {
	http *fetch.Client
	gate *gate.Gate
	cfg  RedisQConfig
}

// NewRedisQClient creates a long-poll client over the shared HTTP client and
// the stream upstream's gate.
func NewRedisQClient(httpClient *fetch.Client, g *gate.Gate, cfg RedisQConfig) *RedisQClient {
	return &RedisQClient{
		http: httpClient,
		gate: g,
		cfg:  cfg,
	}
}

// QueueID returns the per-instance queue token.
func (c *RedisQClient) QueueID() string {
	return c.cfg.QueueID
}

// Poll performs one long-poll and classifies the result. An empty queue
// (PackageNone) is a normal outcome, not an error.
func (c *RedisQClient) Poll(ctx context.Context) (*Package, PackageKind, error) {
	url := fmt.Sprintf("%s/listen.php?queueID=%s&ttw=%d", c.cfg.BaseURL, c.cfg.QueueID, c.cfg.TTW)

	result, err := c.gate.ExecuteUnique(ctx, gate.Fingerprint("listen", c.cfg.QueueID), gate.PriorityRealtime, func(runCtx context.Context) (interface{}, error) {
		var envelope struct {
			Package json.RawMessage `json:"package"`
		}
		if err := c.http.GetJSON(runCtx, url, &envelope); err != nil {
			return nil, err
		}
		return envelope.Package, nil
	})
	if err != nil {
		return nil, PackageNone, fetch.WrapGateError(err)
	}

	raw, _ := result.(json.RawMessage)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, PackageNone, nil
	}

	var pkg Package
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, PackageUnexpected, fetch.NewError(fetch.KindParseError, 0, fmt.Errorf("failed to decode package: %w", err))
	}

	kind := pkg.Classify()
	if kind == PackageNew && pkg.Killmail.KillmailID == 0 {
		pkg.Killmail.KillmailID = pkg.KillID
	}
	return &pkg, kind, nil
}
