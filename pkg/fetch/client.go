package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wanderer-kills/pkg/config"
)

// Config controls HTTP client construction.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
}

// DefaultConfig builds a Config from environment variables.
func DefaultConfig() Config {
	return Config{
		Timeout:    config.GetDurationEnv("FETCH_TIMEOUT", 30*time.Second),
		MaxRetries: config.GetIntEnv("FETCH_MAX_RETRIES", 3),
		UserAgent:  config.GetEnv("USER_AGENT", "wanderer-kills/1.0.0 (ops@wanderer.example)"),
	}
}

// ErrorLimits tracks upstream error budget headers (X-ESI-Error-Limit-*).
type ErrorLimits struct {
	Remain int
	Reset  time.Time
	Window int
}

// Client is an HTTP client with retry, backoff and error classification.
// Responses with retryable statuses (429, 420, 5xx) are retried with
// status-appropriate backoff; everything else is returned classified.
type Client struct {
	httpClient *http.Client
	userAgent  string
	maxRetries int
	tracer     trace.Tracer

	// backoff bases, overridable in tests
	secondBase time.Duration
	minuteBase time.Duration

	limitsMu sync.RWMutex
	limits   ErrorLimits
}

// New builds a Client. Zero-value fields in cfg fall back to defaults.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}

	transport := http.DefaultTransport
	var tracer trace.Tracer
	if config.GetBoolEnv("ENABLE_TELEMETRY", true) {
		transport = otelhttp.NewTransport(http.DefaultTransport)
		tracer = otel.Tracer("wanderer-kills/fetch")
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		tracer:     tracer,
		secondBase: time.Second,
		minuteBase: time.Minute,
	}
}

// DoWithRetry executes the request, retrying on retryable statuses and
// transport errors. On success the response body is open and owned by the
// caller. Non-retryable, non-2xx responses are also returned open so callers
// can classify them with the body at hand.
func (c *Client) DoWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		reqClone := req.Clone(ctx)
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, NewError(KindValidation, 0, fmt.Errorf("failed to rewind request body: %w", bodyErr))
			}
			reqClone.Body = body
		}
		if reqClone.Header.Get("User-Agent") == "" {
			reqClone.Header.Set("User-Agent", c.userAgent)
		}

		resp, err = c.httpClient.Do(reqClone)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			kind := classifyTransportError(err)
			if attempt == c.maxRetries {
				return nil, NewError(kind, 0, fmt.Errorf("request failed after %d attempts: %w", attempt+1, err))
			}
			if waitErr := c.sleep(ctx, c.transportBackoff(attempt)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		c.updateErrorLimits(ctx, resp)

		if resp.StatusCode == 429 || resp.StatusCode == 420 || resp.StatusCode >= 500 {
			statusCode := resp.StatusCode
			drainAndClose(resp.Body)
			if attempt == c.maxRetries {
				return nil, NewError(ClassifyStatus(statusCode), statusCode,
					fmt.Errorf("%s %s returned status %d after %d attempts", req.Method, req.URL.Path, statusCode, attempt+1))
			}
			if waitErr := c.statusBackoff(ctx, statusCode, attempt, req.URL.Path); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		break
	}

	return resp, nil
}

// GetJSON fetches url and decodes the JSON response into dest.
func (c *Client) GetJSON(ctx context.Context, url string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NewError(KindValidation, 0, err)
	}
	req.Header.Set("Accept", "application/json")

	return c.doJSON(ctx, req, dest)
}

// PostJSON sends payload as a JSON body and decodes the response into dest.
// A nil dest discards the response body.
func (c *Client) PostJSON(ctx context.Context, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewError(KindValidation, 0, fmt.Errorf("failed to encode request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return NewError(KindValidation, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.doJSON(ctx, req, dest)
}

func (c *Client) doJSON(ctx context.Context, req *http.Request, dest interface{}) error {
	start := time.Now()

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "http.request", trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		))
		defer span.End()
		req = req.WithContext(ctx)
	}

	resp, err := c.DoWithRetry(ctx, req)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
		}
		return err
	}
	defer resp.Body.Close()

	if span != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		err := NewError(ClassifyStatus(resp.StatusCode), resp.StatusCode,
			fmt.Errorf("%s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode))
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upstream error status")
		}
		return err
	}

	if dest != nil {
		if decodeErr := json.NewDecoder(resp.Body).Decode(dest); decodeErr != nil {
			err := NewError(KindParseError, resp.StatusCode, fmt.Errorf("failed to decode response: %w", decodeErr))
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "decode failed")
			}
			return err
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}

	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
	slog.DebugContext(ctx, "HTTP request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// ErrorLimits returns the most recently observed upstream error budget.
func (c *Client) ErrorLimits() ErrorLimits {
	c.limitsMu.RLock()
	defer c.limitsMu.RUnlock()
	return c.limits
}

// updateErrorLimits records X-ESI-Error-Limit-* headers. 404 responses are
// skipped since expected misses should not move the tracked budget.
func (c *Client) updateErrorLimits(ctx context.Context, resp *http.Response) {
	if resp.StatusCode == 404 {
		return
	}
	remainStr := resp.Header.Get("X-ESI-Error-Limit-Remain")
	if remainStr == "" {
		return
	}

	c.limitsMu.Lock()
	defer c.limitsMu.Unlock()

	if remain, err := parseIntHeader(remainStr); err == nil {
		c.limits.Remain = remain
	}
	if reset, err := parseIntHeader(resp.Header.Get("X-ESI-Error-Limit-Reset")); err == nil {
		c.limits.Reset = time.Now().Add(time.Duration(reset) * time.Second)
	}
	if window, err := parseIntHeader(resp.Header.Get("X-ESI-Error-Limit-Window")); err == nil {
		c.limits.Window = window
	}

	if c.limits.Remain <= 20 {
		slog.WarnContext(ctx, "Upstream error limit running low",
			"remain", c.limits.Remain,
			"reset", c.limits.Reset.Format(time.RFC3339),
			"path", resp.Request.URL.Path)
	}
}

// statusBackoff waits before the next attempt based on the response status.
// 420 is the upstream's error-limit ban and backs off in minutes; plain rate
// limiting and server errors back off in seconds.
func (c *Client) statusBackoff(ctx context.Context, statusCode, attempt int, path string) error {
	var backoff time.Duration
	switch {
	case statusCode == 420:
		backoff = time.Duration(attempt+1) * c.minuteBase
		if backoff > 10*c.minuteBase {
			backoff = 10 * c.minuteBase
		}
	case statusCode == 429:
		backoff = time.Duration(1<<uint(attempt)) * c.secondBase
		if backoff > 60*c.secondBase {
			backoff = 60 * c.secondBase
		}
	default:
		backoff = time.Duration(1<<uint(attempt)) * c.secondBase
		if backoff > 30*c.secondBase {
			backoff = 30 * c.secondBase
		}
	}

	slog.WarnContext(ctx, "Retrying upstream request",
		"status", statusCode,
		"attempt", attempt+1,
		"backoff", backoff.String(),
		"path", path)

	return c.sleep(ctx, backoff)
}

func (c *Client) transportBackoff(attempt int) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * c.secondBase
	if backoff > 10*c.secondBase {
		backoff = 10 * c.secondBase
	}
	return backoff
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}

func parseIntHeader(value string) (int, error) {
	if value == "" {
		return 0, fmt.Errorf("empty header")
	}
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}
