package gate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wanderer-kills/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrCircuitOpen is returned while the upstream circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrQueueFull is returned when the waiter queue is at max depth.
	ErrQueueFull = errors.New("gate queue full")
	// ErrAcquireTimeout is returned when a waiter's deadline fires before a
	// token was granted.
	ErrAcquireTimeout = errors.New("gate acquire timeout")
)

// UpstreamError lets callers tell the gate whether a failure counts against
// the circuit breaker. Errors not implementing it leave the circuit untouched.
type UpstreamError interface {
	error
	CountsAgainstCircuit() bool
}

// Config holds per-upstream gate settings.
type Config struct {
	Upstream          string
	BucketCapacity    int
	RefillRatePerSec  float64
	RefillInterval    time.Duration
	CircuitThreshold  int
	CircuitResetAfter time.Duration
	MaxQueueDepth     int
	AcquireTimeout    time.Duration
	RequestTimeout    time.Duration
}

// ConfigFromEnv resolves gate settings for one upstream from the environment.
// Bucket settings are per-upstream (GATE_<UPSTREAM>_*), circuit and queue
// settings are shared.
func ConfigFromEnv(upstream string) Config {
	prefix := "GATE_" + strings.ToUpper(upstream) + "_"
	return Config{
		Upstream:          upstream,
		BucketCapacity:    config.GetIntEnv(prefix+"BUCKET_CAPACITY", 10),
		RefillRatePerSec:  config.GetFloatEnv(prefix+"REFILL_RATE", 5.0),
		RefillInterval:    config.GetDurationEnv("GATE_REFILL_INTERVAL", time.Second),
		CircuitThreshold:  config.GetIntEnv("GATE_CIRCUIT_THRESHOLD", 5),
		CircuitResetAfter: config.GetDurationEnv("GATE_CIRCUIT_RESET_AFTER", 30*time.Second),
		MaxQueueDepth:     config.GetIntEnv("GATE_MAX_QUEUE_DEPTH", 100),
		AcquireTimeout:    config.GetDurationEnv("GATE_ACQUIRE_TIMEOUT", 60*time.Second),
		RequestTimeout:    config.GetDurationEnv("GATE_REQUEST_TIMEOUT", 30*time.Second),
	}
}

// Stats tracks gate outcome counters.
type Stats struct {
	TokensConsumed    atomic.Int64
	CoalescedHits     atomic.Int64
	QueueRejections   atomic.Int64
	AcquireTimeouts   atomic.Int64
	CircuitRejections atomic.Int64
	Successes         atomic.Int64
	Failures          atomic.Int64
}

// Status is a point-in-time view of one gate for status endpoints.
type Status struct {
	Upstream            string  `json:"upstream"`
	CircuitState        string  `json:"circuit_state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Tokens              float64 `json:"tokens"`
	Capacity            int     `json:"capacity"`
	QueueDepth          int     `json:"queue_depth"`
	TokensConsumed      int64   `json:"tokens_consumed"`
	CoalescedHits       int64   `json:"coalesced_hits"`
	QueueRejections     int64   `json:"queue_rejections"`
	AcquireTimeouts     int64   `json:"acquire_timeouts"`
	CircuitRejections   int64   `json:"circuit_rejections"`
	Successes           int64   `json:"successes"`
	Failures            int64   `json:"failures"`
}

// Gate regulates access to one rate-limited upstream: a token bucket with a
// priority queue of waiters, request coalescing by fingerprint, and a circuit
// breaker. One Gate instance exists per upstream.
type Gate struct {
	name     string
	cfg      Config
	mu       sync.Mutex
	queue    *waiterQueue
	limiter  *rate.Limiter
	breaker  *circuitBreaker
	group    singleflight.Group
	seq      atomic.Uint64
	stats    Stats
	tracer   trace.Tracer
	now      func() time.Time
	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a gate for one upstream. Call Start to run the queue dispatcher.
func New(cfg Config) *Gate {
	if cfg.BucketCapacity <= 0 {
		cfg.BucketCapacity = 10
	}
	if cfg.RefillRatePerSec <= 0 {
		cfg.RefillRatePerSec = 5.0
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = 5
	}
	if cfg.CircuitResetAfter <= 0 {
		cfg.CircuitResetAfter = 30 * time.Second
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 100
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	g := &Gate{
		name:    cfg.Upstream,
		cfg:     cfg,
		queue:   newWaiterQueue(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillRatePerSec), cfg.BucketCapacity),
		breaker: newCircuitBreaker(cfg.Upstream, cfg.CircuitThreshold, cfg.CircuitResetAfter),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	if config.GetBoolEnv("ENABLE_TELEMETRY", true) {
		g.tracer = otel.Tracer("wanderer-kills/gate")
	}

	return g
}

// Start launches the queue dispatcher.
func (g *Gate) Start(ctx context.Context) {
	if !g.running.CompareAndSwap(false, true) {
		return
	}

	g.wg.Add(1)
	go g.dispatchLoop(ctx)

	slog.Info("Upstream gate started",
		"upstream", g.name,
		"bucket_capacity", g.cfg.BucketCapacity,
		"refill_rate", g.cfg.RefillRatePerSec,
		"circuit_threshold", g.cfg.CircuitThreshold)
}

// Stop halts the dispatcher and releases queued waiters with a timeout.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
	g.wg.Wait()
	g.running.Store(false)
}

func (g *Gate) dispatchLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.dispatch()
		}
	}
}

// dispatch grants tokens to queued waiters in (priority, FIFO) order. Refill
// accounting and queue drain share the gate mutex.
func (g *Gate) dispatch() {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for g.queue.Len() > 0 {
		res := g.limiter.ReserveN(now, 1)
		if !res.OK() {
			return
		}
		if res.DelayFrom(now) > 0 {
			res.CancelAt(now)
			return
		}

		w := g.queue.pop()
		w.granted = true
		w.res = res
		close(w.ready)
		g.stats.TokensConsumed.Add(1)
	}
}

// Acquire consumes one token, waiting in the priority queue when the bucket
// is empty. The wait is bounded by the configured acquire timeout and the
// caller's context.
func (g *Gate) Acquire(ctx context.Context, priority Priority) error {
	now := g.now()

	g.mu.Lock()
	if g.queue.Len() == 0 {
		if res := g.limiter.ReserveN(now, 1); res.OK() {
			if res.DelayFrom(now) <= 0 {
				g.stats.TokensConsumed.Add(1)
				g.mu.Unlock()
				return nil
			}
			res.CancelAt(now)
		}
	}
	if g.queue.Len() >= g.cfg.MaxQueueDepth {
		g.mu.Unlock()
		g.stats.QueueRejections.Add(1)
		return ErrQueueFull
	}

	w := &waiter{
		priority:   priority,
		seq:        g.seq.Add(1),
		enqueuedAt: now,
		ready:      make(chan struct{}),
	}
	g.queue.push(w)
	depth := g.queue.Len()
	g.mu.Unlock()

	slog.Debug("Gate acquire queued",
		"upstream", g.name,
		"priority", priority.String(),
		"queue_depth", depth)

	timer := time.NewTimer(g.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.abandonWaiter(w)
		return ctx.Err()
	case <-timer.C:
		g.abandonWaiter(w)
		g.stats.AcquireTimeouts.Add(1)
		return ErrAcquireTimeout
	}
}

// abandonWaiter removes a waiter from the queue. If the dispatcher granted it
// in the meantime, the token is returned to the bucket so cancellation never
// leaks one.
func (g *Gate) abandonWaiter(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w.granted {
		if w.res != nil {
			w.res.CancelAt(g.now())
		}
		return
	}
	g.queue.remove(w)
}

// Execute runs fn behind the gate, coalescing concurrent calls that share a
// fingerprint: the upstream is invoked at most once and every caller receives
// the same result. A caller whose context expires detaches; the shared call
// proceeds for the others.
func (g *Gate) Execute(ctx context.Context, fingerprint string, priority Priority, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	return g.execute(ctx, fingerprint, priority, fn, true)
}

// ExecuteUnique runs fn behind the gate without coalescing.
func (g *Gate) ExecuteUnique(ctx context.Context, fingerprint string, priority Priority, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	return g.execute(ctx, fingerprint, priority, fn, false)
}

func (g *Gate) execute(ctx context.Context, fingerprint string, priority Priority, fn func(context.Context) (interface{}, error), coalesce bool) (interface{}, error) {
	allowed, probe := g.breaker.Allow(g.now())
	if !allowed {
		g.stats.CircuitRejections.Add(1)
		slog.Debug("Gate rejected request, circuit open",
			"upstream", g.name,
			"fingerprint", fingerprint)
		return nil, ErrCircuitOpen
	}

	if !coalesce {
		return g.run(ctx, fingerprint, priority, probe, fn)
	}

	ch := g.group.DoChan(fingerprint, func() (interface{}, error) {
		// The shared call must survive the initiating caller's cancellation.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.AcquireTimeout+g.cfg.RequestTimeout)
		defer cancel()
		return g.run(runCtx, fingerprint, priority, probe, fn)
	})

	select {
	case res := <-ch:
		if res.Shared && probe {
			// Coalesced onto an already in-flight call: this probe slot was
			// never exercised.
			g.breaker.AbortProbe()
		}
		if res.Shared {
			g.stats.CoalescedHits.Add(1)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) run(ctx context.Context, fingerprint string, priority Priority, probe bool, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "gate.execute",
			trace.WithAttributes(
				attribute.String("gate.upstream", g.name),
				attribute.String("gate.fingerprint", fingerprint),
				attribute.String("gate.priority", priority.String()),
			))
		defer span.End()
	}

	if err := g.Acquire(ctx, priority); err != nil {
		if probe {
			// The probe never reached the upstream; free the slot so the
			// half_open circuit can probe again instead of wedging.
			g.breaker.AbortProbe()
		}
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "acquire failed")
		}
		return nil, err
	}

	result, err := fn(ctx)
	g.observe(err)

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upstream call failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	return result, err
}

// observe feeds one call outcome into the circuit breaker and counters.
func (g *Gate) observe(err error) {
	if err == nil {
		g.stats.Successes.Add(1)
		g.breaker.RecordSuccess()
		return
	}

	g.stats.Failures.Add(1)

	var ue UpstreamError
	if errors.As(err, &ue) && ue.CountsAgainstCircuit() {
		g.breaker.RecordFailure(g.now())
		return
	}
	g.breaker.RecordNeutral()
}

// CircuitState returns the current breaker state.
func (g *Gate) CircuitState() CircuitState {
	return g.breaker.State()
}

// QueueDepth returns the current number of queued waiters.
func (g *Gate) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Len()
}

// Status returns a snapshot for status endpoints and the stats reporter.
func (g *Gate) Status() Status {
	g.mu.Lock()
	depth := g.queue.Len()
	tokens := g.limiter.TokensAt(g.now())
	g.mu.Unlock()

	if tokens < 0 {
		tokens = 0
	}
	if tokens > float64(g.cfg.BucketCapacity) {
		tokens = float64(g.cfg.BucketCapacity)
	}

	return Status{
		Upstream:            g.name,
		CircuitState:        g.breaker.State().String(),
		ConsecutiveFailures: g.breaker.Failures(),
		Tokens:              tokens,
		Capacity:            g.cfg.BucketCapacity,
		QueueDepth:          depth,
		TokensConsumed:      g.stats.TokensConsumed.Load(),
		CoalescedHits:       g.stats.CoalescedHits.Load(),
		QueueRejections:     g.stats.QueueRejections.Load(),
		AcquireTimeouts:     g.stats.AcquireTimeouts.Load(),
		CircuitRejections:   g.stats.CircuitRejections.Load(),
		Successes:           g.stats.Successes.Load(),
		Failures:            g.stats.Failures.Load(),
	}
}

// Fingerprint builds the coalescing key for an upstream request.
func Fingerprint(requestType string, params ...string) string {
	if len(params) == 0 {
		return requestType
	}
	return requestType + ":" + strings.Join(params, ":")
}
