package recovery

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"carprice-aggregator/cache"
	"carprice-aggregator/utils"
)

// Config holds recovery settings.
type Config struct {
	Enabled    bool
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	// Window is how far back errors count towards health.
	Window          time.Duration
	HealthThreshold int
}

// Handler runs failing operations through an ordered chain of strategies and
// keeps a rolling per-operation error log.
type Handler struct {
	cfg        Config
	strategies []Strategy
	logger     *utils.Logger
	now        func() time.Time

	mu     sync.Mutex
	errors map[string][]time.Time
}

type Option func(*Handler)

// WithStrategies replaces the default chain.
func WithStrategies(s ...Strategy) Option {
	return func(h *Handler) { h.strategies = s }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler with the retry, cache fallback and estimate
// strategies. c may be nil, which drops the cache fallback.
func New(cfg Config, c *cache.Service, logger *utils.Logger, opts ...Option) *Handler {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = 10
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = 0.3
	}
	h := &Handler{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		errors: make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(h)
	}
	if h.strategies == nil {
		h.strategies = []Strategy{
			&RetryStrategy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay, Jitter: cfg.Jitter, Logger: logger},
			&EstimateStrategy{Now: h.now, Logger: logger},
		}
		if c != nil {
			h.strategies = append(h.strategies, &CacheFallbackStrategy{Cache: c, Logger: logger})
		}
	}
	sort.SliceStable(h.strategies, func(i, j int) bool {
		return h.strategies[i].Priority() < h.strategies[j].Priority()
	})
	return h
}

// Enabled reports whether the chain runs on failure.
func (h *Handler) Enabled() bool {
	return h != nil && h.cfg.Enabled
}

// Retries reports whether the handler re-invokes failing operations itself.
// Callers with their own retry loop should then make a single attempt.
func (h *Handler) Retries() bool {
	if !h.Enabled() {
		return false
	}
	for _, s := range h.strategies {
		if r, ok := s.(*RetryStrategy); ok && r.MaxRetries > 0 {
			return true
		}
	}
	return false
}

// Do runs fn and, on failure, walks the strategy chain until one recovers.
// With a nil or disabled handler the classified error is returned unchanged.
// A failing call counts once towards health however many reruns it takes.
func Do[T any](ctx context.Context, h *Handler, op Operation, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := fn(ctx)
	if err == nil {
		return v, nil
	}
	ve := Classify(err)
	if h == nil {
		return zero, ve
	}
	h.record(op.Name)
	if !h.cfg.Enabled {
		return zero, ve
	}

	a := &Attempt{
		Op:  op,
		Err: ve,
		decode: func(raw []byte) (any, error) {
			var out T
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
	rerun := func(ctx context.Context) (any, error) {
		return fn(ctx)
	}

	for _, s := range h.strategies {
		if ctx.Err() != nil {
			break
		}
		if !s.Applies(a) {
			continue
		}
		out, err := s.Recover(ctx, a, rerun)
		if err != nil {
			h.logger.Debug("[recovery] %s: strategy %s did not recover: %v", op.Name, s.Name(), err)
			continue
		}
		if t, ok := out.(T); ok {
			h.logger.Info("[recovery] %s recovered by %s", op.Name, s.Name())
			return t, nil
		}
	}
	return zero, a.Err
}

func (h *Handler) record(op string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors[op] = append(h.errors[op], h.now())
}

// recent drops entries older than the window; callers hold mu.
func (h *Handler) recent(op string, cutoff time.Time) []time.Time {
	times := h.errors[op]
	i := sort.Search(len(times), func(i int) bool { return times[i].After(cutoff) })
	times = times[i:]
	if len(times) == 0 {
		delete(h.errors, op)
		return nil
	}
	h.errors[op] = times
	return times
}

// IsServiceHealthy reports whether op had fewer errors than the threshold
// within the window.
func (h *Handler) IsServiceHealthy(op string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recent(op, h.now().Add(-h.cfg.Window))) < h.cfg.HealthThreshold
}

// ErrorStats returns recent error counts per operation.
func (h *Handler) ErrorStats() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-h.cfg.Window)
	out := make(map[string]int, len(h.errors))
	for op := range h.errors {
		if n := len(h.recent(op, cutoff)); n > 0 {
			out[op] = n
		}
	}
	return out
}

// Prune forgets errors older than the window and returns how many were dropped.
func (h *Handler) Prune() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-h.cfg.Window)
	dropped := 0
	for op, times := range h.errors {
		dropped += len(times) - len(h.recent(op, cutoff))
	}
	return dropped
}

// Strategies lists the chain in evaluation order.
func (h *Handler) Strategies() []string {
	names := make([]string, len(h.strategies))
	for i, s := range h.strategies {
		names[i] = s.Name()
	}
	return names
}
