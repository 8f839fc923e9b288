package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"carprice-aggregator/cache"
	"carprice-aggregator/models"
	"carprice-aggregator/recovery"
	"carprice-aggregator/utils"
)

// resultTTL is how long an aggregation stays cached.
const resultTTL = time.Hour

// Provider is one independent price source.
type Provider interface {
	ID() string
	Fetch(ctx context.Context, req models.ValuationRequest) (*models.NormalizedResult, error)
}

// Registration is a provider's entry in the aggregator's table.
type Registration struct {
	Provider    Provider
	Priority    int
	Reliability float64
	Enabled     bool
}

// ProviderStats are runtime counters for one provider.
type ProviderStats struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	LastUsed        time.Time     `json:"lastUsed"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
}

type providerStats struct {
	requests int64
	errors   int64
	lastUsed time.Time
	total    time.Duration
}

// Aggregator fans a valuation request out to every enabled provider and
// collects each provider's result independently.
type Aggregator struct {
	providers []Registration
	cache     *cache.Service
	defaults  models.AggregatorOptions
	logger    *utils.Logger
	now       func() time.Time
	newID     func() string

	mu    sync.Mutex
	stats map[string]*providerStats
}

type Option func(*Aggregator)

// WithDefaults fills options a call leaves unset.
func WithDefaults(o models.AggregatorOptions) Option {
	return func(a *Aggregator) { a.defaults = o }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an Aggregator over an explicit provider table. c may be nil.
func New(providers []Registration, c *cache.Service, logger *utils.Logger, opts ...Option) *Aggregator {
	regs := make([]Registration, len(providers))
	copy(regs, providers)
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].Priority < regs[j].Priority })

	a := &Aggregator{
		providers: regs,
		cache:     c,
		defaults:  models.AggregatorOptions{MaxTimeoutMs: 30000, RequireMinimumProviders: 1},
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		stats:     make(map[string]*providerStats, len(regs)),
	}
	for _, o := range opts {
		o(a)
	}
	for _, r := range regs {
		a.stats[r.Provider.ID()] = &providerStats{}
	}
	return a
}

// AvailableProviders lists every registered provider in priority order.
func (a *Aggregator) AvailableProviders() []string {
	ids := make([]string, len(a.providers))
	for i, r := range a.providers {
		ids[i] = r.Provider.ID()
	}
	return ids
}

// EnabledProviders lists enabled providers by ascending priority.
func (a *Aggregator) EnabledProviders() []string {
	var ids []string
	for _, r := range a.providers {
		if r.Enabled {
			ids = append(ids, r.Provider.ID())
		}
	}
	return ids
}

// ProviderStats returns a snapshot of per-provider counters.
func (a *Aggregator) ProviderStats() map[string]ProviderStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ProviderStats, len(a.stats))
	for id, s := range a.stats {
		ps := ProviderStats{Requests: s.requests, Errors: s.errors, LastUsed: s.lastUsed}
		if s.requests > 0 {
			ps.AvgResponseTime = s.total / time.Duration(s.requests)
		}
		out[id] = ps
	}
	return out
}

// CacheKey is where the aggregation for req is cached.
func CacheKey(req models.ValuationRequest) cache.Key {
	return cache.Key{
		Namespace:  cache.NamespaceAggregated,
		Identifier: cache.VehicleIdentifier(req.Brand, req.Model, req.Year),
	}
}

func (a *Aggregator) options(o models.AggregatorOptions) models.AggregatorOptions {
	if len(o.EnabledProviders) == 0 {
		o.EnabledProviders = a.defaults.EnabledProviders
	}
	if o.MaxTimeoutMs <= 0 {
		o.MaxTimeoutMs = a.defaults.MaxTimeoutMs
	}
	if o.MaxTimeoutMs <= 0 {
		o.MaxTimeoutMs = 30000
	}
	if o.RequireMinimumProviders <= 0 {
		o.RequireMinimumProviders = max(a.defaults.RequireMinimumProviders, 1)
	}
	return o
}

// selected returns the enabled registrations named in ids (all when empty),
// in priority order.
func (a *Aggregator) selected(ids []string) []Registration {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[strings.ToLower(strings.TrimSpace(id))] = true
	}
	var out []Registration
	for _, r := range a.providers {
		if !r.Enabled {
			continue
		}
		if len(want) > 0 && !want[strings.ToLower(r.Provider.ID())] {
			continue
		}
		out = append(out, r)
	}
	return out
}

type outcome struct {
	result  *models.NormalizedResult
	err     error
	elapsed time.Duration
}

// GetAggregatedPriceData returns one result per provider that answered in
// time, in provider priority order. It fails only with INSUFFICIENT_DATA when
// fewer providers than required succeeded.
func (a *Aggregator) GetAggregatedPriceData(ctx context.Context, req models.ValuationRequest, opts models.AggregatorOptions) (*models.Aggregation, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	opts = a.options(opts)
	requestID := a.newID()
	key := CacheKey(req)

	if a.cache != nil {
		if cached, ok := cache.GetJSON[models.Aggregation](ctx, a.cache, key); ok {
			a.logger.Info("[aggregator] %s %s served from cache", requestID, req)
			cached.RequestID = requestID
			cached.ServedFromCache = true
			return &cached, nil
		}
	}

	regs := a.selected(opts.EnabledProviders)
	timeout := time.Duration(opts.MaxTimeoutMs) * time.Millisecond
	a.logger.Info("[aggregator] %s %s: querying %d providers (timeout %v)", requestID, req, len(regs), timeout)

	outcomes := make([]outcome, len(regs))
	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg Registration) {
			defer wg.Done()
			outcomes[i] = a.call(ctx, reg, req, timeout)
		}(i, reg)
	}
	wg.Wait()

	agg := &models.Aggregation{RequestID: requestID, Results: []models.NormalizedResult{}}
	for i, reg := range regs {
		id := reg.Provider.ID()
		o := outcomes[i]
		a.track(id, o)

		if o.err != nil {
			ve := recovery.Classify(o.err)
			a.logger.Warn("[aggregator] %s provider=%s failed in %v: %v", requestID, id, o.elapsed, ve)
			agg.Failures = append(agg.Failures, models.ProviderFailure{ProviderID: id, Code: ve.Code, Message: ve.Error()})
			continue
		}

		r := *o.result
		if opts.IncludeProviderDetails {
			r.ProviderID = id
			r.ResponseTimeMs = o.elapsed.Milliseconds()
			r.Reliability = reg.Reliability
		} else {
			r.ProviderID, r.ResponseTimeMs, r.Reliability = "", 0, 0
		}
		if r.SampleListings == nil {
			r.SampleListings = []models.SampleListing{}
		}
		agg.Results = append(agg.Results, r)
		a.logger.Info("[aggregator] %s provider=%s ok in %v (%d listings)", requestID, id, o.elapsed, r.TotalListings)
	}

	if len(agg.Results) < opts.RequireMinimumProviders {
		err := models.InsufficientDataError(len(agg.Results), opts.RequireMinimumProviders)
		a.logger.Error("[aggregator] %s %s: %v", requestID, req, err)
		return nil, err
	}

	if a.cache != nil {
		if err := cache.SetJSON(ctx, a.cache, key, agg,
			cache.WithTTL(resultTTL), cache.WithTags(cache.VehicleTags(req.Brand, req.Model, req.Year)...)); err != nil {
			a.logger.Warn("[aggregator] %s cache write failed: %v", requestID, err)
		}
	}
	return agg, nil
}

// call runs one provider against its own timer. A result arriving after the
// timer fires is dropped.
func (a *Aggregator) call(ctx context.Context, reg Registration, req models.ValuationRequest, timeout time.Duration) outcome {
	id := reg.Provider.ID()
	start := a.now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%s: provider panic: %v", id, p)}
			}
		}()
		r, err := reg.Provider.Fetch(callCtx, req)
		if err == nil && r == nil {
			err = models.NewValuationError(models.CodeNoData, id, "provider returned no result", nil)
		}
		done <- outcome{result: r, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-done:
	case <-timer.C:
		o.err = models.NewValuationError(models.CodeTimeout, id,
			fmt.Sprintf("%s timeout after %dms", id, timeout.Milliseconds()), models.ErrTimeout)
	case <-ctx.Done():
		o.err = recovery.Classify(ctx.Err())
	}
	o.elapsed = a.now().Sub(start)
	return o
}

func (a *Aggregator) track(id string, o outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stats[id]
	if !ok {
		s = &providerStats{}
		a.stats[id] = s
	}
	s.requests++
	if o.err != nil {
		s.errors++
	}
	s.lastUsed = a.now()
	s.total += o.elapsed
}
