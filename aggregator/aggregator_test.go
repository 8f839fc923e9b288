package aggregator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"carprice-aggregator/cache"
	"carprice-aggregator/models"
	"carprice-aggregator/utils"
)

type fakeProvider struct {
	id    string
	delay time.Duration
	err   error
	panic bool
	avg   float64

	// estimated marks results as a low-confidence estimate.
	estimated bool
	calls     atomic.Int32
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Fetch(ctx context.Context, req models.ValuationRequest) (*models.NormalizedResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		// Ignores ctx on purpose to exercise the per-provider timer.
		time.Sleep(f.delay)
	}
	if f.panic {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	r := &models.NormalizedResult{
		TotalListings:    3,
		ExchangeRateUsed: "1 USD = 1000.00 ARS",
		PricesARS:        models.PriceStats{Total: 3, Min: f.avg * 0.8, Max: f.avg * 1.2, Avg: f.avg},
		PricesUSD:        models.PriceStats{Total: 3, Min: f.avg * 0.8 / 1000, Max: f.avg * 1.2 / 1000, Avg: f.avg / 1000},
	}
	if f.estimated {
		r.Estimated, r.LowConfidence, r.Reliability = true, true, 0.1
	}
	return r, nil
}

var corolla = models.ValuationRequest{Brand: "Toyota", Model: "Corolla", Year: 2020}

func newAggregator(c *cache.Service, regs ...Registration) *Aggregator {
	return New(regs, c, utils.NewDiscardLogger())
}

func TestOneResultPerSuccessfulProvider(t *testing.T) {
	a := newAggregator(nil,
		Registration{Provider: &fakeProvider{id: "second", avg: 2e7}, Priority: 2, Reliability: 0.5, Enabled: true},
		Registration{Provider: &fakeProvider{id: "first", avg: 1e7}, Priority: 1, Reliability: 0.9, Enabled: true},
		Registration{Provider: &fakeProvider{id: "broken", err: models.ErrNoListings}, Priority: 3, Enabled: true},
	)

	agg, err := a.GetAggregatedPriceData(context.Background(), corolla, models.AggregatorOptions{IncludeProviderDetails: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(agg.Results) != 2 {
		t.Fatalf("results: got %d, want 2", len(agg.Results))
	}
	if agg.Results[0].ProviderID != "first" || agg.Results[1].ProviderID != "second" {
		t.Errorf("order: got %s, %s", agg.Results[0].ProviderID, agg.Results[1].ProviderID)
	}
	if agg.Results[0].Reliability != 0.9 {
		t.Errorf("reliability: got %v", agg.Results[0].Reliability)
	}
	if len(agg.Failures) != 1 || agg.Failures[0].Code != models.CodeNoData {
		t.Errorf("failures: got %+v", agg.Failures)
	}
	if agg.RequestID == "" || agg.ServedFromCache {
		t.Errorf("meta: got %+v", agg)
	}
}

func TestReliabilityIsPerProvider(t *testing.T) {
	a := newAggregator(nil, Registration{Provider: &fakeProvider{id: "guide", avg: 1e7, estimated: true}, Priority: 1, Reliability: 0.85, Enabled: true})
	agg, err := a.GetAggregatedPriceData(context.Background(), corolla, models.AggregatorOptions{IncludeProviderDetails: true})
	if err != nil {
		t.Fatal(err)
	}
	r := agg.Results[0]
	if r.Reliability != 0.85 {
		t.Errorf("reliability: got %v, want 0.85", r.Reliability)
	}
	if !r.Estimated || !r.LowConfidence {
		t.Errorf("estimate markers should survive: %+v", r)
	}
}

func TestDetailsOmittedByDefault(t *testing.T) {
	a := newAggregator(nil, Registration{Provider: &fakeProvider{id: "p", avg: 1e7}, Priority: 1, Reliability: 0.9, Enabled: true})
	agg, err := a.GetAggregatedPriceData(context.Background(), corolla, models.AggregatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	r := agg.Results[0]
	if r.ProviderID != "" || r.Reliability != 0 || r.ResponseTimeMs != 0 {
		t.Errorf("details should be omitted: %+v", r)
	}
	if r.SampleListings == nil {
		t.Error("sample listings should be an empty list, not nil")
	}
}

func TestInsufficientData(t *testing.T) {
	a := newAggregator(nil,
		Registration{Provider: &fakeProvider{id: "ok", avg: 1e7}, Priority: 1, Enabled: true},
		Registration{Provider: &fakeProvider{id: "down", err: errors.New("connection refused")}, Priority: 2, Enabled: true},
	)
	_, err := a.GetAggregatedPriceData(context.Background(), corolla, models.AggregatorOptions{RequireMinimumProviders: 2})
	if err == nil {
		t.Fatal("expected an error")
	}
	want := "Insufficient data: only 1 of 2 required providers responded successfully"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("message: got %q, want it to contain %q", err.Error(), want)
	}
	if models.CodeOf(err) != models.CodeInsufficientData {
		t.Errorf("code: got %s", models.CodeOf(err))
	}
}

func TestTimeoutIsScopedToOneProvider(t *testing.T) {
	slow := &fakeProvider{id: "slow", delay: 300 * time.Millisecond, avg: 1e7}
	a := newAggregator(nil,
		Registration{Provider: slow, Priority: 1, Enabled: true},
		Registration{Provider: &fakeProvider{id: "fast", avg: 2e7}, Priority: 2, Enabled: true},
	)

	start := time.Now()
	agg, err := a.GetAggregatedPriceData(context.Background(), corolla, models.AggregatorOptions{MaxTimeoutMs: 50})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("aggregation waited for the slow provider: %v", elapsed)
	}
	if len(agg.Results) != 1 || agg.Results[0].PricesARS.Avg != 2e7 {
		t.Errorf("results: got %+v", agg.Results)
	}
	if len(agg.Failures) != 1 || agg.Failures[0].Code != models.CodeTimeout || !strings.Contains(agg.Failures[0].Message, "timeout") {
		t.Errorf("failures: got %+v", agg.Failures)
	}
}

func TestProviderPanicIsContained(t *testing.T) {
	a := newAggregator(nil,
		Registration{Provider: &fakeProvider{id: "panics", panic: true}, Priority: 1, Enabled: true},
		Registration{Provider: &fakeProvider{id: "ok", avg: 1e7}, Priority: 2, Enabled: true},
	)
	agg, err := a.GetAggregatedPriceData(context.Background(), corolla, models.AggregatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(agg.Results) != 1 || len(agg.Failures) != 1 {
		t.Errorf("got %d results, %d failures", len(agg.Results), len(agg.Failures))
	}
}

func TestCachedAggregation(t *testing.T) {
	p := &fakeProvider{id: "p", avg: 1e7}
	svc := cache.NewService(cache.NewMemoryBackend(), utils.NewDiscardLogger())
	a := newAggregator(svc, Registration{Provider: p, Priority: 1, Enabled: true})
	ctx := context.Background()

	first, err := a.GetAggregatedPriceData(ctx, corolla, models.AggregatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.GetAggregatedPriceData(ctx, models.ValuationRequest{Brand: "TOYOTA", Model: "corolla", Year: 2020}, models.AggregatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("provider calls: got %d, want 1", p.calls.Load())
	}
	if first.ServedFromCache || !second.ServedFromCache {
		t.Errorf("ServedFromCache: got %v then %v", first.ServedFromCache, second.ServedFromCache)
	}
	if first.RequestID == second.RequestID {
		t.Error("each call should get its own request ID")
	}
	if len(second.Results) != 1 || second.Results[0].PricesARS.Avg != 1e7 {
		t.Errorf("cached results: got %+v", second.Results)
	}

	if _, err := svc.InvalidateVehicle(ctx, "Toyota", "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := a.GetAggregatedPriceData(ctx, corolla, models.AggregatorOptions{}); err != nil {
		t.Fatal(err)
	}
	if p.calls.Load() != 2 {
		t.Errorf("invalidation should force a refetch, calls=%d", p.calls.Load())
	}
}

func TestProviderSelectionAndStats(t *testing.T) {
	a := newAggregator(nil,
		Registration{Provider: &fakeProvider{id: "c", avg: 1e7}, Priority: 3, Enabled: true},
		Registration{Provider: &fakeProvider{id: "a", avg: 1e7}, Priority: 1, Enabled: true},
		Registration{Provider: &fakeProvider{id: "b", avg: 1e7}, Priority: 2, Enabled: false},
	)
	if got := strings.Join(a.AvailableProviders(), ","); got != "a,b,c" {
		t.Errorf("available: got %s", got)
	}
	if got := strings.Join(a.EnabledProviders(), ","); got != "a,c" {
		t.Errorf("enabled: got %s", got)
	}

	agg, err := a.GetAggregatedPriceData(context.Background(), corolla,
		models.AggregatorOptions{EnabledProviders: []string{"C", "b"}, IncludeProviderDetails: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(agg.Results) != 1 || agg.Results[0].ProviderID != "c" {
		t.Errorf("selection: got %+v", agg.Results)
	}

	stats := a.ProviderStats()
	if stats["c"].Requests != 1 || stats["a"].Requests != 0 || stats["c"].LastUsed.IsZero() {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestRejectsInvalidRequest(t *testing.T) {
	a := newAggregator(nil, Registration{Provider: &fakeProvider{id: "p"}, Priority: 1, Enabled: true})
	if _, err := a.GetAggregatedPriceData(context.Background(), models.ValuationRequest{Brand: "Toyota"}, models.AggregatorOptions{}); err == nil {
		t.Error("expected a validation error")
	}
}
