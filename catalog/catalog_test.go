package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"carprice-aggregator/cache"
	"carprice-aggregator/mapping"
	"carprice-aggregator/models"
	"carprice-aggregator/utils"
)

const brandsHTML = `<select id="marca">
<option value="">Seleccioná una marca</option>
<option value="ford">Ford</option>
<option value="toyota">Toyota</option>
<option value="mercedes-benz">Mercedes Benz</option>
<option value="lada" disabled>Lada</option>
<option value="0">--</option>
</select>`

const hiluxGuideHTML = `<div class="guia-precios">
<span class="precio-minimo">US$ 30.000</span>
<span class="precio-maximo">US$ 42.000</span>
<span class="precio-promedio">US$ 36.000</span>
<span class="cantidad-muestras">7</span>
</div>`

type fakeCatalog struct {
	guideHits    atomic.Int32
	failuresLeft atomic.Int32
}

func (f *fakeCatalog) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/catalogo/marcas", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(brandsHTML))
	})
	mux.HandleFunc("/catalogo/marcas/toyota/modelos", func(w http.ResponseWriter, r *http.Request) {
		if f.failuresLeft.Load() > 0 {
			f.failuresLeft.Add(-1)
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"Hilux","slug":"hilux"},{"name":"Corolla Cross","slug":"corolla-cross"},
			{"name":"Corolla","slug":"corolla"},{"name":"","slug":"empty"},{"name":"Etios","slug":"etios","disabled":true}]`))
	})
	mux.HandleFunc("/catalogo/marcas/toyota/modelos/corolla/anios", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[2019, 2021, "2020", 2020, 1900]`))
	})
	mux.HandleFunc("/catalogo/marcas/toyota/modelos/hilux/anios", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [{"value": 2022}, {"value": 2021}]}`))
	})
	mux.HandleFunc("/guiadeprecios/toyota/corolla/2020", func(w http.ResponseWriter, r *http.Request) {
		f.guideHits.Add(1)
		_, _ = w.Write([]byte(`{"min": 20000000, "max": 30000000, "average": 25000000, "sampleSize": 12, "currency": "ARS"}`))
	})
	mux.HandleFunc("/guiadeprecios/toyota/hilux/2022", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(hiluxGuideHTML))
	})
	mux.HandleFunc("/guiadeprecios/toyota/corolla/2019", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	return mux
}

func newTestClient(t *testing.T, cfg Config) (*Client, *fakeCatalog) {
	t.Helper()
	f := &fakeCatalog{}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	logger := utils.NewDiscardLogger()
	brands, err := mapping.New(logger)
	if err != nil {
		t.Fatal(err)
	}
	cfg.BaseURL = srv.URL
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	c := New(cfg, cache.NewService(cache.NewMemoryBackend(), logger), brands, logger)
	t.Cleanup(func() { _ = c.Close() })
	return c, f
}

func TestGetBrandsParsesHTMLOptions(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	brands, err := c.GetBrands(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Ford", "Mercedes Benz", "Toyota"}
	if len(brands) != len(want) {
		t.Fatalf("brands: got %+v", brands)
	}
	for i, b := range brands {
		if b.Name != want[i] {
			t.Errorf("brand %d: got %q, want %q", i, b.Name, want[i])
		}
	}
}

func TestGetModelsAndYears(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	ctx := context.Background()

	list, err := c.GetModelsByBrand(ctx, "toyota")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Name != "Corolla" || list[2].Name != "Hilux" {
		t.Errorf("models: got %+v", list)
	}

	years, err := c.GetYearsByModel(ctx, "toyota", "corolla")
	if err != nil {
		t.Fatal(err)
	}
	if len(years) != 3 || years[0].Value != 2021 || years[2].Value != 2019 {
		t.Errorf("years: got %+v", years)
	}

	wrapped, err := c.GetYearsByModel(ctx, "toyota", "hilux")
	if err != nil || len(wrapped) != 2 {
		t.Errorf("wrapped years: got %+v, %v", wrapped, err)
	}
}

func TestGetPriceGuideJSON(t *testing.T) {
	c, f := newTestClient(t, Config{})
	ctx := context.Background()
	req := models.ValuationRequest{Brand: "Toyota", Model: "corolla", Year: 2020}

	g, err := c.GetPriceGuide(ctx, req, GuideOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if g.PriceRangeARS == nil || g.PriceRangeARS.SampleSize != 12 || g.PriceRangeARS.Average.IntPart() != 25000000 {
		t.Errorf("ARS range: got %+v", g.PriceRangeARS)
	}
	if g.Source.Reliability != SourceReliability || g.Model.Slug != "corolla" {
		t.Errorf("guide meta: got %+v", g.Source)
	}

	if _, err := c.GetPriceGuide(ctx, req, GuideOptions{}); err != nil {
		t.Fatal(err)
	}
	if f.guideHits.Load() != 1 {
		t.Errorf("guide requests: got %d, want 1 (cached)", f.guideHits.Load())
	}
	if _, err := c.GetPriceGuide(ctx, req, GuideOptions{SkipCache: true}); err != nil {
		t.Fatal(err)
	}
	if f.guideHits.Load() != 2 {
		t.Errorf("SkipCache should bypass the cache, hits=%d", f.guideHits.Load())
	}
}

func TestGetPriceGuideHTMLAndFuzzyBrand(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	g, err := c.GetPriceGuide(context.Background(),
		models.ValuationRequest{Brand: "Toyta", Model: "Hilux", Year: 2022}, GuideOptions{})
	if err != nil {
		t.Fatal(err)
	}
	r := g.PriceRangeUSD
	if r == nil || r.Min.IntPart() != 30000 || r.Max.IntPart() != 42000 || r.SampleSize != 7 {
		t.Errorf("USD range: got %+v", r)
	}
}

func TestGetPriceGuideInvalidVehicle(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	_, err := c.GetPriceGuide(context.Background(),
		models.ValuationRequest{Brand: "Toyota", Model: "Supra", Year: 2020}, GuideOptions{})

	var ve *models.ValuationError
	if !errors.As(err, &ve) || ve.Code != models.CodeInvalidVehicle {
		t.Fatalf("error: got %v", err)
	}
	if len(ve.Candidates) != 3 || ve.Candidates[0] != "Corolla" {
		t.Errorf("candidates: got %v", ve.Candidates)
	}
	if !errors.Is(err, models.ErrNotInCatalog) {
		t.Error("should wrap ErrNotInCatalog")
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	c, f := newTestClient(t, Config{MaxRetries: 2})
	f.failuresLeft.Store(2)
	list, err := c.GetModelsByBrand(context.Background(), "toyota")
	if err != nil || len(list) != 3 {
		t.Fatalf("expected success after retries, got %v / %v", list, err)
	}

	c2, f2 := newTestClient(t, Config{MaxRetries: 1})
	f2.failuresLeft.Store(5)
	_, err = c2.GetModelsByBrand(context.Background(), "toyota")
	if models.CodeOf(err) != models.CodeNetwork {
		t.Errorf("exhausted retries: got %v (%s)", err, models.CodeOf(err))
	}
}

func TestRateLimitedClassification(t *testing.T) {
	c, _ := newTestClient(t, Config{MaxRetries: 1})
	_, err := c.GetPriceGuide(context.Background(),
		models.ValuationRequest{Brand: "Toyota", Model: "Corolla", Year: 2019}, GuideOptions{})
	if models.CodeOf(err) != models.CodeRateLimited || !errors.Is(err, models.ErrRateLimited) {
		t.Errorf("429: got %v", err)
	}
}

func TestGetBulkPriceGuides(t *testing.T) {
	c, _ := newTestClient(t, Config{BatchSize: 2, BatchDelay: 20 * time.Millisecond})
	reqs := []models.ValuationRequest{
		{Brand: "Toyota", Model: "Corolla", Year: 2020},
		{Brand: "Toyota", Model: "Supra", Year: 2020},
		{Brand: "Toyota", Model: "Hilux", Year: 2022},
	}

	start := time.Now()
	results := c.GetBulkPriceGuides(context.Background(), reqs, GuideOptions{})
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("batches should be separated by the delay, took %v", elapsed)
	}
	if len(results) != 3 {
		t.Fatalf("results: got %d", len(results))
	}
	if results[0].Err != nil || results[0].Guide == nil {
		t.Errorf("item 0: %v", results[0].Err)
	}
	if models.CodeOf(results[1].Err) != models.CodeInvalidVehicle {
		t.Errorf("item 1: got %v", results[1].Err)
	}
	if results[2].Err != nil || results[2].Request.Model != "Hilux" {
		t.Errorf("item 2: %+v", results[2])
	}
}

func TestResolve(t *testing.T) {
	candidates := []named{{"Corolla", "corolla"}, {"Corolla Cross", "corolla-cross"}, {"Hilux", "hilux"}}
	tests := []struct {
		query string
		want  int
		ok    bool
	}{
		{"COROLLA", 0, true},
		{"corolla-cross", 1, true},
		{"Cross", 1, true},
		{"Hilx", 2, true},
		{"Yaris", 0, false},
	}
	for _, tt := range tests {
		got, ok := resolve(tt.query, candidates)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("resolve(%q): got %d/%v, want %d/%v", tt.query, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSingleAttemptSkipsClientRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, RetryBase: time.Millisecond}, nil, nil, utils.NewDiscardLogger())
	t.Cleanup(func() { _ = c.Close() })
	req := models.ValuationRequest{Brand: "Toyota", Model: "Corolla", Year: 2020}

	tests := []struct {
		opts GuideOptions
		want int32
	}{
		{GuideOptions{}, 3},
		{GuideOptions{SingleAttempt: true}, 1},
	}
	for _, tt := range tests {
		hits.Store(0)
		_, err := c.GetPriceGuide(context.Background(), req, tt.opts)
		if models.CodeOf(err) != models.CodeRateLimited {
			t.Errorf("SingleAttempt=%v: got %v", tt.opts.SingleAttempt, err)
		}
		if got := hits.Load(); got != tt.want {
			t.Errorf("SingleAttempt=%v hits: got %d, want %d", tt.opts.SingleAttempt, got, tt.want)
		}
	}
}

func TestBulkItemGap(t *testing.T) {
	c, _ := newTestClient(t, Config{BatchSize: 3, ItemGap: 30 * time.Millisecond})
	reqs := []models.ValuationRequest{
		{Brand: "Toyota", Model: "Corolla", Year: 2020},
		{Brand: "Toyota", Model: "Hilux", Year: 2022},
		{Brand: "Toyota", Model: "Supra", Year: 2020},
	}

	start := time.Now()
	results := c.GetBulkPriceGuides(context.Background(), reqs, GuideOptions{})
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("three items 30ms apart finished in %v", elapsed)
	}
	if len(results) != 3 || results[0].Err != nil {
		t.Errorf("results: got %+v", results)
	}
}
