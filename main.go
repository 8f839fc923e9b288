package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"carprice-aggregator/aggregator"
	"carprice-aggregator/cache"
	"carprice-aggregator/catalog"
	"carprice-aggregator/config"
	"carprice-aggregator/mapping"
	"carprice-aggregator/models"
	"carprice-aggregator/recovery"
	"carprice-aggregator/scheduler"
	"carprice-aggregator/scraper/marketplace"
	"carprice-aggregator/services"
	"carprice-aggregator/storage"
	"carprice-aggregator/utils"
)

// marketplaceReliability is the confidence attached to scraped results.
const marketplaceReliability = 0.7

type cliFlags struct {
	mode      string
	brand     string
	model     string
	year      int
	providers string
	timeoutMs int
	minimum   int
	details   bool
	stdin     bool
	pretty    bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.mode, "mode", "aggregate", "aggregate | guides | sync-brands")
	flag.StringVar(&f.brand, "brand", "", "vehicle brand")
	flag.StringVar(&f.model, "model", "", "vehicle model")
	flag.IntVar(&f.year, "year", 0, "model year")
	flag.StringVar(&f.providers, "providers", "", "comma-separated provider ids (default: all enabled)")
	flag.IntVar(&f.timeoutMs, "timeout", 0, "per-provider timeout in ms")
	flag.IntVar(&f.minimum, "min", 0, "minimum providers that must succeed")
	flag.BoolVar(&f.details, "details", false, "annotate results with provider id, latency and reliability")
	flag.BoolVar(&f.stdin, "stdin", false, "read brand,model,year lines from stdin")
	flag.BoolVar(&f.pretty, "pretty", false, "print a console report instead of JSON")
	flag.Parse()
	return f
}

func main() {
	os.Exit(run(parseFlags()))
}

func run(flags cliFlags) int {
	cfg := config.Load()
	logger := utils.NewLoggerWithLevel(cfg.LogLevel)
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("=== Vehicle price aggregator starting (mode: %s) ===", flags.mode)

	cacheSvc, err := newCache(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open cache: %v", err)
		return 1
	}
	defer cacheSvc.Close()

	mappingOpts := []mapping.Option{mapping.WithAutoMapping(cfg.AutoMappingEnabled)}
	if cfg.MappingStore == "postgres" {
		store, err := storage.NewPostgresMappingStore(cfg.DSN())
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL: %v", err)
			logger.Error("Set MAPPING_STORE=none to run on the built-in brand table")
			return 1
		}
		defer store.Close()
		mappingOpts = append(mappingOpts, mapping.WithStore(store))
	}
	brands, err := mapping.New(logger, mappingOpts...)
	if err != nil {
		logger.Error("Failed to load brand mappings: %v", err)
		return 1
	}

	rates := marketplace.NewExchangeRateClient(cfg.ExchangeRateURL, cfg.FallbackExchangeRate, cfg.CatalogTimeout, cacheSvc, logger)
	defer rates.Close()

	catalogClient := catalog.New(catalog.Config{
		BaseURL:        cfg.CatalogBaseURL,
		Timeout:        cfg.CatalogTimeout,
		MaxRetries:     cfg.CatalogMaxRetries,
		RetryBase:      cfg.CatalogRetryBase,
		BatchSize:      cfg.CatalogBatchSize,
		BatchDelay:     cfg.CatalogBatchDelay,
		ItemGap:        cfg.CatalogItemGap,
		RequestsPerSec: cfg.CatalogRequestsSec,
	}, cacheSvc, brands, logger)
	defer catalogClient.Close()

	var code int
	switch flags.mode {
	case "sync-brands":
		code = runSync(ctx, cfg, catalogClient, brands, logger)
	case "guides":
		code = runGuides(ctx, flags, catalogClient, logger)
	case "aggregate":
		code = runAggregate(ctx, flags, cfg, cacheSvc, catalogClient, rates, logger)
	default:
		logger.Error("Unknown mode %q", flags.mode)
		code = 2
	}

	if st := cacheSvc.Stats(ctx); st.Hits+st.Misses > 0 {
		logger.Info("Cache: %d hits, %d misses (%.0f%%), %d entries", st.Hits, st.Misses, st.HitRate*100, st.Entries)
	}
	return code
}

func newCache(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*cache.Service, error) {
	if cfg.CacheBackend != "redis" {
		return cache.NewService(cache.NewMemoryBackend(), logger), nil
	}
	backend, err := cache.NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	logger.Info("Cache backed by Redis at %s", cfg.RedisAddr)
	return cache.NewService(backend, logger), nil
}

func runAggregate(ctx context.Context, flags cliFlags, cfg *config.Config, cacheSvc *cache.Service,
	catalogClient *catalog.Client, rates *marketplace.ExchangeRateClient, logger *utils.Logger) int {
	browser := marketplace.NewChromeBrowser(cfg.ChromeBin, logger)
	defer browser.Close()

	scraper := marketplace.New(marketplace.Config{
		BaseURL:        cfg.MarketplaceBaseURL,
		PageWait:       cfg.PageWaitTimeout,
		SessionTimeout: cfg.SessionTimeout,
	}, browser, rates, logger)

	handler := recovery.New(recovery.Config{
		Enabled:         cfg.ErrorRecoveryEnabled,
		MaxRetries:      cfg.RecoveryMaxRetries,
		BaseDelay:       cfg.RecoveryBaseDelay,
		MaxDelay:        30 * time.Second,
		Window:          cfg.ErrorWindow,
		HealthThreshold: cfg.ErrorHealthThreshold,
	}, cacheSvc, logger)

	enabled := make(map[string]bool, len(cfg.EnabledProviders))
	for _, id := range cfg.EnabledProviders {
		enabled[strings.ToLower(id)] = true
	}
	agg := aggregator.New([]aggregator.Registration{
		{
			Provider:    aggregator.NewMarketplaceProvider(scraper, cacheSvc, handler),
			Priority:    1,
			Reliability: marketplaceReliability,
			Enabled:     enabled[aggregator.MarketplaceID],
		},
		{
			Provider:    aggregator.NewCatalogProvider(catalogClient, rates, handler),
			Priority:    2,
			Reliability: catalog.SourceReliability,
			Enabled:     enabled[catalog.ProviderID],
		},
	}, cacheSvc, logger, aggregator.WithDefaults(models.AggregatorOptions{
		MaxTimeoutMs:            cfg.MaxTimeoutMs,
		RequireMinimumProviders: cfg.RequireMinimumProviders,
		IncludeProviderDetails:  cfg.IncludeProviderDetails,
	}))
	logger.Info("Providers enabled: %s", strings.Join(agg.EnabledProviders(), ", "))

	opts := models.AggregatorOptions{
		EnabledProviders:        splitList(flags.providers),
		MaxTimeoutMs:            flags.timeoutMs,
		RequireMinimumProviders: flags.minimum,
		IncludeProviderDetails:  flags.details || cfg.IncludeProviderDetails,
	}

	reqs, err := readRequests(flags)
	if err != nil {
		logger.Error("%v", err)
		return 2
	}

	if flags.stdin {
		maint := scheduler.New(cacheSvc, handler, scheduler.RefreshFunc(func(ctx context.Context) error {
			_, err := rates.Refresh(ctx)
			return err
		}), logger)
		if err := maint.Start(ctx, cfg.MaintenanceSchedule); err != nil {
			logger.Warn("Maintenance disabled: %v", err)
		}
		defer maint.Stop()
	}

	insights := services.NewInsightService(logger)
	enc := json.NewEncoder(os.Stdout)
	failed := 0
	for req := range reqs {
		if req.err != nil {
			failed++
			_ = enc.Encode(errorOutput(req.ValuationRequest, req.err))
			continue
		}
		result, err := agg.GetAggregatedPriceData(ctx, req.ValuationRequest, opts)
		if err != nil {
			failed++
			logger.Error("Valuation of %s failed: %v", req.ValuationRequest, err)
			_ = enc.Encode(errorOutput(req.ValuationRequest, err))
			continue
		}
		if flags.pretty {
			insights.Print(req.ValuationRequest, result)
			continue
		}
		_ = enc.Encode(result)
	}

	for id, st := range agg.ProviderStats() {
		if st.Requests > 0 {
			logger.Info("Provider %s: %d requests, %d errors, avg %v, healthy=%v",
				id, st.Requests, st.Errors, st.AvgResponseTime.Round(time.Millisecond),
				handler.IsServiceHealthy(operationFor(id)))
		}
	}
	if failed > 0 && !flags.stdin {
		return 1
	}
	return 0
}

func operationFor(providerID string) string {
	if providerID == catalog.ProviderID {
		return "catalog-guide"
	}
	return "marketplace-scrape"
}

func runGuides(ctx context.Context, flags cliFlags, catalogClient *catalog.Client, logger *utils.Logger) int {
	var list []models.ValuationRequest
	reqs, err := readRequests(flags)
	if err != nil {
		logger.Error("%v", err)
		return 2
	}
	for r := range reqs {
		if r.err != nil {
			logger.Warn("Skipping line: %v", r.err)
			continue
		}
		list = append(list, r.ValuationRequest)
	}

	type guideOutput struct {
		Request models.ValuationRequest `json:"request"`
		Guide   *models.PriceGuide      `json:"guide,omitempty"`
		Error   string                  `json:"error,omitempty"`
		Code    models.ErrorCode        `json:"code,omitempty"`
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range catalogClient.GetBulkPriceGuides(ctx, list, catalog.GuideOptions{}) {
		out := guideOutput{Request: r.Request, Guide: r.Guide}
		if r.Err != nil {
			out.Error, out.Code = r.Err.Error(), models.CodeOf(r.Err)
		}
		_ = enc.Encode(out)
	}
	return 0
}

func runSync(ctx context.Context, cfg *config.Config, catalogClient *catalog.Client, brands *mapping.Service, logger *utils.Logger) int {
	providerBrands, err := catalogClient.GetBrands(ctx)
	if err != nil {
		logger.Error("Failed to fetch catalog brands: %v", err)
		return 1
	}
	report := brands.SyncWithAutocosmos(providerBrands)

	w, err := storage.NewCSVWriter(cfg.UnmappedReportPath)
	if err != nil {
		logger.Error("Failed to create CSV writer: %v", err)
		return 1
	}
	defer w.Close()
	if err := brands.ExportUnmapped(report, w); err != nil {
		logger.Error("%v", err)
		return 1
	}

	for _, m := range report.AutoMapped {
		if v := mapping.ValidateMapping(m, time.Now()); len(v.Errors) > 0 {
			logger.Warn("Proposed mapping %s -> %s is invalid: %s", m.LocalBrand, m.ProviderBrand, strings.Join(v.Errors, "; "))
		}
	}
	logger.Info("Sync report written to %s", cfg.UnmappedReportPath)
	return 0
}

type requestLine struct {
	models.ValuationRequest
	err error
}

// readRequests yields the single request from flags, or one per stdin line.
func readRequests(flags cliFlags) (<-chan requestLine, error) {
	out := make(chan requestLine)
	if !flags.stdin {
		req := models.ValuationRequest{Brand: flags.brand, Model: flags.model, Year: flags.year}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("invalid request: %w (use -brand -model -year or -stdin)", err)
		}
		go func() {
			out <- requestLine{ValuationRequest: req}
			close(out)
		}()
		return out, nil
	}

	r := csv.NewReader(os.Stdin)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	go func() {
		defer close(out)
		for {
			rec, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				out <- requestLine{err: err}
				continue
			}
			if err != nil {
				out <- requestLine{err: err}
				return
			}
			out <- parseRecord(rec)
		}
	}()
	return out, nil
}

func parseRecord(rec []string) requestLine {
	if len(rec) != 3 {
		return requestLine{err: fmt.Errorf("expected brand,model,year, got %d fields", len(rec))}
	}
	year, err := strconv.Atoi(strings.TrimSpace(rec[2]))
	if err != nil {
		return requestLine{err: fmt.Errorf("invalid year %q", rec[2])}
	}
	req := models.ValuationRequest{Brand: strings.TrimSpace(rec[0]), Model: strings.TrimSpace(rec[1]), Year: year}
	return requestLine{ValuationRequest: req, err: req.Validate()}
}

func errorOutput(req models.ValuationRequest, err error) map[string]any {
	return map[string]any{
		"request": req,
		"error":   err.Error(),
		"code":    models.CodeOf(err),
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
