package marketplace

import (
	"context"
	"fmt"
	"time"

	"carprice-aggregator/models"
	"carprice-aggregator/services"
	"carprice-aggregator/utils"
)

// sampleCount is how many listings a result carries as samples.
const sampleCount = 3

// RateSource provides the ARS/USD rate used for normalization.
type RateSource interface {
	Current(ctx context.Context) ExchangeRate
}

// Config holds scraper settings.
type Config struct {
	BaseURL string
	// PageWait bounds the wait for network idle and listing markup.
	PageWait time.Duration
	// SessionTimeout bounds one whole scrape, browser session included.
	SessionTimeout time.Duration
}

// Scraper drives a browser through a marketplace search and turns the
// rendered results page into price statistics.
type Scraper struct {
	cfg      Config
	browser  Browser
	rates    RateSource
	cleaner  *services.Cleaner
	insights *services.InsightService
	logger   *utils.Logger
	now      func() time.Time
}

func New(cfg Config, browser Browser, rates RateSource, logger *utils.Logger) *Scraper {
	if cfg.PageWait <= 0 {
		cfg.PageWait = 15 * time.Second
	}
	return &Scraper{
		cfg:      cfg,
		browser:  browser,
		rates:    rates,
		cleaner:  services.NewCleaner(logger),
		insights: services.NewInsightService(logger),
		logger:   logger,
		now:      time.Now,
	}
}

// ScrapeVehicleData searches the marketplace for a vehicle and summarizes
// every listing found in both currencies.
func (s *Scraper) ScrapeVehicleData(ctx context.Context, year int, brand, model string) (*models.ScrapedResult, error) {
	searchURL := BuildSearchURL(s.cfg.BaseURL, brand, model, year)
	s.logger.Info("[marketplace] Scraping %s", searchURL)

	html, err := s.fetch(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrFetchFailed, err)
	}

	extraction, err := ExtractListings(html, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrFetchFailed, err)
	}
	listings := s.cleaner.Clean(extraction.Listings)
	if len(listings) == 0 {
		return nil, models.ErrNoListings
	}
	if extraction.Fallbacks > 0 {
		s.logger.Warn("[marketplace] %d fields resolved by fallback rules on %s", extraction.Fallbacks, searchURL)
	}

	rate := s.rates.Current(ctx)
	summary, err := s.insights.Summarize(listings, rate.ARSPerUSD)
	if err != nil {
		return nil, err
	}

	samples := make([]models.SampleListing, 0, sampleCount)
	for i := 0; i < len(listings) && i < sampleCount; i++ {
		samples = append(samples, listings[i].ToSample())
	}

	s.logger.Info("[marketplace] %d listings for %s %s %d (ARS avg %.0f)",
		len(listings), brand, model, year, summary.ARS.Avg)
	return &models.ScrapedResult{
		TotalListings:    len(listings),
		ExchangeRateUsed: rate.String(),
		SearchURL:        searchURL,
		PricesARS:        summary.ARS,
		PricesUSD:        summary.USD,
		SampleListings:   samples,
		LowConfidence:    extraction.Fallbacks > 0,
	}, nil
}

// fetch acquires a session, captures the page and releases the session on
// every exit path.
func (s *Scraper) fetch(ctx context.Context, url string) (string, error) {
	if s.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SessionTimeout)
		defer cancel()
	}

	session, err := s.browser.NewSession(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Warn("[marketplace] Session close: %v", cerr)
		}
	}()

	return session.Fetch(ctx, url, readySelector, s.cfg.PageWait)
}
