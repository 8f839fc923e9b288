package aggregator

import (
	"context"
	"fmt"

	"carprice-aggregator/cache"
	"carprice-aggregator/catalog"
	"carprice-aggregator/models"
	"carprice-aggregator/recovery"
	"carprice-aggregator/scraper/marketplace"
)

// MarketplaceID identifies the scraped marketplace.
const MarketplaceID = "mercadolibre"

// Scraper is the part of the marketplace scraper the provider needs.
type Scraper interface {
	ScrapeVehicleData(ctx context.Context, year int, brand, model string) (*models.ScrapedResult, error)
}

// MarketplaceProvider adapts the marketplace scraper to Provider.
type MarketplaceProvider struct {
	scraper  Scraper
	cache    *cache.Service
	recovery *recovery.Handler
}

// NewMarketplaceProvider creates the provider. c and h may be nil.
func NewMarketplaceProvider(s Scraper, c *cache.Service, h *recovery.Handler) *MarketplaceProvider {
	return &MarketplaceProvider{scraper: s, cache: c, recovery: h}
}

func (p *MarketplaceProvider) ID() string { return MarketplaceID }

// scrapeKey holds the last good scrape, the cache fallback's source.
func scrapeKey(req models.ValuationRequest) cache.Key {
	return cache.Key{
		Namespace:  cache.NamespacePopular,
		Identifier: MarketplaceID + "|" + cache.VehicleIdentifier(req.Brand, req.Model, req.Year),
	}
}

func (p *MarketplaceProvider) Fetch(ctx context.Context, req models.ValuationRequest) (*models.NormalizedResult, error) {
	key := scrapeKey(req)
	op := recovery.Operation{Name: "marketplace-scrape", Kind: recovery.KindRead, Request: req, CacheKey: &key}

	res, err := recovery.Do(ctx, p.recovery, op, func(ctx context.Context) (*models.ScrapedResult, error) {
		r, err := p.scraper.ScrapeVehicleData(ctx, req.Year, req.Brand, req.Model)
		if err != nil {
			return nil, err
		}
		if p.cache != nil {
			_ = cache.SetJSON(ctx, p.cache, key, r, cache.WithTags(cache.VehicleTags(req.Brand, req.Model, req.Year)...))
		}
		return r, nil
	})
	if err != nil {
		return nil, tagProvider(err, MarketplaceID)
	}

	return &models.NormalizedResult{
		TotalListings:    res.TotalListings,
		ExchangeRateUsed: res.ExchangeRateUsed,
		SearchURL:        res.SearchURL,
		PricesARS:        res.PricesARS,
		PricesUSD:        res.PricesUSD,
		SampleListings:   res.SampleListings,
		LowConfidence:    res.LowConfidence,
	}, nil
}

// GuideSource is the part of the catalog client the provider needs.
type GuideSource interface {
	GetPriceGuide(ctx context.Context, req models.ValuationRequest, opts catalog.GuideOptions) (*models.PriceGuide, error)
}

// CatalogProvider adapts the pricing catalog to Provider. Guides carry one
// currency; the other is derived from the current exchange rate.
type CatalogProvider struct {
	guides   GuideSource
	rates    marketplace.RateSource
	recovery *recovery.Handler
}

// NewCatalogProvider creates the provider. h may be nil.
func NewCatalogProvider(g GuideSource, rates marketplace.RateSource, h *recovery.Handler) *CatalogProvider {
	return &CatalogProvider{guides: g, rates: rates, recovery: h}
}

func (p *CatalogProvider) ID() string { return catalog.ProviderID }

func (p *CatalogProvider) Fetch(ctx context.Context, req models.ValuationRequest) (*models.NormalizedResult, error) {
	key := catalog.GuideKey(req)
	op := recovery.Operation{Name: "catalog-guide", Kind: recovery.KindPriceGuide, Request: req, CacheKey: &key}

	opts := catalog.GuideOptions{SingleAttempt: p.recovery.Retries()}
	guide, err := recovery.Do(ctx, p.recovery, op, func(ctx context.Context) (*models.PriceGuide, error) {
		return p.guides.GetPriceGuide(ctx, req, opts)
	})
	if err != nil {
		return nil, tagProvider(err, catalog.ProviderID)
	}

	rate := p.rates.Current(ctx)
	ars, usd := guide.PriceRangeARS, guide.PriceRangeUSD
	if ars == nil {
		if ars, err = usd.Convert(models.ARS, rate.ARSPerUSD); err != nil {
			return nil, models.NewValuationError(models.CodeUnknown, catalog.ProviderID, "", fmt.Errorf("convert guide: %w", err))
		}
	}
	if usd == nil {
		if usd, err = ars.Convert(models.USD, rate.ARSPerUSD); err != nil {
			return nil, models.NewValuationError(models.CodeUnknown, catalog.ProviderID, "", fmt.Errorf("convert guide: %w", err))
		}
	}

	return &models.NormalizedResult{
		TotalListings:    ars.SampleSize,
		ExchangeRateUsed: rate.String(),
		SearchURL:        guide.Source.URL,
		PricesARS:        ars.Stats(),
		PricesUSD:        usd.Stats(),
		SampleListings:   []models.SampleListing{},
		Estimated:        guide.Estimated,
		LowConfidence:    guide.Estimated,
	}, nil
}

// tagProvider stamps the provider on a classified error that lacks one.
func tagProvider(err error, id string) error {
	ve := recovery.Classify(err)
	if ve.Provider != "" {
		return ve
	}
	cp := *ve
	cp.Provider = id
	return &cp
}
