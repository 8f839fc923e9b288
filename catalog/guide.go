package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"carprice-aggregator/cache"
	"carprice-aggregator/mapping"
	"carprice-aggregator/models"
	"carprice-aggregator/services"
)

// fuzzyThreshold is the similarity a fuzzy catalog match needs.
const fuzzyThreshold = 0.8

// GuideOptions tune one price guide lookup.
type GuideOptions struct {
	SkipCache bool
	// SingleAttempt disables the client's own retries for every request the
	// lookup makes. Set it when the caller already retries the whole lookup.
	SingleAttempt bool
}

// GuideKey is the cache key of a vehicle's price guide.
func GuideKey(req models.ValuationRequest) cache.Key {
	return cache.Key{
		Namespace:  cache.NamespacePriceGuide,
		Identifier: ProviderID + "|" + cache.VehicleIdentifier(req.Brand, req.Model, req.Year),
	}
}

// GetPriceGuide resolves req against the catalog and returns its price guide.
func (c *Client) GetPriceGuide(ctx context.Context, req models.ValuationRequest, opts GuideOptions) (*models.PriceGuide, error) {
	key := GuideKey(req)
	if opts.SingleAttempt {
		ctx = withSingleAttempt(ctx)
	}
	if c.cache != nil && !opts.SkipCache {
		if g, ok := cache.GetJSON[models.PriceGuide](ctx, c.cache, key); ok {
			return &g, nil
		}
	}

	brand, err := c.resolveBrand(ctx, req.Brand)
	if err != nil {
		return nil, err
	}
	model, err := c.resolveModel(ctx, brand, req.Model)
	if err != nil {
		return nil, err
	}
	year, err := c.resolveYear(ctx, brand, model, req.Year)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf(guidePath, url.PathEscape(brand.Slug), url.PathEscape(model.Slug), year.Value)
	body, err := c.get(ctx, "catalog-guide", path)
	if err != nil {
		return nil, err
	}
	r, err := parseGuide(body)
	if err != nil {
		return nil, models.NewValuationError(models.CodeNoData, ProviderID, "", err)
	}

	guide := &models.PriceGuide{
		Brand: brand,
		Model: model,
		Year:  year,
		Source: models.GuideSource{
			Name:        ProviderID,
			URL:         c.cfg.BaseURL + path,
			LastUpdated: c.now(),
			Reliability: SourceReliability,
		},
		RetrievedAt: c.now(),
	}
	if r.Currency == models.USD {
		guide.PriceRangeUSD = r
	} else {
		guide.PriceRangeARS = r
	}
	if err := guide.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ProviderID, err)
	}

	if c.cache != nil {
		_ = cache.SetJSON(ctx, c.cache, key, guide,
			cache.WithTags(cache.VehicleTags(req.Brand, req.Model, req.Year)...))
	}
	c.logger.Info("[catalog] Guide for %s: %s-%s %s (n=%d)",
		req, r.Min, r.Max, r.Currency, r.SampleSize)
	return guide, nil
}

// resolveBrand translates the local brand through the mapping table and
// matches the result against the catalog's brand list.
func (c *Client) resolveBrand(ctx context.Context, local string) (models.Brand, error) {
	query := local
	if c.mapping != nil {
		if m := c.mapping.MapToProviderBrand(local); m != nil {
			query = m.ProviderBrand
		}
	}

	brands, err := c.GetBrands(ctx)
	if err != nil {
		return models.Brand{}, err
	}
	names := make([]named, len(brands))
	for i, b := range brands {
		names[i] = named{b.Name, b.Slug}
	}
	i, ok := resolve(query, names)
	if !ok {
		return models.Brand{}, invalidVehicle("brand", local, names)
	}
	return brands[i], nil
}

func (c *Client) resolveModel(ctx context.Context, brand models.Brand, query string) (models.Model, error) {
	list, err := c.GetModelsByBrand(ctx, brand.Slug)
	if err != nil {
		return models.Model{}, err
	}
	names := make([]named, len(list))
	for i, m := range list {
		names[i] = named{m.Name, m.Slug}
	}
	i, ok := resolve(query, names)
	if !ok {
		return models.Model{}, invalidVehicle("model", query, names)
	}
	return list[i], nil
}

func (c *Client) resolveYear(ctx context.Context, brand models.Brand, model models.Model, year int) (models.Year, error) {
	years, err := c.GetYearsByModel(ctx, brand.Slug, model.Slug)
	if err != nil {
		return models.Year{}, err
	}
	names := make([]named, len(years))
	for i, y := range years {
		if y.Value == year {
			return y, nil
		}
		s := strconv.Itoa(y.Value)
		names[i] = named{s, s}
	}
	return models.Year{}, invalidVehicle("year", strconv.Itoa(year), names)
}

type named struct {
	name, slug string
}

// resolve finds query among candidates: exact (name or slug, case-insensitive),
// then substring, then the best fuzzy match at or above fuzzyThreshold.
func resolve(query string, candidates []named) (int, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	qSlug := models.Slugify(query)
	if q == "" {
		return 0, false
	}

	for i, c := range candidates {
		if strings.ToLower(c.name) == q || c.slug == qSlug {
			return i, true
		}
	}

	substring := -1
	for i, c := range candidates {
		n := strings.ToLower(c.name)
		if strings.Contains(n, q) || strings.Contains(q, n) {
			if substring < 0 || len(c.name) < len(candidates[substring].name) {
				substring = i
			}
		}
	}
	if substring >= 0 {
		return substring, true
	}

	best, bestSim := -1, 0.0
	for i, c := range candidates {
		if sim := mapping.Similarity(query, c.name); sim >= fuzzyThreshold && sim > bestSim {
			best, bestSim = i, sim
		}
	}
	return best, best >= 0
}

func invalidVehicle(kind, query string, candidates []named) error {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	sort.Strings(names)
	return &models.ValuationError{
		Code:       models.CodeInvalidVehicle,
		Provider:   ProviderID,
		Message:    fmt.Sprintf("%s %q not found in catalog", kind, query),
		Candidates: names,
		Err:        models.ErrNotInCatalog,
	}
}

type guideResponse struct {
	Min        *decimal.Decimal `json:"min"`
	Max        *decimal.Decimal `json:"max"`
	Average    *decimal.Decimal `json:"average"`
	SampleSize int              `json:"sampleSize"`
	Currency   string           `json:"currency"`
}

// parseGuide reads {min,max,average,sampleSize,currency} JSON or the
// equivalent price-guide markup.
func parseGuide(body string) (*models.PriceRange, error) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		var g guideResponse
		if err := json.Unmarshal([]byte(trimmed), &g); err != nil {
			return nil, fmt.Errorf("decode guide: %w", err)
		}
		if g.Min == nil || g.Max == nil {
			return nil, models.ErrNoGuideData
		}
		avg := g.Min.Add(*g.Max).Div(decimal.NewFromInt(2))
		if g.Average != nil {
			avg = *g.Average
		}
		currency := models.Currency(strings.ToUpper(strings.TrimSpace(g.Currency)))
		if currency == "" {
			currency = models.ARS
		}
		return models.NewPriceRange(*g.Min, *g.Max, avg, currency, g.SampleSize)
	}
	return parseGuideHTML(trimmed)
}

func parseGuideHTML(body string) (*models.PriceRange, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse guide markup: %w", err)
	}
	guide := doc.Find(".guia-precios, .price-guide").First()
	if guide.Length() == 0 {
		return nil, models.ErrNoGuideData
	}

	read := func(sel string) (int64, models.Currency) {
		return services.ParsePrice(guide.Find(sel).First().Text())
	}
	min, currency := read(".precio-minimo, .price-min")
	max, _ := read(".precio-maximo, .price-max")
	avg, _ := read(".precio-promedio, .price-avg")
	if min == 0 || max == 0 {
		return nil, models.ErrNoGuideData
	}
	if avg == 0 {
		avg = (min + max) / 2
	}
	samples, _ := strconv.Atoi(strings.TrimSpace(guide.Find(".cantidad-muestras, .sample-size").First().Text()))

	r, err := models.NewPriceRange(decimal.NewFromInt(min), decimal.NewFromInt(max), decimal.NewFromInt(avg), currency, samples)
	if err != nil {
		return nil, errors.Join(models.ErrNoGuideData, err)
	}
	return r, nil
}
