package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is an ISO code accepted by the valuation engine.
type Currency string

const (
	ARS Currency = "ARS"
	USD Currency = "USD"
)

// Valid reports whether c is ARS or USD.
func (c Currency) Valid() bool {
	return c == ARS || c == USD
}

// MinVehicleYear is the oldest model year the engine accepts.
const MinVehicleYear = 1950

// MaxVehicleYear is next calendar year, so upcoming model years are accepted.
func MaxVehicleYear() int {
	return time.Now().Year() + 1
}

// Brand is a vehicle make as known to one catalog.
type Brand struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	DisplayName string `json:"displayName"`
}

// NewBrand builds a Brand, deriving the slug when none is supplied.
func NewBrand(name, slug string) (Brand, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Brand{}, errors.New("brand name is required")
	}
	if slug == "" {
		slug = Slugify(name)
	}
	if !ValidSlug(slug) {
		return Brand{}, fmt.Errorf("invalid brand slug %q", slug)
	}
	return Brand{Name: name, Slug: slug, DisplayName: name}, nil
}

// Model is a vehicle model under a brand.
type Model struct {
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	BrandSlug string `json:"brandSlug"`
}

// NewModel builds a Model, deriving the slug when none is supplied.
func NewModel(name, slug, brandSlug string) (Model, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Model{}, errors.New("model name is required")
	}
	if slug == "" {
		slug = Slugify(name)
	}
	if !ValidSlug(slug) {
		return Model{}, fmt.Errorf("invalid model slug %q", slug)
	}
	if !ValidSlug(brandSlug) {
		return Model{}, fmt.Errorf("invalid brand slug %q", brandSlug)
	}
	return Model{Name: name, Slug: slug, BrandSlug: brandSlug}, nil
}

func (m Model) BelongsToBrand(b Brand) bool {
	return m.BrandSlug == b.Slug
}

// Year is a model year offered for a brand/model pair.
type Year struct {
	Value     int    `json:"value"`
	BrandSlug string `json:"brandSlug"`
	ModelSlug string `json:"modelSlug"`
}

// NewYear rejects years outside [MinVehicleYear, MaxVehicleYear()].
func NewYear(value int, brandSlug, modelSlug string) (Year, error) {
	if value < MinVehicleYear || value > MaxVehicleYear() {
		return Year{}, fmt.Errorf("year %d outside [%d, %d]", value, MinVehicleYear, MaxVehicleYear())
	}
	return Year{Value: value, BrandSlug: brandSlug, ModelSlug: modelSlug}, nil
}

func (y Year) BelongsToModel(m Model) bool {
	return y.ModelSlug == m.Slug && y.BrandSlug == m.BrandSlug
}

// PriceRange is a price distribution in a single currency.
// Invariant: 0 <= Min <= Average <= Max and SampleSize >= 0.
type PriceRange struct {
	Min        decimal.Decimal `json:"min"`
	Max        decimal.Decimal `json:"max"`
	Average    decimal.Decimal `json:"average"`
	Currency   Currency        `json:"currency"`
	SampleSize int             `json:"sampleSize"`
}

// NewPriceRange validates and builds a PriceRange.
func NewPriceRange(min, max, average decimal.Decimal, currency Currency, sampleSize int) (*PriceRange, error) {
	switch {
	case !currency.Valid():
		return nil, fmt.Errorf("unsupported currency %q", currency)
	case min.IsNegative():
		return nil, fmt.Errorf("min price %s is negative", min)
	case min.GreaterThan(max):
		return nil, fmt.Errorf("min price %s greater than max %s", min, max)
	case average.LessThan(min) || average.GreaterThan(max):
		return nil, fmt.Errorf("average %s outside [%s, %s]", average, min, max)
	case sampleSize < 0:
		return nil, fmt.Errorf("sample size %d is negative", sampleSize)
	}
	return &PriceRange{Min: min, Max: max, Average: average, Currency: currency, SampleSize: sampleSize}, nil
}

// Convert returns the range expressed in the other currency using arsPerUSD.
func (r *PriceRange) Convert(to Currency, arsPerUSD decimal.Decimal) (*PriceRange, error) {
	if r.Currency == to {
		cp := *r
		return &cp, nil
	}
	if !arsPerUSD.IsPositive() {
		return nil, fmt.Errorf("exchange rate %s must be positive", arsPerUSD)
	}
	conv := func(v decimal.Decimal) decimal.Decimal {
		if to == USD {
			return v.Div(arsPerUSD).Round(2)
		}
		return v.Mul(arsPerUSD).Round(2)
	}
	return NewPriceRange(conv(r.Min), conv(r.Max), conv(r.Average), to, r.SampleSize)
}

// Stats converts the range into the exposed statistics shape.
func (r *PriceRange) Stats() PriceStats {
	return PriceStats{
		Total: r.SampleSize,
		Min:   r.Min.InexactFloat64(),
		Max:   r.Max.InexactFloat64(),
		Avg:   r.Average.InexactFloat64(),
	}
}

// GuideSource describes where a price guide came from.
type GuideSource struct {
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	LastUpdated time.Time `json:"lastUpdated"`
	Reliability float64   `json:"reliability"`
}

// PriceGuide is a structured price estimate for one brand/model/year.
type PriceGuide struct {
	Brand         Brand       `json:"brand"`
	Model         Model       `json:"model"`
	Year          Year        `json:"year"`
	PriceRangeARS *PriceRange `json:"priceRangeARS,omitempty"`
	PriceRangeUSD *PriceRange `json:"priceRangeUSD,omitempty"`
	Source        GuideSource `json:"source"`
	RetrievedAt   time.Time   `json:"retrievedAt"`
	// Estimated marks a heuristic, non-observed guide.
	Estimated bool `json:"estimated"`
}

// Validate enforces the structural invariants of a guide.
func (g *PriceGuide) Validate() error {
	if !g.Model.BelongsToBrand(g.Brand) {
		return fmt.Errorf("model %q does not belong to brand %q", g.Model.Slug, g.Brand.Slug)
	}
	if !g.Year.BelongsToModel(g.Model) {
		return fmt.Errorf("year %d does not belong to model %q", g.Year.Value, g.Model.Slug)
	}
	if g.PriceRangeARS == nil && g.PriceRangeUSD == nil {
		return errors.New("price guide has no price range")
	}
	if g.Source.Reliability < 0 || g.Source.Reliability > 1 {
		return fmt.Errorf("source reliability %.2f outside [0, 1]", g.Source.Reliability)
	}
	return nil
}
