package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"carprice-aggregator/cache"
	"carprice-aggregator/models"
	"carprice-aggregator/utils"
)

// Kind tells strategies what sort of operation failed.
type Kind int

const (
	KindWrite Kind = iota
	KindRead
	// KindPriceGuide is a read that returns a *models.PriceGuide.
	KindPriceGuide
)

// Operation describes the call being protected.
type Operation struct {
	Name    string
	Kind    Kind
	Request models.ValuationRequest
	// CacheKey, when set, is where a previous successful result may live.
	CacheKey *cache.Key
}

// Attempt is the state of one failing call as it moves through the chain.
type Attempt struct {
	Op      Operation
	Err     *models.ValuationError
	Retries int

	decode func([]byte) (any, error)
}

// Rerun invokes the original operation again.
type Rerun func(ctx context.Context) (any, error)

// Strategy is one link of the recovery chain. Recover returns the recovered
// value, or an error when it could not recover.
type Strategy interface {
	Name() string
	Priority() int
	Applies(a *Attempt) bool
	Recover(ctx context.Context, a *Attempt, rerun Rerun) (any, error)
}

// RetryStrategy re-invokes the operation with exponential backoff while the
// error stays retryable.
type RetryStrategy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	Logger     *utils.Logger
}

func (s *RetryStrategy) Name() string  { return "retry" }
func (s *RetryStrategy) Priority() int { return 1 }

func (s *RetryStrategy) Applies(a *Attempt) bool {
	return a.Retries < s.MaxRetries && IsRetryable(a.Err)
}

// delay is base × 2^attempt × (1 + jitter).
func (s *RetryStrategy) delay(attempt int) time.Duration {
	d := float64(s.BaseDelay) * math.Pow(2, float64(attempt))
	if s.Jitter > 0 {
		d *= 1 + rand.Float64()*s.Jitter
	}
	if s.MaxDelay > 0 && d > float64(s.MaxDelay) {
		d = float64(s.MaxDelay)
	}
	return time.Duration(d)
}

func (s *RetryStrategy) Recover(ctx context.Context, a *Attempt, rerun Rerun) (any, error) {
	for a.Retries < s.MaxRetries {
		wait := s.delay(a.Retries)
		if s.Logger != nil {
			s.Logger.Warn("[recovery] %s: %v, retry %d/%d in %v", a.Op.Name, a.Err, a.Retries+1, s.MaxRetries, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		a.Retries++
		v, err := rerun(ctx)
		if err == nil {
			return v, nil
		}
		a.Err = Classify(err)
		if !IsRetryable(a.Err) {
			break
		}
	}
	return nil, a.Err
}

// CacheFallbackStrategy serves the last cached value of a read operation,
// even an expired one.
type CacheFallbackStrategy struct {
	Cache  *cache.Service
	Logger *utils.Logger
}

func (s *CacheFallbackStrategy) Name() string  { return "cache-fallback" }
func (s *CacheFallbackStrategy) Priority() int { return 2 }

func (s *CacheFallbackStrategy) Applies(a *Attempt) bool {
	return s.Cache != nil && a.Op.Kind != KindWrite && a.Op.CacheKey != nil && a.decode != nil
}

func (s *CacheFallbackStrategy) Recover(ctx context.Context, a *Attempt, _ Rerun) (any, error) {
	raw, stale, ok := s.Cache.Peek(ctx, *a.Op.CacheKey)
	if !ok {
		return nil, errors.New("no cached value")
	}
	v, err := a.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode cached value: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Warn("[recovery] %s: serving cached value for %s (stale=%v)", a.Op.Name, a.Op.CacheKey, stale)
	}
	return v, nil
}

// Estimate constants.
const (
	EstimateReliability = 0.1
	depreciationPerYear = 0.08
	depreciationFloor   = 0.25
	estimateSpread      = 0.15
	defaultBaseUSD      = 22000
)

// baseUSD is a rough new-vehicle price per brand slug.
var baseUSD = map[string]int64{
	"toyota":        28000,
	"ford":          25000,
	"volkswagen":    24000,
	"chevrolet":     23000,
	"fiat":          18000,
	"renault":       20000,
	"peugeot":       22000,
	"citroen":       21000,
	"honda":         27000,
	"nissan":        25000,
	"jeep":          35000,
	"hyundai":       24000,
	"kia":           23000,
	"mercedes-benz": 55000,
	"bmw":           55000,
	"audi":          50000,
	"ram":           45000,
}

// EstimateStrategy derives a last-resort guide from a per-brand base price and
// linear age depreciation. The guide is marked Estimated.
type EstimateStrategy struct {
	Now    func() time.Time
	Logger *utils.Logger
}

func (s *EstimateStrategy) Name() string  { return "estimate" }
func (s *EstimateStrategy) Priority() int { return 3 }

func (s *EstimateStrategy) Applies(a *Attempt) bool {
	return a.Op.Kind == KindPriceGuide && a.Err.Code != models.CodeInvalidVehicle
}

func (s *EstimateStrategy) Recover(_ context.Context, a *Attempt, _ Rerun) (any, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	g, err := Estimate(a.Op.Request, now)
	if err != nil {
		return nil, err
	}
	if s.Logger != nil {
		s.Logger.Warn("[recovery] %s: using estimated guide for %s", a.Op.Name, a.Op.Request)
	}
	return g, nil
}

// Estimate builds a heuristic USD guide for req as of now.
func Estimate(req models.ValuationRequest, now time.Time) (*models.PriceGuide, error) {
	brandSlug := models.Slugify(req.Brand)
	modelSlug := models.Slugify(req.Model)
	brand, err := models.NewBrand(req.Brand, brandSlug)
	if err != nil {
		return nil, err
	}
	model, err := models.NewModel(req.Model, modelSlug, brandSlug)
	if err != nil {
		return nil, err
	}
	year, err := models.NewYear(req.Year, brandSlug, modelSlug)
	if err != nil {
		return nil, err
	}

	base, ok := baseUSD[brandSlug]
	if !ok {
		base = defaultBaseUSD
	}
	age := max(now.Year()-req.Year, 0)
	factor := math.Max(1-depreciationPerYear*float64(age), depreciationFloor)

	avg := decimal.NewFromInt(base).Mul(decimal.NewFromFloat(factor)).Round(2)
	spread := decimal.NewFromFloat(estimateSpread)
	one := decimal.NewFromInt(1)
	r, err := models.NewPriceRange(
		avg.Mul(one.Sub(spread)).Round(2),
		avg.Mul(one.Add(spread)).Round(2),
		avg, models.USD, 0)
	if err != nil {
		return nil, err
	}

	g := &models.PriceGuide{
		Brand:         brand,
		Model:         model,
		Year:          year,
		PriceRangeUSD: r,
		Source: models.GuideSource{
			Name:        "estimate",
			LastUpdated: now,
			Reliability: EstimateReliability,
		},
		RetrievedAt: now,
		Estimated:   true,
	}
	return g, g.Validate()
}
