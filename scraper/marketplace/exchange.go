package marketplace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"resty.dev/v3"

	"carprice-aggregator/cache"
	"carprice-aggregator/utils"
)

// ExchangeRate is an ARS-per-USD quote.
type ExchangeRate struct {
	ARSPerUSD decimal.Decimal `json:"arsPerUsd"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// String renders the rate the way results expose it, e.g. "1 USD = 1200.00 ARS".
func (r ExchangeRate) String() string {
	return fmt.Sprintf("1 USD = %s ARS", r.ARSPerUSD.StringFixed(2))
}

type quoteResponse struct {
	Compra decimal.Decimal `json:"compra"`
	Venta  decimal.Decimal `json:"venta"`
}

var rateKey = cache.Key{Namespace: cache.NamespaceExchangeRate, Identifier: "ars-usd"}

// ExchangeRateClient fetches the current ARS/USD rate, caching it and
// falling back to a configured rate when the quote service is unavailable.
type ExchangeRateClient struct {
	client   *resty.Client
	url      string
	fallback decimal.Decimal
	cache    *cache.Service
	logger   *utils.Logger
}

func NewExchangeRateClient(url string, fallback float64, timeout time.Duration, c *cache.Service, logger *utils.Logger) *ExchangeRateClient {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &ExchangeRateClient{
		client:   client,
		url:      url,
		fallback: decimal.NewFromFloat(fallback),
		cache:    c,
		logger:   logger,
	}
}

// Current returns the cached rate, a fresh quote, or the fallback, in that order.
func (e *ExchangeRateClient) Current(ctx context.Context) ExchangeRate {
	if e.cache != nil {
		if r, ok := cache.GetJSON[ExchangeRate](ctx, e.cache, rateKey); ok && r.ARSPerUSD.IsPositive() {
			return r
		}
	}

	r, err := e.Refresh(ctx)
	if err != nil {
		e.logger.Warn("[exchange] Quote unavailable, using fallback %s: %v", e.fallback, err)
		return ExchangeRate{ARSPerUSD: e.fallback, Source: "fallback", FetchedAt: time.Now()}
	}
	return r
}

// Refresh fetches a quote and stores it in the cache.
func (e *ExchangeRateClient) Refresh(ctx context.Context) (ExchangeRate, error) {
	var q quoteResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetResult(&q).
		Get(e.url)
	if err != nil {
		return ExchangeRate{}, fmt.Errorf("exchange rate request: %w", err)
	}
	if resp.IsError() {
		return ExchangeRate{}, fmt.Errorf("exchange rate request failed with status %d: %s",
			resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	rate := q.Venta
	if !rate.IsPositive() {
		rate = q.Compra
	}
	if !rate.IsPositive() {
		return ExchangeRate{}, fmt.Errorf("exchange rate response carries no positive quote")
	}

	r := ExchangeRate{ARSPerUSD: rate, Source: e.url, FetchedAt: time.Now()}
	if e.cache != nil {
		_ = cache.SetJSON(ctx, e.cache, rateKey, r)
	}
	e.logger.Debug("[exchange] %s", r)
	return r, nil
}

func (e *ExchangeRateClient) Close() error {
	return e.client.Close()
}
