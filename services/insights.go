package services

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"carprice-aggregator/models"
	"carprice-aggregator/utils"
)

// InsightService turns cleaned listings into per-currency price statistics.
type InsightService struct {
	logger *utils.Logger
}

func NewInsightService(logger *utils.Logger) *InsightService {
	return &InsightService{logger: logger}
}

// PriceSummary holds the statistics of one listing set expressed in both currencies.
type PriceSummary struct {
	ARS models.PriceStats
	USD models.PriceStats
}

// Summarize converts every listing price into ARS and USD using arsPerUSD
// and computes total/min/max/avg over each converted set.
func (s *InsightService) Summarize(listings []*models.Listing, arsPerUSD decimal.Decimal) (PriceSummary, error) {
	if !arsPerUSD.IsPositive() {
		return PriceSummary{}, fmt.Errorf("insights: exchange rate %s must be positive", arsPerUSD)
	}

	ars := make([]decimal.Decimal, 0, len(listings))
	usd := make([]decimal.Decimal, 0, len(listings))
	for _, l := range listings {
		if l.Price <= 0 {
			continue
		}
		p := decimal.NewFromInt(l.Price)
		switch l.Currency {
		case models.USD:
			usd = append(usd, p)
			ars = append(ars, p.Mul(arsPerUSD))
		default:
			ars = append(ars, p)
			usd = append(usd, p.Div(arsPerUSD))
		}
	}

	summary := PriceSummary{ARS: computeStats(ars), USD: computeStats(usd)}
	s.logger.Debug("[insights] %d prices → ARS avg %.2f | USD avg %.2f",
		summary.ARS.Total, summary.ARS.Avg, summary.USD.Avg)
	return summary, nil
}

func computeStats(values []decimal.Decimal) models.PriceStats {
	if len(values) == 0 {
		return models.PriceStats{}
	}
	min, max, total := values[0], values[0], decimal.Zero
	for _, v := range values {
		total = total.Add(v)
		if v.LessThan(min) {
			min = v
		}
		if v.GreaterThan(max) {
			max = v
		}
	}
	avg := total.Div(decimal.NewFromInt(int64(len(values))))
	return models.PriceStats{
		Total: len(values),
		Min:   min.Round(2).InexactFloat64(),
		Max:   max.Round(2).InexactFloat64(),
		Avg:   avg.Round(2).InexactFloat64(),
	}
}

// Print renders an aggregation as a console report.
func (s *InsightService) Print(req models.ValuationRequest, agg *models.Aggregation) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  VALUATION: %s\033[0m\n", strings.ToUpper(req.String()))
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	fmt.Printf("  Request id    : %s\n", agg.RequestID)
	fmt.Printf("  Served from cache : %v\n\n", agg.ServedFromCache)

	for _, r := range agg.Results {
		title := r.ProviderID
		if title == "" {
			title = "provider"
		}
		fmt.Printf("\033[1;33m  %s\033[0m", title)
		if r.Estimated || r.LowConfidence {
			fmt.Printf(" \033[1;31m(low confidence)\033[0m")
		}
		fmt.Printf("\n  %s\n", thin)
		fmt.Printf("  Listings      : \033[1m%d\033[0m\n", r.TotalListings)
		fmt.Printf("  Exchange rate : %s\n", r.ExchangeRateUsed)
		fmt.Printf("  ARS min/avg/max : \033[1;32m%.0f / %.0f / %.0f\033[0m\n",
			r.PricesARS.Min, r.PricesARS.Avg, r.PricesARS.Max)
		fmt.Printf("  USD min/avg/max : \033[1;32m%.0f / %.0f / %.0f\033[0m\n",
			r.PricesUSD.Min, r.PricesUSD.Avg, r.PricesUSD.Max)
		for i, l := range r.SampleListings {
			fmt.Printf("  \033[1m%d.\033[0m %-40s %s %d\n", i+1, truncate(l.Name, 38), l.Currency, l.Price)
		}
		fmt.Println()
	}

	if len(agg.Failures) > 0 {
		fmt.Printf("\033[1;33m  Failed providers\033[0m\n")
		fmt.Printf("  %s\n", thin)
		for _, f := range agg.Failures {
			fmt.Printf("  %-14s \033[1;31m%s\033[0m %s\n", f.ProviderID, f.Code, truncate(f.Message, 60))
		}
	}

	fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
