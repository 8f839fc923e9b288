package models

import (
	"fmt"
	"strings"
)

// ValuationRequest is the already-validated input from the route layer.
type ValuationRequest struct {
	Brand string `json:"brand"`
	Model string `json:"model"`
	Year  int    `json:"year"`
}

// Validate repeats the upstream checks; the core never trusts them blindly.
func (r ValuationRequest) Validate() error {
	if strings.TrimSpace(r.Brand) == "" {
		return fmt.Errorf("brand is required")
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if r.Year < MinVehicleYear || r.Year > MaxVehicleYear() {
		return fmt.Errorf("year %d outside [%d, %d]", r.Year, MinVehicleYear, MaxVehicleYear())
	}
	return nil
}

func (r ValuationRequest) String() string {
	return fmt.Sprintf("%s %s %d", r.Brand, r.Model, r.Year)
}

// AggregatorOptions controls one aggregation.
type AggregatorOptions struct {
	EnabledProviders        []string `json:"enabledProviders"`
	MaxTimeoutMs            int      `json:"maxTimeoutMs"`
	RequireMinimumProviders int      `json:"requireMinimumProviders"`
	IncludeProviderDetails  bool     `json:"includeProviderDetails"`
}

// NormalizedResult is one provider's estimate in the shape the back office consumes.
type NormalizedResult struct {
	TotalListings    int             `json:"totalListings"`
	ExchangeRateUsed string          `json:"exchangeRateUsed"`
	SearchURL        string          `json:"searchUrl,omitempty"`
	PricesARS        PriceStats      `json:"pricesARS"`
	PricesUSD        PriceStats      `json:"pricesUSD"`
	SampleListings   []SampleListing `json:"sampleListings"`

	ProviderID     string  `json:"providerId,omitempty"`
	ResponseTimeMs int64   `json:"responseTimeMs,omitempty"`
	Reliability    float64 `json:"reliability,omitempty"`

	// Estimated is set when the figures were inferred rather than observed.
	Estimated     bool `json:"estimated,omitempty"`
	LowConfidence bool `json:"lowConfidence,omitempty"`
}

// ProviderFailure records why one provider did not contribute.
type ProviderFailure struct {
	ProviderID string    `json:"providerId"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
}

// Aggregation is the outcome of one aggregated valuation.
type Aggregation struct {
	RequestID       string             `json:"requestId"`
	Results         []NormalizedResult `json:"results"`
	Failures        []ProviderFailure  `json:"failures,omitempty"`
	ServedFromCache bool               `json:"servedFromCache"`
}
