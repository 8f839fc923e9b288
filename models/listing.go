package models

import "time"

// RawListing holds unprocessed marketplace data as extracted from the rendered page.
type RawListing struct {
	Title    string
	RawPrice string
	Image    string
	URL      string
	Year     string
	Mileage  string
	Location string
	// FallbackFields counts fields that were filled by a non-primary extraction rule.
	FallbackFields int
	ScrapedAt      time.Time
}

// Listing is a cleaned marketplace listing with a parsed price.
type Listing struct {
	Title     string
	Price     int64
	Currency  Currency
	Image     string
	URL       string
	Year      int
	MileageKm int
	Location  string
	ScrapedAt time.Time
}

// PriceStats summarises a set of prices expressed in one currency.
type PriceStats struct {
	Total int     `json:"total"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// SampleListing is the trimmed listing shape exposed to the back office.
type SampleListing struct {
	Name     string   `json:"name"`
	Image    string   `json:"image"`
	URL      string   `json:"url"`
	Price    int64    `json:"price"`
	Currency Currency `json:"currency"`
	Mileage  *int     `json:"mileage,omitempty"`
	City     string   `json:"city,omitempty"`
}

// ScrapedResult is what the marketplace scraper produces for one search.
type ScrapedResult struct {
	TotalListings    int
	ExchangeRateUsed string
	SearchURL        string
	PricesARS        PriceStats
	PricesUSD        PriceStats
	SampleListings   []SampleListing
	// LowConfidence is set when extraction had to use fallback selector rules.
	LowConfidence bool
}

// ToSample converts a cleaned listing into its exposed sample form.
func (l *Listing) ToSample() SampleListing {
	s := SampleListing{
		Name:     l.Title,
		Image:    l.Image,
		URL:      l.URL,
		Price:    l.Price,
		Currency: l.Currency,
		City:     l.Location,
	}
	if l.MileageKm > 0 {
		km := l.MileageKm
		s.Mileage = &km
	}
	return s
}
