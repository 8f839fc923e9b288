package services

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"carprice-aggregator/models"
	"carprice-aggregator/utils"
)

var (
	// amountRegexp captures a grouped amount ("18.000.000", "1,200") or a bare integer.
	amountRegexp = regexp.MustCompile(`\d{1,3}(?:[.,]\d{3})+|\d+`)
	// yearRegexp captures a plausible model year
	yearRegexp = regexp.MustCompile(`\b(19[5-9]\d|20\d{2})\b`)
	// usdTokens mark a price as quoted in US dollars
	usdTokens = []string{"US$", "USD", "U$S", "U$D"}
)

// Cleaner transforms RawListings into clean, validated Listings.
type Cleaner struct {
	logger *utils.Logger
}

// NewCleaner creates a Cleaner with the given logger.
func NewCleaner(logger *utils.Logger) *Cleaner {
	return &Cleaner{logger: logger}
}

// Clean drops listings without a URL or a parseable price and removes
// duplicate URLs.
func (c *Cleaner) Clean(raw []*models.RawListing) []*models.Listing {
	seen := utils.NewKeySet()
	result := make([]*models.Listing, 0, len(raw))

	for _, r := range raw {
		url := strings.TrimSpace(r.URL)
		if url == "" {
			c.logger.Warn("[cleaner] Dropping listing with empty URL: %s", r.Title)
			continue
		}
		if !seen.Add(url) {
			c.logger.Debug("[cleaner] Duplicate URL skipped: %s", url)
			continue
		}

		price, currency := ParsePrice(r.RawPrice)
		if price <= 0 {
			c.logger.Debug("[cleaner] Dropping listing without price: %s (%q)", url, r.RawPrice)
			continue
		}

		result = append(result, &models.Listing{
			Title:     normaliseText(r.Title),
			Price:     price,
			Currency:  currency,
			Image:     strings.TrimSpace(r.Image),
			URL:       url,
			Year:      parseYear(r.Year, r.Title),
			MileageKm: parseMileage(r.Mileage),
			Location:  normaliseText(r.Location),
			ScrapedAt: r.ScrapedAt,
		})
	}

	c.logger.Info("[cleaner] Cleaned %d → %d listings (dropped %d)",
		len(raw), len(result), len(raw)-len(result))
	return result
}

// ClassifyCurrency returns USD when raw carries a dollar token, ARS otherwise.
// Examples:
//
//	"US$ 18.000"    → USD
//	"$ 18.000.000"  → ARS
func ClassifyCurrency(raw string) models.Currency {
	upper := strings.ToUpper(raw)
	for _, tok := range usdTokens {
		if strings.Contains(upper, tok) {
			return models.USD
		}
	}
	return models.ARS
}

// ParsePrice extracts the integer amount and currency from a price label.
// Thousands separators are stripped and decimal cents discarded.
func ParsePrice(raw string) (int64, models.Currency) {
	currency := ClassifyCurrency(raw)
	match := amountRegexp.FindString(raw)
	if match == "" {
		return 0, currency
	}
	v, err := strconv.ParseInt(digitsOnly(match), 10, 64)
	if err != nil {
		return 0, currency
	}
	return v, currency
}

// parseMileage reads "45.000 km" style labels.
func parseMileage(raw string) int {
	match := amountRegexp.FindString(raw)
	if match == "" {
		return 0
	}
	v, err := strconv.Atoi(digitsOnly(match))
	if err != nil {
		return 0
	}
	return v
}

// parseYear reads the year field, falling back to a year mentioned in the title.
func parseYear(candidates ...string) int {
	for _, s := range candidates {
		if m := yearRegexp.FindStringSubmatch(s); len(m) == 2 {
			y, _ := strconv.Atoi(m[1])
			if y <= models.MaxVehicleYear() {
				return y
			}
		}
	}
	return 0
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
