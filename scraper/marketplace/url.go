package marketplace

import (
	"strconv"
	"strings"

	"carprice-aggregator/models"
)

// BuildSearchURL returns the canonical listing search URL for a vehicle:
// <base>/<brand>/<model>/<year>, each segment lowercased, stripped of
// diacritics and hyphen-joined.
func BuildSearchURL(base, brand, model string, year int) string {
	segments := []string{strings.TrimRight(base, "/"), models.Slugify(brand), models.Slugify(model)}
	if year > 0 {
		segments = append(segments, strconv.Itoa(year))
	}
	return strings.Join(segments, "/")
}
