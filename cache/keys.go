package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"carprice-aggregator/models"
)

// KeyVersion prefixes every cache key so incompatible layouts never collide.
const KeyVersion = "v1"

// Namespace groups entries sharing a default TTL.
type Namespace string

const (
	NamespaceBrands       Namespace = "brands"
	NamespaceModels       Namespace = "models"
	NamespaceYears        Namespace = "years"
	NamespacePriceGuide   Namespace = "price-guide"
	NamespacePopular      Namespace = "popular"
	NamespaceAggregated   Namespace = "aggregated"
	NamespaceExchangeRate Namespace = "exchange-rate"
)

// DefaultTTLs are applied when Set is called without an explicit TTL.
var DefaultTTLs = map[Namespace]time.Duration{
	NamespaceBrands:       24 * time.Hour,
	NamespaceModels:       12 * time.Hour,
	NamespaceYears:        6 * time.Hour,
	NamespacePriceGuide:   time.Hour,
	NamespacePopular:      2 * time.Hour,
	NamespaceAggregated:   time.Hour,
	NamespaceExchangeRate: 30 * time.Minute,
}

// fallbackTTL covers namespaces missing from DefaultTTLs.
const fallbackTTL = time.Hour

// tagPrefix is reserved for tag index keys in backends that need them.
const tagPrefix = KeyVersion + ":tag:"

// Key addresses one cache entry.
type Key struct {
	Namespace  Namespace
	Identifier string
	Version    string
}

// String renders "v1:<namespace>:<identifier>[:<version>]".
func (k Key) String() string {
	s := KeyVersion + ":" + string(k.Namespace) + ":" + k.Identifier
	if k.Version != "" {
		s += ":" + k.Version
	}
	return s
}

// NamespacePrefix returns the key prefix shared by all entries of ns; "" matches every namespace.
func NamespacePrefix(ns Namespace) string {
	if ns == "" {
		return KeyVersion + ":"
	}
	return KeyVersion + ":" + string(ns) + ":"
}

// VehicleIdentifier builds the case-insensitive identifier "brand|model|year".
func VehicleIdentifier(brand, model string, year int) string {
	parts := []string{models.Slugify(brand), models.Slugify(model)}
	if year > 0 {
		parts = append(parts, strconv.Itoa(year))
	}
	return strings.Join(parts, "|")
}

// Tag helpers address an entry at every catalog depth.

func BrandTag(brand string) string {
	return "brand:" + models.Slugify(brand)
}

func ModelTag(brand, model string) string {
	return fmt.Sprintf("model:%s/%s", models.Slugify(brand), models.Slugify(model))
}

func YearTag(brand, model string, year int) string {
	return fmt.Sprintf("year:%s/%s/%d", models.Slugify(brand), models.Slugify(model), year)
}

// VehicleTags returns every tag applicable to a brand/model/year entry.
// Empty model or zero year trims the list to the shallower levels.
func VehicleTags(brand, model string, year int) []string {
	tags := []string{BrandTag(brand)}
	if model != "" {
		tags = append(tags, ModelTag(brand, model))
		if year > 0 {
			tags = append(tags, YearTag(brand, model, year))
		}
	}
	return tags
}
