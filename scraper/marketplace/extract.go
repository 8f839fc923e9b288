package marketplace

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"carprice-aggregator/models"
)

// rule is one way of reading a field out of a listing node. Rules for a field
// are tried in order and the first non-empty value wins.
type rule struct {
	extract func(*goquery.Selection) string
}

func text(selector string) rule {
	return rule{extract: func(s *goquery.Selection) string {
		return strings.TrimSpace(s.Find(selector).First().Text())
	}}
}

func attr(selector string, attrs ...string) rule {
	return rule{extract: func(s *goquery.Selection) string {
		node := s.Find(selector).First()
		for _, a := range attrs {
			if v, ok := node.Attr(a); ok && strings.TrimSpace(v) != "" && !strings.HasPrefix(v, "data:") {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}}
}

func nth(selector string, i int) rule {
	return rule{extract: func(s *goquery.Selection) string {
		return strings.TrimSpace(s.Find(selector).Eq(i).Text())
	}}
}

func match(re *regexp.Regexp) rule {
	return rule{extract: func(s *goquery.Selection) string {
		return re.FindString(s.Text())
	}}
}

// moneyAmount joins the currency symbol and the integer fraction of a
// price widget, e.g. "US$" + "18.000".
func moneyAmount(selector string) rule {
	return rule{extract: func(s *goquery.Selection) string {
		amount := s.Find(selector).First()
		fraction := strings.TrimSpace(amount.Find(".andes-money-amount__fraction").First().Text())
		if fraction == "" {
			return ""
		}
		symbol := strings.TrimSpace(amount.Find(".andes-money-amount__currency-symbol").First().Text())
		return strings.TrimSpace(symbol + " " + fraction)
	}}
}

var (
	mileageInText = regexp.MustCompile(`(?i)\d{1,3}(?:\.\d{3})*\s?km`)
	priceInText   = regexp.MustCompile(`(?:US\$|U\$S|USD|\$)\s?\d{1,3}(?:\.\d{3})+`)
)

// containerSelectors locate listing nodes; earlier entries match current markup.
var containerSelectors = []string{
	"li.ui-search-layout__item",
	"div.ui-search-result__wrapper",
	"div.poly-card",
	"ol.ui-search-layout > li",
}

// fieldRules lists extraction rules per field, primary first.
var fieldRules = struct {
	title, price, image, url, year, mileage, location []rule
}{
	title: []rule{
		text("a.poly-component__title"),
		text("h2.poly-box"),
		text("h2.ui-search-item__title"),
		attr("img", "alt"),
	},
	price: []rule{
		moneyAmount(".poly-price__current .andes-money-amount"),
		moneyAmount(".andes-money-amount"),
		text(".price-tag"),
		match(priceInText),
	},
	image: []rule{
		attr("img.poly-component__picture", "src", "data-src"),
		attr("img.ui-search-result-image__element", "data-src", "src"),
		attr("img", "data-src", "src"),
	},
	url: []rule{
		attr("a.poly-component__title", "href"),
		attr("a.ui-search-link", "href"),
		attr("a[href]", "href"),
	},
	year: []rule{
		nth("li.poly-attributes_list__item", 0),
		nth("li.ui-search-card-attributes__attribute", 0),
	},
	mileage: []rule{
		nth("li.poly-attributes_list__item", 1),
		nth("li.ui-search-card-attributes__attribute", 1),
		match(mileageInText),
	},
	location: []rule{
		text(".poly-component__location"),
		text(".ui-search-item__location"),
		text(".ui-search-item__group__element.ui-search-item__location"),
	},
}

// readySelector is what the browser waits for before capturing markup.
var readySelector = strings.Join(containerSelectors, ", ")

// Extraction is the outcome of parsing one rendered results page.
type Extraction struct {
	Listings []*models.RawListing
	// Fallbacks counts every field or container resolved by a non-primary rule.
	Fallbacks int
}

// ExtractListings parses rendered markup into raw listings.
func ExtractListings(html string, scrapedAt time.Time) (*Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	out := &Extraction{}
	var nodes *goquery.Selection
	for i, sel := range containerSelectors {
		nodes = doc.Find(sel)
		if nodes.Length() > 0 {
			if i > 0 {
				out.Fallbacks++
			}
			break
		}
	}
	if nodes == nil || nodes.Length() == 0 {
		return out, nil
	}

	nodes.Each(func(_ int, node *goquery.Selection) {
		l := &models.RawListing{ScrapedAt: scrapedAt}
		l.Title = apply(node, fieldRules.title, &l.FallbackFields)
		l.RawPrice = apply(node, fieldRules.price, &l.FallbackFields)
		l.Image = apply(node, fieldRules.image, &l.FallbackFields)
		l.URL = apply(node, fieldRules.url, &l.FallbackFields)
		l.Year = apply(node, fieldRules.year, &l.FallbackFields)
		l.Mileage = apply(node, fieldRules.mileage, &l.FallbackFields)
		l.Location = apply(node, fieldRules.location, &l.FallbackFields)

		if l.Title == "" && l.URL == "" {
			return
		}
		out.Fallbacks += l.FallbackFields
		out.Listings = append(out.Listings, l)
	})
	return out, nil
}

// apply runs rules in order and returns the first non-empty value.
func apply(node *goquery.Selection, rules []rule, fallbacks *int) string {
	for i, r := range rules {
		if v := r.extract(node); v != "" {
			if i > 0 {
				*fallbacks++
			}
			return v
		}
	}
	return ""
}
