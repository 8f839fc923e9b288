package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"carprice-aggregator/cache"
	"carprice-aggregator/models"
)

// option is one catalog entry as published by the provider.
type option struct {
	Label string
	Value string
}

// GetBrands returns the catalog's brands sorted by name.
func (c *Client) GetBrands(ctx context.Context) ([]models.Brand, error) {
	key := cache.Key{Namespace: cache.NamespaceBrands, Identifier: ProviderID}
	if c.cache != nil {
		if brands, ok := cache.GetJSON[[]models.Brand](ctx, c.cache, key); ok {
			return brands, nil
		}
	}

	body, err := c.get(ctx, "catalog-brands", brandsPath)
	if err != nil {
		return nil, err
	}
	opts, err := parseOptions(body)
	if err != nil {
		return nil, err
	}

	brands := make([]models.Brand, 0, len(opts))
	for _, o := range opts {
		b, err := models.NewBrand(o.Label, slugFrom(o))
		if err != nil {
			c.logger.Debug("[catalog] Skipping brand %q: %v", o.Label, err)
			continue
		}
		brands = append(brands, b)
	}
	sort.Slice(brands, func(i, j int) bool {
		return strings.ToLower(brands[i].Name) < strings.ToLower(brands[j].Name)
	})

	if c.cache != nil {
		_ = cache.SetJSON(ctx, c.cache, key, brands)
	}
	return brands, nil
}

// GetModelsByBrand returns a brand's models sorted by name.
func (c *Client) GetModelsByBrand(ctx context.Context, brandSlug string) ([]models.Model, error) {
	key := cache.Key{Namespace: cache.NamespaceModels, Identifier: ProviderID + "|" + brandSlug}
	if c.cache != nil {
		if list, ok := cache.GetJSON[[]models.Model](ctx, c.cache, key); ok {
			return list, nil
		}
	}

	body, err := c.get(ctx, "catalog-models", fmt.Sprintf(modelsPath, url.PathEscape(brandSlug)))
	if err != nil {
		return nil, err
	}
	opts, err := parseOptions(body)
	if err != nil {
		return nil, err
	}

	list := make([]models.Model, 0, len(opts))
	for _, o := range opts {
		m, err := models.NewModel(o.Label, slugFrom(o), brandSlug)
		if err != nil {
			c.logger.Debug("[catalog] Skipping model %q: %v", o.Label, err)
			continue
		}
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool {
		return strings.ToLower(list[i].Name) < strings.ToLower(list[j].Name)
	})

	if c.cache != nil {
		_ = cache.SetJSON(ctx, c.cache, key, list, cache.WithTags(cache.BrandTag(brandSlug)))
	}
	return list, nil
}

// GetYearsByModel returns a model's years, newest first.
func (c *Client) GetYearsByModel(ctx context.Context, brandSlug, modelSlug string) ([]models.Year, error) {
	key := cache.Key{Namespace: cache.NamespaceYears, Identifier: ProviderID + "|" + brandSlug + "|" + modelSlug}
	if c.cache != nil {
		if list, ok := cache.GetJSON[[]models.Year](ctx, c.cache, key); ok {
			return list, nil
		}
	}

	path := fmt.Sprintf(yearsPath, url.PathEscape(brandSlug), url.PathEscape(modelSlug))
	body, err := c.get(ctx, "catalog-years", path)
	if err != nil {
		return nil, err
	}
	opts, err := parseOptions(body)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]struct{})
	list := make([]models.Year, 0, len(opts))
	for _, o := range opts {
		raw := o.Value
		if raw == "" {
			raw = o.Label
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		y, err := models.NewYear(v, brandSlug, modelSlug)
		if err != nil {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		list = append(list, y)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Value > list[j].Value })

	if c.cache != nil {
		_ = cache.SetJSON(ctx, c.cache, key, list,
			cache.WithTags(cache.BrandTag(brandSlug), cache.ModelTag(brandSlug, modelSlug)))
	}
	return list, nil
}

// slugFrom prefers the provider's value when it is already a valid slug.
func slugFrom(o option) string {
	if models.ValidSlug(o.Value) {
		return o.Value
	}
	return models.Slugify(o.Label)
}

// parseOptions sniffs body as a JSON array or an HTML option list and drops
// disabled, empty and placeholder entries.
func parseOptions(body string) ([]option, error) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		return parseJSONOptions(trimmed)
	}
	return parseHTMLOptions(trimmed)
}

type jsonOption struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Text     string `json:"text"`
	Slug     string `json:"slug"`
	Value    any    `json:"value"`
	Disabled bool   `json:"disabled"`
}

func parseJSONOptions(body string) ([]option, error) {
	// Some endpoints wrap the list as {"data": [...]}.
	if strings.HasPrefix(body, "{") {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil || len(wrapped.Data) == 0 {
			return nil, fmt.Errorf("%s: unexpected JSON catalog payload", ProviderID)
		}
		body = string(wrapped.Data)
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, fmt.Errorf("%s: decode catalog: %w", ProviderID, err)
	}

	out := make([]option, 0, len(items))
	for _, raw := range items {
		var o option
		var scalar any
		if err := json.Unmarshal(raw, &scalar); err != nil {
			continue
		}
		switch v := scalar.(type) {
		case string:
			o = option{Label: v, Value: v}
		case float64:
			s := strconv.FormatFloat(v, 'f', -1, 64)
			o = option{Label: s, Value: s}
		case map[string]any:
			var jo jsonOption
			if err := json.Unmarshal(raw, &jo); err != nil || jo.Disabled {
				continue
			}
			o.Label = firstNonEmpty(jo.Name, jo.Label, jo.Text)
			o.Value = jo.Slug
			if o.Value == "" && jo.Value != nil {
				o.Value = fmt.Sprint(jo.Value)
			}
			if o.Label == "" {
				o.Label = o.Value
			}
		default:
			continue
		}
		if keep(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

func parseHTMLOptions(body string) ([]option, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: parse catalog markup: %w", ProviderID, err)
	}
	var out []option
	doc.Find("option").Each(func(_ int, s *goquery.Selection) {
		if _, disabled := s.Attr("disabled"); disabled {
			return
		}
		o := option{Label: strings.TrimSpace(s.Text()), Value: strings.TrimSpace(s.AttrOr("value", ""))}
		if keep(o) {
			out = append(out, o)
		}
	})
	return out, nil
}

var placeholders = []string{"seleccion", "elegi", "select", "choose", "--", "todos", "todas"}

func keep(o option) bool {
	label := strings.ToLower(strings.TrimSpace(o.Label))
	if label == "" || o.Value == "0" || o.Value == "-1" {
		return false
	}
	for _, p := range placeholders {
		if strings.HasPrefix(label, p) {
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
