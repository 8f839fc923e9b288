package mapping

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"carprice-aggregator/models"
	"carprice-aggregator/storage"
	"carprice-aggregator/utils"
)

const (
	// DefaultThreshold is the minimum similarity SearchSimilarMappings keeps.
	DefaultThreshold = 0.7
	// AutoMapThreshold is the similarity an auto-mapping proposal needs.
	AutoMapThreshold = 0.9
	reviewConfidence = 0.8
	staleAfter       = 180 * 24 * time.Hour
)

// Service reconciles local brand names with the catalog provider's vocabulary.
type Service struct {
	mu sync.RWMutex
	// forward is keyed by normalized local brand.
	forward map[string]models.BrandMapping
	// reverse maps normalized provider brand and provider slug to a forward key.
	reverse map[string]string

	store       storage.MappingStore
	autoMapping bool
	logger      *utils.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithStore persists mappings and loads the initial set from store.
func WithStore(store storage.MappingStore) Option {
	return func(s *Service) { s.store = store }
}

// WithAutoMapping enables inactive mapping proposals during sync.
func WithAutoMapping(enabled bool) Option {
	return func(s *Service) { s.autoMapping = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds a Service seeded from the store when one is configured, or from
// the curated table otherwise. An empty store is populated from the table.
func New(logger *utils.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		forward: make(map[string]models.BrandMapping),
		reverse: make(map[string]string),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	var initial []models.BrandMapping
	if s.store != nil {
		stored, err := s.store.LoadMappings()
		if err != nil {
			return nil, fmt.Errorf("mapping: load: %w", err)
		}
		initial = stored
	}

	seeding := len(initial) == 0
	if seeding {
		now := s.now()
		for _, m := range seedMappings {
			m.IsActive = true
			m.LastVerified = now
			initial = append(initial, m)
		}
	}

	for _, m := range initial {
		if seeding && s.store != nil {
			if err := s.store.UpsertMapping(m); err != nil {
				return nil, fmt.Errorf("mapping: seed store: %w", err)
			}
		}
		s.index(m)
	}
	s.logger.Info("[mapping] Loaded %d brand mappings (seeded=%v)", len(initial), seeding)
	return s, nil
}

// MapToProviderBrand returns the active mapping for a local brand, or nil.
func (s *Service) MapToProviderBrand(local string) *models.BrandMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.forward[normalizeName(local)]
	if !ok || !m.IsActive {
		return nil
	}
	return &m
}

// MapToLocalBrand resolves a provider brand name or slug to its active mapping, or nil.
func (s *Service) MapToLocalBrand(nameOrSlug string) *models.BrandMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.reverse[normalizeName(nameOrSlug)]
	if !ok {
		return nil
	}
	m := s.forward[key]
	if !m.IsActive {
		return nil
	}
	return &m
}

// Mappings returns every mapping sorted by local brand.
func (s *Service) Mappings() []models.BrandMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.BrandMapping, 0, len(s.forward))
	for _, m := range s.forward {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalBrand < out[j].LocalBrand })
	return out
}

// SearchSimilarMappings finds mappings whose local or provider name resembles
// query. An exact match short-circuits with similarity 1.
func (s *Service) SearchSimilarMappings(query string, threshold float64) []models.MappingMatch {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	q := normalizeName(query)
	if q == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.forward[q]; ok {
		return []models.MappingMatch{{Mapping: m, Similarity: 1, Source: "exact"}}
	}
	if key, ok := s.reverse[q]; ok {
		return []models.MappingMatch{{Mapping: s.forward[key], Similarity: 1, Source: "exact"}}
	}

	var matches []models.MappingMatch
	for _, m := range s.forward {
		sim := Similarity(q, m.LocalBrand)
		if p := Similarity(q, m.ProviderBrand); p > sim {
			sim = p
		}
		if sim >= threshold {
			matches = append(matches, models.MappingMatch{Mapping: m, Similarity: sim, Source: "fuzzy"})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Mapping.LocalBrand < matches[j].Mapping.LocalBrand
	})
	return matches
}

// UpsertMapping validates m, writes it through to the store, and replaces any
// mapping for the same local brand.
func (s *Service) UpsertMapping(m models.BrandMapping) error {
	if v := ValidateMapping(m, s.now()); !v.Valid {
		return fmt.Errorf("mapping: invalid mapping %q: %s", m.LocalBrand, strings.Join(v.Errors, "; "))
	}
	if m.ProviderSlug == "" {
		m.ProviderSlug = models.Slugify(m.ProviderBrand)
	}
	if m.LastVerified.IsZero() {
		m.LastVerified = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		if err := s.store.UpsertMapping(m); err != nil {
			return err
		}
	}
	s.unindex(normalizeName(m.LocalBrand))
	s.index(m)
	s.logger.Info("[mapping] Upserted %s → %s (active=%v)", m.LocalBrand, m.ProviderBrand, m.IsActive)
	return nil
}

// DeleteMapping removes the mapping for local and reports whether one existed.
func (s *Service) DeleteMapping(local string) (bool, error) {
	key := normalizeName(local)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.forward[key]; !ok {
		return false, nil
	}
	if s.store != nil {
		if err := s.store.DeleteMapping(local); err != nil {
			return false, err
		}
	}
	s.unindex(key)
	return true, nil
}

// SyncWithAutocosmos diffs the catalog's brand list against the known
// mappings. No active mapping is ever created here; with auto-mapping enabled,
// close matches are proposed as inactive mappings in the report only.
func (s *Service) SyncWithAutocosmos(providerBrands []models.Brand) *models.SyncReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &models.SyncReport{SyncedAt: s.now()}
	seenLocal := make(map[string]struct{})
	for _, b := range providerBrands {
		key, ok := s.reverse[normalizeName(b.Name)]
		if !ok && b.Slug != "" {
			key, ok = s.reverse[normalizeName(b.Slug)]
		}
		if !ok {
			report.UnmappedProvider = append(report.UnmappedProvider, b)
			continue
		}
		if _, dup := seenLocal[key]; !dup {
			seenLocal[key] = struct{}{}
			report.Matched = append(report.Matched, s.forward[key])
		}
	}

	for key, m := range s.forward {
		if _, ok := seenLocal[key]; !ok {
			report.UnmatchedLocal = append(report.UnmatchedLocal, m.LocalBrand)
		}
	}
	sort.Strings(report.UnmatchedLocal)

	if s.autoMapping {
		report.AutoMapped = s.proposeMappings(report.UnmappedProvider, report.UnmatchedLocal)
	}

	s.logger.Info("[mapping] Sync: %d matched, %d unmapped provider, %d unmatched local, %d proposed",
		len(report.Matched), len(report.UnmappedProvider), len(report.UnmatchedLocal), len(report.AutoMapped))
	return report
}

// proposeMappings pairs each unmapped provider brand with its closest
// unmatched local brand. Must be called with mu held.
func (s *Service) proposeMappings(unmapped []models.Brand, locals []string) []models.BrandMapping {
	var out []models.BrandMapping
	for _, b := range unmapped {
		best, bestSim := "", 0.0
		for _, l := range locals {
			if sim := Similarity(b.Name, l); sim > bestSim {
				best, bestSim = l, sim
			}
		}
		if bestSim < AutoMapThreshold {
			continue
		}
		slug := b.Slug
		if slug == "" {
			slug = models.Slugify(b.Name)
		}
		out = append(out, models.BrandMapping{
			LocalBrand:    best,
			ProviderBrand: b.Name,
			ProviderSlug:  slug,
			Confidence:    bestSim,
			IsActive:      false,
			LastVerified:  s.now(),
			Notes:         "auto-mapped; pending manual review",
		})
	}
	return out
}

// ExportUnmapped writes report to w for manual review.
func (s *Service) ExportUnmapped(report *models.SyncReport, w storage.UnmappedWriter) error {
	if err := w.WriteReport(report); err != nil {
		return fmt.Errorf("mapping: export unmapped: %w", err)
	}
	return nil
}

// ValidateMapping checks structural validity and returns advisory suggestions.
func ValidateMapping(m models.BrandMapping, now time.Time) models.MappingValidation {
	var v models.MappingValidation
	if strings.TrimSpace(m.LocalBrand) == "" {
		v.Errors = append(v.Errors, "localBrand is required")
	}
	if strings.TrimSpace(m.ProviderBrand) == "" {
		v.Errors = append(v.Errors, "providerBrand is required")
	}
	if m.ProviderSlug != "" && !models.ValidSlug(m.ProviderSlug) {
		v.Errors = append(v.Errors, fmt.Sprintf("providerSlug %q is not a valid slug", m.ProviderSlug))
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		v.Errors = append(v.Errors, fmt.Sprintf("confidence %.2f outside [0, 1]", m.Confidence))
	}

	if m.Confidence < reviewConfidence {
		v.Suggestions = append(v.Suggestions, "confidence below 0.8: flag for manual review")
	}
	if !m.IsActive {
		v.Suggestions = append(v.Suggestions, "mapping is inactive and will not be used for lookups")
	}
	if !m.LastVerified.IsZero() && now.Sub(m.LastVerified) > staleAfter {
		v.Suggestions = append(v.Suggestions, "not verified in over 180 days")
	}
	v.Valid = len(v.Errors) == 0
	return v
}

// index adds m to both indexes. Must be called with mu held.
func (s *Service) index(m models.BrandMapping) {
	key := normalizeName(m.LocalBrand)
	s.forward[key] = m
	s.reverse[normalizeName(m.ProviderBrand)] = key
	if m.ProviderSlug != "" {
		s.reverse[normalizeName(m.ProviderSlug)] = key
	}
}

// unindex removes the mapping at key from both indexes. Must be called with mu held.
func (s *Service) unindex(key string) {
	old, ok := s.forward[key]
	if !ok {
		return
	}
	delete(s.forward, key)
	for _, r := range []string{normalizeName(old.ProviderBrand), normalizeName(old.ProviderSlug)} {
		if s.reverse[r] == key {
			delete(s.reverse, r)
		}
	}
}
