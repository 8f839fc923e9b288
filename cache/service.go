package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"carprice-aggregator/utils"
)

// Stats is a snapshot of cache effectiveness.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hitRate"`
	Entries       int     `json:"entries"`
	ExpiredPurged int64   `json:"expiredPurged"`
}

// Service is the cache facade used by every provider. Backend failures are
// logged and reported as misses, so the cache never fails a valuation.
type Service struct {
	backend Backend
	logger  *utils.Logger
	ttls    map[Namespace]time.Duration
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	purged atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNamespaceTTL overrides the default TTL of one namespace.
func WithNamespaceTTL(ns Namespace, ttl time.Duration) Option {
	return func(s *Service) { s.ttls[ns] = ttl }
}

// NewService creates a Service over backend.
func NewService(backend Backend, logger *utils.Logger, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		logger:  logger,
		ttls:    make(map[Namespace]time.Duration, len(DefaultTTLs)),
		now:     time.Now,
	}
	for ns, ttl := range DefaultTTLs {
		s.ttls[ns] = ttl
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOptions tune a single Set call.
type SetOptions struct {
	TTL  time.Duration
	Tags []string
}

// SetOption mutates SetOptions.
type SetOption func(*SetOptions)

func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOptions) { o.TTL = ttl }
}

func WithTags(tags ...string) SetOption {
	return func(o *SetOptions) { o.Tags = append(o.Tags, tags...) }
}

// TTL returns the default TTL for ns.
func (s *Service) TTL(ns Namespace) time.Duration {
	if ttl, ok := s.ttls[ns]; ok {
		return ttl
	}
	return fallbackTTL
}

// Get returns the raw value stored at key.
func (s *Service) Get(ctx context.Context, key Key) ([]byte, bool) {
	e, ok, err := s.backend.Get(ctx, key.String())
	if err != nil {
		s.logger.Warn("[cache] Get %s failed: %v", key, err)
	}
	if err != nil || !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return e.Value, true
}

// Peek returns a value even past its expiry, without touching statistics.
// The boolean result reports whether the value had expired.
func (s *Service) Peek(ctx context.Context, key Key) (value []byte, stale bool, ok bool) {
	e, found, err := s.backend.Peek(ctx, key.String())
	if err != nil {
		s.logger.Warn("[cache] Peek %s failed: %v", key, err)
		return nil, false, false
	}
	if !found {
		return nil, false, false
	}
	return e.Value, e.Expired(s.now()), true
}

// Set stores value at key. A zero TTL selects the namespace default.
func (s *Service) Set(ctx context.Context, key Key, value []byte, opts ...SetOption) error {
	var o SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	ttl := o.TTL
	if ttl <= 0 {
		ttl = s.TTL(key.Namespace)
	}
	now := s.now()
	e := &Entry{
		Key:          key.String(),
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
		Tags:         o.Tags,
	}
	if err := s.backend.Set(ctx, e); err != nil {
		s.logger.Warn("[cache] Set %s failed: %v", key, err)
		return err
	}
	return nil
}

// Has reports whether a live entry exists. It counts as an access.
func (s *Service) Has(ctx context.Context, key Key) bool {
	_, ok := s.Get(ctx, key)
	return ok
}

func (s *Service) Delete(ctx context.Context, key Key) bool {
	n, err := s.backend.Delete(ctx, key.String())
	if err != nil {
		s.logger.Warn("[cache] Delete %s failed: %v", key, err)
		return false
	}
	return n > 0
}

func (s *Service) DeleteMany(ctx context.Context, keys ...Key) int {
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = k.String()
	}
	n, err := s.backend.Delete(ctx, raw...)
	if err != nil {
		s.logger.Warn("[cache] DeleteMany failed: %v", err)
		return 0
	}
	return n
}

// Clear drops every entry in ns, or the whole cache when ns is empty.
func (s *Service) Clear(ctx context.Context, ns Namespace) (int, error) {
	keys, err := s.backend.Keys(ctx, NamespacePrefix(ns))
	if err != nil {
		return 0, fmt.Errorf("cache: list %q: %w", ns, err)
	}
	n, err := s.backend.Delete(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("cache: clear %q: %w", ns, err)
	}
	s.logger.Info("[cache] Cleared %d entries (namespace=%q)", n, ns)
	return n, nil
}

// InvalidateByTags drops every entry carrying any of tags.
func (s *Service) InvalidateByTags(ctx context.Context, tags ...string) (int, error) {
	seen := make(map[string]struct{})
	var keys []string
	for _, t := range tags {
		tagged, err := s.backend.KeysByTag(ctx, t)
		if err != nil {
			return 0, fmt.Errorf("cache: tag %s: %w", t, err)
		}
		for _, k := range tagged {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	n, err := s.backend.Delete(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("cache: invalidate: %w", err)
	}
	return n, nil
}

// InvalidateVehicle drops entries at the deepest level given: brand,
// brand+model, or brand+model+year.
func (s *Service) InvalidateVehicle(ctx context.Context, brand, model string, year int) (int, error) {
	var tag string
	switch {
	case model != "" && year > 0:
		tag = YearTag(brand, model, year)
	case model != "":
		tag = ModelTag(brand, model)
	default:
		tag = BrandTag(brand)
	}
	n, err := s.InvalidateByTags(ctx, tag)
	if err == nil {
		s.logger.Info("[cache] Invalidated %d entries for %s", n, tag)
	}
	return n, err
}

// Optimize purges expired entries.
func (s *Service) Optimize(ctx context.Context) (int, error) {
	n, err := s.backend.Purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: optimize: %w", err)
	}
	s.purged.Add(int64(n))
	s.logger.Debug("[cache] Optimize purged %d expired entries", n)
	return n, nil
}

func (s *Service) Stats(ctx context.Context) Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	st := Stats{Hits: hits, Misses: misses, ExpiredPurged: s.purged.Load()}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	if keys, err := s.backend.Keys(ctx, NamespacePrefix("")); err == nil {
		st.Entries = len(keys)
	}
	return st
}

func (s *Service) Close() error {
	return s.backend.Close()
}

// GetJSON decodes the value at key into a T.
func GetJSON[T any](ctx context.Context, s *Service, key Key) (T, bool) {
	var v T
	raw, ok := s.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.Warn("[cache] Decode %s failed: %v", key, err)
		return v, false
	}
	return v, true
}

// PeekJSON decodes a possibly expired value at key.
func PeekJSON[T any](ctx context.Context, s *Service, key Key) (T, bool) {
	var v T
	raw, _, ok := s.Peek(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s *Service, key Key, v any, opts ...SetOption) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, opts...)
}
