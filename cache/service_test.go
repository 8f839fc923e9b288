package cache

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"carprice-aggregator/utils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryService() (*Service, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackendWithClock(clock.Now)
	return NewService(backend, utils.NewDiscardLogger(), WithClock(clock.Now)), clock
}

func TestKeyString(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{Key{Namespace: NamespaceBrands, Identifier: "all"}, "v1:brands:all"},
		{Key{Namespace: NamespacePriceGuide, Identifier: "toyota|corolla|2020", Version: "2"}, "v1:price-guide:toyota|corolla|2020:2"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("Key.String(): got %q, want %q", got, tt.want)
		}
	}
	if got := VehicleIdentifier("Toyota", "Corolla Cross", 2020); got != "toyota|corolla-cross|2020" {
		t.Errorf("VehicleIdentifier: got %q", got)
	}
}

func TestRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newMemoryService()
	key := Key{Namespace: NamespaceAggregated, Identifier: "toyota|corolla|2020"}

	if err := s.Set(ctx, key, []byte("payload"), WithTTL(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get(ctx, key)
	if !ok || string(got) != "payload" {
		t.Fatalf("Get before expiry: got %q/%v", got, ok)
	}

	clock.Advance(time.Minute)
	if _, ok := s.Get(ctx, key); ok {
		t.Error("Get after expiry should miss")
	}

	st := s.Stats(ctx)
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("stats: got hits=%d misses=%d, want 1/1", st.Hits, st.Misses)
	}
	if st.HitRate != 0.5 {
		t.Errorf("hit rate: got %v, want 0.5", st.HitRate)
	}
}

func TestDefaultNamespaceTTL(t *testing.T) {
	ctx := context.Background()
	s, clock := newMemoryService()
	key := Key{Namespace: NamespaceExchangeRate, Identifier: "blue"}
	_ = s.Set(ctx, key, []byte("1200"))

	clock.Advance(29 * time.Minute)
	if !s.Has(ctx, key) {
		t.Error("exchange-rate entry should live 30m")
	}
	clock.Advance(time.Minute)
	if s.Has(ctx, key) {
		t.Error("exchange-rate entry should expire after 30m")
	}
}

func TestPeekServesStale(t *testing.T) {
	ctx := context.Background()
	s, clock := newMemoryService()
	key := Key{Namespace: NamespacePriceGuide, Identifier: "ford|focus|2018"}
	_ = s.Set(ctx, key, []byte("guide"), WithTTL(time.Second))

	clock.Advance(time.Hour)
	if _, ok := s.Get(ctx, key); ok {
		t.Fatal("expected miss for expired entry")
	}
	v, stale, ok := s.Peek(ctx, key)
	if !ok || !stale || string(v) != "guide" {
		t.Errorf("Peek: got %q stale=%v ok=%v", v, stale, ok)
	}

	n, err := s.Optimize(ctx)
	if err != nil || n != 1 {
		t.Errorf("Optimize: got %d, %v; want 1", n, err)
	}
	if _, _, ok := s.Peek(ctx, key); ok {
		t.Error("Peek after Optimize should miss")
	}
}

func TestInvalidateVehicle(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryService()

	set := func(ns Namespace, id string, tags []string) Key {
		k := Key{Namespace: ns, Identifier: id}
		_ = s.Set(ctx, k, []byte(id), WithTags(tags...))
		return k
	}
	corolla20 := set(NamespacePriceGuide, "toyota|corolla|2020", VehicleTags("Toyota", "Corolla", 2020))
	corolla21 := set(NamespacePriceGuide, "toyota|corolla|2021", VehicleTags("Toyota", "Corolla", 2021))
	hilux := set(NamespaceYears, "toyota|hilux", VehicleTags("Toyota", "Hilux", 0))
	focus := set(NamespacePriceGuide, "ford|focus|2020", VehicleTags("Ford", "Focus", 2020))

	n, err := s.InvalidateVehicle(ctx, "Toyota", "Corolla", 2020)
	if err != nil || n != 1 {
		t.Fatalf("year invalidation: got %d, %v; want 1", n, err)
	}
	if s.Has(ctx, corolla20) || !s.Has(ctx, corolla21) {
		t.Error("year invalidation touched the wrong entries")
	}

	n, _ = s.InvalidateVehicle(ctx, "toyota", "", 0)
	if n != 2 {
		t.Errorf("brand invalidation: got %d, want 2", n)
	}
	if s.Has(ctx, hilux) || !s.Has(ctx, focus) {
		t.Error("brand invalidation touched the wrong entries")
	}
}

func TestClearNamespace(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryService()
	_ = s.Set(ctx, Key{Namespace: NamespaceBrands, Identifier: "all"}, []byte("a"))
	_ = s.Set(ctx, Key{Namespace: NamespaceModels, Identifier: "toyota"}, []byte("b"))
	_ = s.Set(ctx, Key{Namespace: NamespaceModels, Identifier: "ford"}, []byte("c"))

	n, err := s.Clear(ctx, NamespaceModels)
	if err != nil || n != 2 {
		t.Errorf("Clear(models): got %d, %v; want 2", n, err)
	}
	if st := s.Stats(ctx); st.Entries != 1 {
		t.Errorf("entries after namespace clear: got %d, want 1", st.Entries)
	}
	n, _ = s.Clear(ctx, "")
	if n != 1 {
		t.Errorf("Clear(all): got %d, want 1", n)
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryService()
	key := Key{Namespace: NamespaceBrands, Identifier: "all"}

	if err := SetJSON(ctx, s, key, []string{"Ford", "Toyota"}); err != nil {
		t.Fatal(err)
	}
	got, ok := GetJSON[[]string](ctx, s, key)
	if !ok || len(got) != 2 || got[1] != "Toyota" {
		t.Errorf("GetJSON: got %v/%v", got, ok)
	}
	if _, ok := GetJSON[map[string]int](ctx, s, key); ok {
		t.Error("GetJSON should miss on a type mismatch")
	}
}

func TestDeleteMany(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryService()
	a := Key{Namespace: NamespaceModels, Identifier: "a"}
	b := Key{Namespace: NamespaceModels, Identifier: "b"}
	_ = s.Set(ctx, a, []byte("1"))
	_ = s.Set(ctx, b, []byte("2"))

	if n := s.DeleteMany(ctx, a, b, Key{Namespace: NamespaceModels, Identifier: "missing"}); n != 2 {
		t.Errorf("DeleteMany: got %d, want 2", n)
	}
	if s.Delete(ctx, a) {
		t.Error("Delete of a missing key should report false")
	}
}

func TestMemoryBackendKeysByTag(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	_ = m.Set(ctx, &Entry{Key: "v1:x:1", Tags: []string{"t"}})
	_ = m.Set(ctx, &Entry{Key: "v1:x:2", Tags: []string{"t"}})
	_ = m.Set(ctx, &Entry{Key: "v1:x:2"})

	keys, _ := m.KeysByTag(ctx, "t")
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "v1:x:1" {
		t.Errorf("retagged entry should leave the index: got %v", keys)
	}
}

func TestInvalidationReachesStaleEntries(t *testing.T) {
	ctx := context.Background()
	s, clock := newMemoryService()
	guide := Key{Namespace: NamespacePriceGuide, Identifier: "toyota|corolla|2020"}
	brands := Key{Namespace: NamespaceBrands, Identifier: "all"}
	_ = s.Set(ctx, guide, []byte("guide"), WithTTL(time.Minute), WithTags(VehicleTags("Toyota", "Corolla", 2020)...))
	_ = s.Set(ctx, brands, []byte("brands"), WithTTL(time.Minute))

	clock.Advance(2 * time.Hour)
	if _, ok := s.Get(ctx, guide); ok {
		t.Fatal("expected miss for expired guide")
	}
	if _, ok := s.Get(ctx, brands); ok {
		t.Fatal("expected miss for expired brands")
	}

	n, err := s.InvalidateVehicle(ctx, "Toyota", "", 0)
	if err != nil || n != 1 {
		t.Errorf("InvalidateVehicle: got %d, %v; want 1", n, err)
	}
	if _, _, ok := s.Peek(ctx, guide); ok {
		t.Error("Peek should miss after invalidating the vehicle")
	}

	n, err = s.Clear(ctx, "")
	if err != nil || n != 1 {
		t.Errorf("Clear(all): got %d, %v; want 1", n, err)
	}
	if _, _, ok := s.Peek(ctx, brands); ok {
		t.Error("Peek should miss after Clear")
	}
}
