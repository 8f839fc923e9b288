package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"carprice-aggregator/utils"
)

func newRedisService(t *testing.T) (*Service, *RedisBackend, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	clock := &fakeClock{now: time.Now().Truncate(time.Millisecond)}
	backend := NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	backend.now = clock.Now
	t.Cleanup(func() { _ = backend.Close() })
	return NewService(backend, utils.NewDiscardLogger(), WithClock(clock.Now)), backend, mr, clock
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, backend, mr, _ := newRedisService(t)
	key := Key{Namespace: NamespacePriceGuide, Identifier: "toyota|corolla|2020"}

	if err := s.Set(ctx, key, []byte(`{"min":1}`), WithTags(VehicleTags("Toyota", "Corolla", 2020)...)); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get(ctx, key)
	if !ok || string(got) != `{"min":1}` {
		t.Fatalf("Get: got %q/%v", got, ok)
	}
	if _, ok := s.Get(ctx, key); !ok {
		t.Fatal("second Get should hit")
	}

	e, ok, err := backend.Peek(ctx, key.String())
	if err != nil || !ok {
		t.Fatalf("Peek: %v/%v", ok, err)
	}
	if e.AccessCount != 2 {
		t.Errorf("access count: got %d, want 2", e.AccessCount)
	}
	if len(e.Tags) != 3 {
		t.Errorf("tags: got %v", e.Tags)
	}
	if ttl := mr.TTL(key.String()); ttl <= DefaultStaleGrace {
		t.Errorf("native TTL should include the stale grace, got %v", ttl)
	}
}

func TestRedisLogicalExpiry(t *testing.T) {
	ctx := context.Background()
	s, _, _, clock := newRedisService(t)
	key := Key{Namespace: NamespaceYears, Identifier: "ford|focus"}
	_ = s.Set(ctx, key, []byte("[2020]"), WithTTL(time.Minute))

	clock.Advance(2 * time.Minute)
	if _, ok := s.Get(ctx, key); ok {
		t.Error("Get past expires_at should miss")
	}
	if v, stale, ok := s.Peek(ctx, key); !ok || !stale || string(v) != "[2020]" {
		t.Errorf("Peek stale: got %q stale=%v ok=%v", v, stale, ok)
	}

	n, err := s.Optimize(ctx)
	if err != nil || n != 1 {
		t.Errorf("Optimize: got %d, %v; want 1", n, err)
	}
}

func TestRedisInvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newRedisService(t)

	a := Key{Namespace: NamespacePriceGuide, Identifier: "toyota|corolla|2020"}
	b := Key{Namespace: NamespacePriceGuide, Identifier: "toyota|hilux|2020"}
	c := Key{Namespace: NamespaceBrands, Identifier: "all"}
	_ = s.Set(ctx, a, []byte("a"), WithTags(VehicleTags("Toyota", "Corolla", 2020)...))
	_ = s.Set(ctx, b, []byte("b"), WithTags(VehicleTags("Toyota", "Hilux", 2020)...))
	_ = s.Set(ctx, c, []byte("c"))

	n, err := s.InvalidateVehicle(ctx, "Toyota", "Corolla", 0)
	if err != nil || n != 1 {
		t.Errorf("model invalidation: got %d, %v; want 1", n, err)
	}
	if st := s.Stats(ctx); st.Entries != 2 {
		t.Errorf("entries: got %d, want 2 (tag index keys excluded)", st.Entries)
	}

	n, err = s.Clear(ctx, NamespacePriceGuide)
	if err != nil || n != 1 {
		t.Errorf("Clear: got %d, %v; want 1", n, err)
	}
	if !s.Has(ctx, c) {
		t.Error("brands entry should survive clearing price-guide")
	}
}

func TestRedisInvalidationReachesStaleEntries(t *testing.T) {
	ctx := context.Background()
	s, _, _, clock := newRedisService(t)
	key := Key{Namespace: NamespacePriceGuide, Identifier: "toyota|corolla|2020"}
	_ = s.Set(ctx, key, []byte("guide"), WithTTL(time.Minute), WithTags(VehicleTags("Toyota", "Corolla", 2020)...))

	clock.Advance(2 * time.Hour)
	if _, ok := s.Get(ctx, key); ok {
		t.Fatal("expected miss for expired guide")
	}
	if n, err := s.InvalidateVehicle(ctx, "Toyota", "", 0); err != nil || n != 1 {
		t.Errorf("InvalidateVehicle: got %d, %v; want 1", n, err)
	}
	if _, _, ok := s.Peek(ctx, key); ok {
		t.Error("Peek should miss after invalidating the vehicle")
	}
}

func TestRedisPurgePrunesTagIndex(t *testing.T) {
	ctx := context.Background()
	s, backend, mr, clock := newRedisService(t)
	old := Key{Namespace: NamespacePriceGuide, Identifier: "toyota|corolla|2019"}
	live := Key{Namespace: NamespacePriceGuide, Identifier: "toyota|corolla|2020"}
	_ = s.Set(ctx, old, []byte("old"), WithTTL(time.Minute), WithTags(BrandTag("Toyota")))
	_ = s.Set(ctx, live, []byte("live"), WithTTL(3*time.Hour), WithTags(BrandTag("Toyota")))

	clock.Advance(time.Hour)
	n, err := s.Optimize(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Optimize: got %d, %v; want 1", n, err)
	}
	if mr.Exists(old.String()) {
		t.Error("expired entry should be gone")
	}
	keys, err := backend.KeysByTag(ctx, BrandTag("Toyota"))
	if err != nil || len(keys) != 1 || keys[0] != live.String() {
		t.Errorf("tag members after purge: got %v, %v", keys, err)
	}
}
