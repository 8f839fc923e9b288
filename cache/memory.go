package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process memory.
//
// Expired entries are dropped from the live set on read but parked in a stale
// area, so Peek can still serve them for degraded reads until the next Purge.
// Parked entries stay tagged and listed, so invalidation and Clear reach them.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	stale   map[string]*Entry
	tags    map[string]map[string]struct{}
	now     func() time.Time
}

// NewMemoryBackend creates an empty MemoryBackend using the wall clock.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithClock(time.Now)
}

// NewMemoryBackendWithClock creates a MemoryBackend driven by now; used by tests.
func NewMemoryBackendWithClock(now func() time.Time) *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]*Entry),
		stale:   make(map[string]*Entry),
		tags:    make(map[string]map[string]struct{}),
		now:     now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	now := m.now()
	if e.Expired(now) {
		delete(m.entries, key)
		m.stale[key] = e
		return nil, false, nil
	}
	e.AccessCount++
	e.LastAccessed = now
	return copyEntry(e), true, nil
}

func (m *MemoryBackend) Peek(_ context.Context, key string) (*Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.entries[key]; ok {
		return copyEntry(e), true, nil
	}
	if e, ok := m.stale[key]; ok {
		return copyEntry(e), true, nil
	}
	return nil, false, nil
}

func (m *MemoryBackend) Set(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drop(e.Key)
	stored := copyEntry(e)
	m.entries[e.Key] = stored
	for _, t := range stored.Tags {
		set, ok := m.tags[t]
		if !ok {
			set = make(map[string]struct{})
			m.tags[t] = set
		}
		set[e.Key] = struct{}{}
	}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, k := range keys {
		if m.drop(k) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, set := range []map[string]*Entry{m.entries, m.stale} {
		for k := range set {
			if strings.HasPrefix(k, prefix) {
				out = append(out, k)
			}
		}
	}
	return out, nil
}

func (m *MemoryBackend) KeysByTag(_ context.Context, tag string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.tags[tag]))
	for k := range m.tags[tag] {
		out = append(out, k)
	}
	return out, nil
}

func (m *MemoryBackend) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := len(m.stale)
	for k, e := range m.stale {
		m.untag(k, e.Tags)
	}
	m.stale = make(map[string]*Entry)
	for k, e := range m.entries {
		if e.Expired(now) {
			m.untag(k, e.Tags)
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Close() error { return nil }

// drop removes key from the live and stale sets and reports whether it was
// stored. Callers hold mu.
func (m *MemoryBackend) drop(key string) bool {
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	} else if e, ok = m.stale[key]; ok {
		delete(m.stale, key)
	}
	if ok {
		m.untag(key, e.Tags)
	}
	return ok
}

// untag must be called with mu held.
func (m *MemoryBackend) untag(key string, tags []string) {
	for _, t := range tags {
		if set, ok := m.tags[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.tags, t)
			}
		}
	}
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	cp.Tags = append([]string(nil), e.Tags...)
	return &cp
}
