package cache

import (
	"context"
	"time"
)

// Entry is one stored value with its bookkeeping.
type Entry struct {
	Key          string
	Value        []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	LastAccessed time.Time
	Tags         []string
}

// Expired reports whether the entry is past its expiry at now. A zero ExpiresAt never expires.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Backend is the storage behind Service. Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns a live entry and records the access. Expired entries are purged and reported missing.
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// Peek returns the entry even when expired, without recording an access.
	Peek(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, e *Entry) error
	// Delete removes keys, live or stale, and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)
	// Keys lists stored keys starting with prefix, including expired entries not yet purged.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// KeysByTag lists keys carrying tag, including expired entries not yet purged.
	KeysByTag(ctx context.Context, tag string) ([]string, error)
	// Purge removes expired entries and reports how many were dropped.
	Purge(ctx context.Context) (int, error)
	Close() error
}
