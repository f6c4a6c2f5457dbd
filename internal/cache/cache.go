package cache

import (
	"context"
	"time"
)

// Entry is an opaque cached payload with its freshness window. Clients own the
// payload encoding; the cache only enforces expiry.
type Entry struct {
	Payload   []byte    `json:"payload" msgpack:"payload"`
	StoredAt  time.Time `json:"storedAt" msgpack:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt" msgpack:"expiresAt"`
}

// Expired reports whether the entry's freshness window has passed.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache stores upstream responses keyed by canonical query keys. An entry is
// never returned once its expiry has passed; backends evict lazily on lookup
// (or via server-side TTLs) rather than running a background sweep.
type Cache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
