package cache

import (
	"context"

	"github.com/fasalmitra/fasalmitra/internal/metrics"
)

// Instrument wraps a cache so every lookup and store lands in the recorder
// under the given backend label. A nil recorder returns the cache unchanged.
func Instrument(inner Cache, backend string, recorder *metrics.Recorder) Cache {
	if inner == nil || recorder == nil {
		return inner
	}
	return &instrumented{inner: inner, backend: backend, recorder: recorder}
}

type instrumented struct {
	inner    Cache
	backend  string
	recorder *metrics.Recorder
}

func (c *instrumented) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	entry, ok, err := c.inner.Lookup(ctx, key)
	switch {
	case err != nil:
		c.recorder.ObserveCacheLookup(c.backend, metrics.CacheLookupError)
	case ok:
		c.recorder.ObserveCacheLookup(c.backend, metrics.CacheLookupHit)
	default:
		c.recorder.ObserveCacheLookup(c.backend, metrics.CacheLookupMiss)
	}
	return entry, ok, err
}

func (c *instrumented) Store(ctx context.Context, key string, entry Entry) error {
	err := c.inner.Store(ctx, key, entry)
	if err != nil {
		c.recorder.ObserveCacheStore(c.backend, metrics.CacheStoreError)
	} else {
		c.recorder.ObserveCacheStore(c.backend, metrics.CacheStoreStored)
	}
	return err
}

func (c *instrumented) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

func (c *instrumented) Size(ctx context.Context) (int64, error) {
	return c.inner.Size(ctx)
}

func (c *instrumented) Close(ctx context.Context) error {
	return c.inner.Close(ctx)
}
