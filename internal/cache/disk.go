package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/vmihailenco/msgpack/v5"
)

type diskCache struct {
	db  *leveldb.DB
	ttl time.Duration
}

// NewDisk opens a LevelDB-backed cache at path, creating the directory when it
// does not exist. Entries survive restarts; expired ones are deleted on the
// lookup that discovers them.
func NewDisk(path string, ttl time.Duration) (Cache, error) {
	if path == "" {
		return nil, errors.New("cache: disk path required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open disk cache: %w", err)
	}
	return &diskCache{db: db, ttl: ttl}, nil
}

func (c *diskCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	raw, err := c.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: disk get: %w", err)
	}
	var entry Entry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		// Unreadable payloads are treated as absent and dropped so a
		// format change never wedges the cache.
		_ = c.db.Delete([]byte(key), nil)
		return Entry{}, false, nil
	}
	if entry.Expired(time.Now()) {
		if err := c.db.Delete([]byte(key), nil); err != nil {
			return Entry{}, false, fmt.Errorf("cache: disk evict: %w", err)
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *diskCache) Store(_ context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(c.ttl)
	}
	raw, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: disk marshal: %w", err)
	}
	if err := c.db.Put([]byte(key), raw, nil); err != nil {
		return fmt.Errorf("cache: disk put: %w", err)
	}
	return nil
}

func (c *diskCache) Delete(_ context.Context, key string) error {
	if err := c.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("cache: disk delete: %w", err)
	}
	return nil
}

func (c *diskCache) Size(_ context.Context) (int64, error) {
	it := c.db.NewIterator(nil, nil)
	defer it.Release()
	var count int64
	for it.Next() {
		count++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("cache: disk size: %w", err)
	}
	return count, nil
}

func (c *diskCache) Close(context.Context) error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("cache: disk close: %w", err)
	}
	return nil
}
