package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/calvinalkan/docvault/pkg/objstore"
)

// CacheOptions controls [Library.CacheSet].
type CacheOptions struct {
	Category string

	// ExpiresAt sets an absolute expiry. When zero, TTL applies.
	ExpiresAt time.Time

	// TTL defaults to the library's CacheTTL.
	TTL time.Duration
}

// cacheRecord is the stored form of a [CacheEntry]. The expiry is also kept
// as unix nanoseconds so the sweep index agrees with [Library.CacheGet].
type cacheRecord struct {
	CacheEntry

	ExpiresAtNano int64 `json:"expiresAtNano"`
}

// CacheSet stores value under key, replacing any previous entry. value is
// encoded as JSON.
func (l *Library) CacheSet(ctx context.Context, key string, value any, opts CacheOptions) (CacheEntry, error) {
	const op = "cache set"

	if key == "" {
		return CacheEntry{}, wrapErr(op, "", validationErr(errors.New("key is required")))
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return CacheEntry{}, wrapErr(op, key, validationErr(err))
	}

	now := l.now()

	expires := opts.ExpiresAt.UTC()
	if opts.ExpiresAt.IsZero() {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = l.opts.CacheTTL
		}

		expires = now.Add(ttl)
	}

	entry := CacheEntry{
		Key:       key,
		Value:     raw,
		Category:  opts.Category,
		CreatedAt: now,
		ExpiresAt: expires,
	}

	err = l.update(ctx, func(tx *objstore.Tx) error {
		return tx.Put(colCache, key, cacheRecord{CacheEntry: entry, ExpiresAtNano: expires.UnixNano()})
	})
	if err != nil {
		return CacheEntry{}, wrapErr(op, key, err)
	}

	return entry, nil
}

// CacheGet returns the live entry for key. An expired entry is deleted and
// reported as [ErrNotFound].
func (l *Library) CacheGet(ctx context.Context, key string) (CacheEntry, error) {
	const op = "cache get"

	var (
		entry   CacheEntry
		expired bool
	)

	err := l.view(ctx, func(tx *objstore.Tx) error {
		err := tx.Get(colCache, key, &entry)
		if errors.Is(err, objstore.ErrNotFound) {
			return notFound("cache entry")
		}

		return err
	})
	if err != nil {
		return CacheEntry{}, wrapErr(op, key, err)
	}

	if !entry.ExpiresAt.After(l.now()) {
		expired = true
	}

	if !expired {
		return entry, nil
	}

	err = l.update(ctx, func(tx *objstore.Tx) error {
		// Re-check inside the write so a concurrent CacheSet is not lost.
		var current CacheEntry

		err := tx.Get(colCache, key, &current)
		if errors.Is(err, objstore.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if current.ExpiresAt.After(l.now()) {
			entry = current
			expired = false

			return nil
		}

		_, err = tx.Delete(colCache, key)

		return err
	})
	if err != nil {
		return CacheEntry{}, wrapErr(op, key, err)
	}

	if expired {
		return CacheEntry{}, wrapErr(op, key, notFound("cache entry"))
	}

	return entry, nil
}

// CacheGetValue decodes the live cache value for key into T.
func CacheGetValue[T any](ctx context.Context, l *Library, key string) (T, error) {
	var v T

	entry, err := l.CacheGet(ctx, key)
	if err != nil {
		return v, err
	}

	err = json.Unmarshal(entry.Value, &v)
	if err != nil {
		return v, wrapErr("cache get", key, fmt.Errorf("decode value: %w", err))
	}

	return v, nil
}

// CacheDelete removes key. Deleting a missing key is not an error.
func (l *Library) CacheDelete(ctx context.Context, key string) error {
	err := l.update(ctx, func(tx *objstore.Tx) error {
		_, err := tx.Delete(colCache, key)

		return err
	})

	return wrapErr("cache delete", key, err)
}

// CacheClear removes every cache entry and returns how many there were.
func (l *Library) CacheClear(ctx context.Context) (int, error) {
	var n int64

	err := l.update(ctx, func(tx *objstore.Tx) error {
		var err error

		n, err = tx.Clear(colCache)

		return err
	})
	if err != nil {
		return 0, wrapErr("cache clear", "", err)
	}

	return int(n), nil
}

// CacheClearCategory removes every entry in category.
func (l *Library) CacheClearCategory(ctx context.Context, category string) (int, error) {
	var n int

	err := l.update(ctx, func(tx *objstore.Tx) error {
		keys, err := tx.Keys(colCache, objstore.Query{Index: "category", Equal: category})
		if err != nil {
			return err
		}

		for _, k := range keys {
			_, err = tx.Delete(colCache, k)
			if err != nil {
				return err
			}
		}

		n = len(keys)

		return nil
	})
	if err != nil {
		return 0, wrapErr("cache clear category", category, err)
	}

	return n, nil
}

// SweepCache removes every expired entry and returns how many were removed.
// Safe to call repeatedly and concurrently with other cache operations.
func (l *Library) SweepCache(ctx context.Context) (int, error) {
	db, err := l.handle(ctx)
	if err != nil {
		return 0, err
	}

	n, err := l.sweepCache(ctx, db)
	if err != nil {
		return 0, wrapErr("sweep cache", "", err)
	}

	return n, nil
}

// sweepCache deletes entries whose expiry is at or before now, found through
// the expiry index.
func (l *Library) sweepCache(ctx context.Context, db *objstore.DB) (int, error) {
	now := l.now()

	var n int

	err := db.Update(ctx, func(tx *objstore.Tx) error {
		keys, err := tx.Keys(colCache, objstore.Query{Index: "expires_at", Upper: now.UnixNano()})
		if err != nil {
			return err
		}

		for _, k := range keys {
			_, err = tx.Delete(colCache, k)
			if err != nil {
				return err
			}
		}

		n = len(keys)

		return nil
	})

	return n, err
}

// sweepLoop runs sweepCache every interval until stop is closed.
func (l *Library) sweepLoop(db *objstore.DB, interval time.Duration, stop chan struct{}) {
	defer l.sweepDone.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := l.sweepCache(context.Background(), db)
			if err != nil {
				l.log.Warn("cache sweep failed", "err", err)

				continue
			}

			if n > 0 {
				l.log.Debug("cache sweep", "removed", n)
			}
		}
	}
}
