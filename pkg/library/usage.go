package library

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/calvinalkan/docvault/pkg/fs"
	"github.com/calvinalkan/docvault/pkg/objstore"
)

// Usage reports storage consumption.
type Usage struct {
	// UsageBytes is the size of the database file.
	UsageBytes int64 `json:"usageBytes"`

	// QuotaBytes is what the store may grow to: current usage plus the free
	// space of the data directory's filesystem, capped by Options.QuotaBytes.
	// Zero when unknown.
	QuotaBytes int64 `json:"quotaBytes"`

	PercentUsed         float64        `json:"percentUsed"`
	PerCollectionCounts map[string]int `json:"perCollectionCounts"`

	// BlobBytes sums the recorded sizes of all blobs.
	BlobBytes int64 `json:"blobBytes"`

	IsNearLimit bool `json:"isNearLimit"`
}

// Usage combines store statistics with the host filesystem's free space.
func (l *Library) Usage(ctx context.Context) (Usage, error) {
	const op = "usage"

	db, err := l.handle(ctx)
	if err != nil {
		return Usage{}, err
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		return Usage{}, wrapErr(op, "", err)
	}

	u := Usage{
		UsageBytes:          stats.SizeBytes,
		PerCollectionCounts: make(map[string]int, len(stats.Counts)),
	}

	for name, n := range stats.Counts {
		if name == colBlobData {
			continue
		}

		u.PerCollectionCounts[name] = n
	}

	err = db.View(ctx, func(tx *objstore.Tx) error {
		return tx.Scan(colBlobs, objstore.Query{}, func(key string, value json.RawMessage) error {
			var b struct {
				Size int64 `json:"size"`
			}

			err := json.Unmarshal(value, &b)
			if err != nil {
				return fmt.Errorf("decode blob %s: %w", key, err)
			}

			u.BlobBytes += b.Size

			return nil
		})
	})
	if err != nil {
		return Usage{}, wrapErr(op, "", err)
	}

	disk, err := fs.StatDisk(l.opts.Dir)
	if err != nil {
		l.log.Warn("disk stat failed", "dir", l.opts.Dir, "err", err)
	} else {
		u.QuotaBytes = u.UsageBytes + disk.AvailableBytes
	}

	if l.opts.QuotaBytes > 0 && (u.QuotaBytes == 0 || l.opts.QuotaBytes < u.QuotaBytes) {
		u.QuotaBytes = l.opts.QuotaBytes
	}

	if u.QuotaBytes > 0 {
		u.PercentUsed = float64(u.UsageBytes) / float64(u.QuotaBytes) * 100
	}

	u.IsNearLimit = u.QuotaBytes > 0 && u.PercentUsed >= l.opts.NearLimitPercent

	return u, nil
}

// RequestDurability asks SQLite for full fsync on commit, checkpoints the
// write-ahead log and fsyncs the data directory. It reports whether the
// request succeeded.
func (l *Library) RequestDurability(ctx context.Context) bool {
	db, err := l.handle(ctx)
	if err != nil {
		l.log.Warn("durability request failed", "err", err)

		return false
	}

	err = db.Durable(ctx)
	if err != nil {
		l.log.Warn("durability request failed", "err", err)

		return false
	}

	return true
}
