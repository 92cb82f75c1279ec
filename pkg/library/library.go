// Package library is the embedded document store of the knowledge assistant.
//
// A [Library] persists documents, blobs, tags, cache entries, an action
// history and settings in one schema-versioned [objstore.DB], and provides
// search, tagging, versioning, bulk mutation, quota reporting and snapshot
// import/export on top of it.
//
// Construct with [New], then call [Library.Open] (idempotent; operations also
// open lazily). Every mutation runs as one transaction across all collections
// it touches; events are published only after that transaction commits.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calvinalkan/docvault/pkg/objstore"
)

// Collection names.
const (
	colDocuments = "documents"
	colTags      = "tags"
	colBlobs     = "blobs"
	colBlobData  = "blob_data"
	colCache     = "cache"
	colHistory   = "history"
	colSettings  = "settings"
)

// SchemaVersion is the current store schema version.
const SchemaVersion = 1

// schema declares every collection and its secondary indexes.
var schema = objstore.Schema{
	Version: SchemaVersion,
	Collections: []objstore.Collection{
		{
			Name: colDocuments,
			Indexes: []objstore.Index{
				{Name: "name", Path: "$.name"},
				{Name: "type", Path: "$.type"},
				{Name: "status", Path: "$.status"},
				{Name: "uploaded_at", Path: "$.metadata.uploadedAt", Kind: objstore.IndexTime},
				{Name: "favorite", Path: "$.metadata.isFavorite"},
				{Name: "folder", Path: "$.metadata.folderId"},
				{Name: "source", Path: "$.metadata.source"},
				{Name: "tags", Path: "$.tags", MultiEntry: true},
			},
		},
		{
			Name: colTags,
			Indexes: []objstore.Index{
				{Name: "name", Path: "$.name", Unique: true},
				{Name: "document_count", Path: "$.documentCount"},
			},
		},
		{
			Name: colBlobs,
			Indexes: []objstore.Index{
				{Name: "document_id", Path: "$.documentId"},
				{Name: "mime_type", Path: "$.mimeType"},
				{Name: "size", Path: "$.size"},
			},
		},
		{Name: colBlobData},
		{
			Name: colCache,
			Indexes: []objstore.Index{
				{Name: "expires_at", Path: "$.expiresAtNano"},
				{Name: "category", Path: "$.category"},
			},
		},
		{
			Name:          colHistory,
			AutoIncrement: true,
			Indexes: []objstore.Index{
				{Name: "timestamp", Path: "$.timestamp", Kind: objstore.IndexTime},
				{Name: "action", Path: "$.action"},
			},
		},
		{Name: colSettings},
	},
}

// Defaults applied by [New] for zero-valued [Options] fields.
const (
	DefaultMaxBlobSize        = 50 << 20
	DefaultCacheTTL           = 24 * time.Hour
	DefaultCacheSweepInterval = 5 * time.Minute
	DefaultHistoryLimit       = 100
	DefaultNearLimitPercent   = 80.0
	DefaultLockTimeout        = 5 * time.Second
)

// Options configures a [Library].
type Options struct {
	// Dir is the data directory. Required.
	Dir string

	// MaxBlobSize is the largest accepted blob in bytes.
	MaxBlobSize int64

	// CacheTTL is the lifetime of cache entries set without an explicit expiry.
	CacheTTL time.Duration

	// CacheSweepInterval is the period of the background expiry sweep.
	// Negative disables the background sweep (the sweep at open still runs).
	CacheSweepInterval time.Duration

	// HistoryLimit caps the number of retained history entries.
	HistoryLimit int

	// NearLimitPercent is the usage percentage at which [Usage.IsNearLimit] is set.
	NearLimitPercent float64

	// QuotaBytes caps the quota reported by [Library.Usage]. Zero uses the
	// available disk space only.
	QuotaBytes int64

	// LockTimeout bounds how long opening waits for another handle.
	// Negative fails at once when the data directory is busy.
	LockTimeout time.Duration

	// Logger receives operational logs. Defaults to a discarding logger.
	Logger *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Library is the document store handle. Safe for concurrent use.
type Library struct {
	opts   Options
	log    *slog.Logger
	events *bus

	mu     sync.Mutex
	db     *objstore.DB
	closed bool

	stopSweep chan struct{}
	sweepDone sync.WaitGroup
}

// New constructs an unopened Library. Zero option fields take defaults.
func New(opts Options) *Library {
	if opts.MaxBlobSize <= 0 {
		opts.MaxBlobSize = DefaultMaxBlobSize
	}

	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}

	if opts.CacheSweepInterval == 0 {
		opts.CacheSweepInterval = DefaultCacheSweepInterval
	}

	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}

	if opts.NearLimitPercent <= 0 {
		opts.NearLimitPercent = DefaultNearLimitPercent
	}

	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Library{
		opts:   opts,
		log:    opts.Logger,
		events: newBus(opts.Logger),
	}
}

// Open opens the underlying store, runs an initial cache sweep and starts the
// background sweeper. Calling Open on an open Library is a no-op.
//
// Returns [ErrBlocked] if another live handle prevents a schema upgrade, and
// [ErrClosed] after [Library.Close].
func (l *Library) Open(ctx context.Context) error {
	_, err := l.handle(ctx)

	return err
}

// handle returns the open DB, opening it on first use.
func (l *Library) handle(ctx context.Context) (*objstore.DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	if l.db != nil {
		return l.db, nil
	}

	if l.opts.Dir == "" {
		return nil, wrapErr("open", "", validationErr(errors.New("Options.Dir is required")))
	}

	db, err := objstore.Open(ctx, objstore.Options{
		Dir:         l.opts.Dir,
		Schema:      schema,
		LockTimeout: l.opts.LockTimeout,
	})
	if err != nil {
		return nil, wrapErr("open", l.opts.Dir, err)
	}

	l.db = db

	removed, err := l.sweepCache(ctx, db)
	if err != nil {
		l.log.Warn("initial cache sweep failed", "err", err)
	} else if removed > 0 {
		l.log.Debug("initial cache sweep", "removed", removed)
	}

	if l.opts.CacheSweepInterval > 0 {
		l.stopSweep = make(chan struct{})
		l.sweepDone.Add(1)

		go l.sweepLoop(db, l.opts.CacheSweepInterval, l.stopSweep)
	}

	l.log.Info("library opened", "dir", l.opts.Dir, "schema_version", db.SchemaVersion())

	return db, nil
}

// Close stops the background sweeper and closes the store. Idempotent.
func (l *Library) Close() error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()

		return nil
	}

	l.closed = true
	db := l.db
	stop := l.stopSweep
	l.db = nil
	l.stopSweep = nil

	l.mu.Unlock()

	if stop != nil {
		close(stop)
		l.sweepDone.Wait()
	}

	if db == nil {
		return nil
	}

	err := db.Close()
	if err != nil {
		return fmt.Errorf("close library: %w", err)
	}

	l.log.Info("library closed", "dir", l.opts.Dir)

	return nil
}

// DB exposes the underlying object store for diagnostics and tooling.
func (l *Library) DB(ctx context.Context) (*objstore.DB, error) {
	return l.handle(ctx)
}

// Options returns the effective options after defaults.
func (l *Library) Options() Options {
	return l.opts
}

func (l *Library) now() time.Time {
	return l.opts.Now().UTC()
}

// update opens lazily and runs fn in a write transaction.
func (l *Library) update(ctx context.Context, fn func(tx *objstore.Tx) error) error {
	db, err := l.handle(ctx)
	if err != nil {
		return err
	}

	return db.Update(ctx, fn)
}

// view opens lazily and runs fn in a read transaction.
func (l *Library) view(ctx context.Context, fn func(tx *objstore.Tx) error) error {
	db, err := l.handle(ctx)
	if err != nil {
		return err
	}

	return db.View(ctx, fn)
}
