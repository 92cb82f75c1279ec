package objstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/calvinalkan/docvault/pkg/fs"
)

const (
	defaultFileName    = "docvault.sqlite"
	defaultLockTimeout = 5 * time.Second
	lockFileName       = "docvault.lock"
	// sqliteBusyTimeoutMs is the time SQLite waits when the database is locked.
	// After this, operations return SQLITE_BUSY.
	sqliteBusyTimeoutMs = 10000
)

// Options configures [Open].
type Options struct {
	// Dir is the data directory. Required. Created if missing.
	Dir string

	// FileName of the SQLite database inside Dir. Default "docvault.sqlite".
	FileName string

	// Schema to open or upgrade to. Required.
	Schema Schema

	// LockTimeout bounds how long Open waits for another handle. Default 5s.
	// Negative tries once and fails with [ErrBlocked] without waiting.
	LockTimeout time.Duration
}

// DB is an open object store handle.
//
// # Concurrency
//
// Safe for concurrent use. In-process coordination uses a [sync.RWMutex]:
//   - Readers ([DB.View], [DB.Stats]) hold the shared lock
//   - Writers ([DB.Update]) hold the exclusive lock for the whole transaction
//   - [DB.Close] waits for in-flight transactions
//
// Cross-handle coordination is a flock on the directory lock file, held
// shared for the lifetime of the handle.
type DB struct {
	dir    string
	path   string
	schema Schema
	sql    *sql.DB
	lock   *fs.Lock
	closed atomic.Bool

	// mu serializes writers and lets readers proceed against a consistent view.
	mu sync.RWMutex
}

// Open opens (or creates) the store in opts.Dir.
//
// If the stored schema version is older than opts.Schema.Version, missing
// collections and indexes are created in one transaction. That requires
// exclusive ownership of the data directory; if another live handle exists,
// Open returns [ErrBlocked] without touching the schema. A stored version
// newer than requested yields [ErrSchemaMigration].
//
// Calling Open again for the same directory after [DB.Close] is safe.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	if opts.Dir == "" {
		return nil, errors.New("Options.Dir is required")
	}

	err := opts.Schema.validate()
	if err != nil {
		return nil, fmt.Errorf("validating schema: %w", err)
	}

	if opts.FileName == "" {
		opts.FileName = defaultFileName
	}

	if opts.LockTimeout == 0 {
		opts.LockTimeout = defaultLockTimeout
	}

	dir := filepath.Clean(opts.Dir)

	err = os.MkdirAll(dir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	locker := fs.NewLocker()
	lockPath := filepath.Join(dir, lockFileName)

	lock, err := acquireLock(locker, lockPath, false, opts.LockTimeout)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: %w", ErrBlocked, err)
		}

		return nil, fmt.Errorf("acquiring lock: %w", err)
	}

	dbPath := filepath.Join(dir, opts.FileName)

	sqlite, err := openSqlite(ctx, dbPath)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open: %w", err), lock.Close())
	}

	db := &DB{
		dir:    dir,
		path:   dbPath,
		schema: opts.Schema,
		sql:    sqlite,
		lock:   lock,
	}

	storedVersion, err := queryUserVersion(ctx, sqlite)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("querying schema version: %w", err), db.Close())
	}

	if storedVersion > opts.Schema.Version {
		return nil, errors.Join(
			fmt.Errorf("%w: stored version %d is newer than %d", ErrSchemaMigration, storedVersion, opts.Schema.Version),
			db.Close(),
		)
	}

	if storedVersion == opts.Schema.Version {
		return db, nil
	}

	err = db.upgrade(ctx, locker, lockPath, opts.LockTimeout)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	return db, nil
}

// acquireLock takes the directory lock, polling until timeout. A negative
// timeout tries once.
func acquireLock(locker *fs.Locker, path string, exclusive bool, timeout time.Duration) (*fs.Lock, error) {
	switch {
	case timeout < 0 && exclusive:
		return locker.TryLock(path)
	case timeout < 0:
		return locker.TryRLock(path)
	case exclusive:
		return locker.LockWithTimeout(path, timeout)
	default:
		return locker.RLockWithTimeout(path, timeout)
	}
}

// upgrade swaps the shared lock for an exclusive one, migrates, then
// downgrades back to shared. Our own shared lock is released first, since a
// second descriptor would otherwise block on it.
func (db *DB) upgrade(ctx context.Context, locker *fs.Locker, lockPath string, timeout time.Duration) error {
	err := db.lock.Close()
	if err != nil {
		return fmt.Errorf("releasing shared lock: %w", err)
	}

	db.lock = nil

	exclusive, err := acquireLock(locker, lockPath, true, timeout)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return fmt.Errorf("%w: schema upgrade to version %d: %w", ErrBlocked, db.schema.Version, err)
		}

		return fmt.Errorf("acquiring exclusive lock: %w", err)
	}

	db.lock = exclusive

	// Another handle may have migrated between our release and acquire.
	storedVersion, err := queryUserVersion(ctx, db.sql)
	if err != nil {
		return fmt.Errorf("querying schema version: %w", err)
	}

	if storedVersion > db.schema.Version {
		return fmt.Errorf("%w: stored version %d is newer than %d", ErrSchemaMigration, storedVersion, db.schema.Version)
	}

	if storedVersion < db.schema.Version {
		err = migrateInTxn(ctx, db.sql, &db.schema)
		if err != nil {
			return fmt.Errorf("%w: from version %d to %d: %w", ErrSchemaMigration, storedVersion, db.schema.Version, err)
		}
	}

	err = exclusive.Downgrade()
	if err != nil {
		return fmt.Errorf("downgrading lock: %w", err)
	}

	return nil
}

// Close releases the SQLite handle and the directory lock. Safe on nil,
// idempotent. Waits for in-flight transactions to complete.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed.Load() {
		return nil
	}

	db.closed.Store(true)

	var errs []error

	if db.sql != nil {
		err := db.sql.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("sqlite: %w", err))
		}

		db.sql = nil
	}

	if db.lock != nil {
		err := db.lock.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("lock: %w", err))
		}

		db.lock = nil
	}

	return errors.Join(errs...)
}

// Dir returns the data directory of the store.
func (db *DB) Dir() string { return db.dir }

// Path returns the SQLite database file path.
func (db *DB) Path() string { return db.path }

// SchemaVersion returns the version the handle was opened with.
func (db *DB) SchemaVersion() int { return db.schema.Version }

// Collections returns the declared collection names in schema order.
func (db *DB) Collections() []string {
	names := make([]string, 0, len(db.schema.Collections))
	for _, c := range db.schema.Collections {
		names = append(names, c.Name)
	}

	return names
}

// View runs fn in a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	if ctx == nil {
		return errors.New("context is nil")
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed.Load() {
		return ErrClosed
	}

	sqlTx, err := db.sql.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read txn: %w", classify(err))
	}

	defer func() { _ = sqlTx.Rollback() }()

	return fn(&Tx{db: db, ctx: ctx, sql: sqlTx, writable: false})
}

// Update runs fn in a read/write transaction and commits if fn returns nil.
//
// Once started, the transaction is not cancelled by ctx: it either commits
// or rolls back as a whole. Engine-level conflicts surface as [ErrTxAborted]
// and are never retried here.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if ctx == nil {
		return errors.New("context is nil")
	}

	err := ctx.Err()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed.Load() {
		return ErrClosed
	}

	txCtx := context.WithoutCancel(ctx)

	sqlTx, err := db.sql.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("begin write txn: %w", classify(err))
	}

	committed := false

	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	err = fn(&Tx{db: db, ctx: txCtx, sql: sqlTx, writable: true})
	if err != nil {
		return err
	}

	err = sqlTx.Commit()
	if err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}

	committed = true

	return nil
}

// Stats reports row counts per collection and the database size.
type Stats struct {
	Counts    map[string]int
	SizeBytes int64
}

// Stats collects [Stats] in one read transaction.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Counts: make(map[string]int, len(db.schema.Collections))}

	err := db.View(ctx, func(tx *Tx) error {
		for _, c := range db.schema.Collections {
			n, err := tx.Count(c.Name, Query{})
			if err != nil {
				return err
			}

			stats.Counts[c.Name] = n
		}

		var pageCount, pageSize int64

		err := tx.sql.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
		if err != nil {
			return fmt.Errorf("page_count: %w", err)
		}

		err = tx.sql.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		if err != nil {
			return fmt.Errorf("page_size: %w", err)
		}

		stats.SizeBytes = pageCount * pageSize

		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	return stats, nil
}

// Durable switches the connection to synchronous=FULL, checkpoints the
// SQLite WAL into the main database file and fsyncs the data directory.
func (db *DB) Durable(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed.Load() {
		return ErrClosed
	}

	_, err := db.sql.ExecContext(ctx, "PRAGMA synchronous = FULL")
	if err != nil {
		return fmt.Errorf("sqlite: synchronous: %w", err)
	}

	_, err = db.sql.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("sqlite: checkpoint: %w", classify(err))
	}

	err = fs.SyncDir(db.dir)
	if err != nil {
		return fmt.Errorf("sync data dir: %w", err)
	}

	return nil
}

// openSqlite opens the database file and applies the connection pragmas.
func openSqlite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	// Ensure per-connection PRAGMAs apply consistently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("sqlite: close: %w", closeErr)
		}

		return nil, errors.Join(fmt.Errorf("sqlite: ping: %w", err), closeErr)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA cache_size = -20000;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeoutMs))
	if err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("sqlite: close: %w", closeErr)
		}

		return nil, errors.Join(fmt.Errorf("sqlite: apply pragmas: %w", err), closeErr)
	}

	return db, nil
}

// queryUserVersion reads the current SQLite PRAGMA user_version.
func queryUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, "PRAGMA user_version")

	var version int

	err := row.Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("sqlite: %w", err)
	}

	return version, nil
}
