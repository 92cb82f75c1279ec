package objstore

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrClosed indicates an operation was attempted on a closed DB.
	ErrClosed = errors.New("objstore closed")

	// ErrNotFound is returned by [Tx.Get] when the key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrKeyExists is returned by [Tx.Add] for a duplicate key and by any write
	// that violates a unique index.
	ErrKeyExists = errors.New("key exists")

	// ErrBlocked indicates another live handle holds the data directory and
	// the requested open could not proceed without waiting for it to close.
	// No schema change was attempted.
	ErrBlocked = errors.New("open blocked by another connection")

	// ErrSchemaMigration indicates the stored schema could not be brought to
	// the requested version. The stored data is left untouched.
	ErrSchemaMigration = errors.New("schema migration failed")

	// ErrTxAborted indicates the underlying engine aborted the transaction
	// (lock contention or a write conflict). Nothing was applied.
	ErrTxAborted = errors.New("transaction aborted")

	// ErrUnknownCollection is returned for operations on collections that
	// are not declared in the schema.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownIndex is returned for scans on undeclared indexes.
	ErrUnknownIndex = errors.New("unknown index")

	// ErrStop can be returned from a [Tx.Scan] callback to end iteration early.
	// Scan then returns nil.
	ErrStop = errors.New("stop scan")
)

// classify maps SQLite engine errors onto the package sentinels while keeping
// the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return err
	}

	switch sqlErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %w", ErrTxAborted, err)
	case sqlite3.ErrConstraint:
		if sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %w", ErrKeyExists, err)
		}

		return fmt.Errorf("%w: %w", ErrTxAborted, err)
	default:
		return err
	}
}
