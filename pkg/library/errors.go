package library

import (
	"errors"
	"fmt"
	"strings"

	"github.com/calvinalkan/docvault/pkg/objstore"
)

var (
	// ErrNotFound indicates an operation on an id or name that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates rejected input: unsupported enum values, missing
	// required fields, malformed snapshot records.
	ErrValidation = errors.New("validation failed")

	// ErrSizeLimitExceeded indicates a blob larger than the configured maximum.
	// It also matches [ErrValidation].
	ErrSizeLimitExceeded = fmt.Errorf("%w: size limit exceeded", ErrValidation)

	// ErrChecksumMismatch indicates a blob whose stored bytes no longer hash
	// to the checksum recorded when it was stored.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrClosed indicates the library was used after [Library.Close].
	ErrClosed = objstore.ErrClosed

	// ErrBlocked indicates the store could not be opened because another
	// live handle prevents the required schema upgrade.
	ErrBlocked = objstore.ErrBlocked

	// ErrSchemaMigration indicates the stored schema could not be upgraded.
	ErrSchemaMigration = objstore.ErrSchemaMigration

	// ErrKeyExists indicates an insert of an id that is already stored.
	ErrKeyExists = objstore.ErrKeyExists

	// ErrTxAborted indicates the storage engine aborted a write. Nothing was
	// applied; callers decide whether to retry.
	ErrTxAborted = objstore.ErrTxAborted
)

// Error is the structured error returned by library operations.
//
// The underlying error message appears after the operation, followed by the
// subject identifier:
//
//	update document: not found (id=0193...)
//
// Use [errors.Is] against the package sentinels:
//
//	if errors.Is(err, library.ErrNotFound) { ... }
type Error struct {
	// Op names the failed operation, e.g. "update document".
	Op string

	// ID is the document, tag, blob or key the operation was about.
	ID string

	// Err is the underlying cause.
	Err error
}

// Error formats as "<op>: <cause> (id=X)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var sb strings.Builder

	if e.Op != "" {
		sb.WriteString(e.Op)
	}

	if e.Err != nil {
		if sb.Len() > 0 {
			sb.WriteString(": ")
		}

		sb.WriteString(e.Err.Error())
	}

	if e.ID != "" {
		sb.WriteString(" (id=" + e.ID + ")")
	}

	return sb.String()
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// wrapErr attaches operation context. A direct *Error is copied with its
// missing fields filled in rather than nested.
func wrapErr(op, id string, err error) error {
	if err == nil {
		return nil
	}

	existing, ok := err.(*Error) //nolint:errorlint // only the outermost error is merged
	if !ok {
		return &Error{Op: op, ID: id, Err: err}
	}

	merged := *existing
	if merged.Op == "" {
		merged.Op = op
	}

	if merged.ID == "" {
		merged.ID = id
	}

	return &merged
}

// notFound builds a not-found error, translating objstore's sentinel.
func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

// validationErr wraps a validation cause so it matches [ErrValidation].
func validationErr(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}
