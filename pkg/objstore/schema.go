package objstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Schema declares the collections of a store and the version they belong to.
//
// Version is stored in SQLite's user_version pragma. Increment it whenever a
// collection or index is added. Migrations are additive: tables and indexes
// that are missing are created; nothing is ever dropped.
type Schema struct {
	Version     int
	Collections []Collection
}

// Collection is a named set of JSON values addressed by primary key.
type Collection struct {
	Name string

	// AutoIncrement collections assign monotonically increasing integer keys
	// via [Tx.Append]. Keys are exposed as decimal strings.
	AutoIncrement bool

	Indexes []Index
}

// IndexKind selects how indexed values are compared.
type IndexKind int

const (
	// IndexValue compares the raw JSON scalar (text, number, boolean as 0/1).
	IndexValue IndexKind = iota
	// IndexTime compares RFC 3339 timestamps chronologically at millisecond
	// precision. Index an integer with IndexValue when finer ordering matters.
	IndexTime
)

// Index declares a secondary index over a JSON path of the stored value.
type Index struct {
	Name string

	// Path is a SQLite JSON path, for example "$.metadata.uploadedAt".
	Path string

	Kind IndexKind

	// Unique rejects writes that would store two values with the same
	// indexed value (see [ErrKeyExists]).
	Unique bool

	// MultiEntry indexes every element of an array at Path individually.
	MultiEntry bool
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func (s *Schema) validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1, got %d", s.Version)
	}

	if len(s.Collections) == 0 {
		return errors.New("schema has no collections")
	}

	seen := make(map[string]bool, len(s.Collections))

	for _, c := range s.Collections {
		if !identRe.MatchString(c.Name) {
			return fmt.Errorf("collection name %q is invalid", c.Name)
		}

		if strings.HasPrefix(c.Name, "sqlite_") {
			return fmt.Errorf("collection name %q is reserved", c.Name)
		}

		if seen[c.Name] {
			return fmt.Errorf("collection %q declared twice", c.Name)
		}

		seen[c.Name] = true

		indexSeen := make(map[string]bool, len(c.Indexes))

		for _, idx := range c.Indexes {
			if !identRe.MatchString(idx.Name) {
				return fmt.Errorf("collection %q: index name %q is invalid", c.Name, idx.Name)
			}

			if indexSeen[idx.Name] {
				return fmt.Errorf("collection %q: index %q declared twice", c.Name, idx.Name)
			}

			indexSeen[idx.Name] = true

			if !strings.HasPrefix(idx.Path, "$.") || strings.ContainsAny(idx.Path, "'\"") {
				return fmt.Errorf("collection %q: index %q has invalid path %q", c.Name, idx.Name, idx.Path)
			}

			if idx.MultiEntry && idx.Unique {
				return fmt.Errorf("collection %q: index %q cannot be both unique and multi-entry", c.Name, idx.Name)
			}
		}
	}

	return nil
}

func (s *Schema) collection(name string) (*Collection, error) {
	for i := range s.Collections {
		if s.Collections[i].Name == name {
			return &s.Collections[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
}

func (c *Collection) index(name string) (*Index, error) {
	for i := range c.Indexes {
		if c.Indexes[i].Name == name {
			return &c.Indexes[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, c.Name, name)
}

// tableName quotes the collection name for use in SQL.
func (c *Collection) tableName() string {
	return `"` + c.Name + `"`
}

// valueExpr is the SQL expression an index compares on.
func (idx *Index) valueExpr(column string) string {
	expr := fmt.Sprintf("json_extract(%s, '%s')", column, idx.Path)
	if idx.Kind == IndexTime {
		return "julianday(" + expr + ")"
	}

	return expr
}

// createStatements returns the idempotent DDL for a collection.
func (c *Collection) createStatements() []string {
	keyCol := "key TEXT PRIMARY KEY"
	suffix := " WITHOUT ROWID"

	if c.AutoIncrement {
		keyCol = "key INTEGER PRIMARY KEY AUTOINCREMENT"
		suffix = ""
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, value TEXT NOT NULL)%s", c.tableName(), keyCol, suffix),
	}

	for _, idx := range c.Indexes {
		if idx.MultiEntry {
			// Array elements are reached through json_each at scan time;
			// SQLite cannot index them with an expression index.
			continue
		}

		unique := ""
		cols := idx.valueExpr("value") + ", key"

		if idx.Unique {
			unique = "UNIQUE "
			cols = idx.valueExpr("value")
		}

		stmts = append(stmts, fmt.Sprintf(
			`CREATE %sINDEX IF NOT EXISTS "idx_%s_%s" ON %s(%s)`,
			unique, c.Name, idx.Name, c.tableName(), cols,
		))
	}

	return stmts
}

// migrateInTxn creates every missing table and index and records the new
// schema version. It runs inside a single transaction so a failed upgrade
// leaves the previous schema in place.
func migrateInTxn(ctx context.Context, db *sql.DB, schema *Schema) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration txn: %w", classify(err))
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, c := range schema.Collections {
		for i, stmt := range c.createStatements() {
			_, err = tx.ExecContext(ctx, stmt)
			if err != nil {
				return fmt.Errorf("collection %s: statement %d: %w", c.Name, i+1, classify(err))
			}
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schema.Version))
	if err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit migration txn: %w", classify(err))
	}

	committed = true

	return nil
}
