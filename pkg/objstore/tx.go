package objstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Tx is a transaction handed to [DB.View] and [DB.Update] callbacks.
// It must not be used after the callback returns.
type Tx struct {
	db       *DB
	ctx      context.Context
	sql      *sql.Tx
	writable bool
}

// Get decodes the value stored under key into dst.
// Returns [ErrNotFound] if the key does not exist.
func (tx *Tx) Get(collection, key string, dst any) error {
	raw, err := tx.GetRaw(collection, key)
	if err != nil {
		return err
	}

	err = json.Unmarshal(raw, dst)
	if err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}

	return nil
}

// GetRaw returns the stored JSON for key, or [ErrNotFound].
func (tx *Tx) GetRaw(collection, key string) (json.RawMessage, error) {
	c, keyArg, err := tx.keyed(collection, key)
	if err != nil {
		return nil, err
	}

	var raw string

	err = tx.sql.QueryRowContext(tx.ctx,
		"SELECT value FROM "+c.tableName()+" WHERE key = ?", keyArg,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}

	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, classify(err))
	}

	return json.RawMessage(raw), nil
}

// Exists reports whether key is present.
func (tx *Tx) Exists(collection, key string) (bool, error) {
	c, keyArg, err := tx.keyed(collection, key)
	if err != nil {
		return false, err
	}

	var one int

	err = tx.sql.QueryRowContext(tx.ctx,
		"SELECT 1 FROM "+c.tableName()+" WHERE key = ? LIMIT 1", keyArg,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("exists %s/%s: %w", collection, key, classify(err))
	}

	return true, nil
}

// Put stores v under key, replacing any previous value.
func (tx *Tx) Put(collection, key string, v any) error {
	return tx.write(collection, key, v, "ON CONFLICT(key) DO UPDATE SET value = excluded.value")
}

// Add stores v under key. Returns [ErrKeyExists] if the key is taken.
func (tx *Tx) Add(collection, key string, v any) error {
	return tx.write(collection, key, v, "")
}

// write inserts a row. A non-empty onConflict clause turns it into an upsert
// on the primary key; unique index violations still fail.
func (tx *Tx) write(collection, key string, v any, onConflict string) error {
	if !tx.writable {
		return errors.New("write in read-only transaction")
	}

	c, keyArg, err := tx.keyed(collection, key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}

	_, err = tx.sql.ExecContext(tx.ctx,
		"INSERT INTO "+c.tableName()+" (key, value) VALUES (?, ?) "+onConflict, keyArg, string(data),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, classify(err))
	}

	return nil
}

// Append stores v in an auto-increment collection and returns its key.
func (tx *Tx) Append(collection string, v any) (int64, error) {
	if !tx.writable {
		return 0, errors.New("write in read-only transaction")
	}

	c, err := tx.db.schema.collection(collection)
	if err != nil {
		return 0, err
	}

	if !c.AutoIncrement {
		return 0, fmt.Errorf("append to %s: collection is not auto-increment", collection)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", collection, err)
	}

	res, err := tx.sql.ExecContext(tx.ctx, "INSERT INTO "+c.tableName()+" (value) VALUES (?)", string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", collection, classify(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append %s: last insert id: %w", collection, err)
	}

	return id, nil
}

// Delete removes key. Deleting a missing key is not an error; the result
// reports whether a row was removed.
func (tx *Tx) Delete(collection, key string) (bool, error) {
	if !tx.writable {
		return false, errors.New("write in read-only transaction")
	}

	c, keyArg, err := tx.keyed(collection, key)
	if err != nil {
		return false, err
	}

	res, err := tx.sql.ExecContext(tx.ctx, "DELETE FROM "+c.tableName()+" WHERE key = ?", keyArg)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", collection, key, classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: rows affected: %w", collection, key, err)
	}

	return n > 0, nil
}

// Clear removes every row of a collection and returns how many were removed.
func (tx *Tx) Clear(collection string) (int64, error) {
	if !tx.writable {
		return 0, errors.New("write in read-only transaction")
	}

	c, err := tx.db.schema.collection(collection)
	if err != nil {
		return 0, err
	}

	res, err := tx.sql.ExecContext(tx.ctx, "DELETE FROM "+c.tableName())
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", collection, classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear %s: rows affected: %w", collection, err)
	}

	return n, nil
}

// keyed resolves the collection and converts key to the column's type.
func (tx *Tx) keyed(collection, key string) (*Collection, any, error) {
	c, err := tx.db.schema.collection(collection)
	if err != nil {
		return nil, nil, err
	}

	if key == "" {
		return nil, nil, fmt.Errorf("%s: key is empty", collection)
	}

	if !c.AutoIncrement {
		return c, key, nil
	}

	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: key %q is not an integer", collection, key)
	}

	return c, n, nil
}
