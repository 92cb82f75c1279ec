package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/calvinalkan/docvault/pkg/objstore"
)

// RecordHistory appends an action to the history log and trims the oldest
// entries beyond the configured limit in the same transaction. data is
// encoded as JSON; nil records no data.
func (l *Library) RecordHistory(ctx context.Context, action string, data any) (HistoryEntry, error) {
	const op = "record history"

	action = strings.TrimSpace(action)
	if action == "" {
		return HistoryEntry{}, wrapErr(op, "", validationErr(errors.New("action is required")))
	}

	entry := HistoryEntry{Action: action, Timestamp: l.now()}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return HistoryEntry{}, wrapErr(op, action, validationErr(err))
		}

		entry.Data = raw
	}

	err := l.update(ctx, func(tx *objstore.Tx) error {
		id, err := tx.Append(colHistory, entry)
		if err != nil {
			return err
		}

		entry.ID = id

		return trimHistory(tx, l.opts.HistoryLimit)
	})
	if err != nil {
		return HistoryEntry{}, wrapErr(op, action, err)
	}

	return entry, nil
}

// trimHistory deletes the oldest entries until at most limit remain.
func trimHistory(tx *objstore.Tx, limit int) error {
	n, err := tx.Count(colHistory, objstore.Query{})
	if err != nil {
		return err
	}

	if n <= limit {
		return nil
	}

	keys, err := tx.Keys(colHistory, objstore.Query{Limit: n - limit})
	if err != nil {
		return err
	}

	for _, k := range keys {
		_, err = tx.Delete(colHistory, k)
		if err != nil {
			return err
		}
	}

	return nil
}

// RecentHistory returns up to limit entries, most recent first. A limit of
// zero or less returns every retained entry.
func (l *Library) RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	entries := []HistoryEntry{}

	err := l.view(ctx, func(tx *objstore.Tx) error {
		return tx.Scan(colHistory, objstore.Query{Descending: true, Limit: max(limit, 0)}, func(key string, value json.RawMessage) error {
			var e HistoryEntry

			err := json.Unmarshal(value, &e)
			if err != nil {
				return fmt.Errorf("decode history %s: %w", key, err)
			}

			e.ID, err = strconv.ParseInt(key, 10, 64)
			if err != nil {
				return fmt.Errorf("history key %q: %w", key, err)
			}

			entries = append(entries, e)

			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("recent history", "", err)
	}

	return entries, nil
}

// ClearHistory removes every history entry.
func (l *Library) ClearHistory(ctx context.Context) (int, error) {
	var n int64

	err := l.update(ctx, func(tx *objstore.Tx) error {
		var err error

		n, err = tx.Clear(colHistory)

		return err
	})
	if err != nil {
		return 0, wrapErr("clear history", "", err)
	}

	return int(n), nil
}
