package objstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Query selects rows of a collection, optionally through a secondary index.
//
// With an empty Index the primary key is scanned. Equal selects an exact
// match; otherwise Lower and Upper are inclusive bounds (nil means open).
// Rows are ordered by indexed value, then key, ascending unless Descending.
type Query struct {
	Index      string
	Equal      any
	Lower      any
	Upper      any
	Descending bool
	Offset     int
	Limit      int
}

// Scan calls fn for each row matched by q in index order. Returning [ErrStop]
// from fn ends the scan without error; any other error aborts it.
func (tx *Tx) Scan(collection string, q Query, fn func(key string, value json.RawMessage) error) error {
	stmt, args, err := tx.buildSelect(collection, q, "t.key, t.value")
	if err != nil {
		return err
	}

	rows, err := tx.sql.QueryContext(tx.ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("scan %s: %w", collection, classify(err))
	}

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key, value string

		err = rows.Scan(&key, &value)
		if err != nil {
			return fmt.Errorf("scan %s: %w", collection, err)
		}

		err = fn(key, json.RawMessage(value))
		if errors.Is(err, ErrStop) {
			return nil
		}

		if err != nil {
			return err
		}
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("scan %s: %w", collection, classify(err))
	}

	return nil
}

// Keys returns the keys matched by q in index order.
func (tx *Tx) Keys(collection string, q Query) ([]string, error) {
	var keys []string

	err := tx.Scan(collection, q, func(key string, _ json.RawMessage) error {
		keys = append(keys, key)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

// Count returns the number of rows matched by q. Offset and Limit apply.
func (tx *Tx) Count(collection string, q Query) (int, error) {
	stmt, args, err := tx.buildSelect(collection, q, "t.key")
	if err != nil {
		return 0, err
	}

	var n int

	err = tx.sql.QueryRowContext(tx.ctx, "SELECT COUNT(*) FROM ("+stmt+")", args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, classify(err))
	}

	return n, nil
}

// All decodes every row matched by q into a slice of T.
func All[T any](tx *Tx, collection string, q Query) ([]T, error) {
	var out []T

	err := tx.Scan(collection, q, func(key string, value json.RawMessage) error {
		var v T

		err := json.Unmarshal(value, &v)
		if err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, key, err)
		}

		out = append(out, v)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// buildSelect renders the SELECT for q. cols are selected from alias t.
func (tx *Tx) buildSelect(collection string, q Query, cols string) (string, []any, error) {
	c, err := tx.db.schema.collection(collection)
	if err != nil {
		return "", nil, err
	}

	var (
		sb    strings.Builder
		args  []any
		where []string
		expr  = "t.key"
		param = "?"
		multi bool
	)

	if q.Index != "" {
		idx, err := c.index(q.Index)
		if err != nil {
			return "", nil, err
		}

		multi = idx.MultiEntry

		if multi {
			expr = "je.value"
			if idx.Kind == IndexTime {
				expr = "julianday(je.value)"
			}
		} else {
			expr = idx.valueExpr("t.value")
		}

		if idx.Kind == IndexTime {
			param = "julianday(?)"
		}
	}

	sb.WriteString("SELECT " + cols + " FROM " + c.tableName() + " AS t")

	if multi {
		idx, _ := c.index(q.Index)
		fmt.Fprintf(&sb, ", json_each(t.value, '%s') AS je", idx.Path)
	}

	switch {
	case q.Equal != nil:
		where = append(where, expr+" = "+param)
		args = append(args, bindValue(q.Equal))
	default:
		if q.Lower != nil {
			where = append(where, expr+" >= "+param)
			args = append(args, bindValue(q.Lower))
		}

		if q.Upper != nil {
			where = append(where, expr+" <= "+param)
			args = append(args, bindValue(q.Upper))
		}
	}

	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	dir := "ASC"
	agg := "MIN"

	if q.Descending {
		dir = "DESC"
		agg = "MAX"
	}

	if multi {
		// One row per stored value even when several array elements match.
		fmt.Fprintf(&sb, " GROUP BY t.key ORDER BY %s(%s) %s, t.key %s", agg, expr, dir, dir)
	} else {
		fmt.Fprintf(&sb, " ORDER BY %s %s, t.key %s", expr, dir, dir)
	}

	switch {
	case q.Limit > 0:
		fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", q.Limit, max(q.Offset, 0))
	case q.Offset > 0:
		fmt.Fprintf(&sb, " LIMIT -1 OFFSET %d", q.Offset)
	}

	return sb.String(), args, nil
}

// bindValue converts Go values to what json_extract yields for them.
func bindValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}

		return 0
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}
