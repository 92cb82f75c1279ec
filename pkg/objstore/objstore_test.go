package objstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/docvault/pkg/fs"
	"github.com/calvinalkan/docvault/pkg/objstore"
)

type item struct {
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	Starred bool      `json:"starred"`
	Labels  []string  `json:"labels"`
	Due     time.Time `json:"due"`
}

func testSchema(version int) objstore.Schema {
	schema := objstore.Schema{
		Version: version,
		Collections: []objstore.Collection{
			{
				Name: "items",
				Indexes: []objstore.Index{
					{Name: "by_name", Path: "$.name", Unique: true},
					{Name: "by_kind", Path: "$.kind"},
					{Name: "by_starred", Path: "$.starred"},
					{Name: "by_label", Path: "$.labels", MultiEntry: true},
					{Name: "by_due", Path: "$.due", Kind: objstore.IndexTime},
				},
			},
			{Name: "log", AutoIncrement: true},
		},
	}

	if version >= 2 {
		schema.Collections = append(schema.Collections, objstore.Collection{Name: "extra"})
	}

	return schema
}

func openTestDB(t *testing.T, dir string, version int) *objstore.DB {
	t.Helper()

	db, err := objstore.Open(t.Context(), objstore.Options{
		Dir:         dir,
		Schema:      testSchema(version),
		LockTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func putItems(t *testing.T, db *objstore.DB, items map[string]item) {
	t.Helper()

	err := db.Update(t.Context(), func(tx *objstore.Tx) error {
		for k, v := range items {
			if err := tx.Put("items", k, v); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		t.Fatalf("put items: %v", err)
	}
}

func Test_DB_Get_Returns_Stored_Value_When_Put_Committed(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)
	want := item{Name: "alpha", Kind: "a", Labels: []string{"x"}}
	putItems(t, db, map[string]item{"k1": want})

	var got item

	err := db.View(t.Context(), func(tx *objstore.Tx) error {
		return tx.Get("items", "k1", &got)
	})
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("item mismatch (-want +got):\n%s", diff)
	}
}

func Test_DB_Get_Returns_ErrNotFound_When_Key_Missing(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)

	err := db.View(t.Context(), func(tx *objstore.Tx) error {
		var v item

		return tx.Get("items", "nope", &v)
	})
	require.ErrorIs(t, err, objstore.ErrNotFound)
}

func Test_DB_Update_Rolls_Back_All_Collections_When_Callback_Fails(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)
	boom := errors.New("boom")

	err := db.Update(t.Context(), func(tx *objstore.Tx) error {
		if err := tx.Put("items", "k1", item{Name: "a"}); err != nil {
			return err
		}

		if _, err := tx.Append("log", map[string]string{"action": "x"}); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)

	stats, err := db.Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Counts["items"])
	require.Equal(t, 0, stats.Counts["log"])
}

func Test_Tx_Add_Returns_ErrKeyExists_When_Key_Or_Unique_Index_Taken(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)
	putItems(t, db, map[string]item{"k1": {Name: "alpha"}})

	err := db.Update(t.Context(), func(tx *objstore.Tx) error {
		return tx.Add("items", "k1", item{Name: "other"})
	})
	require.ErrorIs(t, err, objstore.ErrKeyExists)

	err = db.Update(t.Context(), func(tx *objstore.Tx) error {
		return tx.Put("items", "k2", item{Name: "alpha"})
	})
	require.ErrorIs(t, err, objstore.ErrKeyExists)
}

func Test_Tx_Scan_Uses_Index_Order_And_Bounds(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	putItems(t, db, map[string]item{
		"a": {Name: "a", Kind: "doc", Due: base.Add(3 * time.Hour)},
		"b": {Name: "b", Kind: "doc", Due: base.Add(1500 * time.Millisecond), Starred: true},
		"c": {Name: "c", Kind: "img", Due: base},
		"d": {Name: "d", Kind: "doc", Due: base.Add(48 * time.Hour)},
	})

	var (
		byKind, byDue, byDueDesc, starred []string
		err                               error
	)

	err = db.View(t.Context(), func(tx *objstore.Tx) error {
		byKind, err = tx.Keys("items", objstore.Query{Index: "by_kind", Equal: "doc"})
		if err != nil {
			return err
		}

		byDue, err = tx.Keys("items", objstore.Query{Index: "by_due", Upper: base.Add(24 * time.Hour)})
		if err != nil {
			return err
		}

		byDueDesc, err = tx.Keys("items", objstore.Query{Index: "by_due", Descending: true, Limit: 2})
		if err != nil {
			return err
		}

		starred, err = tx.Keys("items", objstore.Query{Index: "by_starred", Equal: true})

		return err
	})
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b", "d"}, byKind)
	require.Equal(t, []string{"c", "b", "a"}, byDue)
	require.Equal(t, []string{"d", "a"}, byDueDesc)
	require.Equal(t, []string{"b"}, starred)
}

func Test_Tx_Scan_Returns_Each_Row_Once_When_MultiEntry_Index_Matches_Several_Elements(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)
	putItems(t, db, map[string]item{
		"a": {Name: "a", Labels: []string{"red", "blue"}},
		"b": {Name: "b", Labels: []string{"blue"}},
		"c": {Name: "c", Labels: []string{"green"}},
	})

	var (
		blue, ranged []string
		n            int
	)

	err := db.View(t.Context(), func(tx *objstore.Tx) error {
		var err error

		blue, err = tx.Keys("items", objstore.Query{Index: "by_label", Equal: "blue"})
		if err != nil {
			return err
		}

		ranged, err = tx.Keys("items", objstore.Query{Index: "by_label", Lower: "blue", Upper: "red"})
		if err != nil {
			return err
		}

		n, err = tx.Count("items", objstore.Query{Index: "by_label", Lower: "a"})

		return err
	})
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b"}, blue)
	require.Equal(t, []string{"a", "b", "c"}, ranged)
	require.Equal(t, 3, n)
}

func Test_Tx_Scan_Stops_Without_Error_When_Callback_Returns_ErrStop(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)
	putItems(t, db, map[string]item{"a": {Name: "a"}, "b": {Name: "b"}, "c": {Name: "c"}})

	var seen []string

	err := db.View(t.Context(), func(tx *objstore.Tx) error {
		return tx.Scan("items", objstore.Query{}, func(key string, _ json.RawMessage) error {
			seen = append(seen, key)
			if len(seen) == 2 {
				return objstore.ErrStop
			}

			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, seen)
}

func Test_Tx_Append_Assigns_Increasing_Keys(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)

	var ids []int64

	err := db.Update(t.Context(), func(tx *objstore.Tx) error {
		for range 3 {
			id, err := tx.Append("log", map[string]int{"n": len(ids)})
			if err != nil {
				return err
			}

			ids = append(ids, id)
		}

		_, err := tx.Delete("log", "1")

		return err
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)

	var keys []string

	err = db.View(t.Context(), func(tx *objstore.Tx) error {
		var err error

		keys, err = tx.Keys("log", objstore.Query{Descending: true})

		return err
	})
	require.NoError(t, err)
	require.Equal(t, []string{"3", "2"}, keys)
}

func Test_Tx_Write_Fails_When_Transaction_Is_ReadOnly(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)

	err := db.View(t.Context(), func(tx *objstore.Tx) error {
		return tx.Put("items", "k", item{Name: "x"})
	})
	require.Error(t, err)
}

func Test_Tx_Returns_ErrUnknownCollection_When_Not_Declared(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)

	err := db.View(t.Context(), func(tx *objstore.Tx) error {
		_, err := tx.Exists("missing", "k")

		return err
	})
	require.ErrorIs(t, err, objstore.ErrUnknownCollection)
}

func Test_Open_Migrates_And_Keeps_Data_When_Version_Increases(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	db1, err := objstore.Open(t.Context(), objstore.Options{Dir: dir, Schema: testSchema(1)})
	require.NoError(t, err)

	err = db1.Update(t.Context(), func(tx *objstore.Tx) error {
		return tx.Put("items", "keep", item{Name: "keep"})
	})
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2 := openTestDB(t, dir, 2)
	require.Equal(t, 2, db2.SchemaVersion())

	err = db2.Update(t.Context(), func(tx *objstore.Tx) error {
		ok, err := tx.Exists("items", "keep")
		if err != nil {
			return err
		}

		if !ok {
			return errors.New("item lost during migration")
		}

		return tx.Put("extra", "e", map[string]int{"v": 1})
	})
	require.NoError(t, err)
}

func Test_Open_Returns_ErrBlocked_When_Upgrade_Needed_While_Other_Handle_Open(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := openTestDB(t, dir, 1)

	_, err := objstore.Open(t.Context(), objstore.Options{
		Dir:         dir,
		Schema:      testSchema(2),
		LockTimeout: 50 * time.Millisecond,
	})
	require.ErrorIs(t, err, objstore.ErrBlocked)

	// The old handle keeps working and the schema was not touched.
	err = old.Update(t.Context(), func(tx *objstore.Tx) error {
		return tx.Put("items", "still", item{Name: "still"})
	})
	require.NoError(t, err)
	require.NoError(t, old.Close())

	upgraded := openTestDB(t, dir, 2)
	require.Equal(t, []string{"items", "log", "extra"}, upgraded.Collections())
}

func Test_Open_Fails_Without_Waiting_When_Lock_Timeout_Is_Negative(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := openTestDB(t, dir, 1)

	start := time.Now()
	_, err := objstore.Open(t.Context(), objstore.Options{Dir: dir, Schema: testSchema(2), LockTimeout: -1})
	require.ErrorIs(t, err, objstore.ErrBlocked)
	require.Less(t, time.Since(start), time.Second)

	// Same version only needs the shared lock.
	same, err := objstore.Open(t.Context(), objstore.Options{Dir: dir, Schema: testSchema(1), LockTimeout: -1})
	require.NoError(t, err)
	require.NoError(t, same.Close())
	require.NoError(t, old.Close())

	held, err := fs.NewLocker().TryLock(filepath.Join(dir, "docvault.lock"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = held.Close() })

	_, err = objstore.Open(t.Context(), objstore.Options{Dir: dir, Schema: testSchema(1), LockTimeout: -1})
	require.ErrorIs(t, err, objstore.ErrBlocked)
}

func Test_Open_Allows_Second_Handle_When_Versions_Match(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_ = openTestDB(t, dir, 1)
	_ = openTestDB(t, dir, 1)
}

func Test_Open_Returns_ErrSchemaMigration_When_Stored_Version_Is_Newer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	db, err := objstore.Open(t.Context(), objstore.Options{Dir: dir, Schema: testSchema(2)})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = objstore.Open(t.Context(), objstore.Options{Dir: dir, Schema: testSchema(1)})
	require.ErrorIs(t, err, objstore.ErrSchemaMigration)
}

func Test_Open_Rejects_Invalid_Schema(t *testing.T) {
	t.Parallel()

	_, err := objstore.Open(t.Context(), objstore.Options{
		Dir: t.TempDir(),
		Schema: objstore.Schema{Version: 1, Collections: []objstore.Collection{
			{Name: "Bad-Name"},
		}},
	})
	require.Error(t, err)
}

func Test_DB_Returns_ErrClosed_When_Used_After_Close(t *testing.T) {
	t.Parallel()

	db, err := objstore.Open(t.Context(), objstore.Options{Dir: t.TempDir(), Schema: testSchema(1)})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	err = db.View(t.Context(), func(*objstore.Tx) error { return nil })
	require.ErrorIs(t, err, objstore.ErrClosed)
}

func Test_DB_Update_Does_Not_Start_When_Context_Cancelled(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := db.Update(ctx, func(*objstore.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func Test_DB_Serializes_Concurrent_Writers(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), 1)
	putItems(t, db, map[string]item{"counter": {Name: "counter", Labels: []string{}}})

	const workers = 8

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := db.Update(context.Background(), func(tx *objstore.Tx) error {
				var it item
				if err := tx.Get("items", "counter", &it); err != nil {
					return err
				}

				it.Labels = append(it.Labels, "x")

				return tx.Put("items", "counter", it)
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}

	wg.Wait()

	var it item

	err := db.View(t.Context(), func(tx *objstore.Tx) error {
		return tx.Get("items", "counter", &it)
	})
	require.NoError(t, err)
	require.Len(t, it.Labels, workers)
}

func Test_DB_Stats_Reports_Counts_And_Size(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	putItems(t, db, map[string]item{"a": {Name: "a"}, "b": {Name: "b"}})

	stats, err := db.Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, map[string]int{"items": 2, "log": 0}, stats.Counts)
	require.Positive(t, stats.SizeBytes)
	require.Equal(t, filepath.Join(dir, "docvault.sqlite"), db.Path())
	require.NoError(t, db.Durable(t.Context()))
}
