package library_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/docvault/pkg/library"
	"github.com/calvinalkan/docvault/pkg/objstore"
)

func Test_CreateTag_Returns_Existing_When_Name_Normalizes_To_Same(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	var created int

	lib.Subscribe(library.EventTagCreated, func(library.Event) { created++ })

	first, err := lib.CreateTag(t.Context(), library.NewTag{Name: "Research", Color: "#000000"})
	require.NoError(t, err)
	require.Equal(t, "research", first.Name)
	require.Equal(t, "#000000", first.Color)

	second, err := lib.CreateTag(t.Context(), library.NewTag{Name: "  RESEARCH "})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, created)

	_, err = lib.CreateTag(t.Context(), library.NewTag{Name: "   "})
	require.ErrorIs(t, err, library.ErrValidation)
}

func Test_CreateTag_Counts_Documents_When_Name_Already_Used(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	addDoc(t, lib, library.NewDocument{Name: "a", Tags: []string{"x"}})

	tag, err := lib.CreateTag(t.Context(), library.NewTag{Name: "x"})
	require.NoError(t, err)
	require.Equal(t, 1, tag.DocumentCount)
}

func Test_Implicit_Tags_Get_A_Deterministic_Palette_Color(t *testing.T) {
	t.Parallel()

	lib1, _ := newTestLibrary(t, library.Options{})
	lib2, _ := newTestLibrary(t, library.Options{})

	addDoc(t, lib1, library.NewDocument{Name: "a", Tags: []string{"colour"}})
	addDoc(t, lib2, library.NewDocument{Name: "b", Tags: []string{"colour"}})

	t1, err := lib1.GetTag(t.Context(), "colour")
	require.NoError(t, err)

	t2, err := lib2.GetTag(t.Context(), "colour")
	require.NoError(t, err)

	require.NotEmpty(t, t1.Color)
	require.Equal(t, t1.Color, t2.Color)
}

func Test_ListTags_Sorts_By_Count_Then_Name(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	addDoc(t, lib, library.NewDocument{Name: "1", Tags: []string{"b", "c"}})
	addDoc(t, lib, library.NewDocument{Name: "2", Tags: []string{"c", "a"}})

	_, err := lib.CreateTag(t.Context(), library.NewTag{Name: "zero"})
	require.NoError(t, err)

	tags, err := lib.ListTags(t.Context())
	require.NoError(t, err)

	var names []string
	for _, tag := range tags {
		names = append(names, tag.Name)
	}

	require.Equal(t, []string{"c", "a", "b", "zero"}, names)
}

func Test_DeleteTag_Strips_Name_From_Documents_And_Removes_Record(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	d1 := addDoc(t, lib, library.NewDocument{Name: "1", Tags: []string{"drop", "keep"}})
	d2 := addDoc(t, lib, library.NewDocument{Name: "2", Tags: []string{"drop"}})

	var deleted []library.TagDeleted

	lib.Subscribe(library.EventTagDeleted, func(ev library.Event) {
		deleted = append(deleted, ev.(library.TagDeleted))
	})

	n, err := lib.DeleteTag(t.Context(), "DROP")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []library.TagDeleted{{Name: "drop", DocumentsUpdated: 2}}, deleted)

	got1, err := lib.PeekDocument(t.Context(), d1.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"keep"}, got1.Tags)
	require.Equal(t, 2, got1.Version)

	got2, err := lib.PeekDocument(t.Context(), d2.ID)
	require.NoError(t, err)
	require.Empty(t, got2.Tags)

	_, err = lib.GetTag(t.Context(), "drop")
	require.ErrorIs(t, err, library.ErrNotFound)

	_, err = lib.DeleteTag(t.Context(), "drop")
	require.ErrorIs(t, err, library.ErrNotFound)
}

func Test_StoreBlob_Then_GetBlob_Returns_Same_Bytes_And_Checksum(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	data := []byte("%PDF-1.7 binary\x00\x01\x02")

	stored, err := lib.StoreBlob(t.Context(), "doc1", data, library.BlobOptions{
		MimeType: "application/pdf",
		Metadata: map[string]any{"page": "1"},
	})
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), stored.Checksum)
	require.Equal(t, fmt.Sprintf("doc1_%d", epoch.UnixNano()), stored.ID)
	require.Equal(t, int64(len(data)), stored.Size)

	got, err := lib.GetBlob(t.Context(), stored.ID)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got.Data))
	require.Equal(t, stored.Checksum, got.Checksum)
	require.Equal(t, "application/pdf", got.MimeType)
	require.Equal(t, map[string]any{"page": "1"}, got.Metadata)
}

func Test_StoreBlob_Assigns_Distinct_IDs_When_Stored_At_Same_Instant(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	a, err := lib.StoreBlob(t.Context(), "doc", []byte("a"), library.BlobOptions{})
	require.NoError(t, err)

	b, err := lib.StoreBlob(t.Context(), "doc", []byte("b"), library.BlobOptions{})
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)

	blobs, err := lib.ListBlobs(t.Context(), "doc")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	require.Nil(t, blobs[0].Data)
}

func Test_GetBlob_Returns_ErrChecksumMismatch_When_Bytes_Are_Corrupted(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	stored, err := lib.StoreBlob(t.Context(), "doc1", []byte("original"), library.BlobOptions{})
	require.NoError(t, err)

	db, err := lib.DB(t.Context())
	require.NoError(t, err)

	err = db.Update(t.Context(), func(tx *objstore.Tx) error {
		return tx.Put("blob_data", stored.ID, map[string]string{
			"data": base64.StdEncoding.EncodeToString([]byte("tampered")),
		})
	})
	require.NoError(t, err)

	_, err = lib.GetBlob(t.Context(), stored.ID)
	require.ErrorIs(t, err, library.ErrChecksumMismatch)
}

func Test_StoreBlob_Returns_ErrSizeLimitExceeded_When_Data_Exceeds_Max(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{MaxBlobSize: 8})

	_, err := lib.StoreBlob(t.Context(), "doc", make([]byte, 9), library.BlobOptions{})
	require.ErrorIs(t, err, library.ErrSizeLimitExceeded)
	require.ErrorIs(t, err, library.ErrValidation)

	blobs, err := lib.ListBlobs(t.Context(), "doc")
	require.NoError(t, err)
	require.Empty(t, blobs)

	_, err = lib.StoreBlob(t.Context(), "doc", make([]byte, 8), library.BlobOptions{})
	require.NoError(t, err)
}

func Test_DeleteBlobsByDocument_Removes_Only_That_Documents_Blobs(t *testing.T) {
	t.Parallel()

	lib, clk := newTestLibrary(t, library.Options{})

	for range 3 {
		_, err := lib.StoreBlob(t.Context(), "a", []byte("x"), library.BlobOptions{})
		require.NoError(t, err)
		clk.Advance(time.Nanosecond)
	}

	other, err := lib.StoreBlob(t.Context(), "b", []byte("y"), library.BlobOptions{})
	require.NoError(t, err)

	n, err := lib.DeleteBlobsByDocument(t.Context(), "a")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = lib.DeleteBlobsByDocument(t.Context(), "a")
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = lib.GetBlob(t.Context(), other.ID)
	require.NoError(t, err)

	require.NoError(t, lib.DeleteBlob(t.Context(), other.ID))
	require.ErrorIs(t, lib.DeleteBlob(t.Context(), other.ID), library.ErrNotFound)

	_, err = lib.GetBlob(t.Context(), other.ID)
	require.ErrorIs(t, err, library.ErrNotFound)
}

func Test_DeleteDocument_Leaves_Blobs_In_Place(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	doc := addDoc(t, lib, library.NewDocument{Name: "with blob"})

	blob, err := lib.StoreBlob(t.Context(), doc.ID, []byte("payload"), library.BlobOptions{})
	require.NoError(t, err)

	require.NoError(t, lib.DeleteDocument(t.Context(), doc.ID))

	_, err = lib.GetBlob(t.Context(), blob.ID)
	require.NoError(t, err)
}

func cacheRowExists(t *testing.T, lib *library.Library, key string) bool {
	t.Helper()

	db, err := lib.DB(t.Context())
	require.NoError(t, err)

	var exists bool

	err = db.View(t.Context(), func(tx *objstore.Tx) error {
		var err error

		exists, err = tx.Exists("cache", key)

		return err
	})
	require.NoError(t, err)

	return exists
}

func Test_CacheGet_Returns_NotFound_And_Deletes_Row_When_Expired(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	_, err := lib.CacheSet(t.Context(), "k", "v", library.CacheOptions{ExpiresAt: epoch.Add(-time.Second)})
	require.NoError(t, err)
	require.True(t, cacheRowExists(t, lib, "k"))

	_, err = lib.CacheGet(t.Context(), "k")
	require.ErrorIs(t, err, library.ErrNotFound)
	require.False(t, cacheRowExists(t, lib, "k"))
}

func Test_CacheSet_Applies_Default_TTL_And_Expires_When_Clock_Passes_It(t *testing.T) {
	t.Parallel()

	lib, clk := newTestLibrary(t, library.Options{CacheTTL: time.Hour})

	entry, err := lib.CacheSet(t.Context(), "answer", map[string]int{"n": 42}, library.CacheOptions{Category: "llm"})
	require.NoError(t, err)
	require.True(t, entry.ExpiresAt.Equal(epoch.Add(time.Hour)))

	v, err := library.CacheGetValue[map[string]int](t.Context(), lib, "answer")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"n": 42}, v)

	clk.Advance(time.Hour)

	_, err = lib.CacheGet(t.Context(), "answer")
	require.ErrorIs(t, err, library.ErrNotFound)
}

func Test_SweepCache_Removes_Expired_Entries_And_Is_Idempotent(t *testing.T) {
	t.Parallel()

	lib, clk := newTestLibrary(t, library.Options{})
	ctx := t.Context()

	for i := range 3 {
		_, err := lib.CacheSet(ctx, fmt.Sprintf("old-%d", i), i, library.CacheOptions{TTL: time.Minute})
		require.NoError(t, err)
	}

	_, err := lib.CacheSet(ctx, "fresh", 1, library.CacheOptions{TTL: time.Hour})
	require.NoError(t, err)

	clk.Advance(time.Minute)

	n, err := lib.SweepCache(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = lib.SweepCache(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = lib.CacheGet(ctx, "fresh")
	require.NoError(t, err)
}

func Test_SweepCache_Keeps_Entry_When_Expiry_Is_Within_Same_Millisecond(t *testing.T) {
	t.Parallel()

	lib, clk := newTestLibrary(t, library.Options{})
	ctx := t.Context()

	_, err := lib.CacheSet(ctx, "soon", 1, library.CacheOptions{ExpiresAt: epoch.Add(300 * time.Microsecond)})
	require.NoError(t, err)

	_, err = lib.CacheSet(ctx, "gone", 2, library.CacheOptions{ExpiresAt: epoch.Add(-300 * time.Microsecond)})
	require.NoError(t, err)

	n, err := lib.SweepCache(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = lib.CacheGet(ctx, "soon")
	require.NoError(t, err)

	clk.Advance(300 * time.Microsecond)

	n, err = lib.SweepCache(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func Test_Library_Sweeps_Expired_Cache_When_Opened(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lib, _ := newTestLibrary(t, library.Options{Dir: dir})

	_, err := lib.CacheSet(t.Context(), "stale", 1, library.CacheOptions{ExpiresAt: epoch.Add(-time.Minute)})
	require.NoError(t, err)
	require.NoError(t, lib.Close())

	reopened, _ := newTestLibrary(t, library.Options{Dir: dir})
	require.False(t, cacheRowExists(t, reopened, "stale"))
}

func Test_Library_Background_Sweep_Removes_Expired_Entries(t *testing.T) {
	t.Parallel()

	lib, clk := newTestLibrary(t, library.Options{CacheSweepInterval: 10 * time.Millisecond})

	_, err := lib.CacheSet(t.Context(), "k", 1, library.CacheOptions{TTL: time.Minute})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		return !cacheRowExists(t, lib, "k")
	}, 5*time.Second, 10*time.Millisecond)
}

func Test_CacheClearCategory_Removes_Only_That_Category(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})
	ctx := t.Context()

	_, err := lib.CacheSet(ctx, "a", 1, library.CacheOptions{Category: "search"})
	require.NoError(t, err)
	_, err = lib.CacheSet(ctx, "b", 2, library.CacheOptions{Category: "search"})
	require.NoError(t, err)
	_, err = lib.CacheSet(ctx, "c", 3, library.CacheOptions{Category: "summary"})
	require.NoError(t, err)

	n, err := lib.CacheClearCategory(ctx, "search")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, lib.CacheDelete(ctx, "missing"))

	n, err = lib.CacheClear(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func Test_RecordHistory_Keeps_Most_Recent_Entries_When_Limit_Exceeded(t *testing.T) {
	t.Parallel()

	lib, clk := newTestLibrary(t, library.Options{})

	for i := range 105 {
		_, err := lib.RecordHistory(t.Context(), "query", map[string]int{"i": i})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	entries, err := lib.RecentHistory(t.Context(), 1000)
	require.NoError(t, err)
	require.Len(t, entries, library.DefaultHistoryLimit)

	require.JSONEq(t, `{"i":104}`, string(entries[0].Data))
	require.JSONEq(t, `{"i":5}`, string(entries[99].Data))

	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i-1].ID, entries[i].ID)
	}

	top, err := lib.RecentHistory(t.Context(), 3)
	require.NoError(t, err)
	require.Len(t, top, 3)

	n, err := lib.ClearHistory(t.Context())
	require.NoError(t, err)
	require.Equal(t, 100, n)

	entries, err = lib.RecentHistory(t.Context(), 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func Test_RecordHistory_Respects_Configured_Limit(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{HistoryLimit: 3})

	for range 5 {
		_, err := lib.RecordHistory(t.Context(), "view", nil)
		require.NoError(t, err)
	}

	entries, err := lib.RecentHistory(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	_, err = lib.RecordHistory(t.Context(), " ", nil)
	require.ErrorIs(t, err, library.ErrValidation)
}

func Test_Settings_Return_Default_When_Unset_And_Last_Write_Wins(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})
	ctx := t.Context()

	theme, err := library.SettingOr(ctx, lib, "theme", "light")
	require.NoError(t, err)
	require.Equal(t, "light", theme)

	_, err = lib.SetSetting(ctx, "theme", "dark")
	require.NoError(t, err)
	_, err = lib.SetSetting(ctx, "theme", "solarized")
	require.NoError(t, err)
	_, err = lib.SetSetting(ctx, "page_size", 25)
	require.NoError(t, err)

	theme, err = library.SettingOr(ctx, lib, "theme", "light")
	require.NoError(t, err)
	require.Equal(t, "solarized", theme)

	size, err := library.SettingOr(ctx, lib, "page_size", 10)
	require.NoError(t, err)
	require.Equal(t, 25, size)

	all, err := lib.AllSettings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.JSONEq(t, `"solarized"`, string(all["theme"].Value))

	ok, err := lib.DeleteSetting(ctx, "theme")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = lib.GetSetting(ctx, "theme")
	require.ErrorIs(t, err, library.ErrNotFound)
}
