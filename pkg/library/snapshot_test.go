package library_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/docvault/pkg/library"
)

func seedLibrary(t *testing.T, lib *library.Library) []library.Document {
	t.Helper()

	ctx := t.Context()

	docs, err := lib.BulkAddDocuments(ctx, []library.NewDocument{
		{ID: "d1", Name: "Report.pdf", Type: library.TypePDF, Content: "secret quarterly numbers", Tags: []string{"finance", "2024"}},
		{ID: "d2", Name: "Invoice.pdf", Type: library.TypePDF, Content: "amount due", Tags: []string{"finance"}},
	})
	require.NoError(t, err)

	_, err = lib.StoreBlob(ctx, "d1", []byte("raw"), library.BlobOptions{MimeType: "application/pdf"})
	require.NoError(t, err)

	_, err = lib.SetSetting(ctx, "theme", "dark")
	require.NoError(t, err)

	_, err = lib.RecordHistory(ctx, "upload", map[string]string{"id": "d1"})
	require.NoError(t, err)

	_, err = lib.CacheSet(ctx, "c", 1, library.CacheOptions{})
	require.NoError(t, err)

	return docs
}

func Test_Export_Redacts_Content_And_Omits_Blob_Bytes(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})
	seedLibrary(t, lib)

	snap, err := lib.Export(t.Context(), library.ExportOptions{ExcludeContent: true})
	require.NoError(t, err)

	require.Equal(t, library.SchemaVersion, snap.SchemaVersion)
	require.True(t, snap.ExportDate.Equal(epoch))
	require.NotContains(t, snap.Collections, "blob_data")

	var docs []library.Document
	require.NoError(t, json.Unmarshal(snap.Collections["documents"], &docs))
	require.Len(t, docs, 2)

	for _, d := range docs {
		require.Equal(t, library.RedactedContent, d.Content)
		require.NotEqual(t, library.RedactedContent, d.ContentPreview)
	}

	var blobs []map[string]any
	require.NoError(t, json.Unmarshal(snap.Collections["blobs"], &blobs))
	require.Len(t, blobs, 1)
	require.Equal(t, library.BinaryOmitted, blobs[0]["data"])

	var history []library.HistoryEntry
	require.NoError(t, json.Unmarshal(snap.Collections["history"], &history))
	require.Len(t, history, 1)
	require.Equal(t, int64(1), history[0].ID)
}

func Test_Export_Returns_ErrValidation_When_Collection_Unknown(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	_, err := lib.Export(t.Context(), library.ExportOptions{Collections: []string{"blob_data"}})
	require.ErrorIs(t, err, library.ErrValidation)

	snap, err := lib.Export(t.Context(), library.ExportOptions{Collections: []string{"tags"}})
	require.NoError(t, err)
	require.Len(t, snap.Collections, 1)
	require.JSONEq(t, `[]`, string(snap.Collections["tags"]))
}

func Test_Import_Reproduces_Redacted_Documents_When_Exported_Without_Content(t *testing.T) {
	t.Parallel()

	src, _ := newTestLibrary(t, library.Options{})
	seedLibrary(t, src)

	snap, err := src.Export(t.Context(), library.ExportOptions{ExcludeContent: true})
	require.NoError(t, err)

	dst, _ := newTestLibrary(t, library.Options{})

	var imported []library.LibraryImported

	dst.Subscribe(library.EventLibraryImported, func(ev library.Event) {
		imported = append(imported, ev.(library.LibraryImported))
	})

	result, err := dst.Import(t.Context(), snap, library.ImportOptions{})
	require.NoError(t, err)

	// 2 documents, 2 tags, 1 setting, 1 history entry.
	require.Equal(t, 6, result.Imported)
	require.Zero(t, result.Errors)
	require.Equal(t, []string{"blobs", "cache"}, result.Ignored)
	require.Len(t, imported, 1)

	docs, err := dst.ListDocuments(t.Context(), library.ListOptions{SortBy: library.SortName, Ascending: true})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	for _, d := range docs {
		require.Equal(t, library.RedactedContent, d.Content)
	}

	require.Equal(t, 2, tagCount(t, dst, "finance"))
	require.Equal(t, 1, tagCount(t, dst, "2024"))

	theme, err := library.SettingOr(t.Context(), dst, "theme", "")
	require.NoError(t, err)
	require.Equal(t, "dark", theme)

	blobs, err := dst.ListBlobs(t.Context(), "d1")
	require.NoError(t, err)
	require.Empty(t, blobs)
}

func Test_Import_Skips_Existing_Records_When_SkipExisting(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})
	seedLibrary(t, lib)

	snap, err := lib.Export(t.Context(), library.ExportOptions{ExcludeContent: true})
	require.NoError(t, err)

	result, err := lib.Import(t.Context(), snap, library.ImportOptions{SkipExisting: true})
	require.NoError(t, err)
	require.Zero(t, result.Imported)
	require.Equal(t, 6, result.Skipped)

	doc, err := lib.PeekDocument(t.Context(), "d1")
	require.NoError(t, err)
	require.Equal(t, "secret quarterly numbers", doc.Content)

	result, err = lib.Import(t.Context(), snap, library.ImportOptions{})
	require.NoError(t, err)
	require.Equal(t, 6, result.Imported)

	doc, err = lib.PeekDocument(t.Context(), "d1")
	require.NoError(t, err)
	require.Equal(t, library.RedactedContent, doc.Content)

	requireTagConservation(t, lib)
}

func Test_Import_Counts_Invalid_Records_Without_Aborting_Batch(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	snap := library.Snapshot{
		SchemaVersion: library.SchemaVersion,
		Collections: map[string]json.RawMessage{
			"documents": json.RawMessage(`[
				{"id":"ok","name":"Fine","type":"text","status":"ready","version":1,"tags":["imported"]},
				{"id":"bad-type","name":"X","type":"hologram","status":"ready","version":1},
				{"name":"no id","type":"text","status":"ready","version":1},
				"not an object"
			]`),
			"tags":     json.RawMessage(`[{"name":""}, {"name":"Extra","color":"#fff"}]`),
			"settings": json.RawMessage(`{"not":"an array"}`),
			"future":   json.RawMessage(`[1,2,3]`),
		},
	}

	result, err := lib.Import(t.Context(), snap, library.ImportOptions{})
	require.NoError(t, err)

	require.Equal(t, 2, result.Imported)
	require.Equal(t, 5, result.Errors)
	require.Equal(t, []string{"future"}, result.Ignored)

	var collections []string
	for _, issue := range result.Issues {
		collections = append(collections, issue.Collection)
	}

	require.Equal(t, []string{"documents", "documents", "documents", "tags", "settings"}, collections)

	require.Equal(t, 1, tagCount(t, lib, "imported"))
	require.Equal(t, 0, tagCount(t, lib, "extra"))
}

func Test_Import_Assigns_New_ID_When_Tag_ID_Belongs_To_Other_Name(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	keep, err := lib.CreateTag(t.Context(), library.NewTag{Name: "keep", Color: "#123456", Description: "stays"})
	require.NoError(t, err)

	snap := library.Snapshot{
		SchemaVersion: library.SchemaVersion,
		Collections: map[string]json.RawMessage{
			"tags": json.RawMessage(`[{"id":"` + keep.ID + `","name":"other"}]`),
		},
	}

	result, err := lib.Import(t.Context(), snap, library.ImportOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Imported)

	got, err := lib.GetTag(t.Context(), "keep")
	require.NoError(t, err)
	require.Equal(t, keep.ID, got.ID)
	require.Equal(t, "#123456", got.Color)
	require.Equal(t, "stays", got.Description)

	other, err := lib.GetTag(t.Context(), "other")
	require.NoError(t, err)
	require.NotEqual(t, keep.ID, other.ID)
	require.NotEmpty(t, other.ID)
}

func Test_Import_Returns_ErrValidation_When_Snapshot_Is_Newer(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})

	_, err := lib.Import(t.Context(), library.Snapshot{SchemaVersion: library.SchemaVersion + 1}, library.ImportOptions{})
	require.ErrorIs(t, err, library.ErrValidation)
}

func Test_WriteSnapshot_Then_ReadSnapshot_Round_Trips_In_Both_Formats(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})
	seedLibrary(t, lib)

	snap, err := lib.Export(t.Context(), library.ExportOptions{})
	require.NoError(t, err)

	dir := t.TempDir()

	for _, name := range []string{"snap.json", "snap.yaml"} {
		path := filepath.Join(dir, name)

		require.NoError(t, library.WriteSnapshot(path, snap, library.FormatForPath(path)))

		got, err := library.ReadSnapshot(path)
		require.NoError(t, err, name)
		require.Equal(t, snap.SchemaVersion, got.SchemaVersion)
		require.True(t, snap.ExportDate.Equal(got.ExportDate), name)

		for coll, raw := range snap.Collections {
			require.JSONEq(t, string(raw), string(got.Collections[coll]), "%s/%s", name, coll)
		}

		fresh, _ := newTestLibrary(t, library.Options{})

		_, err = fresh.Import(t.Context(), got, library.ImportOptions{})
		require.NoError(t, err, name)

		doc, err := fresh.PeekDocument(t.Context(), "d1")
		require.NoError(t, err, name)
		require.Equal(t, "secret quarterly numbers", doc.Content)
	}
}

func Test_Clear_Empties_Every_Collection(t *testing.T) {
	t.Parallel()

	lib, _ := newTestLibrary(t, library.Options{})
	seedLibrary(t, lib)

	var cleared int

	lib.Subscribe(library.EventLibraryCleared, func(library.Event) { cleared++ })

	require.NoError(t, lib.Clear(t.Context()))
	require.Equal(t, 1, cleared)

	u, err := lib.Usage(t.Context())
	require.NoError(t, err)

	want := map[string]int{
		"documents": 0, "tags": 0, "blobs": 0, "cache": 0, "history": 0, "settings": 0,
	}

	if diff := cmp.Diff(want, u.PerCollectionCounts); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}

	_, err = lib.RecordHistory(t.Context(), "after-clear", nil)
	require.NoError(t, err)

	entries, err := lib.RecentHistory(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Timestamp.Equal(epoch))
}
