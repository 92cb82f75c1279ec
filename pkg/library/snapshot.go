package library

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/docvault/pkg/fs"
	"github.com/calvinalkan/docvault/pkg/objstore"
)

// Snapshot markers.
const (
	// RedactedContent replaces document content in snapshots exported with
	// [ExportOptions.ExcludeContent].
	RedactedContent = "[content excluded]"

	// BinaryOmitted stands in for blob bytes, which snapshots never carry.
	BinaryOmitted = "[binary omitted]"
)

// exportable lists the collections a snapshot can carry, in export order.
// Blob payloads are never exported.
var exportable = []string{colDocuments, colTags, colBlobs, colCache, colHistory, colSettings}

// Snapshot is a portable copy of the library. Each collection is a JSON array
// of its records.
type Snapshot struct {
	SchemaVersion int                        `json:"schemaVersion"`
	ExportDate    time.Time                  `json:"exportDate"`
	Collections   map[string]json.RawMessage `json:"collections"`
}

// ExportOptions controls [Library.Export].
type ExportOptions struct {
	// ExcludeContent replaces every document's content with
	// [RedactedContent]. ContentPreview is kept.
	ExcludeContent bool

	// Collections restricts the export. Empty exports every collection.
	Collections []string
}

// ImportOptions controls [Library.Import].
type ImportOptions struct {
	// SkipExisting leaves records whose key already exists untouched.
	// Otherwise they are overwritten.
	SkipExisting bool
}

// ImportIssue describes one record rejected by [Library.Import].
type ImportIssue struct {
	Collection string `json:"collection"`
	Key        string `json:"key,omitempty"`
	Index      int    `json:"index"`
	Error      string `json:"error"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	Issues   []ImportIssue `json:"issues,omitempty"`

	// Ignored lists snapshot collections that were not imported.
	Ignored []string `json:"ignored,omitempty"`
}

func (r *ImportResult) fail(collection, key string, index int, err error) {
	r.Errors++
	r.Issues = append(r.Issues, ImportIssue{Collection: collection, Key: key, Index: index, Error: err.Error()})
}

// Export serializes the requested collections in one read transaction.
func (l *Library) Export(ctx context.Context, opts ExportOptions) (Snapshot, error) {
	const op = "export"

	names := exportable

	if len(opts.Collections) > 0 {
		for _, c := range opts.Collections {
			if !slices.Contains(exportable, c) {
				return Snapshot{}, wrapErr(op, c, validationErr(fmt.Errorf("unknown collection %q", c)))
			}
		}

		names = opts.Collections
	}

	snap := Snapshot{
		SchemaVersion: SchemaVersion,
		ExportDate:    l.now(),
		Collections:   make(map[string]json.RawMessage, len(names)),
	}

	err := l.view(ctx, func(tx *objstore.Tx) error {
		for _, name := range names {
			records := []json.RawMessage{}

			err := tx.Scan(name, objstore.Query{}, func(key string, value json.RawMessage) error {
				rec, err := exportRecord(name, key, value, opts)
				if err != nil {
					return fmt.Errorf("export %s/%s: %w", name, key, err)
				}

				records = append(records, rec)

				return nil
			})
			if err != nil {
				return err
			}

			data, err := json.Marshal(records)
			if err != nil {
				return fmt.Errorf("encode %s: %w", name, err)
			}

			snap.Collections[name] = data
		}

		return nil
	})
	if err != nil {
		return Snapshot{}, wrapErr(op, "", err)
	}

	return snap, nil
}

// exportRecord rewrites a stored value into its snapshot form.
func exportRecord(collection, key string, value json.RawMessage, opts ExportOptions) (json.RawMessage, error) {
	switch collection {
	case colDocuments:
		if !opts.ExcludeContent {
			return value, nil
		}

		var doc Document

		err := json.Unmarshal(value, &doc)
		if err != nil {
			return nil, err
		}

		doc.Content = RedactedContent

		return json.Marshal(doc)
	case colBlobs:
		var blob map[string]any

		err := json.Unmarshal(value, &blob)
		if err != nil {
			return nil, err
		}

		blob["data"] = BinaryOmitted

		return json.Marshal(blob)
	case colHistory:
		var e HistoryEntry

		err := json.Unmarshal(value, &e)
		if err != nil {
			return nil, err
		}

		e.ID, err = strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, err
		}

		return json.Marshal(e)
	default:
		return value, nil
	}
}

// Import writes the snapshot's documents, tags, settings and history in one
// transaction. Invalid records are counted and skipped without aborting the
// batch. Tag counts are recomputed from the stored documents afterwards.
// Blobs and cache entries are never imported.
func (l *Library) Import(ctx context.Context, snap Snapshot, opts ImportOptions) (ImportResult, error) {
	const op = "import"

	if snap.SchemaVersion > SchemaVersion {
		return ImportResult{}, wrapErr(op, "", validationErr(
			fmt.Errorf("snapshot schema version %d is newer than %d", snap.SchemaVersion, SchemaVersion)))
	}

	var (
		result  ImportResult
		created []Tag
	)

	err := l.update(ctx, func(tx *objstore.Tx) error {
		result = ImportResult{}
		now := l.now()

		for _, imp := range importers {
			data, ok := snap.Collections[imp.name]
			if !ok {
				continue
			}

			var records []json.RawMessage

			err := json.Unmarshal(data, &records)
			if err != nil {
				result.fail(imp.name, "", -1, validationErr(fmt.Errorf("collection is not an array: %w", err)))

				continue
			}

			for i, raw := range records {
				key, skipped, err := imp.fn(tx, raw, opts, now)

				switch {
				case isRecordErr(err):
					result.fail(imp.name, key, i, err)
				case err != nil:
					return err
				case skipped:
					result.Skipped++
				default:
					result.Imported++
				}
			}
		}

		for name := range snap.Collections {
			if !slices.ContainsFunc(importers, func(imp importer) bool { return imp.name == name }) {
				result.Ignored = append(result.Ignored, name)
			}
		}

		slices.Sort(result.Ignored)

		err := trimHistory(tx, l.opts.HistoryLimit)
		if err != nil {
			return err
		}

		created, err = recountTags(tx, now)

		return err
	})
	if err != nil {
		return ImportResult{}, wrapErr(op, "", err)
	}

	l.log.Info("snapshot imported", "imported", result.Imported, "skipped", result.Skipped, "errors", result.Errors)
	l.events.publish(append(tagCreatedEvents(created), LibraryImported{Result: result})...)

	return result, nil
}

// importer writes one snapshot record. It returns the record key and whether
// the record was skipped; errors matching isRecordErr reject only the record.
type importer struct {
	name string
	fn   func(tx *objstore.Tx, raw json.RawMessage, opts ImportOptions, now time.Time) (string, bool, error)
}

// importers run in this order so tags see the imported documents.
var importers = []importer{
	{colDocuments, importDocument},
	{colTags, importTag},
	{colSettings, importSetting},
	{colHistory, importHistory},
}

// isRecordErr reports whether err rejects a single record rather than the
// whole import.
func isRecordErr(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrKeyExists)
}

func importDocument(tx *objstore.Tx, raw json.RawMessage, opts ImportOptions, _ time.Time) (string, bool, error) {
	var doc Document

	err := json.Unmarshal(raw, &doc)
	if err != nil {
		return "", false, validationErr(err)
	}

	err = validateDocument(&doc)
	if err != nil {
		return doc.ID, false, validationErr(err)
	}

	doc.Tags = NormalizeTags(doc.Tags)

	if doc.PreviousVersions == nil {
		doc.PreviousVersions = []VersionEntry{}
	}

	if len(doc.PreviousVersions) > MaxVersionHistory {
		doc.PreviousVersions = doc.PreviousVersions[len(doc.PreviousVersions)-MaxVersionHistory:]
	}

	if doc.Metadata.Source == "" {
		doc.Metadata.Source = SourceImported
	}

	if opts.SkipExisting {
		exists, err := tx.Exists(colDocuments, doc.ID)
		if err != nil {
			return doc.ID, false, err
		}

		if exists {
			return doc.ID, true, nil
		}
	}

	return doc.ID, false, tx.Put(colDocuments, doc.ID, doc)
}

func importTag(tx *objstore.Tx, raw json.RawMessage, opts ImportOptions, now time.Time) (string, bool, error) {
	var tag Tag

	err := json.Unmarshal(raw, &tag)
	if err != nil {
		return "", false, validationErr(err)
	}

	tag.Name = NormalizeTag(tag.Name)
	if tag.Name == "" {
		return tag.ID, false, validationErr(errors.New("tag name is required"))
	}

	existing, ok, err := findTag(tx, tag.Name)
	if err != nil {
		return tag.Name, false, err
	}

	if ok {
		if opts.SkipExisting {
			return tag.Name, true, nil
		}

		// Names are unique; the stored record keeps its id.
		tag.ID = existing.ID
	} else if tag.ID != "" {
		// An id held by a differently named tag must not overwrite it.
		taken, err := tx.Exists(colTags, tag.ID)
		if err != nil {
			return tag.Name, false, err
		}

		if taken {
			tag.ID = ""
		}
	}

	if tag.ID == "" {
		fresh, err := newTagRecord(tag.Name, now)
		if err != nil {
			return tag.Name, false, err
		}

		tag.ID = fresh.ID
	}

	if tag.Color == "" {
		tag.Color = paletteColor(tag.Name)
	}

	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = now
	}

	return tag.Name, false, tx.Put(colTags, tag.ID, tag)
}

func importSetting(tx *objstore.Tx, raw json.RawMessage, opts ImportOptions, now time.Time) (string, bool, error) {
	var s Setting

	err := json.Unmarshal(raw, &s)
	if err != nil {
		return "", false, validationErr(err)
	}

	if s.Key == "" {
		return "", false, validationErr(errors.New("setting key is required"))
	}

	if len(s.Value) == 0 {
		s.Value = json.RawMessage("null")
	}

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}

	if opts.SkipExisting {
		exists, err := tx.Exists(colSettings, s.Key)
		if err != nil {
			return s.Key, false, err
		}

		if exists {
			return s.Key, true, nil
		}
	}

	return s.Key, false, tx.Put(colSettings, s.Key, s)
}

func importHistory(tx *objstore.Tx, raw json.RawMessage, opts ImportOptions, _ time.Time) (string, bool, error) {
	var e HistoryEntry

	err := json.Unmarshal(raw, &e)
	if err != nil {
		return "", false, validationErr(err)
	}

	if strings.TrimSpace(e.Action) == "" {
		return "", false, validationErr(errors.New("history action is required"))
	}

	if e.ID <= 0 {
		_, err = tx.Append(colHistory, e)

		return "", false, err
	}

	key := strconv.FormatInt(e.ID, 10)

	if opts.SkipExisting {
		exists, err := tx.Exists(colHistory, key)
		if err != nil {
			return key, false, err
		}

		if exists {
			return key, true, nil
		}
	}

	e.ID = 0

	return key, false, tx.Put(colHistory, key, e)
}

// Clear empties every collection in one transaction.
func (l *Library) Clear(ctx context.Context) error {
	err := l.update(ctx, func(tx *objstore.Tx) error {
		for _, c := range schema.Collections {
			_, err := tx.Clear(c.Name)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return wrapErr("clear", "", err)
	}

	l.log.Info("library cleared", "dir", l.opts.Dir)
	l.events.publish(LibraryCleared{})

	return nil
}

// Format is a snapshot file encoding.
type Format string

// Snapshot file formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the format from a file extension; anything other than
// .yaml or .yml is JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// WriteSnapshot atomically writes snap to path in the given format.
func WriteSnapshot(path string, snap Snapshot, format Format) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	switch format {
	case FormatJSON, "":
		data = append(data, '\n')
	case FormatYAML:
		data, err = jsonToYAML(data)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
	default:
		return validationErr(fmt.Errorf("unknown snapshot format %q", format))
	}

	err = fs.WriteFileAtomic(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	return nil
}

// ReadSnapshot reads a snapshot written by [WriteSnapshot].
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	if FormatForPath(path) == FormatYAML {
		data, err = yamlToJSON(data)
		if err != nil {
			return Snapshot{}, validationErr(fmt.Errorf("decode snapshot: %w", err))
		}
	}

	var snap Snapshot

	err = json.Unmarshal(data, &snap)
	if err != nil {
		return Snapshot{}, validationErr(fmt.Errorf("decode snapshot: %w", err))
	}

	return snap, nil
}

// jsonToYAML re-encodes a JSON document as YAML. Integers stay integers.
func jsonToYAML(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any

	err := dec.Decode(&v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	err = enc.Encode(numbersToNative(v))
	if err != nil {
		return nil, err
	}

	err = enc.Close()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func numbersToNative(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, e := range val {
			val[k] = numbersToNative(e)
		}

		return val
	case []any:
		for i, e := range val {
			val[i] = numbersToNative(e)
		}

		return val
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}

		f, _ := val.Float64()

		return f
	default:
		return v
	}
}

// yamlToJSON decodes YAML into generic values and re-encodes them as JSON.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any

	err := yaml.Unmarshal(data, &v)
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}
