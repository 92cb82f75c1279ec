package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/calvinalkan/docvault/pkg/objstore"
)

// DocumentPatch is a partial update. Nil fields are left unchanged.
//
// Slice fields replace the stored value wholesale; pass an empty non-nil
// slice to clear. Metadata is merged field by field, with Custom merged
// key-wise.
type DocumentPatch struct {
	Name    *string
	Type    *DocumentType
	Content *string
	Status  *DocumentStatus
	Summary *string

	Tags      []string
	KeyPoints []string
	Entities  []Entity

	Metadata *MetadataPatch
}

// MetadataPatch is the metadata part of a [DocumentPatch].
type MetadataPatch struct {
	Size             *int64
	MimeType         *string
	Source           *Source
	OriginalFilename *string
	SourceURL        *string
	FolderID         *string
	FolderPath       *string
	IsFavorite       *bool
	IsPinned         *bool

	// Custom is merged into the stored map. A nil value deletes the key.
	Custom map[string]any
}

// AddDocument validates and stores a new document, creating or incrementing
// the count of every tag it carries.
func (l *Library) AddDocument(ctx context.Context, in NewDocument) (Document, error) {
	const op = "add document"

	doc, err := buildDocument(in, l.now())
	if err != nil {
		return Document{}, wrapErr(op, in.ID, err)
	}

	var created []Tag

	err = l.update(ctx, func(tx *objstore.Tx) error {
		err := tx.Add(colDocuments, doc.ID, doc)
		if err != nil {
			return err
		}

		deltas := tagDeltas{}
		deltas.add(doc.Tags, 1)

		created, err = deltas.apply(tx, doc.Metadata.UploadedAt)

		return err
	})
	if err != nil {
		return Document{}, wrapErr(op, doc.ID, err)
	}

	l.log.Debug("document added", "id", doc.ID, "name", doc.Name, "tags", len(doc.Tags))
	l.events.publish(append(tagCreatedEvents(created), DocumentAdded{Document: doc})...)

	return doc, nil
}

// GetDocument returns the document and records the view: ViewCount is
// incremented and LastAccessed refreshed in the same transaction.
func (l *Library) GetDocument(ctx context.Context, id string) (Document, error) {
	var doc Document

	err := l.update(ctx, func(tx *objstore.Tx) error {
		var err error

		doc, err = loadDocument(tx, id)
		if err != nil {
			return err
		}

		doc.Analytics.ViewCount++
		doc.Metadata.LastAccessed = l.now()

		return tx.Put(colDocuments, doc.ID, doc)
	})
	if err != nil {
		return Document{}, wrapErr("get document", id, err)
	}

	return doc, nil
}

// PeekDocument returns the document without recording a view.
func (l *Library) PeekDocument(ctx context.Context, id string) (Document, error) {
	var doc Document

	err := l.view(ctx, func(tx *objstore.Tx) error {
		var err error

		doc, err = loadDocument(tx, id)

		return err
	})
	if err != nil {
		return Document{}, wrapErr("peek document", id, err)
	}

	return doc, nil
}

// UpdateDocument applies patch, adjusts tag counts for the tag-set
// difference and bumps the version, all in one transaction.
func (l *Library) UpdateDocument(ctx context.Context, id string, patch DocumentPatch) (Document, error) {
	return l.patchDocument(ctx, "update document", id, func(*Document) (DocumentPatch, error) {
		return patch, nil
	})
}

// ToggleFavorite flips the favorite flag.
func (l *Library) ToggleFavorite(ctx context.Context, id string) (Document, error) {
	return l.patchDocument(ctx, "toggle favorite", id, func(doc *Document) (DocumentPatch, error) {
		fav := !doc.Metadata.IsFavorite

		return DocumentPatch{Metadata: &MetadataPatch{IsFavorite: &fav}}, nil
	})
}

// SetPinned sets the pinned flag.
func (l *Library) SetPinned(ctx context.Context, id string, pinned bool) (Document, error) {
	return l.UpdateDocument(ctx, id, DocumentPatch{Metadata: &MetadataPatch{IsPinned: &pinned}})
}

// patchDocument loads the document, asks mk for a patch against the current
// state and persists the result inside one write transaction.
func (l *Library) patchDocument(ctx context.Context, op, id string, mk func(*Document) (DocumentPatch, error)) (Document, error) {
	var (
		doc     Document
		changed []string
		created []Tag
	)

	err := l.update(ctx, func(tx *objstore.Tx) error {
		var err error

		doc, err = loadDocument(tx, id)
		if err != nil {
			return err
		}

		patch, err := mk(&doc)
		if err != nil {
			return err
		}

		oldTags := slices.Clone(doc.Tags)

		changed, err = patch.apply(&doc)
		if err != nil {
			return validationErr(err)
		}

		now := l.now()
		bumpVersion(&doc, changed, now)

		err = tx.Put(colDocuments, doc.ID, doc)
		if err != nil {
			return err
		}

		deltas := tagDeltas{}
		deltas.diff(oldTags, doc.Tags)

		created, err = deltas.apply(tx, now)

		return err
	})
	if err != nil {
		return Document{}, wrapErr(op, id, err)
	}

	l.log.Debug("document updated", "id", doc.ID, "version", doc.Version, "changed", changed)
	l.events.publish(append(tagCreatedEvents(created), DocumentUpdated{Document: doc, ChangedFields: changed})...)

	return doc, nil
}

// DeleteDocument removes the document and decrements its tags. Blobs that
// reference the document are left in place; see [Library.DeleteBlobsByDocument].
func (l *Library) DeleteDocument(ctx context.Context, id string) error {
	var doc Document

	err := l.update(ctx, func(tx *objstore.Tx) error {
		var err error

		doc, err = loadDocument(tx, id)
		if err != nil {
			return err
		}

		return deleteDocumentInTx(tx, doc)
	})
	if err != nil {
		return wrapErr("delete document", id, err)
	}

	l.log.Debug("document deleted", "id", id)
	l.events.publish(DocumentDeleted{ID: doc.ID, Name: doc.Name, Tags: doc.Tags})

	return nil
}

// BulkAddDocuments validates every input first and then stores them all in
// one transaction. A single invalid input rejects the whole batch.
func (l *Library) BulkAddDocuments(ctx context.Context, in []NewDocument) ([]Document, error) {
	const op = "bulk add documents"

	now := l.now()
	docs := make([]Document, 0, len(in))

	for i, nd := range in {
		doc, err := buildDocument(nd, now)
		if err != nil {
			return nil, wrapErr(op, fmt.Sprintf("#%d", i), err)
		}

		docs = append(docs, doc)
	}

	var created []Tag

	err := l.update(ctx, func(tx *objstore.Tx) error {
		deltas := tagDeltas{}

		for _, doc := range docs {
			err := tx.Add(colDocuments, doc.ID, doc)
			if err != nil {
				return fmt.Errorf("%s: %w", doc.ID, err)
			}

			deltas.add(doc.Tags, 1)
		}

		var err error

		created, err = deltas.apply(tx, now)

		return err
	})
	if err != nil {
		return nil, wrapErr(op, "", err)
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}

	l.log.Debug("documents bulk added", "count", len(docs))
	l.events.publish(append(tagCreatedEvents(created), DocumentsBulkAdded{IDs: ids})...)

	return docs, nil
}

// BulkDeleteDocuments deletes the given documents in one transaction and
// returns how many existed. Missing ids are skipped.
func (l *Library) BulkDeleteDocuments(ctx context.Context, ids []string) (int, error) {
	var deleted []string

	err := l.update(ctx, func(tx *objstore.Tx) error {
		deleted = deleted[:0]

		for _, id := range ids {
			doc, err := loadDocument(tx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}

			if err != nil {
				return err
			}

			err = deleteDocumentInTx(tx, doc)
			if err != nil {
				return err
			}

			deleted = append(deleted, id)
		}

		return nil
	})
	if err != nil {
		return 0, wrapErr("bulk delete documents", "", err)
	}

	if len(deleted) > 0 {
		l.log.Debug("documents bulk deleted", "count", len(deleted))
		l.events.publish(DocumentsBulkDeleted{IDs: deleted})
	}

	return len(deleted), nil
}

// BulkUpdateTags removes then adds tags on each given document in one
// transaction. Missing ids are skipped, as are documents whose tag set does
// not change. Returns the number of documents updated.
func (l *Library) BulkUpdateTags(ctx context.Context, ids []string, add, remove []string) (int, error) {
	add = NormalizeTags(add)
	remove = NormalizeTags(remove)

	var (
		updated []Document
		created []Tag
	)

	err := l.update(ctx, func(tx *objstore.Tx) error {
		updated = updated[:0]
		now := l.now()
		deltas := tagDeltas{}

		for _, id := range ids {
			doc, err := loadDocument(tx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}

			if err != nil {
				return err
			}

			next := slices.DeleteFunc(slices.Clone(doc.Tags), func(t string) bool {
				return slices.Contains(remove, t)
			})
			next = NormalizeTags(append(next, add...))

			if slices.Equal(next, doc.Tags) {
				continue
			}

			deltas.diff(doc.Tags, next)
			doc.Tags = next
			bumpVersion(&doc, []string{"tags"}, now)

			err = tx.Put(colDocuments, doc.ID, doc)
			if err != nil {
				return err
			}

			updated = append(updated, doc)
		}

		var err error

		created, err = deltas.apply(tx, now)

		return err
	})
	if err != nil {
		return 0, wrapErr("bulk update tags", "", err)
	}

	events := tagCreatedEvents(created)
	for _, doc := range updated {
		events = append(events, DocumentUpdated{Document: doc, ChangedFields: []string{"tags"}})
	}

	l.events.publish(events...)

	return len(updated), nil
}

// DocumentStats summarizes the library contents.
type DocumentStats struct {
	Total     int                    `json:"total"`
	ByType    map[DocumentType]int   `json:"byType"`
	ByStatus  map[DocumentStatus]int `json:"byStatus"`
	Favorites int                    `json:"favorites"`
	TotalSize int64                  `json:"totalSize"`
}

// DocumentStats counts documents by type and status.
func (l *Library) DocumentStats(ctx context.Context) (DocumentStats, error) {
	stats := DocumentStats{
		ByType:   make(map[DocumentType]int),
		ByStatus: make(map[DocumentStatus]int),
	}

	err := l.view(ctx, func(tx *objstore.Tx) error {
		return tx.Scan(colDocuments, objstore.Query{}, func(key string, value json.RawMessage) error {
			var doc struct {
				Type     DocumentType   `json:"type"`
				Status   DocumentStatus `json:"status"`
				Metadata struct {
					Size       int64 `json:"size"`
					IsFavorite bool  `json:"isFavorite"`
				} `json:"metadata"`
			}

			err := json.Unmarshal(value, &doc)
			if err != nil {
				return fmt.Errorf("decode document %s: %w", key, err)
			}

			stats.Total++
			stats.ByType[doc.Type]++
			stats.ByStatus[doc.Status]++
			stats.TotalSize += doc.Metadata.Size

			if doc.Metadata.IsFavorite {
				stats.Favorites++
			}

			return nil
		})
	})
	if err != nil {
		return DocumentStats{}, wrapErr("document stats", "", err)
	}

	return stats, nil
}

func loadDocument(tx *objstore.Tx, id string) (Document, error) {
	var doc Document

	err := tx.Get(colDocuments, id, &doc)
	if errors.Is(err, objstore.ErrNotFound) {
		return Document{}, notFound("document")
	}

	if err != nil {
		return Document{}, err
	}

	return doc, nil
}

func deleteDocumentInTx(tx *objstore.Tx, doc Document) error {
	_, err := tx.Delete(colDocuments, doc.ID)
	if err != nil {
		return err
	}

	deltas := tagDeltas{}
	deltas.add(doc.Tags, -1)

	_, err = deltas.apply(tx, time.Time{})

	return err
}

// bumpVersion pushes the current version onto the history, trimming to
// [MaxVersionHistory], and advances Version and ModifiedAt.
func bumpVersion(doc *Document, changed []string, now time.Time) {
	if changed == nil {
		changed = []string{}
	}

	doc.PreviousVersions = append(doc.PreviousVersions, VersionEntry{
		Version:       doc.Version,
		ModifiedAt:    doc.Metadata.ModifiedAt,
		ChangedFields: changed,
	})

	if n := len(doc.PreviousVersions); n > MaxVersionHistory {
		doc.PreviousVersions = slices.Clone(doc.PreviousVersions[n-MaxVersionHistory:])
	}

	doc.Version++
	doc.Metadata.ModifiedAt = now
}

func tagCreatedEvents(tags []Tag) []Event {
	events := make([]Event, 0, len(tags)+1)
	for _, t := range tags {
		events = append(events, TagCreated{Tag: t})
	}

	return events
}

// apply merges p into doc and returns the names of fields whose value changed.
func (p *DocumentPatch) apply(doc *Document) ([]string, error) {
	err := p.validate()
	if err != nil {
		return nil, err
	}

	changed := []string{}

	set := func(field string, differs bool) {
		if differs {
			changed = append(changed, field)
		}
	}

	if p.Name != nil {
		set("name", *p.Name != doc.Name)
		doc.Name = *p.Name
	}

	if p.Type != nil {
		set("type", *p.Type != doc.Type)
		doc.Type = *p.Type
	}

	if p.Status != nil {
		set("status", *p.Status != doc.Status)
		doc.Status = *p.Status
	}

	if p.Summary != nil {
		set("summary", *p.Summary != doc.Summary)
		doc.Summary = *p.Summary
	}

	if p.Content != nil && *p.Content != doc.Content {
		changed = append(changed, "content")
		doc.Content = *p.Content
		deriveContentFields(doc)

		if p.Metadata == nil || p.Metadata.Size == nil {
			doc.Metadata.Size = int64(len(doc.Content))
			doc.Metadata.FormattedSize = FormatSize(doc.Metadata.Size)
		}
	}

	if p.Tags != nil {
		tags := NormalizeTags(p.Tags)
		set("tags", !slices.Equal(tags, doc.Tags))
		doc.Tags = tags
	}

	if p.KeyPoints != nil {
		set("keyPoints", !slices.Equal(p.KeyPoints, doc.KeyPoints))
		doc.KeyPoints = slices.Clone(p.KeyPoints)
	}

	if p.Entities != nil {
		set("entities", !slices.Equal(p.Entities, doc.Entities))
		doc.Entities = slices.Clone(p.Entities)
	}

	if p.Metadata != nil {
		changed = append(changed, p.Metadata.apply(&doc.Metadata)...)
	}

	return changed, nil
}

func (p *DocumentPatch) validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.NilOrNotEmpty, validation.RuneLength(1, MaxNameLength)),
		validation.Field(&p.Type, validation.NilOrNotEmpty, validation.In(documentTypeValues()...)),
		validation.Field(&p.Status, validation.NilOrNotEmpty, validation.In(statusValues()...)),
		validation.Field(&p.Metadata),
	)
}

// Validate checks the metadata patch fields.
func (p *MetadataPatch) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Source, validation.NilOrNotEmpty, validation.In(sourceValues()...)),
		validation.Field(&p.Size, validation.Min(int64(0))),
	)
}

func (p *MetadataPatch) apply(m *Metadata) []string {
	var changed []string

	setStr := func(field string, dst *string, v *string) {
		if v == nil {
			return
		}

		if *dst != *v {
			changed = append(changed, "metadata."+field)
		}

		*dst = *v
	}

	setBool := func(field string, dst *bool, v *bool) {
		if v == nil {
			return
		}

		if *dst != *v {
			changed = append(changed, "metadata."+field)
		}

		*dst = *v
	}

	if p.Size != nil {
		if m.Size != *p.Size {
			changed = append(changed, "metadata.size")
		}

		m.Size = *p.Size
		m.FormattedSize = FormatSize(m.Size)
	}

	if p.Source != nil {
		if m.Source != *p.Source {
			changed = append(changed, "metadata.source")
		}

		m.Source = *p.Source
	}

	setStr("mimeType", &m.MimeType, p.MimeType)
	setStr("originalFilename", &m.OriginalFilename, p.OriginalFilename)
	setStr("sourceUrl", &m.SourceURL, p.SourceURL)
	setStr("folderId", &m.FolderID, p.FolderID)
	setStr("folderPath", &m.FolderPath, p.FolderPath)
	setBool("isFavorite", &m.IsFavorite, p.IsFavorite)
	setBool("isPinned", &m.IsPinned, p.IsPinned)

	if len(p.Custom) > 0 {
		before := maps.Clone(m.Custom)

		if m.Custom == nil {
			m.Custom = make(map[string]any, len(p.Custom))
		}

		for k, v := range p.Custom {
			if v == nil {
				delete(m.Custom, k)

				continue
			}

			m.Custom[k] = v
		}

		if len(m.Custom) == 0 {
			m.Custom = nil
		}

		if !customEqual(before, m.Custom) {
			changed = append(changed, "metadata.custom")
		}
	}

	return changed
}

// customEqual compares custom maps by their JSON encoding, which is how
// they are persisted.
func customEqual(a, b map[string]any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)

	return errA == nil && errB == nil && string(ja) == string(jb)
}
