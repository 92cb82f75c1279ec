package library

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/calvinalkan/docvault/pkg/objstore"
)

// tagPalette colors implicitly created tags; the pick is a hash of the name.
var tagPalette = []string{
	"#3b82f6", "#ef4444", "#10b981", "#f59e0b", "#8b5cf6",
	"#ec4899", "#14b8a6", "#f97316", "#6366f1", "#84cc16",
}

func paletteColor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))

	return tagPalette[h.Sum32()%uint32(len(tagPalette))]
}

// NewTag is the input to [Library.CreateTag].
type NewTag struct {
	Name        string
	Color       string
	Icon        string
	Description string
}

// CreateTag creates a tag. Creating a tag whose normalized name already
// exists returns the existing tag unchanged.
func (l *Library) CreateTag(ctx context.Context, in NewTag) (Tag, error) {
	const op = "create tag"

	name := NormalizeTag(in.Name)

	err := validation.Validate(name, validation.Required, validation.RuneLength(1, MaxNameLength))
	if err != nil {
		return Tag{}, wrapErr(op, in.Name, validationErr(err))
	}

	var (
		tag     Tag
		created bool
	)

	err = l.update(ctx, func(tx *objstore.Tx) error {
		existing, ok, err := findTag(tx, name)
		if err != nil {
			return err
		}

		if ok {
			tag = existing

			return nil
		}

		count, err := tx.Count(colDocuments, objstore.Query{Index: "tags", Equal: name})
		if err != nil {
			return err
		}

		tag, err = newTagRecord(name, l.now())
		if err != nil {
			return err
		}

		tag.DocumentCount = count

		if in.Color != "" {
			tag.Color = in.Color
		}

		tag.Icon = in.Icon
		tag.Description = in.Description
		created = true

		return tx.Add(colTags, tag.ID, tag)
	})
	if err != nil {
		return Tag{}, wrapErr(op, name, err)
	}

	if created {
		l.log.Debug("tag created", "name", name)
		l.events.publish(TagCreated{Tag: tag})
	}

	return tag, nil
}

// GetTag returns the tag with the given (normalized) name.
func (l *Library) GetTag(ctx context.Context, name string) (Tag, error) {
	const op = "get tag"

	name = NormalizeTag(name)

	var tag Tag

	err := l.view(ctx, func(tx *objstore.Tx) error {
		t, ok, err := findTag(tx, name)
		if err != nil {
			return err
		}

		if !ok {
			return notFound("tag " + name)
		}

		tag = t

		return nil
	})
	if err != nil {
		return Tag{}, wrapErr(op, name, err)
	}

	return tag, nil
}

// ListTags returns all tags by document count descending, then name.
func (l *Library) ListTags(ctx context.Context) ([]Tag, error) {
	var tags []Tag

	err := l.view(ctx, func(tx *objstore.Tx) error {
		var err error

		tags, err = objstore.All[Tag](tx, colTags, objstore.Query{Index: "document_count", Descending: true})

		return err
	})
	if err != nil {
		return nil, wrapErr("list tags", "", err)
	}

	slices.SortStableFunc(tags, func(a, b Tag) int {
		if a.DocumentCount != b.DocumentCount {
			return b.DocumentCount - a.DocumentCount
		}

		return strings.Compare(a.Name, b.Name)
	})

	return tags, nil
}

// DeleteTag strips the tag from every document carrying it and removes the
// tag record, in one transaction. Returns the number of documents updated.
func (l *Library) DeleteTag(ctx context.Context, name string) (int, error) {
	const op = "delete tag"

	name = NormalizeTag(name)

	var updated []Document

	err := l.update(ctx, func(tx *objstore.Tx) error {
		tag, ok, err := findTag(tx, name)
		if err != nil {
			return err
		}

		if !ok {
			return notFound("tag " + name)
		}

		docs, err := objstore.All[Document](tx, colDocuments, objstore.Query{Index: "tags", Equal: name})
		if err != nil {
			return err
		}

		now := l.now()

		for i := range docs {
			doc := &docs[i]
			doc.Tags = slices.DeleteFunc(doc.Tags, func(t string) bool { return t == name })
			bumpVersion(doc, []string{"tags"}, now)

			err = tx.Put(colDocuments, doc.ID, doc)
			if err != nil {
				return err
			}
		}

		updated = docs

		_, err = tx.Delete(colTags, tag.ID)

		return err
	})
	if err != nil {
		return 0, wrapErr(op, name, err)
	}

	l.log.Debug("tag deleted", "name", name, "documents", len(updated))

	events := make([]Event, 0, len(updated)+1)
	for _, doc := range updated {
		events = append(events, DocumentUpdated{Document: doc, ChangedFields: []string{"tags"}})
	}

	events = append(events, TagDeleted{Name: name, DocumentsUpdated: len(updated)})
	l.events.publish(events...)

	return len(updated), nil
}

// findTag looks a tag up through the unique name index.
func findTag(tx *objstore.Tx, name string) (Tag, bool, error) {
	var (
		tag   Tag
		found bool
	)

	err := tx.Scan(colTags, objstore.Query{Index: "name", Equal: name, Limit: 1}, func(key string, value json.RawMessage) error {
		err := json.Unmarshal(value, &tag)
		if err != nil {
			return fmt.Errorf("decode tag %s: %w", key, err)
		}

		found = true

		return objstore.ErrStop
	})
	if err != nil {
		return Tag{}, false, err
	}

	return tag, found, nil
}

func newTagRecord(name string, now time.Time) (Tag, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Tag{}, fmt.Errorf("generate tag id: %w", err)
	}

	return Tag{
		ID:        id.String(),
		Name:      name,
		Color:     paletteColor(name),
		CreatedAt: now,
	}, nil
}

// tagDeltas accumulates per-name count changes within one transaction.
type tagDeltas map[string]int

func (d tagDeltas) add(names []string, delta int) {
	for _, n := range names {
		d[n] += delta
	}
}

// diff records the changes for moving a document from old to new tags.
func (d tagDeltas) diff(oldTags, newTags []string) {
	for _, n := range oldTags {
		if !slices.Contains(newTags, n) {
			d[n]--
		}
	}

	for _, n := range newTags {
		if !slices.Contains(oldTags, n) {
			d[n]++
		}
	}
}

// apply writes the accumulated deltas, auto-creating tags that gain their
// first reference. Names are processed in sorted order so the write pattern
// is deterministic. Returns the tags that were created.
func (d tagDeltas) apply(tx *objstore.Tx, now time.Time) ([]Tag, error) {
	names := make([]string, 0, len(d))

	for n, delta := range d {
		if delta != 0 {
			names = append(names, n)
		}
	}

	slices.Sort(names)

	var created []Tag

	for _, name := range names {
		delta := d[name]

		tag, ok, err := findTag(tx, name)
		if err != nil {
			return nil, err
		}

		if !ok {
			if delta < 0 {
				// A tag record deleted out of band; nothing to decrement.
				continue
			}

			tag, err = newTagRecord(name, now)
			if err != nil {
				return nil, err
			}

			tag.DocumentCount = delta

			err = tx.Add(colTags, tag.ID, tag)
			if err != nil {
				return nil, err
			}

			created = append(created, tag)

			continue
		}

		tag.DocumentCount = max(tag.DocumentCount+delta, 0)

		err = tx.Put(colTags, tag.ID, tag)
		if err != nil {
			return nil, err
		}
	}

	return created, nil
}

// recountTags sets every tag's count from the documents currently stored and
// creates records for names that have none. Used after snapshot import.
func recountTags(tx *objstore.Tx, now time.Time) ([]Tag, error) {
	counts := make(map[string]int)

	err := tx.Scan(colDocuments, objstore.Query{}, func(key string, value json.RawMessage) error {
		var doc struct {
			Tags []string `json:"tags"`
		}

		err := json.Unmarshal(value, &doc)
		if err != nil {
			return fmt.Errorf("decode document %s: %w", key, err)
		}

		for _, t := range doc.Tags {
			counts[t]++
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	tags, err := objstore.All[Tag](tx, colTags, objstore.Query{})
	if err != nil {
		return nil, err
	}

	for _, tag := range tags {
		want := counts[tag.Name]
		delete(counts, tag.Name)

		if tag.DocumentCount == want {
			continue
		}

		tag.DocumentCount = want

		err = tx.Put(colTags, tag.ID, tag)
		if err != nil {
			return nil, err
		}
	}

	missing := make(tagDeltas, len(counts))
	for name, n := range counts {
		missing[name] = n
	}

	return missing.apply(tx, now)
}
