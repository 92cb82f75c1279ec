package library

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/calvinalkan/docvault/pkg/objstore"
)

// SortField selects the ordering of [Library.ListDocuments].
type SortField string

// Sort fields.
const (
	SortUploaded SortField = "uploaded"
	SortModified SortField = "modified"
	SortAccessed SortField = "accessed"
	SortName     SortField = "name"
	SortSize     SortField = "size"
	SortViews    SortField = "views"
	SortVersion  SortField = "version"
)

// SortFields lists every [SortField].
var SortFields = []SortField{SortUploaded, SortModified, SortAccessed, SortName, SortSize, SortViews, SortVersion}

var sortAccessors = map[SortField]func(a, b *Document) int{
	SortUploaded: func(a, b *Document) int { return a.Metadata.UploadedAt.Compare(b.Metadata.UploadedAt) },
	SortModified: func(a, b *Document) int { return a.Metadata.ModifiedAt.Compare(b.Metadata.ModifiedAt) },
	SortAccessed: func(a, b *Document) int { return a.Metadata.LastAccessed.Compare(b.Metadata.LastAccessed) },
	SortName:     func(a, b *Document) int { return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)) },
	SortSize:     func(a, b *Document) int { return cmp.Compare(a.Metadata.Size, b.Metadata.Size) },
	SortViews:    func(a, b *Document) int { return cmp.Compare(a.Analytics.ViewCount, b.Analytics.ViewCount) },
	SortVersion:  func(a, b *Document) int { return cmp.Compare(a.Version, b.Version) },
}

// ParseSortField parses a sort field name. The empty string is [SortUploaded].
func ParseSortField(s string) (SortField, error) {
	if s == "" {
		return SortUploaded, nil
	}

	f := SortField(strings.ToLower(s))
	if _, ok := sortAccessors[f]; !ok {
		return "", validationErr(fmt.Errorf("unknown sort field %q", s))
	}

	return f, nil
}

// ListOptions filters, orders and paginates documents. Zero fields do not
// filter.
type ListOptions struct {
	Type     DocumentType
	Status   DocumentStatus
	Source   Source
	FolderID string
	Favorite *bool

	// Tags must all be present on a document.
	Tags []string

	// SortBy defaults to [SortUploaded]. Order is descending unless
	// Ascending is set; ties are always broken by ID ascending.
	SortBy    SortField
	Ascending bool

	Offset int
	Limit  int
}

// ListDocuments returns the documents matching opts.
func (l *Library) ListDocuments(ctx context.Context, opts ListOptions) ([]Document, error) {
	const op = "list documents"

	sortBy, err := ParseSortField(string(opts.SortBy))
	if err != nil {
		return nil, wrapErr(op, "", err)
	}

	var docs []Document

	err = l.view(ctx, func(tx *objstore.Tx) error {
		var err error

		docs, err = candidates(tx, &opts)

		return err
	})
	if err != nil {
		return nil, wrapErr(op, "", err)
	}

	less := sortAccessors[sortBy]

	slices.SortFunc(docs, func(a, b Document) int {
		c := less(&a, &b)
		if !opts.Ascending {
			c = -c
		}

		if c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return paginate(docs, opts.Offset, opts.Limit), nil
}

// candidates loads the documents matching the filters in opts. The most
// selective indexed filter narrows the scan; the rest are checked in memory.
func candidates(tx *objstore.Tx, opts *ListOptions) ([]Document, error) {
	tags := NormalizeTags(opts.Tags)

	q := objstore.Query{}

	switch {
	case len(tags) > 0:
		q = objstore.Query{Index: "tags", Equal: tags[0]}
	case opts.FolderID != "":
		q = objstore.Query{Index: "folder", Equal: opts.FolderID}
	case opts.Type != "":
		q = objstore.Query{Index: "type", Equal: string(opts.Type)}
	case opts.Status != "":
		q = objstore.Query{Index: "status", Equal: string(opts.Status)}
	case opts.Source != "":
		q = objstore.Query{Index: "source", Equal: string(opts.Source)}
	case opts.Favorite != nil:
		q = objstore.Query{Index: "favorite", Equal: *opts.Favorite}
	}

	docs, err := objstore.All[Document](tx, colDocuments, q)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(docs, func(d Document) bool {
		return !opts.matches(&d, tags)
	}), nil
}

func (opts *ListOptions) matches(d *Document, tags []string) bool {
	switch {
	case opts.Type != "" && d.Type != opts.Type:
		return false
	case opts.Status != "" && d.Status != opts.Status:
		return false
	case opts.Source != "" && d.Metadata.Source != opts.Source:
		return false
	case opts.FolderID != "" && d.Metadata.FolderID != opts.FolderID:
		return false
	case opts.Favorite != nil && d.Metadata.IsFavorite != *opts.Favorite:
		return false
	}

	for _, t := range tags {
		if !slices.Contains(d.Tags, t) {
			return false
		}
	}

	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}

		items = items[offset:]
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}

// Search score weights.
const (
	scoreNameQuery    = 100
	scoreContentQuery = 50
	scoreNameTerm     = 20
	scoreContentTerm  = 10
	scoreSummaryTerm  = 15
	scoreTag          = 30
	scoreSummaryQuery = 25
	scoreFavorite     = 5
	recencyWindowDays = 7
	recencyMaxBonus   = 10
)

// SearchOptions filters and limits [Library.SearchDocuments].
//
// The embedded list filters and Offset/Limit apply to search results; SortBy
// and Ascending apply only when the query is empty.
type SearchOptions struct {
	ListOptions

	// TrackQueries increments QueryCount and sets LastQueried on every
	// returned document.
	TrackQueries bool

	// RequireMatch drops documents whose score comes only from the
	// favorite and recency bonuses.
	RequireMatch bool
}

// SearchResult is a scored search hit.
type SearchResult struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// SearchDocuments ranks documents against query. Matching is
// case-insensitive and documents scoring zero are excluded.
// Results order by score descending, then LastAccessed descending, then ID.
// An empty query lists documents with a zero score.
func (l *Library) SearchDocuments(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	const op = "search documents"

	query = strings.ToLower(strings.TrimSpace(query))

	if query == "" {
		docs, err := l.ListDocuments(ctx, opts.ListOptions)
		if err != nil {
			return nil, err
		}

		results := make([]SearchResult, len(docs))
		for i, d := range docs {
			results[i] = SearchResult{Document: d}
		}

		return results, nil
	}

	terms := strings.Fields(query)
	now := l.now()

	var results []SearchResult

	run := func(tx *objstore.Tx) error {
		docs, err := candidates(tx, &opts.ListOptions)
		if err != nil {
			return err
		}

		results = results[:0]

		for _, d := range docs {
			text := matchScore(&d, query, terms)
			if opts.RequireMatch && text == 0 {
				continue
			}

			score := text + bonusScore(&d, now)
			if score > 0 {
				results = append(results, SearchResult{Document: d, Score: score})
			}
		}

		slices.SortFunc(results, compareResults)
		results = paginate(results, opts.Offset, opts.Limit)

		if !opts.TrackQueries {
			return nil
		}

		for i := range results {
			doc := &results[i].Document
			doc.Analytics.QueryCount++
			doc.Analytics.LastQueried = now

			err = tx.Put(colDocuments, doc.ID, doc)
			if err != nil {
				return err
			}
		}

		return nil
	}

	var err error
	if opts.TrackQueries {
		err = l.update(ctx, run)
	} else {
		err = l.view(ctx, run)
	}

	if err != nil {
		return nil, wrapErr(op, "", err)
	}

	if results == nil {
		results = []SearchResult{}
	}

	return results, nil
}

func compareResults(a, b SearchResult) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}

	if c := b.Document.Metadata.LastAccessed.Compare(a.Document.Metadata.LastAccessed); c != 0 {
		return c
	}

	return strings.Compare(a.Document.ID, b.Document.ID)
}

// Score computes the additive relevance of doc for a lower-cased query and
// its terms, including the favorite and recency bonuses.
func Score(doc *Document, query string, terms []string, now time.Time) float64 {
	return matchScore(doc, query, terms) + bonusScore(doc, now)
}

func matchScore(doc *Document, query string, terms []string) float64 {
	name := strings.ToLower(doc.Name)
	content := strings.ToLower(doc.Content)
	summary := strings.ToLower(doc.Summary)

	var score float64

	if strings.Contains(name, query) {
		score += scoreNameQuery
	}

	if strings.Contains(content, query) {
		score += scoreContentQuery
	}

	for _, term := range terms {
		if strings.Contains(name, term) {
			score += scoreNameTerm
		}

		if strings.Contains(content, term) {
			score += scoreContentTerm
		}

		if summary != "" && strings.Contains(summary, term) {
			score += scoreSummaryTerm
		}
	}

	if tagMatches(doc.Tags, query, terms) {
		score += scoreTag
	}

	if summary != "" && strings.Contains(summary, query) {
		score += scoreSummaryQuery
	}

	return score
}

func bonusScore(doc *Document, now time.Time) float64 {
	var score float64

	if doc.Metadata.IsFavorite {
		score += scoreFavorite
	}

	days := now.Sub(doc.Metadata.LastAccessed).Hours() / 24
	if days >= 0 && days <= recencyWindowDays {
		score += max(0, recencyMaxBonus-days)
	}

	return score
}

func tagMatches(tags []string, query string, terms []string) bool {
	for _, tag := range tags {
		if strings.Contains(tag, query) {
			return true
		}

		for _, term := range terms {
			if strings.Contains(tag, term) {
				return true
			}
		}
	}

	return false
}
