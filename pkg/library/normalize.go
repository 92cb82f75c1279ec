package library

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

const (
	// PreviewLength is the maximum length of [Document.ContentPreview] in runes.
	PreviewLength = 500

	// MaxNameLength bounds document and tag names.
	MaxNameLength = 255

	// MaxVersionHistory is how many superseded versions a document keeps.
	MaxVersionHistory = 5

	previewEllipsis = "..."
)

// NewDocument is the input to [Library.AddDocument].
type NewDocument struct {
	// ID is optional; a UUIDv7 is generated when empty.
	ID string

	Name    string
	Type    DocumentType
	Content string

	// Status defaults to [StatusReady].
	Status DocumentStatus

	// Source defaults to [SourceUploaded].
	Source Source

	MimeType string

	// Size defaults to the byte length of Content.
	Size int64

	OriginalFilename string
	SourceURL        string
	FolderID         string
	FolderPath       string
	IsFavorite       bool
	IsPinned         bool
	Tags             []string
	Summary          string
	KeyPoints        []string
	Entities         []Entity
	Custom           map[string]any
}

func documentTypeValues() []any {
	out := make([]any, len(DocumentTypes))
	for i, t := range DocumentTypes {
		out[i] = t
	}

	return out
}

func statusValues() []any {
	out := make([]any, len(DocumentStatuses))
	for i, s := range DocumentStatuses {
		out[i] = s
	}

	return out
}

func sourceValues() []any {
	out := make([]any, len(Sources))
	for i, s := range Sources {
		out[i] = s
	}

	return out
}

// Validate checks the input fields.
func (in *NewDocument) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.Name, validation.Required, validation.RuneLength(1, MaxNameLength)),
		validation.Field(&in.Type, validation.Required, validation.In(documentTypeValues()...)),
		validation.Field(&in.Status, validation.In(statusValues()...)),
		validation.Field(&in.Source, validation.In(sourceValues()...)),
		validation.Field(&in.Size, validation.Min(int64(0))),
	)
}

// validateDocument checks a complete document, e.g. one read from a snapshot.
func validateDocument(doc *Document) error {
	return validation.ValidateStruct(doc,
		validation.Field(&doc.ID, validation.Required),
		validation.Field(&doc.Name, validation.Required, validation.RuneLength(1, MaxNameLength)),
		validation.Field(&doc.Type, validation.Required, validation.In(documentTypeValues()...)),
		validation.Field(&doc.Status, validation.Required, validation.In(statusValues()...)),
		validation.Field(&doc.Version, validation.Min(1)),
	)
}

// buildDocument turns validated input into a complete Document.
func buildDocument(in NewDocument, ts time.Time) (Document, error) {
	in.Name = strings.TrimSpace(in.Name)

	err := in.Validate()
	if err != nil {
		return Document{}, validationErr(err)
	}

	id := in.ID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return Document{}, fmt.Errorf("generate id: %w", err)
		}

		id = u.String()
	}

	status := in.Status
	if status == "" {
		status = StatusReady
	}

	source := in.Source
	if source == "" {
		source = SourceUploaded
	}

	size := in.Size
	if size == 0 {
		size = int64(len(in.Content))
	}

	doc := Document{
		ID:      id,
		Name:    in.Name,
		Type:    in.Type,
		Content: in.Content,
		Status:  status,
		Metadata: Metadata{
			Size:             size,
			FormattedSize:    FormatSize(size),
			MimeType:         in.MimeType,
			Source:           source,
			OriginalFilename: in.OriginalFilename,
			SourceURL:        in.SourceURL,
			UploadedAt:       ts,
			ModifiedAt:       ts,
			LastAccessed:     ts,
			FolderID:         in.FolderID,
			FolderPath:       in.FolderPath,
			IsFavorite:       in.IsFavorite,
			IsPinned:         in.IsPinned,
			Custom:           maps.Clone(in.Custom),
		},
		Tags:             NormalizeTags(in.Tags),
		Summary:          in.Summary,
		KeyPoints:        slices.Clone(in.KeyPoints),
		Entities:         slices.Clone(in.Entities),
		Version:          1,
		PreviousVersions: []VersionEntry{},
	}

	deriveContentFields(&doc)

	return doc, nil
}

// deriveContentFields recomputes every field derived from Content.
func deriveContentFields(doc *Document) {
	doc.ContentPreview = Preview(doc.Content)
	doc.Metadata.WordCount = len(strings.Fields(doc.Content))
	doc.Metadata.CharCount = utf8.RuneCountInString(doc.Content)
}

// Preview returns the deterministic preview of content: the content itself
// when it fits in [PreviewLength] runes, otherwise a prefix ending in "...".
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewLength {
		return content
	}

	runes := []rune(content)

	return string(runes[:PreviewLength-len(previewEllipsis)]) + previewEllipsis
}

// NormalizeTag lower-cases and trims a tag name.
func NormalizeTag(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeTags normalizes names, dropping empties and duplicates while
// keeping first-seen order. Never returns nil.
func NormalizeTags(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))

	for _, n := range names {
		n = NormalizeTag(n)
		if n == "" || seen[n] {
			continue
		}

		seen[n] = true

		out = append(out, n)
	}

	return out
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatSize renders a byte count like "1.5 KB" (base 1024, two decimals).
func FormatSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}

	v := float64(n)
	i := 0

	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}

	v = math.Round(v*100) / 100

	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizeUnits[i]
}
