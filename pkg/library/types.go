package library

import (
	"encoding/json"
	"time"
)

// DocumentType is the kind of knowledge artifact.
type DocumentType string

// Document types.
const (
	TypePDF         DocumentType = "pdf"
	TypeDOCX        DocumentType = "docx"
	TypeText        DocumentType = "text"
	TypeSpreadsheet DocumentType = "spreadsheet"
	TypeImage       DocumentType = "image"
	TypeURL         DocumentType = "url"
	TypeVideo       DocumentType = "video"
	TypeCode        DocumentType = "code"
	TypeMarkdown    DocumentType = "markdown"
)

// DocumentTypes lists every supported [DocumentType].
var DocumentTypes = []DocumentType{
	TypePDF, TypeDOCX, TypeText, TypeSpreadsheet, TypeImage, TypeURL, TypeVideo, TypeCode, TypeMarkdown,
}

// DocumentStatus is the processing state of a document.
type DocumentStatus string

// Document statuses.
const (
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusError      DocumentStatus = "error"
	StatusArchived   DocumentStatus = "archived"
)

// DocumentStatuses lists every [DocumentStatus].
var DocumentStatuses = []DocumentStatus{StatusProcessing, StatusReady, StatusError, StatusArchived}

// Source records how a document entered the library.
type Source string

// Document sources.
const (
	SourceUploaded  Source = "uploaded"
	SourceImported  Source = "imported"
	SourceGenerated Source = "generated"
	SourceScraped   Source = "scraped"
)

// Sources lists every [Source].
var Sources = []Source{SourceUploaded, SourceImported, SourceGenerated, SourceScraped}

// Document is a persisted knowledge artifact.
type Document struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Type             DocumentType   `json:"type"`
	Content          string         `json:"content"`
	ContentPreview   string         `json:"contentPreview"`
	Status           DocumentStatus `json:"status"`
	Metadata         Metadata       `json:"metadata"`
	Tags             []string       `json:"tags"`
	Summary          string         `json:"summary,omitempty"`
	KeyPoints        []string       `json:"keyPoints,omitempty"`
	Entities         []Entity       `json:"entities,omitempty"`
	Version          int            `json:"version"`
	PreviousVersions []VersionEntry `json:"previousVersions"`
	Analytics        Analytics      `json:"analytics"`
}

// Metadata holds descriptive and bookkeeping fields of a document.
type Metadata struct {
	Size             int64          `json:"size"`
	FormattedSize    string         `json:"formattedSize"`
	MimeType         string         `json:"mimeType,omitempty"`
	WordCount        int            `json:"wordCount"`
	CharCount        int            `json:"charCount"`
	Source           Source         `json:"source"`
	OriginalFilename string         `json:"originalFilename,omitempty"`
	SourceURL        string         `json:"sourceUrl,omitempty"`
	UploadedAt       time.Time      `json:"uploadedAt"`
	ModifiedAt       time.Time      `json:"modifiedAt"`
	LastAccessed     time.Time      `json:"lastAccessed"`
	FolderID         string         `json:"folderId,omitempty"`
	FolderPath       string         `json:"folderPath,omitempty"`
	IsFavorite       bool           `json:"isFavorite"`
	IsPinned         bool           `json:"isPinned"`
	Custom           map[string]any `json:"custom,omitempty"`
}

// Entity is a named entity extracted from a document.
type Entity struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// VersionEntry describes one superseded version of a document.
type VersionEntry struct {
	Version       int       `json:"version"`
	ModifiedAt    time.Time `json:"modifiedAt"`
	ChangedFields []string  `json:"changedFields"`
}

// Analytics counts how a document is used.
type Analytics struct {
	ViewCount   int       `json:"viewCount"`
	QueryCount  int       `json:"queryCount"`
	LastQueried time.Time `json:"lastQueried,omitzero"`
}

// Tag is a named label with a live reference count.
type Tag struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Color         string    `json:"color"`
	Icon          string    `json:"icon,omitempty"`
	Description   string    `json:"description,omitempty"`
	DocumentCount int       `json:"documentCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Blob is a binary payload referencing a document.
//
// Data is stored separately from the metadata and is only populated by
// [Library.GetBlob].
type Blob struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"documentId"`
	MimeType   string         `json:"mimeType"`
	Size       int64          `json:"size"`
	Checksum   string         `json:"checksum"`
	CreatedAt  time.Time      `json:"createdAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Data       []byte         `json:"-"`
}

// CacheEntry is a cached value with an expiry.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Category  string          `json:"category,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// HistoryEntry is one record of the action log.
type HistoryEntry struct {
	ID        int64           `json:"id"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Setting is a persisted configuration value.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
