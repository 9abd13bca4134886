// Package readercache defines the shared types for the offline reading
// cache: the records persisted per document and the values returned to
// the viewer layer.
package readercache

import "time"

// DocumentID identifies a document (a paginated book in the portal).
type DocumentID int64

// MetadataRecord describes a cached document. One per document,
// overwritten on every successful metadata fetch and on first offline
// read. LastAccessedAt only ever moves forward.
type MetadataRecord struct {
	ID             DocumentID `json:"id"`
	Title          string     `json:"title"`
	Author         string     `json:"author"`
	ThumbnailPath  string     `json:"thumbnail_path,omitempty"`
	TotalPages     int        `json:"total_pages"`
	Genre          string     `json:"genre,omitempty"`
	Year           int        `json:"year,omitempty"`
	Description    string     `json:"description,omitempty"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
}

// PageRecord holds the cached content of one page. Composite key
// (DocumentID, PageNumber); deleted en masse when the document is
// evicted or by the age-based sweep.
type PageRecord struct {
	DocumentID DocumentID `json:"document_id"`
	PageNumber int        `json:"page_number"`
	Content    string     `json:"content"`
	CachedAt   time.Time  `json:"cached_at"`
}

// ProgressRecord is a reading position. The same shape is used for the
// locally saved record and the one fetched from the remote service; the
// two are merged at read time and never stored merged.
type ProgressRecord struct {
	DocumentID  DocumentID `json:"document_id"`
	Page        int        `json:"page"`
	ScrollRatio float64    `json:"scroll_ratio"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BlobRecord tracks a fully downloaded document. Subject to the
// strictest capacity cap, evicted by oldest LastAccessedAt.
type BlobRecord struct {
	DocumentID       DocumentID     `json:"document_id"`
	Raw              []byte         `json:"raw"`
	Digest           Hash           `json:"digest"`
	MetadataSnapshot MetadataRecord `json:"metadata_snapshot"`
	LastAccessedAt   time.Time      `json:"last_accessed_at"`
	DownloadedAt     time.Time      `json:"downloaded_at"`
	SizeBytes        int64          `json:"size_bytes"`
}

// Source indicates where page content was served from.
type Source string

const (
	// SourceRemote means the content came from the portal API.
	SourceRemote Source = "remote"
	// SourceCache means the content came from the local record store.
	SourceCache Source = "cache"
)

// PageContent is what the viewer receives from a page read.
type PageContent struct {
	DocumentID DocumentID `json:"document_id"`
	PageNumber int        `json:"page_number"`
	Content    string     `json:"content"`
	Source     Source     `json:"source"`
}

// DocumentStats summarizes one cached document for cache statistics.
type DocumentStats struct {
	ID           DocumentID `json:"id"`
	Title        string     `json:"title"`
	SizeBytes    int64      `json:"size_bytes"`
	DownloadedAt time.Time  `json:"downloaded_at"`
}

// CacheStats summarizes the blob collection.
type CacheStats struct {
	Count      int             `json:"count"`
	TotalBytes int64           `json:"total_bytes"`
	MaxBlobs   int             `json:"max_blobs"`
	Documents  []DocumentStats `json:"documents"`
}
