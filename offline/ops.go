package offline

import (
	"context"
	"errors"
	"fmt"

	readercache "github.com/wolfeidau/reader-cache"
	"github.com/wolfeidau/reader-cache/prefetch"
	"github.com/wolfeidau/reader-cache/store/recorddb"
	"github.com/wolfeidau/reader-cache/telemetry"
)

// ResolveProgress returns the authoritative reading position for a
// document, merging the local and remote records. Returns (nil, nil)
// when neither side has one.
func (c *Cache) ResolveProgress(ctx context.Context, id readercache.DocumentID) (*readercache.ProgressRecord, error) {
	return c.reconciler.Resolve(ctx, id)
}

// SaveProgress records the current reading position locally. Called on
// page turns and periodic scroll saves; the record is merged against the
// remote one the next time the position is resolved.
func (c *Cache) SaveProgress(ctx context.Context, id readercache.DocumentID, page int, scrollRatio float64) error {
	return c.reconciler.SaveLocal(ctx, id, page, scrollRatio)
}

// Prefetch downloads a document for offline reading and returns the
// running job. The document's metadata comes from the portal, so
// prefetch requires connectivity.
func (c *Cache) Prefetch(ctx context.Context, id readercache.DocumentID) (*prefetch.Job, error) {
	meta, err := c.remote.FetchMetadata(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata for document %d: %w", id, err)
	}
	return c.prefetcher.Start(ctx, meta), nil
}

// IsDocumentCached reports whether the document has been fully
// downloaded.
func (c *Cache) IsDocumentCached(ctx context.Context, id readercache.DocumentID) (bool, error) {
	_, err := c.store.GetBlob(ctx, id)
	if err != nil {
		if errors.Is(err, recorddb.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListCachedDocuments returns the metadata of every cached document in
// document id order.
func (c *Cache) ListCachedDocuments(ctx context.Context) ([]*readercache.MetadataRecord, error) {
	return c.store.ListMetadata(ctx)
}

// CachedPageNumbers returns which pages of a document are readable
// offline, in ascending order.
func (c *Cache) CachedPageNumbers(ctx context.Context, id readercache.DocumentID) ([]int, error) {
	return c.store.ListPageNumbers(ctx, id)
}

// EvictDocument removes a document's cached records. The reading
// position is kept.
func (c *Cache) EvictDocument(ctx context.Context, id readercache.DocumentID) error {
	return c.evictor.RemoveDocument(ctx, id)
}

// ClearAllCachedData wipes every collection, progress included.
func (c *Cache) ClearAllCachedData(ctx context.Context) error {
	if err := c.store.ClearAll(); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	telemetry.RecordEviction(ctx, "clear")
	c.logger.Info("cleared all cached data")
	return nil
}

// Stats summarizes the blob collection for display.
func (c *Cache) Stats(ctx context.Context) (*readercache.CacheStats, error) {
	blobs, err := c.store.ListBlobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	stats := &readercache.CacheStats{
		Count:    len(blobs),
		MaxBlobs: c.maxBlobs,
	}
	for _, b := range blobs {
		stats.TotalBytes += b.SizeBytes
		stats.Documents = append(stats.Documents, readercache.DocumentStats{
			ID:           b.DocumentID,
			Title:        b.MetadataSnapshot.Title,
			SizeBytes:    b.SizeBytes,
			DownloadedAt: b.DownloadedAt,
		})
	}
	return stats, nil
}

// OpenBlob returns the raw bytes of a downloaded document after
// verifying them against the digest recorded at download time. A
// mismatch means the stored bytes are damaged; the caller should evict
// and re-download.
func (c *Cache) OpenBlob(ctx context.Context, id readercache.DocumentID) ([]byte, error) {
	rec, err := c.store.GetBlob(ctx, id)
	if err != nil {
		return nil, err
	}

	if !rec.Digest.IsZero() && readercache.HashBytes(rec.Raw) != rec.Digest {
		return nil, fmt.Errorf("document %d: %w", id, readercache.ErrDigestMismatch)
	}

	if err := c.store.TouchBlob(ctx, id); err != nil {
		c.logger.Debug("touching blob failed", "document", id, "error", err)
	}
	return rec.Raw, nil
}
