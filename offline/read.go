package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	readercache "github.com/wolfeidau/reader-cache"
	"github.com/wolfeidau/reader-cache/store/recorddb"
	"github.com/wolfeidau/reader-cache/telemetry"
)

// ReadPage returns one page of a document, remote-first while online,
// cache-only otherwise.
//
// Online: the page comes from the portal and is persisted in the
// background; the caller never waits on the write. If the portal call
// fails and the page is cached, the cached copy is served and the
// session degrades to cache-only until the monitor reports a fresh
// online transition.
//
// Offline (or degraded): the cache answers, or the read fails with
// ErrPageUnavailableOffline.
func (c *Cache) ReadPage(ctx context.Context, id readercache.DocumentID, page int) (*readercache.PageContent, error) {
	if !c.online() {
		return c.readCached(ctx, id, page)
	}

	content, remoteErr := c.fetchRemote(ctx, id, page)
	if remoteErr == nil {
		telemetry.RecordPageRead(ctx, "remote", "ok")
		c.touch(ctx, id)
		return content, nil
	}

	cached, cacheErr := c.readCached(ctx, id, page)
	if cacheErr != nil {
		telemetry.RecordPageRead(ctx, "remote", "error")
		return nil, fmt.Errorf("fetching page %d of document %d: %w", page, id, remoteErr)
	}

	if !c.degraded.Swap(true) {
		c.logger.Warn("remote read failed, degrading to cache-only",
			"document", id,
			"page", page,
			"error", remoteErr)
	}
	return cached, nil
}

// fetchRemote fetches a page from the portal, deduplicating concurrent
// requests for the same (document, page). The flight runs on a detached
// context so one caller timing out does not cancel it for the others;
// the winning result is persisted before the flight resolves waiters.
func (c *Cache) fetchRemote(ctx context.Context, id readercache.DocumentID, page int) (*readercache.PageContent, error) {
	key := fmt.Sprintf("%d:%d", id, page)

	ch := c.flights.DoChan(key, func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)

		start := time.Now()
		res, err := c.remote.FetchPage(fetchCtx, id, page)
		if err != nil {
			telemetry.RecordRemoteFetch(fetchCtx, "page", time.Since(start), "error")
			return nil, err
		}
		telemetry.RecordRemoteFetch(fetchCtx, "page", time.Since(start), "ok")

		c.persistAsync(fetchCtx, id, page, res.Content)

		return &readercache.PageContent{
			DocumentID: id,
			PageNumber: page,
			Content:    res.Content,
			Source:     readercache.SourceRemote,
		}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.flights.Forget(key)
			return nil, res.Err
		}
		return res.Val.(*readercache.PageContent), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// persistAsync writes a freshly fetched page to the store without
// blocking the read. A write failure costs only future offline
// availability, so it is logged and dropped.
func (c *Cache) persistAsync(ctx context.Context, id readercache.DocumentID, page int, content string) {
	go func() {
		err := c.store.PutPage(ctx, &readercache.PageRecord{
			DocumentID: id,
			PageNumber: page,
			Content:    content,
		})
		if err != nil {
			c.logger.Warn("caching page failed", "document", id, "page", page, "error", err)
		}
	}()
}

// readCached serves a page from the record store.
func (c *Cache) readCached(ctx context.Context, id readercache.DocumentID, page int) (*readercache.PageContent, error) {
	rec, err := c.store.GetPage(ctx, id, page)
	if err != nil {
		if errors.Is(err, recorddb.ErrNotFound) {
			telemetry.RecordPageRead(ctx, "cache", "miss")
			return nil, fmt.Errorf("page %d of document %d: %w", page, id, readercache.ErrPageUnavailableOffline)
		}
		telemetry.RecordPageRead(ctx, "cache", "error")
		return nil, fmt.Errorf("reading cached page: %w", err)
	}

	telemetry.RecordPageRead(ctx, "cache", "ok")
	c.touch(ctx, id)

	return &readercache.PageContent{
		DocumentID: id,
		PageNumber: page,
		Content:    rec.Content,
		Source:     readercache.SourceCache,
	}, nil
}

// touch refreshes the document's last-access timestamps so eviction sees
// it as recently used. Best effort; a missing record is fine.
func (c *Cache) touch(ctx context.Context, id readercache.DocumentID) {
	if err := c.store.TouchMetadata(ctx, id); err != nil {
		c.logger.Debug("touching metadata failed", "document", id, "error", err)
	}
	if err := c.store.TouchBlob(ctx, id); err != nil && !errors.Is(err, recorddb.ErrNotFound) {
		c.logger.Debug("touching blob failed", "document", id, "error", err)
	}
}
