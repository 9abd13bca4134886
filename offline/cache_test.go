package offline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	readercache "github.com/wolfeidau/reader-cache"
	"github.com/wolfeidau/reader-cache/netmon"
	"github.com/wolfeidau/reader-cache/remote"
)

// fakeRemote implements remote.Client for facade tests.
type fakeRemote struct {
	mu         sync.Mutex
	pageErr    error
	pageDelay  time.Duration
	pageCalls  atomic.Int64
	meta       *readercache.MetadataRecord
	blob       []byte
	progress   *readercache.ProgressRecord
	pushCalls  atomic.Int64
	totalPages int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{blob: []byte("epub bytes"), totalPages: 3}
}

func (f *fakeRemote) FetchMetadata(_ context.Context, id readercache.DocumentID) (*readercache.MetadataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta == nil {
		return nil, remote.ErrNotFound
	}
	rec := *f.meta
	rec.ID = id
	return &rec, nil
}

func (f *fakeRemote) FetchPage(_ context.Context, id readercache.DocumentID, page int) (*remote.PageResult, error) {
	f.pageCalls.Add(1)

	f.mu.Lock()
	err := f.pageErr
	delay := f.pageDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &remote.PageResult{
		Content:    fmt.Sprintf("<p>page %d of doc %d</p>", page, id),
		TotalPages: f.totalPages,
	}, nil
}

func (f *fakeRemote) FetchProgress(context.Context, readercache.DocumentID) (*readercache.ProgressRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progress == nil {
		return nil, remote.ErrNotFound
	}
	rec := *f.progress
	return &rec, nil
}

func (f *fakeRemote) PushProgress(context.Context, readercache.DocumentID, int, float64) error {
	f.pushCalls.Add(1)
	return nil
}

func (f *fakeRemote) FetchBlob(context.Context, readercache.DocumentID) ([]byte, error) {
	return f.blob, nil
}

func (f *fakeRemote) WarmResource(context.Context, string) error { return nil }

func (f *fakeRemote) failPages(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageErr = err
}

func newTestCache(t *testing.T, client remote.Client, monitor *netmon.Monitor) *Cache {
	t.Helper()
	c, err := New(Config{
		DBPath:  filepath.Join(t.TempDir(), "test.db"),
		Remote:  client,
		Monitor: monitor,
		NoSync:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func cachePage(t *testing.T, c *Cache, id readercache.DocumentID, page int, content string) {
	t.Helper()
	require.NoError(t, c.store.PutPage(context.Background(), &readercache.PageRecord{
		DocumentID: id,
		PageNumber: page,
		Content:    content,
	}))
}

func TestReadPage_Offline(t *testing.T) {
	ctx := context.Background()

	t.Run("cached page is served", func(t *testing.T) {
		client := newFakeRemote()
		c := newTestCache(t, client, netmon.New(netmon.WithInitialState(false)))
		cachePage(t, c, 42, 2, "<p>stored</p>")

		pc, err := c.ReadPage(ctx, 42, 2)
		require.NoError(t, err)
		assert.Equal(t, readercache.SourceCache, pc.Source)
		assert.Equal(t, "<p>stored</p>", pc.Content)
		assert.Zero(t, client.pageCalls.Load(), "offline reads never hit the remote")
	})

	t.Run("missing page fails terminally", func(t *testing.T) {
		client := newFakeRemote()
		c := newTestCache(t, client, netmon.New(netmon.WithInitialState(false)))

		_, err := c.ReadPage(ctx, 42, 2)
		require.ErrorIs(t, err, readercache.ErrPageUnavailableOffline)
		assert.Zero(t, client.pageCalls.Load())
	})
}

func TestReadPage_Online(t *testing.T) {
	ctx := context.Background()

	t.Run("remote page is served and persisted in background", func(t *testing.T) {
		client := newFakeRemote()
		c := newTestCache(t, client, netmon.New())

		pc, err := c.ReadPage(ctx, 42, 1)
		require.NoError(t, err)
		assert.Equal(t, readercache.SourceRemote, pc.Source)
		assert.Contains(t, pc.Content, "page 1")

		require.Eventually(t, func() bool {
			rec, err := c.store.GetPage(ctx, 42, 1)
			return err == nil && rec.Content == pc.Content
		}, 2*time.Second, 10*time.Millisecond, "page should be cached for later offline reads")
	})

	t.Run("remote failure falls back to cache and degrades", func(t *testing.T) {
		client := newFakeRemote()
		c := newTestCache(t, client, netmon.New())
		cachePage(t, c, 42, 2, "<p>stored</p>")

		client.failPages(errors.New("connection reset"))

		pc, err := c.ReadPage(ctx, 42, 2)
		require.NoError(t, err)
		assert.Equal(t, readercache.SourceCache, pc.Source)
		assert.True(t, c.degraded.Load())

		// Degraded reads skip the remote entirely.
		calls := client.pageCalls.Load()
		_, err = c.ReadPage(ctx, 42, 2)
		require.NoError(t, err)
		assert.Equal(t, calls, client.pageCalls.Load())
	})

	t.Run("remote failure without cached copy surfaces the error", func(t *testing.T) {
		client := newFakeRemote()
		client.failPages(errors.New("connection reset"))
		c := newTestCache(t, client, netmon.New())

		_, err := c.ReadPage(ctx, 42, 2)
		require.Error(t, err)
		assert.NotErrorIs(t, err, readercache.ErrPageUnavailableOffline)
	})
}

func TestReadPage_DegradedClearsOnOnlineTransition(t *testing.T) {
	ctx := context.Background()
	client := newFakeRemote()
	monitor := netmon.New()
	c := newTestCache(t, client, monitor)
	cachePage(t, c, 42, 2, "<p>stored</p>")

	client.failPages(errors.New("connection reset"))
	_, err := c.ReadPage(ctx, 42, 2)
	require.NoError(t, err)
	require.True(t, c.degraded.Load())

	client.failPages(nil)

	// A fresh offline-to-online transition ends the degraded session.
	monitor.SetOnline(false)
	monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		return !c.degraded.Load()
	}, 2*time.Second, 10*time.Millisecond)

	pc, err := c.ReadPage(ctx, 42, 2)
	require.NoError(t, err)
	assert.Equal(t, readercache.SourceRemote, pc.Source)
}

func TestReadPage_SingleFlight(t *testing.T) {
	ctx := context.Background()
	client := newFakeRemote()
	client.pageDelay = 50 * time.Millisecond
	c := newTestCache(t, client, netmon.New())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ReadPage(ctx, 42, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), client.pageCalls.Load(), "concurrent reads of the same page share one fetch")
}

func TestReadPage_TouchKeepsDocumentWarm(t *testing.T) {
	ctx := context.Background()
	client := newFakeRemote()
	c := newTestCache(t, client, netmon.New(netmon.WithInitialState(false)))

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, c.store.PutMetadata(ctx, &readercache.MetadataRecord{ID: 42, Title: "x", LastAccessedAt: stale}))
	cachePage(t, c, 42, 1, "<p>stored</p>")

	_, err := c.ReadPage(ctx, 42, 1)
	require.NoError(t, err)

	meta, err := c.store.GetMetadata(ctx, 42)
	require.NoError(t, err)
	assert.True(t, meta.LastAccessedAt.After(stale))
}
