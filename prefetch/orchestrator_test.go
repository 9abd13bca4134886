package prefetch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	readercache "github.com/wolfeidau/reader-cache"
	"github.com/wolfeidau/reader-cache/evict"
	"github.com/wolfeidau/reader-cache/netmon"
	"github.com/wolfeidau/reader-cache/progress"
	"github.com/wolfeidau/reader-cache/remote"
	"github.com/wolfeidau/reader-cache/store/recorddb"
)

// fakeRemote implements remote.Client for prefetch tests.
type fakeRemote struct {
	mu       sync.Mutex
	blob     []byte
	blobErr  error
	pageErr  map[int]error
	onPage   func(n int)
	started  []int
	warmRefs []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		blob:    []byte("epub bytes"),
		pageErr: map[int]error{},
	}
}

func (f *fakeRemote) FetchMetadata(context.Context, readercache.DocumentID) (*readercache.MetadataRecord, error) {
	return nil, remote.ErrNotFound
}

func (f *fakeRemote) FetchPage(_ context.Context, id readercache.DocumentID, n int) (*remote.PageResult, error) {
	f.mu.Lock()
	f.started = append(f.started, n)
	onPage := f.onPage
	err := f.pageErr[n]
	f.mu.Unlock()

	if onPage != nil {
		onPage(n)
	}
	if err != nil {
		return nil, err
	}
	return &remote.PageResult{Content: fmt.Sprintf("<p>page %d of doc %d</p>", n, id)}, nil
}

func (f *fakeRemote) FetchProgress(context.Context, readercache.DocumentID) (*readercache.ProgressRecord, error) {
	return nil, remote.ErrNotFound
}

func (f *fakeRemote) PushProgress(context.Context, readercache.DocumentID, int, float64) error {
	return nil
}

func (f *fakeRemote) FetchBlob(context.Context, readercache.DocumentID) ([]byte, error) {
	if f.blobErr != nil {
		return nil, f.blobErr
	}
	return f.blob, nil
}

func (f *fakeRemote) WarmResource(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmRefs = append(f.warmRefs, ref)
	return nil
}

func (f *fakeRemote) startedPages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.started...)
}

func (f *fakeRemote) warmed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.warmRefs...)
}

func newTestOrchestrator(t *testing.T, client remote.Client) (*Orchestrator, *recorddb.Store) {
	t.Helper()

	store := recorddb.New()
	require.NoError(t, store.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = store.Close() })

	monitor := netmon.New()
	reconciler := progress.New(store, client, monitor)
	evictor := evict.NewManager(store, evict.DefaultConfig())

	return NewOrchestrator(store, client, reconciler, evictor, Config{}), store
}

func meta(id readercache.DocumentID, pages int) *readercache.MetadataRecord {
	return &readercache.MetadataRecord{ID: id, Title: "Roadside Picnic", TotalPages: pages}
}

func TestOrchestrator_FullDownload(t *testing.T) {
	ctx := context.Background()
	client := newFakeRemote()
	o, store := newTestOrchestrator(t, client)

	job := o.Start(ctx, meta(42, 10))

	var events []Event
	for ev := range job.Events() {
		events = append(events, ev)
	}

	result, err := job.Wait()
	require.NoError(t, err)
	assert.Equal(t, 10, result.PagesFetched)
	assert.Zero(t, result.PagesFailed)
	assert.Greater(t, result.BytesDownloaded, int64(len(client.blob)))

	// Every page must be readable from the store.
	for n := 1; n <= 10; n++ {
		rec, err := store.GetPage(ctx, 42, n)
		require.NoError(t, err, "page %d", n)
		assert.Contains(t, rec.Content, fmt.Sprintf("page %d", n))
	}

	_, err = store.GetBlob(ctx, 42)
	require.NoError(t, err)
	_, err = store.GetMetadata(ctx, 42)
	require.NoError(t, err)

	// Percent never goes backwards, ends at done with current == total.
	require.NotEmpty(t, events)
	assert.Equal(t, Event{Status: StatusMetadata, Percent: 5, Total: 10}, events[0])
	last := 0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Percent, last)
		last = ev.Percent
	}
	final := events[len(events)-1]
	assert.Equal(t, StatusDone, final.Status)
	assert.Equal(t, 100, final.Percent)
	assert.Equal(t, final.Total, final.Current)
}

func TestOrchestrator_SkipsFailedPages(t *testing.T) {
	ctx := context.Background()
	client := newFakeRemote()
	client.pageErr[3] = errors.New("timeout")
	client.pageErr[7] = errors.New("502")
	o, store := newTestOrchestrator(t, client)

	job := o.Start(ctx, meta(42, 10))
	result, err := job.Wait()
	require.NoError(t, err, "skipped pages are not a job error")
	assert.Equal(t, 8, result.PagesFetched)
	assert.Equal(t, 2, result.PagesFailed)

	pages, err := store.ListPageNumbers(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 5, 6, 8, 9, 10}, pages)
}

func TestOrchestrator_BlobFailureAborts(t *testing.T) {
	ctx := context.Background()
	client := newFakeRemote()
	client.blobErr = errors.New("download interrupted")
	o, store := newTestOrchestrator(t, client)

	job := o.Start(ctx, meta(42, 10))
	result, err := job.Wait()
	require.ErrorIs(t, err, readercache.ErrBlobDownloadFailed)
	assert.Zero(t, result.PagesFetched)

	// No page phase ran.
	assert.Empty(t, client.startedPages())
	n, err := store.CountPages(ctx, 42)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrchestrator_BatchOrdering(t *testing.T) {
	ctx := context.Background()
	client := newFakeRemote()
	o, _ := newTestOrchestrator(t, client)

	job := o.Start(ctx, meta(42, 10))
	_, err := job.Wait()
	require.NoError(t, err)

	started := client.startedPages()
	require.Len(t, started, 10)

	// Pages 1-5 form the first batch, 6-10 the second; nothing from the
	// second batch may start before the first has fully settled.
	firstBatch := started[:5]
	secondBatch := started[5:]
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, firstBatch)
	assert.ElementsMatch(t, []int{6, 7, 8, 9, 10}, secondBatch)
}

func TestOrchestrator_CancellationKeepsPersistedPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeRemote()
	client.onPage = func(n int) {
		if n > 5 {
			cancel()
		}
	}
	o, store := newTestOrchestrator(t, client)

	job := o.Start(ctx, meta(42, 15))
	_, err := job.Wait()
	require.ErrorIs(t, err, context.Canceled)

	// The settled batch stays readable.
	for n := 1; n <= 5; n++ {
		_, err := store.GetPage(context.Background(), 42, n)
		assert.NoError(t, err, "page %d", n)
	}

	// The batch after the cancellation never started.
	for _, n := range client.startedPages() {
		assert.LessOrEqual(t, n, 10)
	}
}

func TestOrchestrator_WarmsPageResources(t *testing.T) {
	ctx := context.Background()
	client := newFakeRemote()
	o, _ := newTestOrchestrator(t, &imagePageRemote{fakeRemote: client})

	job := o.Start(ctx, meta(42, 1))
	_, err := job.Wait()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(client.warmed()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/books/42/images/fig1.jpg"}, client.warmed())
}

// imagePageRemote serves pages whose markup references an image.
type imagePageRemote struct {
	*fakeRemote
}

func (r *imagePageRemote) FetchPage(ctx context.Context, id readercache.DocumentID, n int) (*remote.PageResult, error) {
	if _, err := r.fakeRemote.FetchPage(ctx, id, n); err != nil {
		return nil, err
	}
	return &remote.PageResult{
		Content: fmt.Sprintf(`<p>page %d</p><img src="/books/%d/images/fig1.jpg">`, n, id),
	}, nil
}

func TestScanResourceRefs(t *testing.T) {
	content := `
		<div>
			<img src="/books/42/images/a.jpg">
			<img src="/books/42/images/a.jpg">
			<link href="/static/reader.css">
			<a href="/books/42/page/2">next</a>
			<img src="https://cdn.example.com/x.jpg">
			<img src="//cdn.example.com/y.jpg">
		</div>`

	refs := scanResourceRefs(content)
	assert.Equal(t, []string{"/books/42/images/a.jpg", "/static/reader.css"}, refs)
}

func TestScanResourceRefs_NoMarkup(t *testing.T) {
	assert.Empty(t, scanResourceRefs("plain text, no tags"))
}
