package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	readercache "github.com/wolfeidau/reader-cache"
	"github.com/wolfeidau/reader-cache/netmon"
	"github.com/wolfeidau/reader-cache/offline"
	"github.com/wolfeidau/reader-cache/remote"
)

// fakeRemote implements remote.Client over canned data.
type fakeRemote struct {
	meta  map[readercache.DocumentID]*readercache.MetadataRecord
	pages map[readercache.DocumentID]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		meta:  map[readercache.DocumentID]*readercache.MetadataRecord{},
		pages: map[readercache.DocumentID]int{},
	}
}

func (f *fakeRemote) addDocument(id readercache.DocumentID, title string, pages int) {
	f.meta[id] = &readercache.MetadataRecord{ID: id, Title: title, TotalPages: pages}
	f.pages[id] = pages
}

func (f *fakeRemote) FetchMetadata(_ context.Context, id readercache.DocumentID) (*readercache.MetadataRecord, error) {
	meta, ok := f.meta[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	rec := *meta
	return &rec, nil
}

func (f *fakeRemote) FetchPage(_ context.Context, id readercache.DocumentID, page int) (*remote.PageResult, error) {
	total, ok := f.pages[id]
	if !ok || page < 1 || page > total {
		return nil, remote.ErrNotFound
	}
	return &remote.PageResult{
		Content:    fmt.Sprintf("<p>page %d of doc %d</p>", page, id),
		TotalPages: total,
	}, nil
}

func (f *fakeRemote) FetchProgress(context.Context, readercache.DocumentID) (*readercache.ProgressRecord, error) {
	return nil, remote.ErrNotFound
}

func (f *fakeRemote) PushProgress(context.Context, readercache.DocumentID, int, float64) error {
	return nil
}

func (f *fakeRemote) FetchBlob(_ context.Context, id readercache.DocumentID) ([]byte, error) {
	if _, ok := f.meta[id]; !ok {
		return nil, remote.ErrNotFound
	}
	return []byte(fmt.Sprintf("blob for doc %d", id)), nil
}

func (f *fakeRemote) WarmResource(context.Context, string) error { return nil }

func newTestServer(t *testing.T, client remote.Client) (*httptest.Server, *netmon.Monitor) {
	t.Helper()

	monitor := netmon.New()
	cache, err := offline.New(offline.Config{
		DBPath:  filepath.Join(t.TempDir(), "test.db"),
		Remote:  client,
		Monitor: monitor,
		NoSync:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	s, err := New(Config{Cache: cache, Monitor: monitor})
	require.NoError(t, err)

	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, monitor
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	if v != nil && res.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(res.Body).Decode(v))
	}
	return res.StatusCode
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t, newFakeRemote())

	var body map[string]string
	code := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ProgressRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, newFakeRemote())

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/documents/42/progress",
		bytes.NewBufferString(`{"page": 3, "scroll_ratio": 0.5}`))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	var rec readercache.ProgressRecord
	code := getJSON(t, ts.URL+"/documents/42/progress", &rec)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, rec.Page)
	assert.InDelta(t, 0.5, rec.ScrollRatio, 1e-9)
}

func TestServer_ProgressNotFound(t *testing.T) {
	ts, _ := newTestServer(t, newFakeRemote())
	code := getJSON(t, ts.URL+"/documents/42/progress", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_ReadPage(t *testing.T) {
	client := newFakeRemote()
	client.addDocument(42, "Roadside Picnic", 5)
	ts, _ := newTestServer(t, client)

	var pc readercache.PageContent
	code := getJSON(t, ts.URL+"/documents/42/pages/2", &pc)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, readercache.SourceRemote, pc.Source)
	assert.Contains(t, pc.Content, "page 2")
}

func TestServer_ReadPage_UnavailableOffline(t *testing.T) {
	ts, monitor := newTestServer(t, newFakeRemote())
	monitor.SetOnline(false)

	code := getJSON(t, ts.URL+"/documents/42/pages/2", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_BadRequests(t *testing.T) {
	ts, _ := newTestServer(t, newFakeRemote())

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/documents/abc/pages/1", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/documents/42/pages/0", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/prefetch/not-a-uuid", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/prefetch/0e1fcbe7-d791-4b3b-a867-0e0a1a5b8d00", nil))
}

func TestServer_PrefetchFlow(t *testing.T) {
	client := newFakeRemote()
	client.addDocument(42, "Roadside Picnic", 4)
	ts, monitor := newTestServer(t, client)

	res, err := http.Post(ts.URL+"/documents/42/prefetch", "application/json", nil)
	require.NoError(t, err)
	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&started))
	res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.NotEmpty(t, started.JobID)

	// Poll until the job reports done.
	var status JobStatus
	require.Eventually(t, func() bool {
		code := getJSON(t, ts.URL+"/prefetch/"+started.JobID, &status)
		return code == http.StatusOK && status.Done
	}, 5*time.Second, 20*time.Millisecond)

	assert.Empty(t, status.Error)
	require.NotNil(t, status.Result)
	assert.Equal(t, 4, status.Result.PagesFetched)
	assert.Equal(t, 100, status.Percent)

	var docs []readercache.MetadataRecord
	code := getJSON(t, ts.URL+"/documents", &docs)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, docs, 1)
	assert.Equal(t, "Roadside Picnic", docs[0].Title)

	var cached struct {
		Pages []int `json:"pages"`
	}
	code = getJSON(t, ts.URL+"/documents/42/pages", &cached)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []int{1, 2, 3, 4}, cached.Pages)

	var stats readercache.CacheStats
	code = getJSON(t, ts.URL+"/stats", &stats)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, stats.Count)

	// The downloaded blob is served back verbatim.
	blobRes, err := http.Get(ts.URL + "/documents/42/blob")
	require.NoError(t, err)
	defer blobRes.Body.Close()
	assert.Equal(t, http.StatusOK, blobRes.StatusCode)
	assert.Equal(t, "application/octet-stream", blobRes.Header.Get("Content-Type"))

	// Prefetched content reads fine with the network gone.
	monitor.SetOnline(false)
	var pc readercache.PageContent
	code = getJSON(t, ts.URL+"/documents/42/pages/3", &pc)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, readercache.SourceCache, pc.Source)
}

func TestServer_EvictAndClear(t *testing.T) {
	client := newFakeRemote()
	client.addDocument(42, "x", 2)
	ts, _ := newTestServer(t, client)

	res, err := http.Post(ts.URL+"/documents/42/prefetch", "application/json", nil)
	require.NoError(t, err)
	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&started))
	res.Body.Close()

	var status JobStatus
	require.Eventually(t, func() bool {
		code := getJSON(t, ts.URL+"/prefetch/"+started.JobID, &status)
		return code == http.StatusOK && status.Done
	}, 5*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/documents/42", nil)
	require.NoError(t, err)
	dres, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dres.Body.Close()
	assert.Equal(t, http.StatusNoContent, dres.StatusCode)

	var cached struct {
		Pages []int `json:"pages"`
	}
	getJSON(t, ts.URL+"/documents/42/pages", &cached)
	assert.Empty(t, cached.Pages)

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/documents", nil)
	require.NoError(t, err)
	cres, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	cres.Body.Close()
	assert.Equal(t, http.StatusNoContent, cres.StatusCode)

	var docs []readercache.MetadataRecord
	getJSON(t, ts.URL+"/documents", &docs)
	assert.Empty(t, docs)
}

func TestServer_NetworkSignal(t *testing.T) {
	ts, monitor := newTestServer(t, newFakeRemote())
	require.True(t, monitor.IsOnline())

	res, err := http.Post(ts.URL+"/network", "application/json",
		bytes.NewBufferString(`{"online": false}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.False(t, monitor.IsOnline())
}
