// Package prefetch downloads a whole document into the record store so
// it can be read offline. A prefetch is a job: metadata first, then the
// full-document blob, then every page in bounded batches, with progress
// events pushed to the caller along the way. Page failures are skipped
// and reported; a blob failure aborts the job.
package prefetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	readercache "github.com/wolfeidau/reader-cache"
	"github.com/wolfeidau/reader-cache/evict"
	"github.com/wolfeidau/reader-cache/progress"
	"github.com/wolfeidau/reader-cache/remote"
	"github.com/wolfeidau/reader-cache/store/recorddb"
	"github.com/wolfeidau/reader-cache/telemetry"
)

// Status names a prefetch phase.
type Status string

const (
	StatusMetadata Status = "metadata"
	StatusBlob     Status = "blob"
	StatusPages    Status = "pages"
	StatusDone     Status = "done"
)

// Event is a progress update pushed while a job runs. Percent runs 0-100;
// Current and Total count pages once the page phase starts.
type Event struct {
	Status  Status `json:"status"`
	Percent int    `json:"percent"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// Result summarizes a completed job.
type Result struct {
	PagesFetched    int   `json:"pages_fetched"`
	PagesFailed     int   `json:"pages_failed"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
}

// Job is one running prefetch. Events delivers progress updates and is
// closed when the job finishes; a consumer that falls behind misses
// intermediate updates rather than stalling the download. Wait blocks
// until completion.
type Job struct {
	ID uuid.UUID

	events chan Event
	done   chan struct{}
	result *Result
	err    error
}

// Events returns the progress event stream for the job.
func (j *Job) Events() <-chan Event {
	return j.events
}

// Wait blocks until the job finishes and returns its result. Pages that
// failed individually are reported in the result, not as an error; the
// error is non-nil only when the job aborted.
func (j *Job) Wait() (*Result, error) {
	<-j.done
	return j.result, j.err
}

func (j *Job) emit(ev Event) {
	select {
	case j.events <- ev:
	default:
	}
}

// Config holds prefetch configuration.
type Config struct {
	// BatchSize is how many pages are fetched concurrently. The next
	// batch starts only after the previous one has fully settled.
	// Default is 5.
	BatchSize int

	// Logger for job events.
	Logger *slog.Logger
}

// Orchestrator runs prefetch jobs against the portal and the record
// store.
type Orchestrator struct {
	config     Config
	store      *recorddb.Store
	remote     remote.Client
	reconciler *progress.Reconciler
	evictor    *evict.Manager
	logger     *slog.Logger
}

// NewOrchestrator creates a prefetch orchestrator.
func NewOrchestrator(store *recorddb.Store, client remote.Client, reconciler *progress.Reconciler, evictor *evict.Manager, cfg Config) *Orchestrator {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		config:     cfg,
		store:      store,
		remote:     client,
		reconciler: reconciler,
		evictor:    evictor,
		logger:     cfg.Logger,
	}
}

// Start begins a prefetch job for a document and returns immediately.
// The metadata record is the portal's current view of the document and
// is persisted as the first step so the document shows up in the cached
// list even if the rest of the job fails.
func (o *Orchestrator) Start(ctx context.Context, meta *readercache.MetadataRecord) *Job {
	job := &Job{
		ID:     uuid.New(),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(job.done)
		defer close(job.events)

		result, err := o.run(ctx, job, meta)
		job.result = result
		job.err = err

		switch {
		case err != nil:
			telemetry.RecordPrefetchJob(ctx, "error")
			o.logger.Warn("prefetch failed", "job", job.ID, "document", meta.ID, "error", err)
		case result.PagesFailed > 0:
			telemetry.RecordPrefetchJob(ctx, "partial")
			o.logger.Info("prefetch finished with skipped pages",
				"job", job.ID,
				"document", meta.ID,
				"fetched", result.PagesFetched,
				"failed", result.PagesFailed)
		default:
			telemetry.RecordPrefetchJob(ctx, "ok")
			o.logger.Info("prefetch complete",
				"job", job.ID,
				"document", meta.ID,
				"pages", result.PagesFetched,
				"bytes", result.BytesDownloaded)
		}
	}()

	return job
}

func (o *Orchestrator) run(ctx context.Context, job *Job, meta *readercache.MetadataRecord) (*Result, error) {
	result := &Result{}
	total := meta.TotalPages

	if err := o.store.PutMetadata(ctx, meta); err != nil {
		return result, fmt.Errorf("persisting metadata: %w", err)
	}
	job.emit(Event{Status: StatusMetadata, Percent: 5, Total: total})

	// Pin the resolved position locally so resuming works offline even
	// if the device never reconnects this session. Best effort.
	if rec, err := o.reconciler.Resolve(ctx, meta.ID); err == nil && rec != nil {
		if err := o.reconciler.PersistResolved(ctx, rec); err != nil {
			o.logger.Warn("persisting resolved progress failed", "document", meta.ID, "error", err)
		}
	}

	size, err := o.fetchBlob(ctx, meta)
	if err != nil {
		return result, err
	}
	result.BytesDownloaded += size
	job.emit(Event{Status: StatusBlob, Percent: 15, Total: total})

	var fetched, failed, bytes atomic.Int64

	for start := 1; start <= total; start += o.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return collect(result, &fetched, &failed, &bytes), err
		}

		end := min(start+o.config.BatchSize-1, total)

		var g errgroup.Group
		for n := start; n <= end; n++ {
			g.Go(func() error {
				o.fetchPage(ctx, meta.ID, n, &fetched, &failed, &bytes)
				return nil
			})
		}
		_ = g.Wait()

		processed := int(fetched.Load() + failed.Load())
		job.emit(Event{
			Status:  StatusPages,
			Percent: pagePercent(processed, total),
			Current: processed,
			Total:   total,
		})
	}

	job.emit(Event{Status: StatusDone, Percent: 100, Current: total, Total: total})
	return collect(result, &fetched, &failed, &bytes), nil
}

// fetchBlob downloads the full document, digests it, and stores it
// behind the capacity gate. Any failure here aborts the job.
func (o *Orchestrator) fetchBlob(ctx context.Context, meta *readercache.MetadataRecord) (int64, error) {
	start := time.Now()
	raw, err := o.remote.FetchBlob(ctx, meta.ID)
	if err != nil {
		telemetry.RecordRemoteFetch(ctx, "blob", time.Since(start), "error")
		return 0, fmt.Errorf("%w: document %d: %w", readercache.ErrBlobDownloadFailed, meta.ID, err)
	}
	telemetry.RecordRemoteFetch(ctx, "blob", time.Since(start), "ok")

	if err := o.evictor.EnsureBlobCapacity(ctx); err != nil {
		return 0, fmt.Errorf("making room for blob: %w", err)
	}

	rec := &readercache.BlobRecord{
		DocumentID:       meta.ID,
		Raw:              raw,
		Digest:           readercache.HashBytes(raw),
		MetadataSnapshot: *meta,
	}
	if err := o.store.PutBlob(ctx, rec); err != nil {
		return 0, fmt.Errorf("storing blob: %w", err)
	}
	return int64(len(raw)), nil
}

// fetchPage downloads and persists one page. Failures are counted and
// logged, never returned; a bad page must not sink the batch.
func (o *Orchestrator) fetchPage(ctx context.Context, id readercache.DocumentID, n int, fetched, failed, bytes *atomic.Int64) {
	start := time.Now()
	res, err := o.remote.FetchPage(ctx, id, n)
	if err != nil {
		telemetry.RecordRemoteFetch(ctx, "page", time.Since(start), "error")
		telemetry.RecordPrefetchPage(ctx, "error")
		failed.Add(1)
		o.logger.Warn("page fetch failed, skipping", "document", id, "page", n, "error", err)
		return
	}
	telemetry.RecordRemoteFetch(ctx, "page", time.Since(start), "ok")

	if err := o.store.PutPage(ctx, &readercache.PageRecord{
		DocumentID: id,
		PageNumber: n,
		Content:    res.Content,
	}); err != nil {
		telemetry.RecordPrefetchPage(ctx, "error")
		failed.Add(1)
		o.logger.Warn("page store failed, skipping", "document", id, "page", n, "error", err)
		return
	}

	telemetry.RecordPrefetchPage(ctx, "ok")
	fetched.Add(1)
	bytes.Add(int64(len(res.Content)))

	o.warmResources(ctx, id, n, res.Content)
}

// warmResources fires detached fetches for resources referenced by the
// page so the platform's HTTP cache is primed. Never awaited; failures
// are invisible to the job.
func (o *Orchestrator) warmResources(ctx context.Context, id readercache.DocumentID, n int, content string) {
	refs := scanResourceRefs(content)
	if len(refs) == 0 {
		return
	}

	warmCtx := context.WithoutCancel(ctx)
	for _, ref := range refs {
		go func() {
			if err := o.remote.WarmResource(warmCtx, ref); err != nil {
				o.logger.Debug("resource warm-up failed", "document", id, "page", n, "ref", ref, "error", err)
			}
		}()
	}
}

func collect(result *Result, fetched, failed, bytes *atomic.Int64) *Result {
	result.PagesFetched = int(fetched.Load())
	result.PagesFailed = int(failed.Load())
	result.BytesDownloaded += bytes.Load()
	return result
}

// pagePercent maps settled page count onto the 15-100 band; the first
// 15 points belong to the metadata and blob phases.
func pagePercent(processed, total int) int {
	if total == 0 {
		return 100
	}
	return 15 + (85*processed+total/2)/total
}
