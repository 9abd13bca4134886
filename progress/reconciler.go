// Package progress merges the locally saved reading position with the
// one held by the portal. The two records are written independently,
// the local one while offline and the remote one from other devices, and
// are reconciled at read time by last-writer-wins on their timestamps.
// The merged value is never stored; each side keeps its own record.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	readercache "github.com/wolfeidau/reader-cache"
	"github.com/wolfeidau/reader-cache/netmon"
	"github.com/wolfeidau/reader-cache/remote"
	"github.com/wolfeidau/reader-cache/store/recorddb"
)

// Reconciler resolves a document's authoritative reading position.
type Reconciler struct {
	store   *recorddb.Store
	remote  remote.Client
	monitor *netmon.Monitor
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger for the reconciler.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates a Reconciler.
func New(store *recorddb.Store, client remote.Client, monitor *netmon.Monitor, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   store,
		remote:  client,
		monitor: monitor,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the authoritative progress record for a document, or
// (nil, nil) when neither side has one. The remote fetch and the local
// read run concurrently; either failing is treated as that side having
// no record. When the local record wins and the monitor reports online,
// the winner is pushed to the portal on a detached best-effort task;
// the caller never waits on it and its failure is only logged.
func (r *Reconciler) Resolve(ctx context.Context, id readercache.DocumentID) (*readercache.ProgressRecord, error) {
	var (
		remoteRec *readercache.ProgressRecord
		localRec  *readercache.ProgressRecord
	)

	remoteDone := make(chan struct{})
	go func() {
		defer close(remoteDone)
		rec, err := r.remote.FetchProgress(ctx, id)
		if err != nil {
			if !errors.Is(err, remote.ErrNotFound) {
				r.logger.Debug("remote progress fetch failed", "document", id, "error", err)
			}
			return
		}
		remoteRec = rec
	}()

	rec, err := r.store.GetProgress(ctx, id)
	if err != nil && !errors.Is(err, recorddb.ErrNotFound) {
		r.logger.Warn("local progress read failed", "document", id, "error", err)
	} else if err == nil {
		localRec = rec
	}

	<-remoteDone

	winner, localWins := merge(localRec, remoteRec)
	if winner == nil {
		return nil, nil
	}

	if localWins && r.monitor.IsOnline() {
		r.pushAsync(ctx, winner)
	}

	// Normalize: callers never learn which side won.
	resolved := *winner
	resolved.DocumentID = id
	return &resolved, nil
}

// merge picks the winning record. A strictly greater UpdatedAt wins;
// equal timestamps favor the remote record, the system of record for
// cross-device state.
func merge(local, remoteRec *readercache.ProgressRecord) (winner *readercache.ProgressRecord, localWins bool) {
	switch {
	case local == nil && remoteRec == nil:
		return nil, false
	case remoteRec == nil:
		return local, true
	case local == nil:
		return remoteRec, false
	case local.UpdatedAt.After(remoteRec.UpdatedAt):
		return local, true
	default:
		return remoteRec, false
	}
}

// pushAsync pushes a locally-won record to the portal without blocking
// the caller. The context is detached so the caller returning does not
// cancel the push.
func (r *Reconciler) pushAsync(ctx context.Context, rec *readercache.ProgressRecord) {
	pushCtx := context.WithoutCancel(ctx)
	go func() {
		if err := r.remote.PushProgress(pushCtx, rec.DocumentID, rec.Page, rec.ScrollRatio); err != nil {
			r.logger.Warn("progress push failed",
				"document", rec.DocumentID,
				"page", rec.Page,
				"error", err)
			return
		}
		r.logger.Debug("pushed local progress", "document", rec.DocumentID, "page", rec.Page)
	}()
}

// SaveLocal overwrites the local progress record for a document with the
// current position. Called by the reader on page turns and periodic
// scroll saves.
func (r *Reconciler) SaveLocal(ctx context.Context, id readercache.DocumentID, page int, scrollRatio float64) error {
	return r.store.PutProgress(ctx, &readercache.ProgressRecord{
		DocumentID:  id,
		Page:        page,
		ScrollRatio: scrollRatio,
		UpdatedAt:   r.now(),
	})
}

// PersistResolved writes an already-resolved record into the local
// collection, preserving its original timestamp so a later merge is not
// skewed. Used by prefetch so resuming offline works even if the device
// never goes online again this session.
func (r *Reconciler) PersistResolved(ctx context.Context, rec *readercache.ProgressRecord) error {
	if rec == nil {
		return nil
	}
	return r.store.PutProgress(ctx, rec)
}
