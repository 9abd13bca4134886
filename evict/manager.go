// Package evict bounds what the reading cache keeps on disk. Two
// policies run independently: a blob capacity cap enforced at insert
// time (oldest last-access goes first), and an age-based retention sweep
// that drops page content and metadata not touched within the retention
// window. Reading progress is never swept; it is tiny and losing it
// costs the user their place.
package evict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	readercache "github.com/wolfeidau/reader-cache"
	"github.com/wolfeidau/reader-cache/store/recorddb"
	"github.com/wolfeidau/reader-cache/telemetry"
)

// Config holds eviction configuration.
type Config struct {
	// MaxBlobs is the maximum number of full-document blobs kept.
	// Inserting past the cap evicts the least recently accessed
	// document. Default is 20.
	MaxBlobs int

	// Retention is how long page content and metadata survive without
	// being accessed. Default is 30 days.
	Retention time.Duration

	// SweepInterval is how often the background retention sweep runs.
	// Default is 1 hour.
	SweepInterval time.Duration

	// Logger for eviction events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxBlobs:      20,
		Retention:     30 * 24 * time.Hour,
		SweepInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Manager enforces the capacity cap and runs retention sweeps.
type Manager struct {
	config Config
	store  *recorddb.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an eviction manager over the record store.
func NewManager(store *recorddb.Store, cfg Config, opts ...Option) *Manager {
	if cfg.MaxBlobs == 0 {
		cfg.MaxBlobs = 20
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		config: cfg,
		store:  store,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureBlobCapacity makes room for one blob insert. When the collection
// is at or over the cap, the single least recently accessed document is
// removed across all collections. Called once per insert, so the count
// can never drift more than one past the cap.
func (m *Manager) EnsureBlobCapacity(ctx context.Context) error {
	count, err := m.store.CountBlobs(ctx)
	if err != nil {
		return fmt.Errorf("counting blobs: %w", err)
	}
	if count < m.config.MaxBlobs {
		return nil
	}

	oldest, err := m.store.OldestBlob(ctx)
	if err != nil {
		if errors.Is(err, recorddb.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("finding oldest blob: %w", err)
	}

	pages, err := m.store.DeleteDocument(ctx, oldest)
	if err != nil {
		return fmt.Errorf("evicting document %d: %w", oldest, err)
	}

	telemetry.RecordEviction(ctx, "lru")
	m.logger.Info("evicted least recently used document",
		"document", oldest,
		"pages_deleted", pages,
		"max_blobs", m.config.MaxBlobs)
	return nil
}

// RemoveDocument deletes one document's cached records. The progress
// record survives so the position is kept if the document comes back.
func (m *Manager) RemoveDocument(ctx context.Context, id readercache.DocumentID) error {
	pages, err := m.store.DeleteDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("removing document %d: %w", id, err)
	}

	telemetry.RecordEviction(ctx, "manual")
	m.logger.Info("removed document", "document", id, "pages_deleted", pages)
	return nil
}

// SweepResult contains the results of one retention sweep.
type SweepResult struct {
	PagesDeleted    int
	MetadataDeleted int
	Duration        time.Duration
}

// SweepAged deletes page records and metadata records older than the
// retention window. Running it twice back to back deletes nothing the
// second time.
func (m *Manager) SweepAged(ctx context.Context) (*SweepResult, error) {
	start := m.now()
	cutoff := start.Add(-m.config.Retention)

	pages, err := m.store.DeletePagesBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweeping pages: %w", err)
	}

	meta, err := m.store.DeleteMetadataBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweeping metadata: %w", err)
	}

	result := &SweepResult{
		PagesDeleted:    pages,
		MetadataDeleted: meta,
		Duration:        m.now().Sub(start),
	}

	telemetry.RecordSweep(ctx, pages+meta, result.Duration)

	if pages > 0 || meta > 0 {
		m.logger.Info("retention sweep complete",
			"pages_deleted", pages,
			"metadata_deleted", meta,
			"cutoff", cutoff,
			"duration", result.Duration)
	} else {
		m.logger.Debug("retention sweep complete, nothing aged out")
	}
	return result, nil
}

// Start begins background retention sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start
	if _, err := m.SweepAged(ctx); err != nil {
		m.logger.Error("retention sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.SweepAged(ctx); err != nil {
				m.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}
