// Package offline is the facade over the reading cache: the cache-aware
// read path plus the operations the viewer layer calls. It wires the
// record store, the connectivity monitor, the progress reconciler, the
// prefetch orchestrator, and the eviction manager behind one type.
package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/reader-cache/evict"
	"github.com/wolfeidau/reader-cache/netmon"
	"github.com/wolfeidau/reader-cache/prefetch"
	"github.com/wolfeidau/reader-cache/progress"
	"github.com/wolfeidau/reader-cache/remote"
	"github.com/wolfeidau/reader-cache/store/recorddb"
)

// Config holds cache configuration.
type Config struct {
	// DBPath is the path of the bbolt database file.
	DBPath string

	// Remote is the portal API client.
	Remote remote.Client

	// Monitor is the connectivity monitor. If nil, a monitor starting
	// online is created.
	Monitor *netmon.Monitor

	// MaxBlobs caps the number of fully downloaded documents.
	// Default is 20.
	MaxBlobs int

	// Retention is how long unread cached content is kept.
	// Default is 30 days.
	Retention time.Duration

	// SweepInterval is how often the retention sweep runs.
	// Default is 1 hour.
	SweepInterval time.Duration

	// PrefetchBatchSize is how many pages a prefetch job fetches
	// concurrently. Default is 5.
	PrefetchBatchSize int

	// Logger for cache events.
	Logger *slog.Logger

	// NoSync disables fsync per transaction. Testing only.
	NoSync bool
}

// Cache is the offline reading cache.
type Cache struct {
	store      *recorddb.Store
	remote     remote.Client
	monitor    *netmon.Monitor
	reconciler *progress.Reconciler
	prefetcher *prefetch.Orchestrator
	evictor    *evict.Manager
	logger     *slog.Logger
	maxBlobs   int

	flights singleflight.Group

	// degraded is set when a remote read failed and the cache answered
	// instead. While set, reads skip the remote entirely; a fresh online
	// transition from the monitor clears it.
	degraded    atomic.Bool
	unsubscribe func()
}

// New opens the record store and wires the cache components.
func New(cfg Config) (*Cache, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Monitor == nil {
		cfg.Monitor = netmon.New(netmon.WithLogger(cfg.Logger))
	}
	if cfg.MaxBlobs == 0 {
		cfg.MaxBlobs = 20
	}

	store := recorddb.New(
		recorddb.WithLogger(cfg.Logger),
		recorddb.WithNoSync(cfg.NoSync),
	)
	if err := store.Open(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	reconciler := progress.New(store, cfg.Remote, cfg.Monitor, progress.WithLogger(cfg.Logger))
	evictor := evict.NewManager(store, evict.Config{
		MaxBlobs:      cfg.MaxBlobs,
		Retention:     cfg.Retention,
		SweepInterval: cfg.SweepInterval,
		Logger:        cfg.Logger,
	})
	prefetcher := prefetch.NewOrchestrator(store, cfg.Remote, reconciler, evictor, prefetch.Config{
		BatchSize: cfg.PrefetchBatchSize,
		Logger:    cfg.Logger,
	})

	c := &Cache{
		store:      store,
		remote:     cfg.Remote,
		monitor:    cfg.Monitor,
		reconciler: reconciler,
		prefetcher: prefetcher,
		evictor:    evictor,
		logger:     cfg.Logger,
		maxBlobs:   cfg.MaxBlobs,
	}

	c.watchConnectivity()

	if err := evictor.Start(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("starting eviction manager: %w", err)
	}

	return c, nil
}

// watchConnectivity clears the degraded flag when the monitor reports a
// fresh transition to online. Going offline does not set the flag; the
// monitor state alone covers that case.
func (c *Cache) watchConnectivity() {
	states, cancel := c.monitor.Subscribe()
	c.unsubscribe = cancel

	go func() {
		for state := range states {
			if state == netmon.Online && c.degraded.Swap(false) {
				c.logger.Info("connectivity restored, leaving degraded mode")
			}
		}
	}()
}

// online reports whether reads should try the remote: the monitor says
// online and no remote failure has degraded the session since.
func (c *Cache) online() bool {
	return c.monitor.IsOnline() && !c.degraded.Load()
}

// Close stops background work and releases the database.
func (c *Cache) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.evictor.Stop()
	return c.store.Close()
}
