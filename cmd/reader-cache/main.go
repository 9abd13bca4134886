// Command reader-cache runs the offline reading cache daemon: a local
// HTTP surface over the record store, backed by the media portal API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/reader-cache/netmon"
	"github.com/wolfeidau/reader-cache/offline"
	"github.com/wolfeidau/reader-cache/remote"
	"github.com/wolfeidau/reader-cache/server"
	"github.com/wolfeidau/reader-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address   string `help:"Address to listen on." default:"127.0.0.1:8787"`
	DBPath    string `help:"Path of the record store database file." default:"./reader-cache.db" name:"db-path"`
	PortalURL string `help:"Base URL of the media portal API." required:""`
	Token     string `help:"Bearer token for the portal API." env:"READER_CACHE_TOKEN"`

	MaxBlobs      int           `help:"Maximum number of fully downloaded documents." default:"20"`
	Retention     time.Duration `help:"How long unread cached content is kept." default:"720h"`
	SweepInterval time.Duration `help:"How often the retention sweep runs." default:"1h"`
	StartOffline  bool          `help:"Start with connectivity assumed offline."`

	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics."`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("reader-cache"),
		kong.Description("Offline reading cache for the media portal."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "reader-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	portalOpts := []remote.PortalOption{remote.WithBaseURL(flags.PortalURL)}
	if flags.Token != "" {
		portalOpts = append(portalOpts, remote.WithBearerToken(flags.Token))
	}
	portal := remote.NewPortal(portalOpts...)

	monitor := netmon.New(
		netmon.WithLogger(logger),
		netmon.WithInitialState(!flags.StartOffline),
	)

	cache, err := offline.New(offline.Config{
		DBPath:        flags.DBPath,
		Remote:        portal,
		Monitor:       monitor,
		MaxBlobs:      flags.MaxBlobs,
		Retention:     flags.Retention,
		SweepInterval: flags.SweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("closing cache", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address: flags.Address,
		Cache:   cache,
		Monitor: monitor,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("reader cache started",
		"address", srv.Address(),
		"portal", flags.PortalURL,
		"db_path", flags.DBPath,
		"max_blobs", flags.MaxBlobs,
		"retention", flags.Retention,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}
