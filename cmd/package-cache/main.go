// Command package-cache manages the shared local package cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	packagecache "github.com/wolfeidau/package-cache"
	"github.com/wolfeidau/package-cache/config"
	"github.com/wolfeidau/package-cache/internal/logging"
	"github.com/wolfeidau/package-cache/manager"
	"github.com/wolfeidau/package-cache/telemetry"
)

var version = "dev"

type cli struct {
	Config                  string        `help:"Config file (TOML, YAML or JSON)." type:"path" env:"PACKAGE_CACHE_CONFIG"`
	CacheDir                string        `help:"Cache root, overriding the user and system folders." type:"path"`
	System                  bool          `help:"Use the system-wide cache folder."`
	Registry                []string      `help:"Registry base URL tried before the defaults. Repeatable."`
	IgnoreDefaultRegistries bool          `help:"Do not fall back to the public registries."`
	MinimalMemory           bool          `help:"Read package content from disk on demand."`
	Timeout                 time.Duration `help:"Per-request registry timeout."`
	LogLevel                string        `help:"Log level (debug, info, warn, error)."`
	LogFormat               string        `help:"Log format (text, json)."`
	MetricsAddr             string        `help:"Serve Prometheus /metrics on this address while running."`
	OTLPEndpoint            string        `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`

	Get    getCmd    `cmd:"" help:"Load packages, fetching any that are not cached."`
	Add    addCmd    `cmd:"" help:"Install a package archive from a local file."`
	Remove removeCmd `cmd:"" help:"Remove cached packages."`
	Clear  clearCmd  `cmd:"" help:"Remove every cached package."`
	List   listCmd   `cmd:"" help:"List cached packages."`
	Warm   warmCmd   `cmd:"" help:"Load many packages concurrently."`
}

// app is bound into every command's Run.
type app struct {
	mgr    *manager.Manager
	logger *slog.Logger
	out    io.Writer
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("package-cache"),
		kong.Description("Shared, multi-process-safe local package cache."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	c.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.PrometheusAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("shutting down metrics", "error", err)
		}
	}()

	if cfg.Metrics.PrometheusAddr != "" {
		srv := serveMetrics(cfg.Metrics.PrometheusAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	mgr, err := manager.New(ctx, manager.Config{
		CacheDir:                cfg.CacheDir,
		SystemCache:             cfg.SystemCache,
		Registries:              cfg.Registries,
		IgnoreDefaultRegistries: cfg.IgnoreDefaultRegistries,
		MinimalMemory:           cfg.MinimalMemory,
		Timeout:                 cfg.Timeout,
		Logger:                  logger,
	})
	if err != nil {
		return fmt.Errorf("opening package cache: %w", err)
	}
	defer func() { _ = mgr.Close() }()

	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(&app{mgr: mgr, logger: logger, out: os.Stdout})
}

// apply layers explicitly set flags over the loaded config.
func (c *cli) apply(cfg *config.Config) {
	if c.CacheDir != "" {
		cfg.CacheDir = c.CacheDir
		cfg.SystemCache = false
	}
	if c.System {
		cfg.SystemCache = true
		cfg.CacheDir = ""
	}
	if len(c.Registry) > 0 {
		cfg.Registries = c.Registry
	}
	if c.IgnoreDefaultRegistries {
		cfg.IgnoreDefaultRegistries = true
	}
	if c.MinimalMemory {
		cfg.MinimalMemory = true
	}
	if c.Timeout != 0 {
		cfg.Timeout = c.Timeout
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Log.Format = c.LogFormat
	}
	if c.MetricsAddr != "" {
		cfg.Metrics.PrometheusAddr = c.MetricsAddr
	}
	if c.OTLPEndpoint != "" {
		cfg.Metrics.OTLPEndpoint = c.OTLPEndpoint
	}
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

type getCmd struct {
	Refs []string `arg:"" help:"Package references: name#version, name@version or name."`
}

func (g *getCmd) Run(ctx context.Context, a *app) error {
	for _, ref := range g.Refs {
		id, err := packagecache.ParseReference(ref)
		if err != nil {
			return err
		}
		h, err := a.mgr.Load(ctx, id.Name, id.Version)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s\t%s\t%d files\n", h.Identity(), h.Dir(), len(h.Files()))
	}
	return nil
}

type addCmd struct {
	Ref       string `arg:"" help:"Package reference with an exact version: name#version."`
	Archive   string `arg:"" help:"Path to the package archive (.tgz)." type:"existingfile"`
	SourceURL string `help:"Where the archive came from, recorded for diagnostics."`
}

func (c *addCmd) Run(ctx context.Context, a *app) error {
	id, err := packagecache.ParseReference(c.Ref)
	if err != nil {
		return err
	}
	f, err := os.Open(c.Archive)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	source := c.SourceURL
	if source == "" {
		source = "file://" + c.Archive
	}
	entry, err := a.mgr.AddPackage(ctx, id.Name, id.Version, f, source)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s\t%s\n", entry.Identity(), entry.Path)
	return nil
}

type removeCmd struct {
	Refs []string `arg:"" help:"Package references with exact versions."`
}

func (c *removeCmd) Run(ctx context.Context, a *app) error {
	for _, ref := range c.Refs {
		id, err := packagecache.ParseReference(ref)
		if err != nil {
			return err
		}
		removed, err := a.mgr.RemovePackage(ctx, id.Name, id.Version)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Fprintf(a.out, "%s\tnot cached\n", id)
			continue
		}
		fmt.Fprintf(a.out, "%s\tremoved\n", id)
	}
	return nil
}

type clearCmd struct{}

func (clearCmd) Run(ctx context.Context, a *app) error {
	return a.mgr.Clear(ctx)
}

type listCmd struct {
	JSON bool `help:"Print JSON instead of a table." name:"json"`
}

func (c *listCmd) Run(ctx context.Context, a *app) error {
	listed, err := a.mgr.List(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(listed)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tSIZE\tREGISTRY\tINSTALLED")
	for _, l := range listed {
		registry, installed := "-", "-"
		if l.Record != nil {
			if l.Record.Registry != "" {
				registry = l.Record.Registry
			}
			installed = l.Record.InstalledAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", l.Identity(), l.Size, registry, installed)
	}
	return tw.Flush()
}

type warmCmd struct {
	Refs        []string `arg:"" help:"Package references to load."`
	Concurrency int      `help:"Maximum concurrent loads." default:"4"`
}

// Run loads every package, continuing past failures, and fails if any load
// failed.
func (w *warmCmd) Run(ctx context.Context, a *app) error {
	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(max(w.Concurrency, 1))
	start := time.Now()

	for _, ref := range w.Refs {
		g.Go(func() error {
			id, err := packagecache.ParseReference(ref)
			if err == nil {
				// each load needs its own tags
				_, err = a.mgr.Load(telemetry.InjectTags(ctx, "warm"), id.Name, id.Version)
			}
			if err != nil {
				failed.Add(1)
				a.logger.Error("warming package", "ref", ref, "error", err)
				return nil
			}
			a.logger.Info("warmed package", "ref", ref)
			return nil
		})
	}
	_ = g.Wait()

	a.logger.Info("warm complete",
		"packages", len(w.Refs),
		"failed", failed.Load(),
		"duration", time.Since(start),
	)
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("warming: %d of %d packages failed", n, len(w.Refs))
	}
	return nil
}
