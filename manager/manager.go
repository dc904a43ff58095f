// Package manager is the package cache façade. It resolves packages against
// the registry set, serves hits from the shared cache root, installs misses
// atomically and materializes the result.
//
// Any number of managers, in one process or many, may share a cache root.
package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	packagecache "github.com/wolfeidau/package-cache"
	"github.com/wolfeidau/package-cache/cacheroot"
	"github.com/wolfeidau/package-cache/download"
	"github.com/wolfeidau/package-cache/journal"
	"github.com/wolfeidau/package-cache/materialize"
	"github.com/wolfeidau/package-cache/pkgdir"
	"github.com/wolfeidau/package-cache/registry"
	"github.com/wolfeidau/package-cache/telemetry"
)

// DefaultTimeout bounds each registry request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config configures a Manager.
type Config struct {
	// CacheDir overrides the cache root. When empty the root is the system
	// folder if SystemCache is set, otherwise the user folder.
	CacheDir    string
	SystemCache bool

	// Registries are tried in order, ahead of the default registries unless
	// IgnoreDefaultRegistries is set.
	Registries              []string
	IgnoreDefaultRegistries bool

	// MinimalMemory selects lazy materialization for every load.
	MinimalMemory bool

	// HTTPClient is shared by every registry. When nil a client with
	// Timeout and an instrumented transport is created.
	HTTPClient *http.Client
	Timeout    time.Duration

	// CacheVersion overrides the expected cache-format version. Zero means
	// cacheroot.CurrentVersion.
	CacheVersion int

	// RegistryClient overrides how each registry client is built.
	RegistryClient func(registry.Server) registry.Client

	Logger *slog.Logger
}

// Manager is a handle on one cache root.
type Manager struct {
	root       *cacheroot.Root
	codec      *pkgdir.Codec
	registries *registry.Set
	journal    *journal.Journal
	downloads  *download.Downloader
	httpClient *http.Client
	mode       materialize.Mode
	logger     *slog.Logger
}

// Listing is one installed package with its provenance, when recorded.
type Listing struct {
	cacheroot.Entry
	Record *journal.Record
}

// ResolveFolder returns the cache root cfg selects.
func ResolveFolder(cfg Config) (string, error) {
	switch {
	case cfg.CacheDir != "":
		return cfg.CacheDir, nil
	case cfg.SystemCache:
		return cacheroot.SystemFolder(), nil
	default:
		return cacheroot.UserFolder()
	}
}

// New opens the cache root and builds the registry set. A cache root with a
// different cache-format version is wiped as part of opening.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "package-cache")

	folder, err := ResolveFolder(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolving cache folder: %w", err)
	}
	folder, err = filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("resolving cache folder: %w", err)
	}

	j := journal.New(filepath.Join(folder, journal.FileName), journal.WithLogger(logger))

	rootOpts := []cacheroot.Option{
		cacheroot.WithLogger(logger),
		cacheroot.WithOnWipe(func() error {
			telemetry.RecordWipe(ctx, "version_mismatch")
			return j.Reset(context.WithoutCancel(ctx))
		}),
	}
	if cfg.CacheVersion != 0 {
		rootOpts = append(rootOpts, cacheroot.WithExpectedVersion(cfg.CacheVersion))
	}
	root, err := cacheroot.Open(folder, rootOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening cache root: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		}
	}

	setOpts := []registry.Option{
		registry.WithSharedHTTPClient(httpClient),
		registry.WithLogger(logger),
	}
	if cfg.RegistryClient != nil {
		setOpts = append(setOpts, registry.WithClientFunc(cfg.RegistryClient))
	}

	mode := materialize.ModeFull
	if cfg.MinimalMemory {
		mode = materialize.ModeLazy
	}

	m := &Manager{
		root:       root,
		codec:      pkgdir.New(root, pkgdir.WithLogger(logger)),
		registries: registry.NewSet(registry.Servers(cfg.Registries, cfg.IgnoreDefaultRegistries), setOpts...),
		journal:    j,
		downloads:  download.New(download.WithLogger(logger)),
		httpClient: httpClient,
		mode:       mode,
		logger:     logger,
	}

	logger.Debug("package cache ready",
		"folder", root.Path(),
		"mode", mode.String(),
		"registries", registry.URLs(m.registries.Servers()),
	)
	return m, nil
}

// Folder returns the absolute cache root path.
func (m *Manager) Folder() string {
	return m.root.Path()
}

// Servers returns the registries in resolution order.
func (m *Manager) Servers() []registry.Server {
	return m.registries.Servers()
}

// Mode returns the materialization mode used for every load.
func (m *Manager) Mode() materialize.Mode {
	return m.mode
}

// Close releases idle registry connections.
func (m *Manager) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}

// Load returns the package name at spec. An exact version that is cached is
// served without contacting any registry. A "latest" or "current" spec is
// resolved against the registries first and the cache is then checked
// under the concrete version.
func (m *Manager) Load(ctx context.Context, name, spec string) (*materialize.Handle, error) {
	if telemetry.GetTags(ctx) == nil {
		ctx = telemetry.InjectTags(ctx, "load")
	}
	start := time.Now()
	h, err := m.load(ctx, name, spec)
	telemetry.RecordLoad(ctx, time.Since(start), err)
	return h, err
}

func (m *Manager) load(ctx context.Context, name, spec string) (*materialize.Handle, error) {
	id, err := packagecache.NewIdentity(name, spec)
	if err != nil {
		return nil, err
	}

	if id.IsMarker() {
		version, server, err := m.registries.Resolve(ctx, id.Name, id.Version)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", id, err)
		}
		resolved, err := packagecache.NewIdentity(id.Name, version)
		if err != nil || resolved.IsMarker() {
			return nil, fmt.Errorf("%w: registry %s resolved %s to %q", packagecache.ErrInvalidIdentity, server.URL, id, version)
		}
		m.logger.Debug("resolved version marker", "package", id.String(), "version", version, "registry", server.URL)
		id = resolved
	}

	h, ok, err := m.fromCache(ctx, id)
	if err != nil || ok {
		return h, err
	}
	return m.fetch(ctx, id)
}

// LoadFromCacheOnly returns the cached package or ErrNotCached; it never
// contacts a registry. Version markers are never satisfied from the cache.
func (m *Manager) LoadFromCacheOnly(ctx context.Context, name, version string) (*materialize.Handle, error) {
	if telemetry.GetTags(ctx) == nil {
		ctx = telemetry.InjectTags(ctx, "cache_only")
	}
	start := time.Now()
	h, err := m.loadFromCacheOnly(ctx, name, version)
	telemetry.RecordLoad(ctx, time.Since(start), err)
	return h, err
}

func (m *Manager) loadFromCacheOnly(ctx context.Context, name, version string) (*materialize.Handle, error) {
	id, err := packagecache.NewIdentity(name, version)
	if err != nil {
		return nil, err
	}
	if id.IsMarker() {
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
		return nil, fmt.Errorf("%w: %s needs a registry to resolve", packagecache.ErrNotCached, id)
	}
	h, ok, err := m.fromCache(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", packagecache.ErrNotCached, id)
	}
	return h, nil
}

// fromCache reports a miss, rather than an error, for an entry removed
// between lookup and materialization.
func (m *Manager) fromCache(ctx context.Context, id packagecache.Identity) (*materialize.Handle, bool, error) {
	entry, ok, err := m.root.Lookup(id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
		return nil, false, nil
	}
	h, err := materialize.Materialize(entry, m.mode)
	if errors.Is(err, packagecache.ErrNotCached) {
		m.logger.Debug("cached entry vanished before materializing", "package", id.String())
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheHit)
	return h, true, nil
}

// fetch downloads and installs id, collapsing concurrent requests for the
// same package in this manager into one.
func (m *Manager) fetch(ctx context.Context, id packagecache.Identity) (*materialize.Handle, error) {
	key := id.DirName()
	res, shared, err := m.downloads.Do(ctx, key, func(ctx context.Context) (*download.Result, error) {
		var installed pkgdir.Result
		fetched, err := m.registries.FetchAndAccept(ctx, id.Name, id.Version, func(ctx context.Context, f *registry.Fetched) error {
			var err error
			installed, err = m.install(ctx, id, bytes.NewReader(f.Data), f.Server.URL, f.SourceURL)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &download.Result{
			Entry:       installed.Entry,
			Digest:      installed.Digest,
			ArchiveSize: installed.ArchiveSize,
			Registry:    fetched.Server.URL,
			Discarded:   installed.Discarded,
		}, nil
	})
	if err != nil {
		download.ForgetOnError(m.downloads, key, err)
		return nil, fmt.Errorf("loading %s: %w", id, err)
	}
	// Set on this caller's tags; a shared fetch ran under the first caller's.
	telemetry.SetRegistry(ctx, res.Registry)

	m.logger.Info("fetched package",
		"package", id.String(),
		"registry", res.Registry,
		"bytes", res.ArchiveSize,
		"shared", shared,
		"discarded", res.Discarded,
	)
	return materialize.Materialize(res.Entry, m.mode)
}

// AddPackage installs an archive obtained out of band. sourceURL is kept for
// diagnostics only. If the package is already cached the existing entry is
// returned and r is discarded.
func (m *Manager) AddPackage(ctx context.Context, name, version string, r io.Reader, sourceURL string) (cacheroot.Entry, error) {
	if telemetry.GetTags(ctx) == nil {
		ctx = telemetry.InjectTags(ctx, "add")
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheBypass)

	id, err := packagecache.NewIdentity(name, version)
	if err != nil {
		return cacheroot.Entry{}, err
	}
	if id.IsMarker() {
		return cacheroot.Entry{}, fmt.Errorf("%w: adding %s needs an exact version", packagecache.ErrInvalidIdentity, id)
	}

	res, err := m.install(ctx, id, r, "", sourceURL)
	if err != nil {
		return cacheroot.Entry{}, fmt.Errorf("adding %s: %w", id, err)
	}
	return res.Entry, nil
}

func (m *Manager) install(ctx context.Context, id packagecache.Identity, r io.Reader, registryURL, sourceURL string) (pkgdir.Result, error) {
	res, err := m.codec.Install(ctx, id, r)
	if err != nil {
		telemetry.RecordInstall(ctx, "failed", 0)
		return pkgdir.Result{}, err
	}
	if res.Discarded {
		telemetry.RecordInstall(ctx, "discarded", res.ArchiveSize)
		return res, nil
	}
	telemetry.RecordInstall(ctx, "installed", res.ArchiveSize)

	rec := journal.Record{
		Key:         id.DirName(),
		Name:        id.Name,
		Version:     id.Version,
		Registry:    registryURL,
		SourceURL:   sourceURL,
		Digest:      res.Digest,
		ArchiveSize: res.ArchiveSize,
		Files:       res.Files,
	}
	if err := m.journal.Put(ctx, rec); err != nil {
		m.logger.Warn("recording install in journal", "package", id.String(), "error", err)
	}
	return res, nil
}

// RemovePackage deletes one cached package and reports whether it was
// present.
func (m *Manager) RemovePackage(ctx context.Context, name, version string) (bool, error) {
	id, err := packagecache.NewIdentity(name, version)
	if err != nil {
		return false, err
	}
	if id.IsMarker() {
		return false, fmt.Errorf("%w: removing %s needs an exact version", packagecache.ErrInvalidIdentity, id)
	}

	removed, err := m.codec.Remove(id)
	if err != nil {
		return false, err
	}
	telemetry.RecordRemoval(ctx, removed)
	if removed {
		if err := m.journal.Delete(ctx, id.DirName()); err != nil {
			m.logger.Warn("removing journal record", "package", id.String(), "error", err)
		}
		m.logger.Info("removed package", "package", id.String())
	}
	return removed, nil
}

// Clear deletes every cached package. The cache root and its metadata
// survive.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.codec.Clear(); err != nil {
		return err
	}
	telemetry.RecordWipe(ctx, "clear")
	if err := m.journal.Reset(ctx); err != nil {
		m.logger.Warn("resetting journal", "error", err)
	}
	m.logger.Info("cleared package cache", "folder", m.root.Path())
	return nil
}

// List returns the installed packages sorted by name then version, each
// with its journal record when one exists.
func (m *Manager) List(ctx context.Context) ([]Listing, error) {
	entries, err := m.root.Entries()
	if err != nil {
		return nil, err
	}

	records := map[string]journal.Record{}
	recs, err := m.journal.List(ctx)
	if err != nil {
		m.logger.Warn("reading journal", "error", err)
	}
	for _, rec := range recs {
		records[rec.Key] = rec
	}

	out := make([]Listing, 0, len(entries))
	for _, e := range entries {
		l := Listing{Entry: e}
		if rec, ok := records[e.Identity().DirName()]; ok {
			l.Record = &rec
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
