package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	packagecache "github.com/wolfeidau/package-cache"
	"github.com/wolfeidau/package-cache/telemetry"
)

// Steps recorded against a failing registry.
const (
	StepResolve = "resolve"
	StepFetch   = "fetch"
	// StepAccept marks a registry whose archive the caller rejected.
	StepAccept = "accept"
)

// AcceptFunc consumes a fetched archive, typically by installing it. An
// error wrapping packagecache.ErrArchive rejects this registry's archive and
// the search moves on to the next registry; any other error ends it.
type AcceptFunc func(ctx context.Context, f *Fetched) error

// Fetched is the outcome of a successful resolve-and-fetch.
type Fetched struct {
	// Version is the concrete version the registry resolved.
	Version string
	// Data is the complete archive.
	Data []byte
	// Server is the registry that supplied the archive.
	Server Server
	// SourceURL is the URL the archive was fetched from, when known.
	SourceURL string
}

// RegistryError is one registry's failure.
type RegistryError struct {
	Server Server
	Step   string
	Err    error
}

func (e RegistryError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Server.URL, e.Step, e.Err)
}

func (e RegistryError) Unwrap() error {
	return e.Err
}

// AllRegistriesFailedError lists the failure of every registry tried.
// errors.Is matches it against packagecache.ErrAllRegistriesFailed and
// against any per-registry cause.
type AllRegistriesFailedError struct {
	Name     string
	Spec     string
	Failures []RegistryError
}

func (e *AllRegistriesFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d registries failed for %s#%s", len(e.Failures), e.Name, e.Spec)
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *AllRegistriesFailedError) Is(target error) bool {
	return target == packagecache.ErrAllRegistriesFailed
}

func (e *AllRegistriesFailedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

type member struct {
	server Server
	client Client
}

// Set is an ordered list of registries tried in turn.
type Set struct {
	members []member
	logger  *slog.Logger
}

// Option configures a Set.
type Option func(*setOptions)

type setOptions struct {
	httpClient *http.Client
	clientFor  func(Server) Client
	logger     *slog.Logger
}

// WithSharedHTTPClient shares one HTTP client across every upstream in the set.
func WithSharedHTTPClient(client *http.Client) Option {
	return func(o *setOptions) {
		o.httpClient = client
	}
}

// WithClientFunc overrides how a Client is built for each server.
func WithClientFunc(fn func(Server) Client) Option {
	return func(o *setOptions) {
		o.clientFor = fn
	}
}

// WithLogger sets the logger for the set.
func WithLogger(logger *slog.Logger) Option {
	return func(o *setOptions) {
		o.logger = logger
	}
}

// NewSet creates a set over servers, in the order given.
func NewSet(servers []Server, opts ...Option) *Set {
	o := &setOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if o.clientFor == nil {
		o.clientFor = func(s Server) Client {
			return NewUpstream(s.URL, WithHTTPClient(o.httpClient))
		}
	}

	s := &Set{logger: o.logger}
	for _, srv := range servers {
		s.members = append(s.members, member{server: srv, client: o.clientFor(srv)})
	}
	return s
}

// Servers returns the servers in resolution order.
func (s *Set) Servers() []Server {
	out := make([]Server, len(s.members))
	for i, m := range s.members {
		out[i] = m.server
	}
	return out
}

// Len returns the number of registries.
func (s *Set) Len() int {
	return len(s.members)
}

// Resolve maps spec to a concrete version using the first registry that
// can. Exact versions are returned without contacting any registry.
func (s *Set) Resolve(ctx context.Context, name, spec string) (string, Server, error) {
	if len(s.members) == 0 {
		return "", Server{}, packagecache.ErrNoRegistries
	}
	if !packagecache.IsVersionMarker(spec) {
		return spec, Server{}, nil
	}

	agg := &AllRegistriesFailedError{Name: name, Spec: spec}
	for _, m := range s.members {
		version, err := m.client.Resolve(ctx, name, spec)
		telemetry.RecordRegistryAttempt(ctx, m.server.URL, StepResolve, err)
		if err == nil {
			return version, m.server, nil
		}
		s.logger.Debug("registry resolve failed", "registry", m.server.URL, "package", name, "spec", spec, "error", err)
		agg.Failures = append(agg.Failures, RegistryError{Server: m.server, Step: StepResolve, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return "", Server{}, agg
}

// ResolveAndFetch tries each registry in order: resolve spec, then fetch
// and read the whole archive. The first registry to succeed at both wins.
// When every registry fails the error is an *AllRegistriesFailedError.
func (s *Set) ResolveAndFetch(ctx context.Context, name, spec string) (*Fetched, error) {
	return s.FetchAndAccept(ctx, name, spec, nil)
}

// FetchAndAccept is ResolveAndFetch with accept run on each fetched archive
// before it counts as a success. A registry serving a malformed archive is
// recorded as failed at StepAccept and the next registry is tried.
func (s *Set) FetchAndAccept(ctx context.Context, name, spec string, accept AcceptFunc) (*Fetched, error) {
	if len(s.members) == 0 {
		return nil, packagecache.ErrNoRegistries
	}

	agg := &AllRegistriesFailedError{Name: name, Spec: spec}
	for _, m := range s.members {
		fetched, step, err := s.try(ctx, m, name, spec)
		if err == nil && accept != nil {
			if err = accept(ctx, fetched); err != nil {
				if !errors.Is(err, packagecache.ErrArchive) {
					return nil, err
				}
				step = StepAccept
				telemetry.RecordRegistryAttempt(ctx, m.server.URL, StepAccept, err)
			}
		}
		if err == nil {
			return fetched, nil
		}
		s.logger.Debug("registry attempt failed",
			"registry", m.server.URL,
			"package", name,
			"spec", spec,
			"step", step,
			"error", err,
		)
		agg.Failures = append(agg.Failures, RegistryError{Server: m.server, Step: step, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return nil, agg
}

func (s *Set) try(ctx context.Context, m member, name, spec string) (*Fetched, string, error) {
	version, err := m.client.Resolve(ctx, name, spec)
	telemetry.RecordRegistryAttempt(ctx, m.server.URL, StepResolve, err)
	if err != nil {
		return nil, StepResolve, err
	}

	rc, err := m.client.Fetch(ctx, name, version)
	if err != nil {
		telemetry.RecordRegistryAttempt(ctx, m.server.URL, StepFetch, err)
		return nil, StepFetch, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	telemetry.RecordRegistryAttempt(ctx, m.server.URL, StepFetch, err)
	if err != nil {
		return nil, StepFetch, fmt.Errorf("reading archive: %w", err)
	}

	fetched := &Fetched{Version: version, Data: data, Server: m.server}
	if u, ok := m.client.(interface{ TarballURL(string, string) string }); ok {
		fetched.SourceURL = u.TarballURL(name, version)
	}
	return fetched, "", nil
}
