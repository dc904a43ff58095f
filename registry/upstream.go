package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	packagecache "github.com/wolfeidau/package-cache"
)

const (
	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is quoted.
	maxErrorBody = 512
)

// ErrNotFound is returned when a package or version is not found.
var ErrNotFound = errors.New("not found")

// Client is one registry.
type Client interface {
	// Resolve maps a version spec (exact, "latest" or "current") to a
	// concrete version.
	Resolve(ctx context.Context, name, spec string) (string, error)
	// Fetch returns the archive for an exact version. The caller closes it.
	Fetch(ctx context.Context, name, version string) (io.ReadCloser, error)
}

// PackageDocument is the subset of a registry package document used for
// resolving version markers.
type PackageDocument struct {
	ID       string                     `json:"_id,omitempty"`
	Name     string                     `json:"name"`
	DistTags map[string]string          `json:"dist-tags,omitempty"`
	Versions map[string]*VersionSummary `json:"versions,omitempty"`
}

// VersionSummary describes one published version.
type VersionSummary struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	FHIRVersion string `json:"fhirVersion,omitempty"`
	URL         string `json:"url,omitempty"`
	Dist        *Dist  `json:"dist,omitempty"`
}

// Dist contains distribution information for a package version.
type Dist struct {
	Shasum  string `json:"shasum,omitempty"`
	Tarball string `json:"tarball,omitempty"`
}

// Upstream is a Client for one registry base URL.
type Upstream struct {
	baseURL string
	client  *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithHTTPClient sets a custom HTTP client. Upstreams built by one manager
// share a single client and its connection pool.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// NewUpstream creates a client for the registry at baseURL.
func NewUpstream(baseURL string, opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.client == nil {
		u.client = &http.Client{Timeout: DefaultTimeout}
	}
	return u
}

// BaseURL returns the registry base URL.
func (u *Upstream) BaseURL() string {
	return u.baseURL
}

// Resolve returns exact versions unchanged. Markers are looked up in the
// package document's dist-tags; "current" falls back to "latest" when the
// registry publishes no current tag.
func (u *Upstream) Resolve(ctx context.Context, name, spec string) (string, error) {
	if !packagecache.IsVersionMarker(spec) {
		return spec, nil
	}

	doc, err := u.FetchPackageDocument(ctx, name)
	if err != nil {
		return "", err
	}

	tag := strings.ToLower(strings.TrimSpace(spec))
	if tag == "" {
		tag = packagecache.VersionLatest
	}
	if v := doc.DistTags[tag]; v != "" {
		return v, nil
	}
	if tag == packagecache.VersionCurrent {
		if v := doc.DistTags[packagecache.VersionLatest]; v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s has no %q dist-tag: %w", name, tag, ErrNotFound)
}

// FetchPackageDocument fetches the package document for name.
func (u *Upstream) FetchPackageDocument(ctx context.Context, name string) (*PackageDocument, error) {
	resp, err := u.get(ctx, u.PackageURL(name), "application/json")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var doc PackageDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding package document: %w", err)
	}
	return &doc, nil
}

// Fetch returns the archive stream for name at an exact version.
func (u *Upstream) Fetch(ctx context.Context, name, version string) (io.ReadCloser, error) {
	if packagecache.IsVersionMarker(version) {
		return nil, fmt.Errorf("%w: fetch needs an exact version, got %q", packagecache.ErrInvalidIdentity, version)
	}
	resp, err := u.get(ctx, u.TarballURL(name, version), "application/tar+gzip, application/octet-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// PackageURL returns the URL of the package document.
func (u *Upstream) PackageURL(name string) string {
	return fmt.Sprintf("%s/%s", u.baseURL, url.PathEscape(name))
}

// TarballURL returns the URL of the archive for an exact version.
func (u *Upstream) TarballURL(name, version string) string {
	return fmt.Sprintf("%s/%s/%s", u.baseURL, url.PathEscape(name), url.PathEscape(version))
}

// get performs a GET and returns the response only for a 200. The caller
// closes the body.
func (u *Upstream) get(ctx context.Context, target, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", accept)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}
