// Package registry resolves and fetches packages from an ordered list of
// remote registries that speak the npm-style package registry protocol.
package registry

import "strings"

// Origin records where a server came from.
type Origin string

const (
	// OriginConfigured marks servers supplied by the caller.
	OriginConfigured Origin = "configured"
	// OriginDefault marks the built-in public servers.
	OriginDefault Origin = "default"
)

// Server is one registry endpoint.
type Server struct {
	URL    string
	Origin Origin
}

// DefaultServerURLs are the public registries, in resolution order.
var DefaultServerURLs = []string{
	"https://packages.fhir.org",
	"https://packages2.fhir.org/packages",
}

// DefaultServers returns the public registries.
func DefaultServers() []Server {
	servers := make([]Server, 0, len(DefaultServerURLs))
	for _, u := range DefaultServerURLs {
		servers = append(servers, Server{URL: u, Origin: OriginDefault})
	}
	return servers
}

// Servers builds the resolution order: configured servers as given, then
// the defaults unless ignoreDefaults is set. Blank entries are dropped and
// trailing slashes trimmed.
func Servers(configured []string, ignoreDefaults bool) []Server {
	servers := make([]Server, 0, len(configured)+len(DefaultServerURLs))
	for _, u := range configured {
		u = strings.TrimSuffix(strings.TrimSpace(u), "/")
		if u == "" {
			continue
		}
		servers = append(servers, Server{URL: u, Origin: OriginConfigured})
	}
	if !ignoreDefaults {
		servers = append(servers, DefaultServers()...)
	}
	return servers
}

// URLs returns the base URL of each server, in order.
func URLs(servers []Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.URL
	}
	return out
}
