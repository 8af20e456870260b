package stream

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/qryptonic/qstrike-stream/internal/protocol"
)

// Route selects one of the two documented stream shapes.
type Route int

const (
	// RouteLive streams a job as it runs; the credential travels in the
	// Authorization header.
	RouteLive Route = iota
	// RouteDelayed replays a recorded stream; the credential travels in
	// the token query parameter.
	RouteDelayed
)

func (r Route) String() string {
	if r == RouteDelayed {
		return "delayed"
	}
	return "live"
}

// Endpoint identifies one subscription.
type Endpoint struct {
	BaseURL string
	Route   Route
	ID      string
	Token   string
}

func LiveEndpoint(baseURL, jobID, token string) Endpoint {
	return Endpoint{BaseURL: baseURL, Route: RouteLive, ID: jobID, Token: token}
}

func DelayedEndpoint(baseURL, streamID, token string) Endpoint {
	return Endpoint{BaseURL: baseURL, Route: RouteDelayed, ID: streamID, Token: token}
}

// Request returns the dial URL and handshake headers with the credential
// attached according to the route.
func (e Endpoint) Request() (string, http.Header, error) {
	if e.ID == "" {
		return "", nil, fmt.Errorf("endpoint: empty %s id", e.Route)
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", nil, fmt.Errorf("endpoint: parse base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", nil, fmt.Errorf("endpoint: unsupported scheme %q", u.Scheme)
	}

	prefix := strings.TrimSuffix(u.Path, "/")
	header := http.Header{}
	switch e.Route {
	case RouteLive:
		u.Path = prefix + protocol.LivePath(e.ID)
		if e.Token != "" {
			header.Set("Authorization", "Bearer "+e.Token)
		}
	case RouteDelayed:
		u.Path = prefix + protocol.DelayedPath(e.ID)
		if e.Token != "" {
			q := u.Query()
			q.Set("token", e.Token)
			u.RawQuery = q.Encode()
		}
	default:
		return "", nil, fmt.Errorf("endpoint: unknown route %d", e.Route)
	}
	// PathEscape already encoded the id; keep it verbatim.
	u.RawPath = u.Path
	if unescaped, err := url.PathUnescape(u.Path); err == nil {
		u.Path = unescaped
	}
	return u.String(), header, nil
}
