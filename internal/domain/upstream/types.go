// Package upstream holds the configured-upstream domain: transport type,
// lifecycle state, validation, and the discovery cache of advertised tools
// and resources.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// UpstreamType identifies the transport protocol for an upstream server.
type UpstreamType string

const (
	// TypeStdio represents an upstream that communicates via stdin/stdout.
	TypeStdio UpstreamType = "stdio"
	// TypeHTTP represents an upstream that communicates via HTTP/SSE.
	TypeHTTP UpstreamType = "http"
)

// ConnectionStatus is an upstream's lifecycle state.
type ConnectionStatus string

const (
	// StatusStarting means a connection or reconnection is in progress.
	StatusStarting ConnectionStatus = "starting"
	// StatusReady means the upstream answered its handshake and serves calls.
	StatusReady ConnectionStatus = "ready"
	// StatusDegraded means the upstream is reachable but unhealthy (e.g.
	// repeated per-method failures have opened circuits).
	StatusDegraded ConnectionStatus = "degraded"
	// StatusFailed means connection attempts are failing.
	StatusFailed ConnectionStatus = "failed"
	// StatusStopped means the upstream is not running and no reconnection
	// is scheduled.
	StatusStopped ConnectionStatus = "stopped"
)

// namePattern allows alphanumeric, spaces, hyphens, and underscores.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

// nameMaxLength is the maximum allowed length for an upstream name.
const nameMaxLength = 100

// Upstream is one configured MCP server behind the gateway.
type Upstream struct {
	// ID is the unique identifier (UUID).
	ID string
	// Name is the human-readable display name (unique).
	Name string
	// Type is the transport type: stdio or http.
	Type UpstreamType
	// Enabled indicates whether this upstream is active.
	Enabled bool
	// Command is the executable path (stdio only).
	Command string
	// Args are the command-line arguments (stdio only).
	Args []string
	// URL is the endpoint (HTTP only).
	URL string
	// Env holds environment variables passed to stdio upstreams.
	Env map[string]string

	// Status is the runtime connection state (not persisted).
	Status ConnectionStatus
	// LastError is the most recent error message (not persisted).
	LastError string
	// ToolCount is the number of tools discovered (not persisted).
	ToolCount int

	// CreatedAt is when this upstream was added.
	CreatedAt time.Time
	// UpdatedAt is when this upstream was last modified.
	UpdatedAt time.Time
}

// Validate reports the first configuration problem, or nil. The name is
// constrained because it doubles as the tool-name prefix on the wire.
func (u *Upstream) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(u.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(u.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, spaces, hyphens, underscores)")
	}

	switch u.Type {
	case TypeStdio:
		if u.Command == "" {
			return fmt.Errorf("command is required for stdio upstream")
		}
	case TypeHTTP:
		if u.URL == "" {
			return fmt.Errorf("url is required for http upstream")
		}
		parsed, err := url.Parse(u.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL")
		}
	default:
		return fmt.Errorf("type must be %q or %q", TypeStdio, TypeHTTP)
	}

	return nil
}
