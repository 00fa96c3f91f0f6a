// Package mcpcontrol is the control plane for external MCP servers: adding
// and removing server descriptors, connecting/disconnecting, health
// monitoring with reconnect backoff, request dispatch once CONNECTED, and
// discovery from local executables, well-known config files, and HTTP
// manifests.
//
// Grounded in original_source/managers/mcp_server.py (MCPServer, Connection,
// ConnectionState, add_server/connect_server/send_request, the health-check
// and discovery loops) and internal/controlplane/runmanager's
// RunRecord/RunView internal-vs-external split (the allowedTransitions
// state-machine table in state_machine.go). Wire-level JSON-RPC reuses
// internal/transport directly: transport.Adapter and transport.Connection
// for the SSE/HTTP transports, and this package's own stdioAdapter
// (implementing the same transport.Connection interface over a child
// process's stdin/stdout) for the STDIO transport.
package mcpcontrol

import (
	"sync"
	"time"

	"github.com/bc-dunia/shannon-mcp/internal/mcp"
	"github.com/bc-dunia/shannon-mcp/internal/transport"
)

// TransportType is how a control plane talks to an MCP server.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportSSE   TransportType = "sse"
	TransportHTTP  TransportType = "http"
)

// ConnectionState is a connection's lifecycle state, matching
// original_source's ConnectionState enum plus the RECONNECTING state the
// distilled spec calls out explicitly.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateClosing      ConnectionState = "CLOSING"
	StateError        ConnectionState = "ERROR"
	StateReconnecting ConnectionState = "RECONNECTING"
)

// Server is the persisted descriptor for one MCP server, matching
// original_source's MCPServer dataclass (field-for-field, minus the
// `config` free-form bag which this port keeps as Metadata).
type Server struct {
	ID                  string
	Name                string
	Transport           TransportType
	Command             string
	Args                []string
	Env                 map[string]string
	Endpoint            string
	Timeout             time.Duration
	RetryCount          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	Enabled             bool
	Metadata            map[string]any
	ProtocolPolicy      mcp.VersionPolicy
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Defaults mirror MCPServer's dataclass field defaults.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultRetryCount          = 3
	DefaultRetryDelay          = time.Second
	DefaultHealthCheckInterval = 60 * time.Second
)

func (s *Server) applyDefaults() {
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.RetryCount == 0 {
		s.RetryCount = DefaultRetryCount
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	if s.HealthCheckInterval == 0 {
		s.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if s.ProtocolPolicy == "" {
		s.ProtocolPolicy = mcp.VersionPolicyStrict
	}
}

// ConnectionView is the JSON-visible snapshot of a connection, the
// mcpcontrol analogue of runmanager's RunView: no mutexes, no live
// transport.Connection handle, just data a caller can safely hold onto.
type ConnectionView struct {
	ServerID          string          `json:"server_id"`
	State             ConnectionState `json:"state"`
	TransportName     string          `json:"transport_name"`
	LastPing          *time.Time      `json:"last_ping,omitempty"`
	ErrorCount        int             `json:"error_count"`
	LastError         string          `json:"last_error,omitempty"`
	ConnectedAt       *time.Time      `json:"connected_at,omitempty"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
}

// IsHealthy mirrors Connection.is_healthy: CONNECTED and either no ping
// yet, or pinged within healthTimeout.
func (v ConnectionView) IsHealthy(healthTimeout time.Duration) bool {
	if v.State != StateConnected {
		return false
	}
	if v.LastPing == nil {
		return true
	}
	return time.Since(*v.LastPing) <= healthTimeout
}

// connection is the internal, mutex-guarded runtime state for one server's
// connection. conn is nil unless State is CONNECTED, CONNECTING, or
// RECONNECTING.
type connection struct {
	mu                sync.Mutex
	serverID          string
	state             ConnectionState
	transportName     string
	conn              transport.Connection
	lastPing          *time.Time
	errorCount        int
	lastError         string
	connectedAt       *time.Time
	reconnectAttempts int
	cancelHealth      func()
}

func (c *connection) view() ConnectionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionView{
		ServerID:          c.serverID,
		State:             c.state,
		TransportName:     c.transportName,
		LastPing:          c.lastPing,
		ErrorCount:        c.errorCount,
		LastError:         c.lastError,
		ConnectedAt:       c.connectedAt,
		ReconnectAttempts: c.reconnectAttempts,
	}
}
