package mcpcontrol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
	"github.com/bc-dunia/shannon-mcp/internal/events"
	"github.com/bc-dunia/shannon-mcp/internal/mcp"
	"github.com/bc-dunia/shannon-mcp/internal/transport"
)

// Manager manages MCP server descriptors and their connections: add/remove,
// connect/disconnect, request dispatch, and per-server health monitoring.
// Grounded in original_source's MCPServerManager, generalized from asyncio
// tasks to goroutines the way internal/session.Manager generalizes the
// teacher's AssignmentExecutor.
type Manager struct {
	store  *Store
	logger *events.EventLogger

	mu          sync.RWMutex
	servers     map[string]*Server
	connections map[string]*connection
	locks       map[string]*sync.Mutex

	stdio    *stdioAdapter
	streamed transport.Adapter

	discovery *discoveryCache

	// dialFunc defaults to m.dial; tests substitute a fake transport.Connection
	// so ConnectServer/health checks can run without spawning a real process.
	dialFunc func(ctx context.Context, server *Server) (transport.Connection, error)
}

// New creates a Manager backed by store for persistence. logger may be nil.
func New(store *Store, logger *events.EventLogger) *Manager {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	m := &Manager{
		store:       store,
		logger:      logger,
		servers:     make(map[string]*Server),
		connections: make(map[string]*connection),
		locks:       make(map[string]*sync.Mutex),
		stdio:       newStdioAdapter(),
		streamed:    transport.NewStreamableHTTPAdapter(),
		discovery:   newDiscoveryCache(time.Hour),
	}
	m.dialFunc = m.dial
	return m
}

// LoadPersisted populates the in-memory catalog from the store, the Go
// analogue of original_source's _load_servers called once at startup.
func (m *Manager) LoadPersisted(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	servers, err := m.store.list(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, s := range servers {
		m.servers[s.ID] = s
		if _, ok := m.locks[s.ID]; !ok {
			m.locks[s.ID] = &sync.Mutex{}
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) lockFor(serverID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[serverID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[serverID] = l
	}
	return l
}

// AddServer validates and persists a new server descriptor. Validation
// mirrors original_source's add_server: STDIO requires a command, SSE/HTTP
// require an endpoint, duplicate IDs are rejected.
func (m *Manager) AddServer(ctx context.Context, s *Server) error {
	if s.Name == "" {
		return errs.New(errs.KindValidation, "mcpcontrol.AddServer", "name is required")
	}
	if s.Transport == TransportStdio && s.Command == "" {
		return errs.New(errs.KindValidation, "mcpcontrol.AddServer", "stdio transport requires command")
	}
	if (s.Transport == TransportSSE || s.Transport == TransportHTTP) && s.Endpoint == "" {
		return errs.New(errs.KindValidation, "mcpcontrol.AddServer", string(s.Transport)+" transport requires endpoint")
	}
	s.applyDefaults()

	m.mu.Lock()
	if _, exists := m.servers[s.ID]; exists {
		m.mu.Unlock()
		return errs.New(errs.KindConflict, "mcpcontrol.AddServer", "server already exists: "+s.ID)
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	m.servers[s.ID] = s
	m.locks[s.ID] = &sync.Mutex{}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.upsert(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// RemoveServer disconnects (if connected) and deletes a server descriptor.
func (m *Manager) RemoveServer(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	_, ok := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	m.DisconnectServer(ctx, id)

	m.mu.Lock()
	delete(m.servers, id)
	delete(m.locks, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.delete(ctx, id); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (m *Manager) GetServer(id string) (*Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	return s, ok
}

func (m *Manager) ListServers() []*Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	return out
}

// ConnectServer establishes (or returns the existing) connection for a
// server. A CONNECTED connection is returned as-is; otherwise a fresh
// attempt is made under the server's lock.
func (m *Manager) ConnectServer(ctx context.Context, serverID string) (ConnectionView, error) {
	server, ok := m.GetServer(serverID)
	if !ok {
		return ConnectionView{}, errs.New(errs.KindNotFound, "mcpcontrol.ConnectServer", "server not found: "+serverID)
	}
	if !server.Enabled {
		return ConnectionView{}, errs.New(errs.KindValidation, "mcpcontrol.ConnectServer", "server is disabled: "+serverID)
	}

	m.mu.RLock()
	existing, hasConn := m.connections[serverID]
	m.mu.RUnlock()
	if hasConn {
		if v := existing.view(); v.State == StateConnected {
			return v, nil
		}
	}

	lock := m.lockFor(serverID)
	lock.Lock()
	defer lock.Unlock()

	return m.connectLocked(ctx, server)
}

func (m *Manager) connectLocked(ctx context.Context, server *Server) (ConnectionView, error) {
	c := &connection{
		serverID:      server.ID,
		state:         StateConnecting,
		transportName: server.Name + "_" + server.ID,
	}
	m.mu.Lock()
	m.connections[server.ID] = c
	m.mu.Unlock()

	conn, err := m.dialFunc(ctx, server)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.lastError = err.Error()
		c.errorCount++
		c.mu.Unlock()
		m.logger.LogServerConnectionFailed(server.ID, err.Error())
		return c.view(), errs.Wrap(errs.KindTransport, "mcpcontrol.connectLocked", err)
	}

	if err := m.handshake(ctx, server, conn); err != nil {
		conn.Close()
		c.mu.Lock()
		c.state = StateError
		c.lastError = err.Error()
		c.errorCount++
		c.mu.Unlock()
		m.logger.LogServerConnectionFailed(server.ID, err.Error())
		return c.view(), err
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.connectedAt = &now
	c.errorCount = 0
	c.reconnectAttempts = 0
	c.mu.Unlock()

	healthCtx, cancel := context.WithCancel(context.Background())
	c.cancelHealth = cancel
	go m.healthLoop(healthCtx, server.ID)

	m.logger.LogServerConnected(server.ID, string(server.Transport))
	return c.view(), nil
}

// handshake runs the MCP initialize/initialized exchange over a freshly
// dialed connection and validates the server's negotiated protocol version
// against server.ProtocolPolicy, reusing internal/mcp's policy mechanism
// unchanged.
func (m *Manager) handshake(ctx context.Context, server *Server, conn transport.Connection) error {
	outcome, err := conn.Initialize(ctx, &transport.InitializeParams{
		ProtocolVersion: mcp.DefaultProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      transport.ClientInfo{Name: mcp.ClientName, Version: mcp.ClientVersion},
	})
	if err != nil {
		return errs.Wrap(errs.KindTransport, "mcpcontrol.handshake", err)
	}
	if outcome == nil || !outcome.OK {
		return errs.New(errs.KindTransport, "mcpcontrol.handshake", "initialize did not return OK")
	}

	var result transport.InitializeResult
	if len(outcome.Result) > 0 {
		if err := json.Unmarshal(outcome.Result, &result); err != nil {
			return errs.Wrap(errs.KindTransport, "mcpcontrol.handshake", err)
		}
	}

	if err := mcp.ValidateNegotiation(mcp.DefaultProtocolVersion, result.ProtocolVersion, server.ProtocolPolicy); err != nil {
		return errs.Wrap(errs.KindTransport, "mcpcontrol.handshake", err)
	}

	if _, err := conn.SendInitialized(ctx); err != nil {
		return errs.Wrap(errs.KindTransport, "mcpcontrol.handshake", err)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, server *Server) (transport.Connection, error) {
	switch server.Transport {
	case TransportStdio:
		return m.stdio.ConnectStdio(ctx, stdioTransportConfig{
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
			Timeout: server.Timeout,
		})
	case TransportSSE, TransportHTTP:
		cfg := &transport.TransportConfig{
			Endpoint: server.Endpoint,
			Timeouts: transport.TimeoutConfig{
				ConnectTimeout: server.Timeout,
				RequestTimeout: server.Timeout,
			},
		}
		if apiKey, ok := server.Metadata["api_key"].(string); ok && apiKey != "" {
			cfg.Headers = map[string]string{"Authorization": "Bearer " + apiKey}
		}
		return m.streamed.Connect(ctx, cfg)
	default:
		return nil, errs.New(errs.KindConfiguration, "mcpcontrol.dial", "unsupported transport: "+string(server.Transport))
	}
}

// DisconnectServer tears down an active connection, a no-op if none exists.
func (m *Manager) DisconnectServer(ctx context.Context, serverID string) bool {
	m.mu.Lock()
	c, ok := m.connections[serverID]
	if ok {
		delete(m.connections, serverID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	if c.cancelHealth != nil {
		c.cancelHealth()
	}
	conn := c.conn
	var duration float64
	if c.connectedAt != nil {
		duration = time.Since(*c.connectedAt).Seconds()
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.logger.LogServerDisconnected(serverID, duration)
	return true
}

func (m *Manager) GetConnection(serverID string) (ConnectionView, bool) {
	m.mu.RLock()
	c, ok := m.connections[serverID]
	m.mu.RUnlock()
	if !ok {
		return ConnectionView{}, false
	}
	return c.view(), true
}

func (m *Manager) ListConnections() []ConnectionView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectionView, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c.view())
	}
	return out
}

// SendRequest dispatches method/params to a CONNECTED server, mirroring
// original_source's send_request: it only recognizes the well-known MCP
// methods the transport.Connection interface exposes.
func (m *Manager) SendRequest(ctx context.Context, serverID, method string, cursor *string, toolName string, args map[string]interface{}) (*transport.OperationOutcome, error) {
	m.mu.RLock()
	c, ok := m.connections[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KindConflict, "mcpcontrol.SendRequest", "server not connected: "+serverID)
	}

	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return nil, errs.New(errs.KindConflict, "mcpcontrol.SendRequest", "server not connected: "+serverID)
	}

	var outcome *transport.OperationOutcome
	var err error
	switch transport.OperationType(method) {
	case transport.OpPing:
		outcome, err = conn.Ping(ctx)
	case transport.OpToolsList:
		outcome, err = conn.ToolsList(ctx, cursor)
	case transport.OpToolsCall:
		outcome, err = conn.ToolsCall(ctx, &transport.ToolsCallParams{Name: toolName, Arguments: args})
	case transport.OpResourcesList:
		outcome, err = conn.ResourcesList(ctx, cursor)
	case transport.OpPromptsList:
		outcome, err = conn.PromptsList(ctx, cursor)
	default:
		return nil, errs.New(errs.KindValidation, "mcpcontrol.SendRequest", "unsupported method: "+method)
	}

	if err != nil {
		c.mu.Lock()
		c.errorCount++
		c.lastError = err.Error()
		c.mu.Unlock()
		return nil, err
	}
	return outcome, nil
}
