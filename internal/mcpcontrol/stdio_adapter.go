package mcpcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
	"github.com/bc-dunia/shannon-mcp/internal/streambuf"
	"github.com/bc-dunia/shannon-mcp/internal/transport"
)

const (
	stdioLineBufferSize = 1 << 20
	stdioMaxLineLength  = 64 << 10
)

// stdioAdapter implements transport.Adapter for locally-spawned MCP
// servers, the STDIO counterpart to transport.StreamableHTTPAdapter for
// SSE/HTTP. Grounded in original_source's "STDIO transport support" plus
// _transport_manager.add_process_stdio_transport.
type stdioAdapter struct{}

func newStdioAdapter() *stdioAdapter { return &stdioAdapter{} }

func (a *stdioAdapter) ID() string { return "stdio" }

// stdioTransportConfig carries the spawn parameters a transport.TransportConfig
// has no fields for; ConnectStdio takes these directly rather than abusing
// TransportConfig.Endpoint for a command line.
type stdioTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

func (a *stdioAdapter) ConnectStdio(ctx context.Context, cfg stdioTransportConfig) (transport.Connection, error) {
	args := append([]string{}, cfg.Args...)
	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cmd.Env...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "mcpcontrol.stdioAdapter.Connect", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "mcpcontrol.stdioAdapter.Connect", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.KindTransport, "mcpcontrol.stdioAdapter.Connect", err)
	}

	c := &stdioConnection{
		cmd:     cmd,
		stdin:   stdin,
		buf:     streambuf.New(stdioLineBufferSize, stdioMaxLineLength),
		stdout:  stdout,
		timeout: cfg.Timeout,
		pending: make(map[string]chan *transport.JSONRPCResponse),
	}
	go c.readLoop(ctx)
	return c, nil
}

// stdioConnection implements transport.Connection as line-delimited
// JSON-RPC requests written to a child's stdin, with responses correlated
// by request ID off a background read loop — the Go analogue of
// original_source's `process.stdin.write(json.dumps(req)+"\n")` /
// `process.stdout.readline()` pair.
type stdioConnection struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	buf     *streambuf.Buffer
	timeout time.Duration

	mu        sync.Mutex
	pending   map[string]chan *transport.JSONRPCResponse
	sessionID string
	closed    bool

	idCounter atomic.Int64
}

func (c *stdioConnection) nextRequestID() string {
	return fmt.Sprintf("stdio-%d", c.idCounter.Add(1))
}

func (c *stdioConnection) readLoop(ctx context.Context) {
	for {
		line, ok, err := c.buf.ReadUntilLine(ctx, c.stdout, 0)
		if err != nil || !ok {
			c.failAllPending(errs.New(errs.KindTransport, "mcpcontrol.stdioConnection", "stdio transport closed"))
			return
		}
		var resp transport.JSONRPCResponse
		if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
			continue
		}
		id := fmt.Sprintf("%v", resp.ID)
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *stdioConnection) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *stdioConnection) call(ctx context.Context, req *transport.JSONRPCRequest, opType transport.OperationType) (*transport.OperationOutcome, error) {
	start := time.Now()
	id := fmt.Sprintf("%v", req.ID)
	ch := make(chan *transport.JSONRPCResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.New(errs.KindTransport, "mcpcontrol.stdioConnection.call", "connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "mcpcontrol.stdioConnection.call", err)
	}
	payload = append(payload, '\n')
	if _, err := c.stdin.Write(payload); err != nil {
		return nil, errs.Wrap(errs.KindTransport, "mcpcontrol.stdioConnection.call", err)
	}

	timeout := c.timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, errs.New(errs.KindTransport, "mcpcontrol.stdioConnection.call", "stdio transport closed mid-request")
		}
		outcome := &transport.OperationOutcome{
			Operation: opType,
			JSONRPCID: id,
			LatencyMs: time.Since(start).Milliseconds(),
			Transport: "stdio",
			SessionID: c.sessionID,
		}
		if resp.Error != nil {
			outcome.OK = false
			outcome.Error = transport.ExtractJSONRPCError(resp)
			outcome.JSONRPCErrorCode = &resp.Error.Code
		} else {
			outcome.OK = true
			outcome.Result = resp.Result
		}
		return outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errs.New(errs.KindTimeout, "mcpcontrol.stdioConnection.call", "request timed out")
	}
}

func (c *stdioConnection) Initialize(ctx context.Context, params *transport.InitializeParams) (*transport.OperationOutcome, error) {
	req := transport.NewInitializeRequest(c.nextRequestID(), params)
	return c.call(ctx, req, transport.OpInitialize)
}

func (c *stdioConnection) SendInitialized(ctx context.Context) (*transport.OperationOutcome, error) {
	req := transport.NewInitializedNotification()
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "mcpcontrol.stdioConnection.SendInitialized", err)
	}
	payload = append(payload, '\n')
	if _, err := c.stdin.Write(payload); err != nil {
		return nil, errs.Wrap(errs.KindTransport, "mcpcontrol.stdioConnection.SendInitialized", err)
	}
	return &transport.OperationOutcome{Operation: transport.OpInitialized, OK: true, Transport: "stdio"}, nil
}

func (c *stdioConnection) ToolsList(ctx context.Context, cursor *string) (*transport.OperationOutcome, error) {
	return c.call(ctx, transport.NewToolsListRequest(c.nextRequestID(), cursor), transport.OpToolsList)
}

func (c *stdioConnection) ToolsCall(ctx context.Context, params *transport.ToolsCallParams) (*transport.OperationOutcome, error) {
	var name string
	var args map[string]interface{}
	if params != nil {
		name, args = params.Name, params.Arguments
	}
	return c.call(ctx, transport.NewToolsCallRequest(c.nextRequestID(), name, args), transport.OpToolsCall)
}

func (c *stdioConnection) Ping(ctx context.Context) (*transport.OperationOutcome, error) {
	return c.call(ctx, transport.NewPingRequest(c.nextRequestID()), transport.OpPing)
}

func (c *stdioConnection) ResourcesList(ctx context.Context, cursor *string) (*transport.OperationOutcome, error) {
	return c.call(ctx, transport.NewResourcesListRequest(c.nextRequestID(), cursor), transport.OpResourcesList)
}

func (c *stdioConnection) ResourcesRead(ctx context.Context, params *transport.ResourcesReadParams) (*transport.OperationOutcome, error) {
	var uri string
	if params != nil {
		uri = params.URI
	}
	return c.call(ctx, transport.NewResourcesReadRequest(c.nextRequestID(), uri), transport.OpResourcesRead)
}

func (c *stdioConnection) PromptsList(ctx context.Context, cursor *string) (*transport.OperationOutcome, error) {
	return c.call(ctx, transport.NewPromptsListRequest(c.nextRequestID(), cursor), transport.OpPromptsList)
}

func (c *stdioConnection) PromptsGet(ctx context.Context, params *transport.PromptsGetParams) (*transport.OperationOutcome, error) {
	var name string
	var args map[string]interface{}
	if params != nil {
		name, args = params.Name, params.Arguments
	}
	return c.call(ctx, transport.NewPromptsGetRequest(c.nextRequestID(), name, args), transport.OpPromptsGet)
}

func (c *stdioConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stdin.Close()
	return c.cmd.Process.Kill()
}

func (c *stdioConnection) SessionID() string            { return c.sessionID }
func (c *stdioConnection) SetSessionID(sessionID string) { c.sessionID = sessionID }
func (c *stdioConnection) SetLastEventID(string)         {}
