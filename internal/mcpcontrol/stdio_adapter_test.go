package mcpcontrol

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/bc-dunia/shannon-mcp/internal/streambuf"
	"github.com/bc-dunia/shannon-mcp/internal/transport"
)

// newTestStdioConnection wires a stdioConnection to an in-process pipe pair
// instead of a real child process, letting tests drive responses directly.
func newTestStdioConnection(t *testing.T) (*stdioConnection, io.Reader, io.Writer) {
	t.Helper()
	stdinRead, stdinWrite := io.Pipe()
	stdoutRead, stdoutWrite := io.Pipe()

	c := &stdioConnection{
		stdin:   stdinWrite,
		stdout:  stdoutRead,
		buf:     streambuf.New(1<<16, 1<<16),
		timeout: time.Second,
		pending: make(map[string]chan *transport.JSONRPCResponse),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.readLoop(ctx)
	return c, stdinRead, stdoutWrite
}

func writeResponseLine(t *testing.T, w io.Writer, id, result string) {
	t.Helper()
	line, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  json.RawMessage(result),
	})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func TestStdioConnectionCallCorrelatesResponseByID(t *testing.T) {
	c, stdinRead, stdoutWrite := newTestStdioConnection(t)

	go func() {
		buf := make([]byte, 4096)
		n, err := stdinRead.Read(buf)
		if err != nil {
			return
		}
		var req transport.JSONRPCRequest
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		writeResponseLine(t, stdoutWrite, req.ID.(string), `{"ok":true}`)
	}()

	outcome, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !outcome.OK {
		t.Error("expected OK outcome")
	}
	if outcome.Transport != "stdio" {
		t.Errorf("Transport = %q, want stdio", outcome.Transport)
	}
}

func TestStdioConnectionCallTimesOutWithoutResponse(t *testing.T) {
	c, _, _ := newTestStdioConnection(t)
	c.timeout = 20 * time.Millisecond

	_, err := c.Ping(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestStdioConnectionCallReturnsJSONRPCError(t *testing.T) {
	c, stdinRead, stdoutWrite := newTestStdioConnection(t)

	go func() {
		buf := make([]byte, 4096)
		n, err := stdinRead.Read(buf)
		if err != nil {
			return
		}
		var req transport.JSONRPCRequest
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		})
		stdoutWrite.Write(append(payload, '\n'))
	}()

	outcome, err := c.ToolsList(context.Background(), nil)
	if err != nil {
		t.Fatalf("ToolsList: %v", err)
	}
	if outcome.OK {
		t.Error("expected non-OK outcome on JSON-RPC error")
	}
	if outcome.JSONRPCErrorCode == nil || *outcome.JSONRPCErrorCode != -32601 {
		t.Errorf("JSONRPCErrorCode = %v, want -32601", outcome.JSONRPCErrorCode)
	}
}

func TestStdioConnectionConcurrentCallsDoNotCrossWires(t *testing.T) {
	c, stdinRead, stdoutWrite := newTestStdioConnection(t)

	requests := make(chan transport.JSONRPCRequest, 4)
	go func() {
		buf := make([]byte, 4096)
		for i := 0; i < 2; i++ {
			n, err := stdinRead.Read(buf)
			if err != nil {
				return
			}
			var req transport.JSONRPCRequest
			if err := json.Unmarshal(buf[:n], &req); err == nil {
				requests <- req
			}
		}
	}()

	results := make(chan error, 2)
	go func() {
		_, err := c.Ping(context.Background())
		results <- err
	}()
	go func() {
		_, err := c.ToolsList(context.Background(), nil)
		results <- err
	}()

	for i := 0; i < 2; i++ {
		req := <-requests
		writeResponseLine(t, stdoutWrite, req.ID.(string), `{"ok":true}`)
	}
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
}
