package transport

import (
	"context"
)

// Adapter dials a single transport kind (SSE or streamable HTTP today,
// STDIO lives in mcpcontrol's own stdioAdapter since it needs the
// process registry). mcpcontrol.Manager.dial picks the Adapter matching
// a Server's Transport field and calls Connect once per ConnectServer.
type Adapter interface {
	ID() string
	Connect(ctx context.Context, config *TransportConfig) (Connection, error)
}

// Connection is a live, dialed channel to one MCP server. mcpcontrol
// holds exactly one per connected Server and serializes calls through
// its per-server lock; nothing in this package enforces that on its own.
type Connection interface {
	Initialize(ctx context.Context, params *InitializeParams) (*OperationOutcome, error)
	SendInitialized(ctx context.Context) (*OperationOutcome, error)
	ToolsList(ctx context.Context, cursor *string) (*OperationOutcome, error)
	ToolsCall(ctx context.Context, params *ToolsCallParams) (*OperationOutcome, error)
	Ping(ctx context.Context) (*OperationOutcome, error)
	ResourcesList(ctx context.Context, cursor *string) (*OperationOutcome, error)
	ResourcesRead(ctx context.Context, params *ResourcesReadParams) (*OperationOutcome, error)
	PromptsList(ctx context.Context, cursor *string) (*OperationOutcome, error)
	PromptsGet(ctx context.Context, params *PromptsGetParams) (*OperationOutcome, error)
	Close() error
	SessionID() string
	SetSessionID(sessionID string)
	SetLastEventID(eventID string)
}

// ResponseHandler turns a raw server reply into the JSONRPCResponse the
// caller actually asked for, whether the server answered with a single
// JSON body or opened an SSE stream for it.
type ResponseHandler interface {
	HandleJSON(data []byte) (*JSONRPCResponse, error)
	HandleSSE(ctx context.Context, reader SSEReader, requestID string) (*JSONRPCResponse, *StreamSignals, error)
}

// SSEReader yields one decoded server-sent event at a time off the HTTP
// response body; sseDecoder is the only implementation.
type SSEReader interface {
	ReadEvent() (*SSEEvent, error)
	Close() error
}
