// Package transport implements the MCP JSON-RPC wire protocol that
// mcpcontrol's server connections speak: request construction, SSE/HTTP
// framing, response validation, and error classification. It knows
// nothing about sessions or the server catalog above it; mcpcontrol
// supplies the only domain-specific piece, the negotiated protocol
// version and client identity, through InitializeParams.
package transport

import (
	"encoding/json"
	"fmt"
)

// MCPProtocolVersion is the fallback protocol version advertised when a
// caller doesn't supply its own negotiated InitializeParams.
const MCPProtocolVersion = "2025-03-26"

// NewInitializeRequest builds the initialize request. override, when
// non-nil, replaces the default params entirely -- mcpcontrol's connect
// handshake always supplies one, carrying the client identity and
// protocol version internal/mcp negotiates.
func NewInitializeRequest(id string, override *InitializeParams) *JSONRPCRequest {
	params := InitializeParams{
		ProtocolVersion: MCPProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      ClientInfo{Name: "shannon-mcp", Version: "1.0.0"},
	}
	if override != nil {
		params = *override
	}
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  string(OpInitialize),
		Params:  params,
	}
}

// NewInitializedNotification builds the notification mcpcontrol sends
// immediately after a successful initialize, completing the MCP handshake.
// It carries no ID: the server must not reply to it.
func NewInitializedNotification() *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  string(OpInitialized),
		Params:  map[string]interface{}{},
	}
}

func NewToolsListRequest(id string, cursor *string) *JSONRPCRequest {
	params := map[string]interface{}{}
	if cursor != nil {
		params["cursor"] = *cursor
	}
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  string(OpToolsList),
		Params:  params,
	}
}

func NewToolsCallRequest(id string, toolName string, arguments map[string]interface{}) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  string(OpToolsCall),
		Params: ToolsCallParams{
			Name:      toolName,
			Arguments: arguments,
		},
	}
}

func NewPingRequest(id string) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  string(OpPing),
		Params:  map[string]interface{}{},
	}
}

func NewResourcesListRequest(id string, cursor *string) *JSONRPCRequest {
	params := map[string]interface{}{}
	if cursor != nil {
		params["cursor"] = *cursor
	}
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  string(OpResourcesList),
		Params:  params,
	}
}

func NewResourcesReadRequest(id string, uri string) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  string(OpResourcesRead),
		Params: ResourcesReadParams{
			URI: uri,
		},
	}
}

func NewPromptsListRequest(id string, cursor *string) *JSONRPCRequest {
	params := map[string]interface{}{}
	if cursor != nil {
		params["cursor"] = *cursor
	}
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  string(OpPromptsList),
		Params:  params,
	}
}

func NewPromptsGetRequest(id string, name string, arguments map[string]interface{}) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  string(OpPromptsGet),
		Params: PromptsGetParams{
			Name:      name,
			Arguments: arguments,
		},
	}
}

func ParseInitializeResult(data json.RawMessage) (*InitializeResult, error) {
	var result InitializeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func ParseToolsListResult(data json.RawMessage) (*ToolsListResult, error) {
	var result ToolsListResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func ParseToolsCallResult(data json.RawMessage) (*ToolsCallResult, error) {
	var result ToolsCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ValidateJSONRPCResponse checks the envelope (version, ID echoed back
// correctly) before a caller ever looks at Result/Error. mcpcontrol calls
// this on every reply so a server that scrambles IDs under concurrent
// requests is caught here rather than silently misrouted.
func ValidateJSONRPCResponse(resp *JSONRPCResponse, expectedID string) *OperationError {
	if resp.JSONRPC != "2.0" {
		return &OperationError{
			Type:    ErrorTypeProtocol,
			Code:    CodeInvalidJSONRPC,
			Message: "invalid JSON-RPC version",
		}
	}

	if resp.ID == nil {
		return &OperationError{
			Type:    ErrorTypeProtocol,
			Code:    CodeMissingID,
			Message: "missing response ID",
		}
	}

	respID, ok := resp.ID.(string)
	if !ok {
		if numID, ok := resp.ID.(float64); ok {
			respID = fmt.Sprintf("%v", numID)
		} else {
			respID = fmt.Sprintf("%v", resp.ID)
		}
	}

	if respID != expectedID {
		return &OperationError{
			Type:    ErrorTypeProtocol,
			Code:    CodeIDMismatch,
			Message: "response ID does not match request ID",
			Details: map[string]interface{}{
				"expected": expectedID,
				"actual":   resp.ID,
			},
		}
	}

	return nil
}

func ExtractJSONRPCError(resp *JSONRPCResponse) *OperationError {
	if resp.Error == nil {
		return nil
	}

	return MapJSONRPCError(resp.Error.Code, resp.Error.Message, resp.Error.Data)
}

func CheckToolError(result *ToolsCallResult, toolName string) *OperationError {
	if result.IsError {
		return MapToolError(toolName, result.Content)
	}
	return nil
}
