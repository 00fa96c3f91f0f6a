// Package jsonl decodes one line of child stdout into a typed StreamEvent,
// grounded in original_source/src/shannon_mcp/streaming/parser.py's
// schema-table validation shape, generalized from Python's "accept an
// unknown type but log it" rule into a proper Go sum type with an opaque
// fallback variant.
package jsonl

import "encoding/json"

// Kind identifies the recognized StreamEvent variants. Any type value not
// in this set decodes as KindOpaque rather than failing.
type Kind string

const (
	KindSessionStart      Kind = "session_start"
	KindSessionEnd        Kind = "session_end"
	KindToolUse           Kind = "tool_use"
	KindAgentExecution    Kind = "agent_execution"
	KindCheckpointCreated Kind = "checkpoint_created"
	KindHookTriggered     Kind = "hook_triggered"
	KindCommandExecuted   Kind = "command_executed"
	KindErrorOccurred     Kind = "error_occurred"
	KindTokenUsage        Kind = "token_usage"
	KindPerformance       Kind = "performance"
	KindPartial           Kind = "partial"
	KindResponse          Kind = "response"
	KindNotification      Kind = "notification"
	KindStatus            Kind = "status"
	KindOpaque            Kind = "opaque"
)

// Schema describes the required/optional fields and field-type expectations
// for one recognized Kind, mirroring parser.py's MessageSchema.
type Schema struct {
	Required   []string
	Optional   []string
	FieldTypes map[string]FieldType
}

// FieldType is the subset of JSON value kinds schema validation checks.
type FieldType int

const (
	FieldString FieldType = iota
	FieldNumber
	FieldObject
	FieldArray
	FieldBool
)

// Schemas is the registry of known message schemas, keyed by the JSON
// "type" field. A type absent from this map is treated as opaque: accepted
// in both strict and lenient mode, without any schema check.
var Schemas = map[Kind]Schema{
	KindSessionStart: {
		Required: []string{"type", "session_id"},
		Optional: []string{"id", "timestamp", "project", "model"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "session_id": FieldString,
		},
	},
	KindSessionEnd: {
		Required: []string{"type"},
		Optional: []string{"id", "timestamp", "status", "tokens_used"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "status": FieldString,
		},
	},
	KindToolUse: {
		Required: []string{"type", "tool_name"},
		Optional: []string{"id", "timestamp", "arguments", "result"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "tool_name": FieldString, "arguments": FieldObject,
		},
	},
	KindAgentExecution: {
		Required: []string{"type", "agent_id"},
		Optional: []string{"id", "timestamp", "status", "data"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "agent_id": FieldString,
		},
	},
	KindCheckpointCreated: {
		Required: []string{"type", "checkpoint_id"},
		Optional: []string{"id", "timestamp", "data"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "checkpoint_id": FieldString,
		},
	},
	KindHookTriggered: {
		Required: []string{"type", "hook_name"},
		Optional: []string{"id", "timestamp", "data"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "hook_name": FieldString,
		},
	},
	KindCommandExecuted: {
		Required: []string{"type", "command"},
		Optional: []string{"id", "timestamp", "exit_code", "output"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "command": FieldString,
		},
	},
	KindErrorOccurred: {
		Required: []string{"type", "error_type", "message"},
		Optional: []string{"id", "timestamp", "details", "stack_trace"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "error_type": FieldString, "message": FieldString,
		},
	},
	KindTokenUsage: {
		Required: []string{"type", "tokens_used"},
		Optional: []string{"id", "timestamp", "input_tokens", "output_tokens"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "tokens_used": FieldNumber,
		},
	},
	KindPerformance: {
		Required: []string{"type", "data"},
		Optional: []string{"id", "timestamp"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "data": FieldObject,
		},
	},
	KindPartial: {
		Required: []string{"type", "content"},
		Optional: []string{"id", "timestamp"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "content": FieldString,
		},
	},
	KindResponse: {
		Required: []string{"type", "content"},
		Optional: []string{"id", "timestamp", "token_count", "metadata"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "content": FieldString, "token_count": FieldNumber,
		},
	},
	KindNotification: {
		Required: []string{"type", "notification_type", "content"},
		Optional: []string{"id", "timestamp", "priority"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "notification_type": FieldString, "content": FieldString,
		},
	},
	KindStatus: {
		Required: []string{"type", "status"},
		Optional: []string{"id", "timestamp", "details", "progress"},
		FieldTypes: map[string]FieldType{
			"type": FieldString, "status": FieldString,
		},
	},
}

// StreamEvent is a decoded line from child stdout. Fields is the full
// decoded JSON object (including "type"); Seq is assigned by the Parser on
// decode, monotonically increasing per session.
type StreamEvent struct {
	Kind   Kind
	Seq    uint64
	Fields map[string]any
}

// Raw re-marshals Fields back to a compact JSON line, primarily for
// re-emission or persistence (checkpoint deltas, audit log).
func (e StreamEvent) Raw() ([]byte, error) {
	return json.Marshal(e.Fields)
}
