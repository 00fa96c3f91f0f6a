package jsonl

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// Mode selects how strictly a Parser enforces the schema registry.
type Mode int

const (
	// ModeLenient accepts any valid JSON object regardless of its "type".
	ModeLenient Mode = iota
	// ModeStrict enforces required fields and field types for recognized
	// types; unrecognized types are still accepted without any schema
	// check.
	ModeStrict
)

// Parser decodes JSONL lines into StreamEvents, assigning a per-session
// monotonic sequence number to each. A Parser is not safe for concurrent
// use by multiple goroutines feeding the same session; callers own one
// Parser per session stream.
type Parser struct {
	Mode Mode

	mu  sync.Mutex
	seq uint64
}

// New creates a Parser operating in the given Mode.
func New(mode Mode) *Parser {
	return &Parser{Mode: mode}
}

// BatchError records one failing line from ParseBatch: the 1-based line
// number, a first-100-char excerpt, and the cause.
type BatchError struct {
	LineNumber int
	Excerpt    string
	Err        error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("line %d: %v", e.LineNumber, e.Err)
}

// ParseLine decodes one line into a StreamEvent, assigning the next
// sequence number. A blank line is a validation error. Unknown "type"
// values decode as KindOpaque and are always accepted; in ModeStrict,
// recognized types are validated against their Schema and a field/type
// failure returns a *errs.Error of KindValidation.
func (p *Parser) ParseLine(line []byte) (StreamEvent, error) {
	trimmed := trimSpace(line)
	if len(trimmed) == 0 {
		return StreamEvent{}, errs.New(errs.KindValidation, "jsonl.ParseLine", "empty line")
	}

	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return StreamEvent{}, errs.Wrap(errs.KindParse, "jsonl.ParseLine", err)
	}

	typeVal, _ := fields["type"].(string)
	kind := Kind(typeVal)
	if typeVal == "" {
		kind = KindOpaque
	}

	schema, known := Schemas[kind]
	if !known {
		kind = KindOpaque
	} else if p.Mode == ModeStrict {
		if err := validate(kind, schema, fields); err != nil {
			return StreamEvent{}, err
		}
	}

	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	return StreamEvent{Kind: kind, Seq: seq, Fields: fields}, nil
}

// ParseBatch parses every line independently; a failing line is recorded
// in Errors (line number plus a 100-char excerpt) and does not stop the
// batch, matching original_source's batch_parse_errors semantics.
type ParseBatch struct {
	Events []StreamEvent
	Errors []BatchError
}

func (p *Parser) ParseBatch(lines [][]byte) ParseBatch {
	var out ParseBatch
	for i, line := range lines {
		ev, err := p.ParseLine(line)
		if err != nil {
			excerpt := string(line)
			if len(excerpt) > 100 {
				excerpt = excerpt[:100]
			}
			out.Errors = append(out.Errors, BatchError{
				LineNumber: i + 1,
				Excerpt:    excerpt,
				Err:        err,
			})
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out
}

func validate(kind Kind, schema Schema, fields map[string]any) error {
	for _, req := range schema.Required {
		if _, ok := fields[req]; !ok {
			return errs.New(errs.KindValidation, "jsonl.validate",
				fmt.Sprintf("field %q required for type %q", req, kind))
		}
	}

	for field, expected := range schema.FieldTypes {
		val, ok := fields[field]
		if !ok {
			continue
		}
		if !matchesType(val, expected) {
			return errs.New(errs.KindValidation, "jsonl.validate",
				fmt.Sprintf("field %q on type %q has wrong type: %v", field, kind, val))
		}
	}

	return nil
}

func matchesType(v any, ft FieldType) bool {
	switch ft {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		_, ok := v.(float64)
		return ok
	case FieldObject:
		_, ok := v.(map[string]any)
		return ok
	case FieldArray:
		_, ok := v.([]any)
		return ok
	case FieldBool:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
