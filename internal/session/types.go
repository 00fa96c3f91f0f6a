// Package session implements the child-process session lifecycle: create,
// start, stream, and terminate a single CLI agent invocation per session.
//
// Grounded in original_source's session manager (the module itself was
// not retained in original_source, but its contract is fully pinned down
// by tests/test_session_manager.py and tests/fixtures/session_fixtures.py:
// create_session's validation and defaults, start_session's subprocess
// handoff, stream_output's line-at-a-time generator, and the terminal
// complete/fail/cancel transitions) and on internal/worker's
// AssignmentExecutor goroutine-per-task shape (assignment-scoped context,
// background pump goroutine, deferred cleanup). The prior internal/session
// package (connection-reuse policies for pooled MCP-client sessions under
// load) shared nothing structurally with a supervised child process and
// was replaced rather than generalized; see DESIGN.md.
package session

import (
	"time"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// Status is a session's lifecycle state. Terminal statuses never
// transition.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Default invocation parameters, pinned by session_fixtures.py's
// create_mock_session and test_create_session_with_defaults.
const (
	DefaultModel       = "claude-3-opus"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// CreateParams are the caller-supplied arguments to CreateSession. Zero
// Temperature/MaxTokens/Model are replaced by the package defaults.
type CreateParams struct {
	ProjectPath string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
	Metadata    map[string]any
}

func (p *CreateParams) applyDefaults() {
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.Temperature == 0 {
		p.Temperature = DefaultTemperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
}

// validate enforces temperature in [0,1] and max_tokens > 0, matching
// test_create_session_validation.
func (p *CreateParams) validate() error {
	if p.ProjectPath == "" {
		return errs.New(errs.KindValidation, "session.CreateSession", "project_path is required")
	}
	if p.Temperature < 0 || p.Temperature > 1 {
		return errs.New(errs.KindValidation, "session.CreateSession", "temperature must be in [0,1]")
	}
	if p.MaxTokens <= 0 {
		return errs.New(errs.KindValidation, "session.CreateSession", "max_tokens must be > 0")
	}
	return nil
}

// Session is one child-process invocation and its lifecycle record.
type Session struct {
	ID          string
	ProjectPath string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	PID         *int
	ExitCode    *int
	Metadata    map[string]any
}

// Filter narrows ListSessions results. A zero-valued field is unfiltered.
type Filter struct {
	Status      Status
	ProjectPath string
}

// Stats summarizes the session catalog, matching
// test_get_session_stats's {total, by_status, by_model, average_duration}.
type Stats struct {
	Total              int
	ByStatus           map[Status]int
	ByModel            map[string]int
	AverageDurationSec float64
}
