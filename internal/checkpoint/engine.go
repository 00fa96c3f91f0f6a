package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bc-dunia/shannon-mcp/internal/cas"
	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// State is a session's checkpointed data: arbitrary JSON-shaped session
// state. The well-known keys "files" (map[string]string), "messages"
// ([]any), and "total_tokens" (float64) are used by CompareCheckpoints,
// matching the fields timeline.py's compare_checkpoints reads off the
// restored session data.
type State map[string]any

// Engine manages per-session timelines and persists checkpoint state
// through a content-addressed store. Grounded on timeline.py's
// TimelineManager.
type Engine struct {
	store *cas.Store

	mu        sync.Mutex
	timelines map[string]*SessionTimeline
}

// New creates a checkpoint engine backed by store.
func New(store *cas.Store) *Engine {
	return &Engine{store: store, timelines: make(map[string]*SessionTimeline)}
}

// InitializeTimeline returns a session's timeline, creating an empty one
// on first use.
func (e *Engine) InitializeTimeline(sessionID string) *SessionTimeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timelineLocked(sessionID)
}

func (e *Engine) timelineLocked(sessionID string) *SessionTimeline {
	t, ok := e.timelines[sessionID]
	if !ok {
		t = newSessionTimeline(sessionID)
		e.timelines[sessionID] = t
	}
	return t
}

// CreateCheckpoint serializes state deterministically, stores it in CAS,
// and appends a TimelineNode whose parent defaults to the session's
// current checkpoint. Advances the session's current-checkpoint cursor.
func (e *Engine) CreateCheckpoint(ctx context.Context, sessionID string, state State, name, description, parentID string, metadata map[string]any) (*Checkpoint, error) {
	e.mu.Lock()
	timeline := e.timelineLocked(sessionID)
	if parentID == "" {
		parentID = timeline.CurrentCheckpointID
	}
	e.mu.Unlock()

	payload, err := marshalDeterministic(state)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "checkpoint.CreateCheckpoint", err)
	}

	digest, err := e.store.Store(ctx, payload, map[string]any{"kind": "checkpoint_state", "session_id": sessionID})
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ParentID:      parentID,
		Name:          name,
		Description:   description,
		StateRootHash: digest,
		CreatedAt:     time.Now().UTC(),
		SizeBytes:     int64(len(payload)),
		Metadata:      metadata,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	timeline.Checkpoints[cp.ID] = cp
	timeline.addCheckpoint(cp.ID, parentID, nodeMetadata(cp, metadata))
	return cp, nil
}

// CreateIncrementalCheckpoint stores only delta relative to parentID's
// resolved state, recording the lineage in metadata.
func (e *Engine) CreateIncrementalCheckpoint(ctx context.Context, sessionID, parentID string, delta State, metadata map[string]any) (*Checkpoint, error) {
	if parentID == "" {
		return nil, errs.New(errs.KindValidation, "checkpoint.CreateIncrementalCheckpoint", "parentID is required for an incremental checkpoint")
	}

	e.mu.Lock()
	timeline, ok := e.timelines[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindNotFound, "checkpoint.CreateIncrementalCheckpoint", "no timeline for session "+sessionID)
	}
	if _, ok := timeline.Nodes[parentID]; !ok {
		return nil, errs.New(errs.KindNotFound, "checkpoint.CreateIncrementalCheckpoint", "checkpoint "+parentID+" not found in timeline")
	}

	payload, err := marshalDeterministic(delta)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "checkpoint.CreateIncrementalCheckpoint", err)
	}
	digest, err := e.store.Store(ctx, payload, map[string]any{"kind": "checkpoint_delta", "session_id": sessionID})
	if err != nil {
		return nil, err
	}

	parentCp := timeline.Checkpoints[parentID]
	deltaBase := parentID
	if parentCp != nil {
		deltaBase = parentCp.StateRootHash
	}

	meta := map[string]any{}
	for k, v := range metadata {
		meta[k] = v
	}
	meta["delta_parent_id"] = parentID

	cp := &Checkpoint{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ParentID:      parentID,
		StateRootHash: digest,
		IsIncremental: true,
		DeltaBaseHash: deltaBase,
		CreatedAt:     time.Now().UTC(),
		SizeBytes:     int64(len(payload)),
		Metadata:      meta,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	timeline.Checkpoints[cp.ID] = cp
	timeline.addCheckpoint(cp.ID, parentID, nodeMetadata(cp, meta))
	return cp, nil
}

// RestoreCheckpoint rematerializes checkpointID's state by walking from
// the nearest full snapshot forward through any incremental deltas, and
// advances the session's current cursor. If createRestorePoint is set,
// a checkpoint of the current state is made first.
func (e *Engine) RestoreCheckpoint(ctx context.Context, sessionID, checkpointID string, createRestorePoint bool) (State, *Checkpoint, error) {
	e.mu.Lock()
	timeline, ok := e.timelines[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, nil, errs.New(errs.KindNotFound, "checkpoint.RestoreCheckpoint", "no timeline for session "+sessionID)
	}

	var restorePoint *Checkpoint
	if createRestorePoint && timeline.CurrentCheckpointID != "" {
		current, err := e.resolveState(ctx, timeline, timeline.CurrentCheckpointID)
		if err != nil {
			return nil, nil, err
		}
		rp, err := e.CreateCheckpoint(ctx, sessionID, current, fmt.Sprintf("Restore point before %s", checkpointID), "Auto-created before restoration", "", map[string]any{"restore_target": checkpointID})
		if err != nil {
			return nil, nil, err
		}
		restorePoint = rp
	}

	state, err := e.resolveState(ctx, timeline, checkpointID)
	if err != nil {
		return nil, restorePoint, err
	}

	e.mu.Lock()
	timeline.CurrentCheckpointID = checkpointID
	e.mu.Unlock()

	return state, restorePoint, nil
}

// resolveState walks the chain of incremental checkpoints back to the
// nearest full snapshot, then composes forward, merging each delta.
func (e *Engine) resolveState(ctx context.Context, timeline *SessionTimeline, checkpointID string) (State, error) {
	e.mu.Lock()
	cp, ok := timeline.Checkpoints[checkpointID]
	e.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindNotFound, "checkpoint.resolveState", "checkpoint "+checkpointID+" not found")
	}

	var chain []*Checkpoint
	current := cp
	for current != nil && current.IsIncremental {
		chain = append([]*Checkpoint{current}, chain...)
		e.mu.Lock()
		parent, ok := timeline.Checkpoints[current.ParentID]
		e.mu.Unlock()
		if !ok {
			break
		}
		current = parent
	}

	base := State{}
	if current != nil && !current.IsIncremental {
		data, err := e.store.Retrieve(ctx, current.StateRootHash)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &base); err != nil {
				return nil, errs.Wrap(errs.KindParse, "checkpoint.resolveState", err)
			}
		}
	}

	for _, step := range chain {
		data, err := e.store.Retrieve(ctx, step.StateRootHash)
		if err != nil {
			return nil, err
		}
		var delta State
		if len(data) > 0 {
			if err := json.Unmarshal(data, &delta); err != nil {
				return nil, errs.Wrap(errs.KindParse, "checkpoint.resolveState", err)
			}
		}
		base = mergeState(base, delta)
	}

	return base, nil
}

// ForkCheckpoint creates a new branch tip whose parent is checkpointID.
func (e *Engine) ForkCheckpoint(ctx context.Context, sessionID, checkpointID, forkName string) (*Checkpoint, error) {
	e.mu.Lock()
	timeline, ok := e.timelines[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindNotFound, "checkpoint.ForkCheckpoint", "no timeline for session "+sessionID)
	}
	if _, ok := timeline.Nodes[checkpointID]; !ok {
		return nil, errs.New(errs.KindNotFound, "checkpoint.ForkCheckpoint", "checkpoint "+checkpointID+" not found in timeline")
	}

	if forkName == "" {
		forkName = "Fork of " + checkpointID
	}

	state, err := e.resolveState(ctx, timeline, checkpointID)
	if err != nil {
		return nil, err
	}

	return e.CreateCheckpoint(ctx, sessionID, state, forkName, "Forked from checkpoint "+checkpointID, checkpointID, map[string]any{"fork_source": checkpointID})
}

// CompareCheckpoints resolves both checkpoints' full state, finds their
// lowest common ancestor, and reports per-key file changes plus token
// and message deltas.
func (e *Engine) CompareCheckpoints(ctx context.Context, sessionID, id1, id2 string) (*CheckpointComparison, error) {
	e.mu.Lock()
	timeline, ok := e.timelines[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindNotFound, "checkpoint.CompareCheckpoints", "no timeline for session "+sessionID)
	}

	ancestor := timeline.findCommonAncestor(id1, id2)

	state1, err := e.resolveState(ctx, timeline, id1)
	if err != nil {
		return nil, err
	}
	state2, err := e.resolveState(ctx, timeline, id2)
	if err != nil {
		return nil, err
	}

	files1, _ := state1["files"].(map[string]any)
	files2, _ := state2["files"].(map[string]any)

	changes := make(map[string]string)
	for f := range files2 {
		if _, ok := files1[f]; !ok {
			changes[f] = "added"
		}
	}
	for f := range files1 {
		if _, ok := files2[f]; !ok {
			changes[f] = "deleted"
		}
	}
	for f, v1 := range files1 {
		if v2, ok := files2[f]; ok && fmt.Sprint(v1) != fmt.Sprint(v2) {
			changes[f] = "modified"
		}
	}

	return &CheckpointComparison{
		CheckpointID1:    id1,
		CheckpointID2:    id2,
		CommonAncestorID: ancestor,
		FileChanges:      changes,
		TokenDelta:       numericField(state2, "total_tokens") - numericField(state1, "total_tokens"),
		MessageDelta:     sliceLen(state2, "messages") - sliceLen(state1, "messages"),
	}, nil
}

// GetTimelineView is the JSON-friendly snapshot returned for a session's
// full timeline.
type GetTimelineView struct {
	SessionID             string       `json:"session_id"`
	CurrentCheckpointID   string       `json:"current_checkpoint_id,omitempty"`
	RootCheckpointID      string       `json:"root_checkpoint_id,omitempty"`
	TotalCheckpoints      int          `json:"total_checkpoints"`
	AutoCheckpointEnabled bool         `json:"auto_checkpoint_enabled"`
	Strategy              Strategy    `json:"checkpoint_strategy"`
	Tree                  *SubtreeView `json:"tree,omitempty"`
	CurrentPath           []string     `json:"current_path,omitempty"`
}

// GetTimeline returns a session's current timeline view, or nil if no
// timeline has been initialized for it.
func (e *Engine) GetTimeline(sessionID string) *GetTimelineView {
	e.mu.Lock()
	defer e.mu.Unlock()
	timeline, ok := e.timelines[sessionID]
	if !ok {
		return nil
	}

	var tree *SubtreeView
	if timeline.RootCheckpointID != "" {
		tree = timeline.subtree(timeline.RootCheckpointID)
	}
	var path []string
	if timeline.CurrentCheckpointID != "" {
		path = timeline.pathToCheckpoint(timeline.CurrentCheckpointID)
	}

	return &GetTimelineView{
		SessionID:             sessionID,
		CurrentCheckpointID:   timeline.CurrentCheckpointID,
		RootCheckpointID:      timeline.RootCheckpointID,
		TotalCheckpoints:      timeline.TotalCheckpoints,
		AutoCheckpointEnabled: timeline.AutoCheckpointEnabled,
		Strategy:              timeline.Strategy,
		Tree:                  tree,
		CurrentPath:           path,
	}
}

// SetCheckpointStrategy sets a session's auto-checkpoint strategy and
// enabled flag.
func (e *Engine) SetCheckpointStrategy(sessionID string, strategy Strategy, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	timeline := e.timelineLocked(sessionID)
	timeline.Strategy = strategy
	timeline.AutoCheckpointEnabled = enabled
}

// ShouldCreateCheckpoint reports whether eventType/eventData should
// trigger an auto-checkpoint under the session's current strategy.
func (e *Engine) ShouldCreateCheckpoint(sessionID, eventType string, eventData map[string]any) bool {
	e.mu.Lock()
	timeline, ok := e.timelines[sessionID]
	e.mu.Unlock()
	if !ok || !timeline.AutoCheckpointEnabled {
		return false
	}

	switch timeline.Strategy {
	case StrategyManual:
		return false
	case StrategyPerPrompt:
		return eventType == "prompt_sent"
	case StrategyPerToolUse:
		return eventType == "tool_executed"
	case StrategySmart:
		if eventType != "tool_executed" {
			return false
		}
		toolName, _ := eventData["tool_name"].(string)
		toolName = strings.ToLower(toolName)
		for _, dt := range destructiveTools {
			if strings.Contains(toolName, dt) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// CleanupTimeline discards a session's in-memory timeline.
func (e *Engine) CleanupTimeline(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.timelines, sessionID)
}

func nodeMetadata(cp *Checkpoint, extra map[string]any) map[string]any {
	m := map[string]any{
		"name":        cp.Name,
		"description": cp.Description,
		"created_at":  cp.CreatedAt.Format(time.RFC3339Nano),
		"size_bytes":  cp.SizeBytes,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func marshalDeterministic(state State) ([]byte, error) {
	if state == nil {
		state = State{}
	}
	return json.Marshal(state) // encoding/json sorts map[string]any keys
}

// mergeState overlays delta onto base, recursing into nested maps and
// otherwise overwriting.
func mergeState(base, delta State) State {
	out := make(State, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		if baseVal, ok := out[k]; ok {
			if baseMap, ok1 := baseVal.(map[string]any); ok1 {
				if deltaMap, ok2 := v.(map[string]any); ok2 {
					out[k] = mergeState(baseMap, deltaMap)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

func numericField(s State, key string) int64 {
	switch v := s[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func sliceLen(s State, key string) int {
	if v, ok := s[key].([]any); ok {
		return len(v)
	}
	return 0
}

