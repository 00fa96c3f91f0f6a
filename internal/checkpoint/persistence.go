package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// timelineDocument is the on-disk shape of a SessionTimeline, persisted
// as <cas-root>/timelines/<session_id>.json.
type timelineDocument struct {
	SessionID             string                   `json:"session_id"`
	RootCheckpointID      string                   `json:"root_checkpoint_id,omitempty"`
	CurrentCheckpointID   string                   `json:"current_checkpoint_id,omitempty"`
	Nodes                 map[string]*TimelineNode `json:"nodes"`
	Checkpoints           map[string]*Checkpoint   `json:"checkpoints"`
	AutoCheckpointEnabled bool                     `json:"auto_checkpoint_enabled"`
	CheckpointStrategy    Strategy                 `json:"checkpoint_strategy"`
	TotalCheckpoints      int                      `json:"total_checkpoints"`
}

func timelinePath(root, sessionID string) string {
	return filepath.Join(root, "timelines", sessionID+".json")
}

// ExportTimeline serializes a session's timeline to JSON, or returns nil
// if no timeline exists for it.
func (e *Engine) ExportTimeline(sessionID string) ([]byte, error) {
	e.mu.Lock()
	timeline, ok := e.timelines[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}

	doc := timelineDocument{
		SessionID:             timeline.SessionID,
		RootCheckpointID:      timeline.RootCheckpointID,
		CurrentCheckpointID:   timeline.CurrentCheckpointID,
		Nodes:                 timeline.Nodes,
		Checkpoints:           timeline.Checkpoints,
		AutoCheckpointEnabled: timeline.AutoCheckpointEnabled,
		CheckpointStrategy:    timeline.Strategy,
		TotalCheckpoints:      timeline.TotalCheckpoints,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "checkpoint.ExportTimeline", err)
	}
	return data, nil
}

// ImportTimeline loads a previously exported timeline document, replacing
// any in-memory timeline for its session.
func (e *Engine) ImportTimeline(data []byte) (*SessionTimeline, error) {
	var doc timelineDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.KindParse, "checkpoint.ImportTimeline", err)
	}

	timeline := newSessionTimeline(doc.SessionID)
	timeline.RootCheckpointID = doc.RootCheckpointID
	timeline.CurrentCheckpointID = doc.CurrentCheckpointID
	timeline.AutoCheckpointEnabled = doc.AutoCheckpointEnabled
	timeline.Strategy = doc.CheckpointStrategy
	timeline.TotalCheckpoints = doc.TotalCheckpoints
	if doc.Nodes != nil {
		timeline.Nodes = doc.Nodes
	}
	if doc.Checkpoints != nil {
		timeline.Checkpoints = doc.Checkpoints
	}

	e.mu.Lock()
	e.timelines[doc.SessionID] = timeline
	e.mu.Unlock()
	return timeline, nil
}

// PersistTimeline writes a session's timeline document under
// <root>/timelines/<session_id>.json, creating the directory if absent.
func (e *Engine) PersistTimeline(ctx context.Context, root, sessionID string) error {
	data, err := e.ExportTimeline(sessionID)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	dir := filepath.Join(root, "timelines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindInternal, "checkpoint.PersistTimeline", err)
	}
	if err := os.WriteFile(timelinePath(root, sessionID), data, 0o644); err != nil {
		return errs.Wrap(errs.KindInternal, "checkpoint.PersistTimeline", err)
	}
	return nil
}

// LoadTimeline reads a previously persisted timeline document for
// sessionID, if one exists.
func (e *Engine) LoadTimeline(ctx context.Context, root, sessionID string) (*SessionTimeline, error) {
	data, err := os.ReadFile(timelinePath(root, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindInternal, "checkpoint.LoadTimeline", err)
	}
	return e.ImportTimeline(data)
}
