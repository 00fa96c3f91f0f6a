// Package checkpoint implements timeline-tracked session checkpoints:
// full and incremental state snapshots stored via the content-addressed
// store, organized as a per-session forest with fork/restore/compare
// operations. Grounded on
// original_source/src/shannon_mcp/managers/timeline.py.
package checkpoint

import (
	"time"
)

// Strategy selects when an auto-checkpoint is created.
type Strategy string

const (
	StrategyManual     Strategy = "manual"
	StrategyPerPrompt  Strategy = "per_prompt"
	StrategyPerToolUse Strategy = "per_tool_use"
	StrategySmart      Strategy = "smart"
)

// destructiveTools names the substrings that mark a tool name as
// state-mutating under StrategySmart, grounded on the equivalent list in
// timeline.py's should_create_checkpoint.
var destructiveTools = []string{"write", "delete", "remove", "edit", "multiedit", "move", "rename"}

// Checkpoint is a single stored snapshot in a session's timeline.
type Checkpoint struct {
	ID              string
	SessionID       string
	ParentID        string // empty for a root checkpoint
	Branch          string
	Name            string
	Description     string
	StateRootHash   string // CAS digest of the full or delta payload
	IsIncremental   bool
	DeltaBaseHash   string // parent checkpoint's StateRootHash (its ID if the parent record is absent), when IsIncremental
	CreatedAt       time.Time
	SizeBytes       int64
	Metadata        map[string]any
}

// TimelineNode is the tree-index entry for one checkpoint.
type TimelineNode struct {
	CheckpointID string
	ParentID     string
	Children     []string
	Metadata     map[string]any
}

func (n *TimelineNode) addChild(childID string) {
	for _, c := range n.Children {
		if c == childID {
			return
		}
	}
	n.Children = append(n.Children, childID)
}

// SessionTimeline is the in-memory forest index for one session's
// checkpoints, plus the checkpoint records themselves (timeline.py keeps
// these separately in a CheckpointManager; here they travel together so
// the whole timeline persists as one JSON document).
type SessionTimeline struct {
	SessionID             string
	RootCheckpointID      string
	CurrentCheckpointID   string
	Nodes                 map[string]*TimelineNode
	Checkpoints           map[string]*Checkpoint
	AutoCheckpointEnabled bool
	Strategy              Strategy
	TotalCheckpoints      int
}

func newSessionTimeline(sessionID string) *SessionTimeline {
	return &SessionTimeline{
		SessionID:             sessionID,
		Nodes:                 make(map[string]*TimelineNode),
		Checkpoints:           make(map[string]*Checkpoint),
		AutoCheckpointEnabled: true,
		Strategy:              StrategySmart,
	}
}

func (t *SessionTimeline) addCheckpoint(checkpointID, parentID string, metadata map[string]any) *TimelineNode {
	node := &TimelineNode{CheckpointID: checkpointID, ParentID: parentID, Metadata: metadata}
	t.Nodes[checkpointID] = node
	t.TotalCheckpoints++

	if t.RootCheckpointID == "" {
		t.RootCheckpointID = checkpointID
	}
	if parentID != "" {
		if parent, ok := t.Nodes[parentID]; ok {
			parent.addChild(checkpointID)
		}
	}
	t.CurrentCheckpointID = checkpointID
	return node
}

// pathToCheckpoint returns the root-to-checkpointID path, or nil if
// checkpointID is unknown.
func (t *SessionTimeline) pathToCheckpoint(checkpointID string) []string {
	if _, ok := t.Nodes[checkpointID]; !ok {
		return nil
	}
	var path []string
	current := checkpointID
	for current != "" {
		path = append(path, current)
		node, ok := t.Nodes[current]
		if !ok {
			break
		}
		current = node.ParentID
	}
	// reverse
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// findCommonAncestor returns the deepest checkpoint common to both paths
// to root, or "" if none.
func (t *SessionTimeline) findCommonAncestor(id1, id2 string) string {
	path1 := t.pathToCheckpoint(id1)
	common := make(map[string]bool, len(path1))
	for _, id := range path1 {
		common[id] = true
	}
	path2 := t.pathToCheckpoint(id2)
	for i := len(path2) - 1; i >= 0; i-- {
		if common[path2[i]] {
			return path2[i]
		}
	}
	return ""
}

// SubtreeView is a JSON-friendly rendering of a timeline subtree.
type SubtreeView struct {
	ID       string         `json:"id"`
	ParentID string         `json:"parent_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Children []SubtreeView  `json:"children"`
}

func (t *SessionTimeline) subtree(checkpointID string) *SubtreeView {
	node, ok := t.Nodes[checkpointID]
	if !ok {
		return nil
	}
	view := &SubtreeView{ID: checkpointID, ParentID: node.ParentID, Metadata: node.Metadata}
	for _, childID := range node.Children {
		if child := t.subtree(childID); child != nil {
			view.Children = append(view.Children, *child)
		}
	}
	return view
}

// CheckpointComparison is the result of comparing two checkpoints' states.
type CheckpointComparison struct {
	CheckpointID1     string
	CheckpointID2     string
	CommonAncestorID  string
	FileChanges       map[string]string // path -> "added"|"modified"|"deleted"
	TokenDelta        int64
	MessageDelta      int
}

// Summary tallies FileChanges by change type.
func (c CheckpointComparison) Summary() map[string]int {
	out := map[string]int{"files_added": 0, "files_modified": 0, "files_deleted": 0}
	for _, kind := range c.FileChanges {
		switch kind {
		case "added":
			out["files_added"]++
		case "modified":
			out["files_modified"]++
		case "deleted":
			out["files_deleted"]++
		}
	}
	out["total_changes"] = len(c.FileChanges)
	return out
}
