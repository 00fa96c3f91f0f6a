package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterAndGetProcess(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	entry, err := r.Register(ctx, 4242, "sess-1", "/tmp/proj", "claude", []string{"--resume"}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if entry.Status != StatusRunning {
		t.Fatalf("expected RUNNING status, got %v", entry.Status)
	}

	got, err := r.GetProcess(ctx, 4242)
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if got.SessionID != "sess-1" || got.Command != "claude" {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestRegisterIsInsertOrReplaceOnSamePID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, 100, "sess-a", "/a", "cmd", nil, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register(ctx, 100, "sess-b", "/b", "cmd", nil, nil); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	count, err := r.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected (pid,host) uniqueness to keep 1 row, got %d", count)
	}

	got, err := r.GetProcess(ctx, 100)
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if got.SessionID != "sess-b" {
		t.Fatalf("expected re-registration to replace session, got %q", got.SessionID)
	}
}

func TestUpdateStatusRecordsExitCode(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, 55, "sess-1", "/tmp", "cmd", nil, nil)

	code := 1
	if err := r.UpdateStatus(ctx, 55, StatusTerminated, &code); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, err := r.GetProcess(ctx, 55)
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if got.Status != StatusTerminated || got.ExitCode == nil || *got.ExitCode != 1 {
		t.Fatalf("unexpected entry after terminate: %+v", got)
	}
}

func TestGetByStatusAndGetActive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, 1, "sess-1", "/a", "cmd", nil, nil)
	r.Register(ctx, 2, "sess-2", "/b", "cmd", nil, nil)
	r.UpdateStatus(ctx, 2, StatusTerminated, nil)

	active, err := r.GetActive(ctx)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(active) != 1 || active[0].PID != 1 {
		t.Fatalf("expected only pid 1 active, got %+v", active)
	}

	terminated, err := r.GetByStatus(ctx, StatusTerminated)
	if err != nil {
		t.Fatalf("GetByStatus: %v", err)
	}
	if len(terminated) != 1 || terminated[0].PID != 2 {
		t.Fatalf("expected only pid 2 terminated, got %+v", terminated)
	}
}

func TestCleanupRemovesStaleRows(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Register(ctx, 9, "sess-1", "/a", "cmd", nil, nil)
	r.UpdateStatus(ctx, 9, StatusStale, nil)

	removed, err := r.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(removed) != 1 || removed[0].PID != 9 {
		t.Fatalf("expected pid 9 cleaned up, got %+v", removed)
	}

	if _, err := r.GetProcess(ctx, 9); err == nil {
		t.Fatal("expected stale row to be gone after Cleanup")
	}
}

func TestMailboxDeliversUndeliveredUnexpiredOnly(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.SendMessage(ctx, "sess-a", "sess-b", "hello", time.Hour); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := r.SendMessage(ctx, "sess-a", "sess-b", "already expired", -time.Second); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs, err := r.GetMessages(ctx, "sess-b")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Fatalf("expected only the unexpired message, got %+v", msgs)
	}

	msgs2, err := r.GetMessages(ctx, "sess-b")
	if err != nil {
		t.Fatalf("second GetMessages: %v", err)
	}
	if len(msgs2) != 0 {
		t.Fatalf("expected messages to be marked delivered and not redelivered, got %+v", msgs2)
	}
}
