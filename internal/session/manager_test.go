package session

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/bc-dunia/shannon-mcp/internal/cas"
	"github.com/bc-dunia/shannon-mcp/internal/checkpoint"
	"github.com/bc-dunia/shannon-mcp/internal/errs"
	"github.com/bc-dunia/shannon-mcp/internal/jsonl"
	"github.com/bc-dunia/shannon-mcp/internal/registry"
)

// fakeProcess is a Process double driven entirely by the test: writeLine
// feeds stdout, finish closes stdout and resolves Wait.
type fakeProcess struct {
	pid     int
	pr      *io.PipeReader
	pw      *io.PipeWriter
	waitCh  chan error
	signals chan syscall.Signal
	killed  atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	pr, pw := io.Pipe()
	return &fakeProcess{pid: pid, pr: pr, pw: pw, waitCh: make(chan error, 1), signals: make(chan syscall.Signal, 8)}
}

func (p *fakeProcess) PID() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.pr }
func (p *fakeProcess) Start() error      { return nil }
func (p *fakeProcess) Wait() error       { return <-p.waitCh }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	select {
	case p.signals <- sig:
	default:
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.pw.Close()
	select {
	case p.waitCh <- nil:
	default:
	}
	return nil
}

func (p *fakeProcess) writeLine(s string) { p.pw.Write([]byte(s + "\n")) }

func (p *fakeProcess) finish(err error) {
	p.pw.Close()
	select {
	case p.waitCh <- err:
	default:
	}
}

type testHarness struct {
	mgr      *Manager
	store    *Store
	registry *registry.Registry
	nextPID  int
	procs    map[string]*fakeProcess
}

func newTestHarness(t *testing.T, maxConcurrent int) *testHarness {
	t.Helper()
	dir := t.TempDir()

	store, err := OpenStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	casStore, err := cas.Open(cas.Options{Path: filepath.Join(dir, "cas")})
	if err != nil {
		t.Fatalf("cas.Open: %v", err)
	}
	t.Cleanup(func() { casStore.Close() })
	ckpt := checkpoint.New(casStore)

	h := &testHarness{store: store, registry: reg, nextPID: 1000, procs: make(map[string]*fakeProcess)}

	spawn := func(ctx context.Context, sess *Session) (Process, error) {
		h.nextPID++
		fp := newFakeProcess(h.nextPID)
		h.procs[sess.ID] = fp
		return fp, nil
	}

	h.mgr = New(store, reg, ckpt, nil, nil, spawn, maxConcurrent)
	h.mgr.gracePeriod = 50 * time.Millisecond
	return h
}

func (h *testHarness) proc(id string) *fakeProcess { return h.procs[id] }

func TestCreateSessionAppliesDefaultsAndValidates(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	sess, err := h.mgr.CreateSession(ctx, "sess-1", CreateParams{ProjectPath: "/proj", Prompt: "hi"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Model != DefaultModel || sess.Temperature != DefaultTemperature || sess.MaxTokens != DefaultMaxTokens {
		t.Fatalf("expected defaults applied, got %+v", sess)
	}
	if sess.Status != StatusCreated {
		t.Fatalf("expected CREATED, got %v", sess.Status)
	}

	if _, err := h.mgr.CreateSession(ctx, "bad-temp", CreateParams{ProjectPath: "/p", Temperature: 2.0}); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation error for temperature > 1, got %v", err)
	}
	if _, err := h.mgr.CreateSession(ctx, "bad-tokens", CreateParams{ProjectPath: "/p", MaxTokens: -5}); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation error for negative max_tokens, got %v", err)
	}
}

func TestStartSessionSpawnsAndRegistersProcess(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	sess, _ := h.mgr.CreateSession(ctx, "sess-1", CreateParams{ProjectPath: "/proj"})
	if err := h.mgr.StartSession(ctx, sess.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer h.proc(sess.ID).finish(nil)

	got, err := h.mgr.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != StatusRunning || got.PID == nil || got.StartedAt == nil {
		t.Fatalf("expected RUNNING with pid/started_at set, got %+v", got)
	}
	if got.StartedAt.Before(got.CreatedAt) {
		t.Fatalf("started_at must be >= created_at")
	}

	entry, err := h.registry.GetProcess(ctx, *got.PID)
	if err != nil {
		t.Fatalf("expected registry entry for pid: %v", err)
	}
	if entry.SessionID != sess.ID {
		t.Fatalf("registry entry session mismatch: %+v", entry)
	}
}

func TestConcurrencyCapRejectsStartWhenFull(t *testing.T) {
	h := newTestHarness(t, 1)
	ctx := context.Background()

	s1, _ := h.mgr.CreateSession(ctx, "sess-1", CreateParams{ProjectPath: "/a"})
	if err := h.mgr.StartSession(ctx, s1.ID); err != nil {
		t.Fatalf("StartSession s1: %v", err)
	}
	defer h.proc(s1.ID).finish(nil)

	s2, _ := h.mgr.CreateSession(ctx, "sess-2", CreateParams{ProjectPath: "/b"})
	err := h.mgr.StartSession(ctx, s2.ID)
	if errs.KindOf(err) != errs.KindResourceExhausted {
		t.Fatalf("expected resource_exhausted once cap is met, got %v", err)
	}
}

func TestSubscribeReceivesEventsThenClosesOnCompletion(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	sess, _ := h.mgr.CreateSession(ctx, "sess-1", CreateParams{ProjectPath: "/a"})
	if err := h.mgr.StartSession(ctx, sess.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	fp := h.proc(sess.ID)

	ch, unsubscribe, err := h.mgr.Subscribe(sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	fp.writeLine(`{"type":"tool_use","tool_name":"Read","arguments":{}}`)

	select {
	case ev := <-ch:
		if ev.Kind != jsonl.KindToolUse {
			t.Fatalf("expected tool_use event, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	fp.finish(nil)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after session completion")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	waitForStatus(t, h, sess.ID, StatusCompleted)
}

func TestSessionFailsWhenChildExitsWithError(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	sess, _ := h.mgr.CreateSession(ctx, "sess-1", CreateParams{ProjectPath: "/a"})
	h.mgr.StartSession(ctx, sess.ID)
	h.proc(sess.ID).finish(errors.New("exit status 1"))

	waitForStatus(t, h, sess.ID, StatusFailed)
	got, _ := h.mgr.GetSession(ctx, sess.ID)
	if got.Metadata["error"] != "exit status 1" {
		t.Fatalf("expected error recorded in metadata, got %+v", got.Metadata)
	}
}

func TestCompleteSessionMergesMetadataAndTerminatesRegistry(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	sess, _ := h.mgr.CreateSession(ctx, "sess-1", CreateParams{ProjectPath: "/a"})
	h.mgr.StartSession(ctx, sess.ID)
	pid := *mustGetPID(t, h, sess.ID)
	defer h.proc(sess.ID).finish(nil)

	if err := h.mgr.CompleteSession(ctx, sess.ID, map[string]any{"tokens_used": float64(1500)}); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	got, _ := h.mgr.GetSession(ctx, sess.ID)
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected COMPLETED with completed_at, got %+v", got)
	}
	if got.Metadata["tokens_used"] != float64(1500) {
		t.Fatalf("expected metadata merged, got %+v", got.Metadata)
	}

	entry, err := h.registry.GetProcess(ctx, pid)
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if entry.Status != registry.StatusTerminated {
		t.Fatalf("expected registry entry TERMINATED, got %v", entry.Status)
	}
}

func TestCancelSessionSignalsThenForceKillsAndMarksCancelled(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	sess, _ := h.mgr.CreateSession(ctx, "sess-1", CreateParams{ProjectPath: "/a"})
	h.mgr.StartSession(ctx, sess.ID)
	fp := h.proc(sess.ID)

	ok, err := h.mgr.CancelSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if !ok {
		t.Fatal("expected CancelSession to report it acted")
	}

	select {
	case sig := <-fp.signals:
		if sig != syscall.SIGTERM {
			t.Fatalf("expected SIGTERM first, got %v", sig)
		}
	default:
		t.Fatal("expected a polite signal to have been sent")
	}
	if !fp.killed.Load() {
		t.Fatal("expected force-kill after grace period since the fake never exits on its own")
	}

	got, _ := h.mgr.GetSession(ctx, sess.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %v", got.Status)
	}
}

func TestCancelOnTerminalSessionIsNoop(t *testing.T) {
	h := newTestHarness(t, 0)
	ctx := context.Background()

	sess, _ := h.mgr.CreateSession(ctx, "sess-1", CreateParams{ProjectPath: "/a"})
	h.mgr.StartSession(ctx, sess.ID)
	h.proc(sess.ID).finish(nil)
	waitForStatus(t, h, sess.ID, StatusCompleted)

	ok, err := h.mgr.CancelSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if ok {
		t.Fatal("expected cancel on a terminal session to be a no-op returning false")
	}
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	h := newTestHarness(t, 0)
	h.mgr.subscriberBuffer = 1
	ctx := context.Background()

	sess, _ := h.mgr.CreateSession(ctx, "sess-1", CreateParams{ProjectPath: "/a"})
	h.mgr.StartSession(ctx, sess.ID)
	fp := h.proc(sess.ID)
	defer fp.finish(nil)

	ch, _, err := h.mgr.Subscribe(sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		fp.writeLine(`{"type":"status","status":"ok"}`)
	}
	time.Sleep(200 * time.Millisecond)

	select {
	case _, ok := <-ch:
		if ok {
			// the buffered slot may still hold one event; draining once
			// more must hit the drop-triggered close.
			<-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dropped-subscriber channel close")
	}
}

func waitForStatus(t *testing.T, h *testHarness, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := h.mgr.GetSession(context.Background(), id)
		if err == nil && sess.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session %s to reach %s", id, want)
}

func mustGetPID(t *testing.T, h *testHarness, id string) *int {
	t.Helper()
	sess, err := h.mgr.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return sess.PID
}
