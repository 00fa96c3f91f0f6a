package session

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/bc-dunia/shannon-mcp/internal/checkpoint"
	"github.com/bc-dunia/shannon-mcp/internal/errs"
	"github.com/bc-dunia/shannon-mcp/internal/events"
	"github.com/bc-dunia/shannon-mcp/internal/jsonl"
	"github.com/bc-dunia/shannon-mcp/internal/metricssink"
	"github.com/bc-dunia/shannon-mcp/internal/registry"
	"github.com/bc-dunia/shannon-mcp/internal/streambuf"
)

const (
	defaultSubscriberBuffer = 256
	defaultLineBufferSize   = 4 << 20
	defaultMaxLineLength    = 64 << 10
	defaultGracePeriod      = 5 * time.Second
	defaultMailboxTTL       = time.Hour
)

// Manager supervises child-process sessions: creation, spawn, stdout
// pumping, subscriber fan-out, auto-checkpointing, and the terminal
// transitions. The goroutine-per-session shape (assignment-scoped
// context, background pump, deferred cleanup) follows
// internal/worker.AssignmentExecutor.Execute/executeAssignment.
type Manager struct {
	store       *Store
	registry    *registry.Registry
	checkpoints *checkpoint.Engine
	logger      *events.EventLogger
	metrics     metricssink.Sink
	spawn       SpawnFunc

	maxConcurrent    int
	subscriberBuffer int
	gracePeriod      time.Duration

	mu      sync.Mutex
	running map[string]*runningSession
}

// runningSession is the in-memory state for one RUNNING session; nothing
// here is persisted directly, it is derived from (and kept consistent
// with) the Store row and the registry entry.
type runningSession struct {
	mu          sync.Mutex
	cancel      context.CancelFunc
	proc        Process
	subscribers map[uint64]chan jsonl.StreamEvent
	nextSubID   uint64
	seq         uint64
	done        chan struct{}
	cancelling  bool
}

// New creates a Manager. maxConcurrent <= 0 means unbounded.
func New(store *Store, reg *registry.Registry, checkpoints *checkpoint.Engine, logger *events.EventLogger, metrics metricssink.Sink, spawn SpawnFunc, maxConcurrent int) *Manager {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	if metrics == nil {
		metrics = metricssink.Noop{}
	}
	return &Manager{
		store:            store,
		registry:         reg,
		checkpoints:      checkpoints,
		logger:           logger,
		metrics:          metrics,
		spawn:            spawn,
		maxConcurrent:    maxConcurrent,
		subscriberBuffer: defaultSubscriberBuffer,
		gracePeriod:      defaultGracePeriod,
		running:          make(map[string]*runningSession),
	}
}

// CreateSession validates params, applies defaults, and persists a
// CREATED-status row.
func (m *Manager) CreateSession(ctx context.Context, id string, params CreateParams) (*Session, error) {
	params.applyDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:          id,
		ProjectPath: params.ProjectPath,
		Prompt:      params.Prompt,
		Model:       params.Model,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Status:      StatusCreated,
		CreatedAt:   time.Now().UTC(),
		Metadata:    params.Metadata,
	}
	if err := m.store.insert(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.LogSessionCreated(sess.ID, sess.ProjectPath, sess.Model)
	return sess, nil
}

// StartSession refuses if the RUNNING count already meets the
// concurrency cap; otherwise it spawns the child, wires its stdout
// through the pump goroutine, and registers the pid.
func (m *Manager) StartSession(ctx context.Context, id string) error {
	if m.maxConcurrent > 0 {
		n, err := m.store.countByStatus(ctx, StatusRunning)
		if err != nil {
			return err
		}
		if n >= m.maxConcurrent {
			return errs.New(errs.KindResourceExhausted, "session.StartSession", "concurrent session limit reached")
		}
	}

	sess, err := m.store.get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != StatusCreated {
		return errs.New(errs.KindConflict, "session.StartSession", fmt.Sprintf("session is %s, not CREATED", sess.Status))
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	proc, err := m.spawn(sessCtx, sess)
	if err != nil {
		cancel()
		return errs.Wrap(errs.KindInternal, "session.StartSession", err)
	}
	if err := proc.Start(); err != nil {
		cancel()
		return errs.Wrap(errs.KindInternal, "session.StartSession", err)
	}

	pid := proc.PID()
	now := time.Now().UTC()
	sess.Status = StatusRunning
	sess.StartedAt = &now
	sess.PID = &pid
	if err := m.store.update(ctx, sess); err != nil {
		proc.Kill()
		cancel()
		return err
	}

	if m.registry != nil {
		if _, err := m.registry.Register(ctx, pid, sess.ID, sess.ProjectPath, "", nil, nil); err != nil {
			proc.Kill()
			cancel()
			return errs.Wrap(errs.KindInternal, "session.StartSession", err)
		}
	}

	rs := &runningSession{
		cancel:      cancel,
		proc:        proc,
		subscribers: make(map[uint64]chan jsonl.StreamEvent),
		done:        make(chan struct{}),
	}
	m.mu.Lock()
	m.running[id] = rs
	m.mu.Unlock()

	if m.checkpoints != nil {
		m.checkpoints.InitializeTimeline(id)
		if m.checkpoints.ShouldCreateCheckpoint(id, "prompt_sent", map[string]any{}) {
			m.autoCheckpoint(sessCtx, id, "prompt_sent")
		}
	}

	m.logger.LogSessionStarted(id, pid)
	go m.pump(sessCtx, id, rs)
	return nil
}

// pump reads decoded StreamEvents from the child's stdout until it
// closes, fanning each out to subscribers, then resolves the session's
// terminal status from the process exit code.
func (m *Manager) pump(ctx context.Context, id string, rs *runningSession) {
	defer close(rs.done)
	defer rs.cancel()

	buf := streambuf.New(defaultLineBufferSize, defaultMaxLineLength)
	parser := jsonl.New(jsonl.ModeLenient)

	for {
		line, ok, err := buf.ReadUntilLine(ctx, rs.proc.Stdout(), 0)
		if err != nil || !ok {
			break
		}
		ev, perr := parser.ParseLine(line)
		if perr != nil {
			continue
		}
		m.dispatch(ctx, id, rs, ev)
	}

	waitErr := rs.proc.Wait()
	m.closeSubscribers(rs)

	rs.mu.Lock()
	cancelling := rs.cancelling
	rs.mu.Unlock()
	if cancelling {
		// CancelSession owns the terminal transition for a deliberately
		// killed process; it resolves to CANCELLED once this goroutine's
		// done channel closes.
		return
	}

	background := context.Background()
	if waitErr != nil {
		m.resolve(background, id, StatusFailed, waitErr.Error())
	} else {
		m.resolve(background, id, StatusCompleted, "")
	}
}

// dispatch fans ev out to every subscriber non-blockingly (dropping a
// slow subscriber rather than stalling the parser), forwards it to the
// metrics sink, and evaluates the auto-checkpoint strategy.
func (m *Manager) dispatch(ctx context.Context, id string, rs *runningSession, ev jsonl.StreamEvent) {
	rs.mu.Lock()
	rs.seq++
	for subID, ch := range rs.subscribers {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(rs.subscribers, subID)
			m.logger.LogSubscriberDropped(id, subID, len(ch))
		}
	}
	rs.mu.Unlock()

	m.metrics.Record(ctx, metricssink.Event{SessionID: id, Seq: ev.Seq, Kind: string(ev.Kind), Fields: ev.Fields})

	if m.checkpoints == nil || string(ev.Kind) != string(jsonl.KindToolUse) {
		return
	}
	if m.checkpoints.ShouldCreateCheckpoint(id, "tool_executed", ev.Fields) {
		m.autoCheckpoint(ctx, id, "tool_executed")
	}
}

func (m *Manager) autoCheckpoint(ctx context.Context, id, trigger string) {
	cp, err := m.checkpoints.CreateCheckpoint(ctx, id, checkpoint.State{}, "auto", "auto-checkpoint on "+trigger, "", map[string]any{"trigger": trigger})
	if err != nil {
		return
	}
	m.logger.LogAutoCheckpoint(id, cp.ID, trigger)
}

func (m *Manager) closeSubscribers(rs *runningSession) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for subID, ch := range rs.subscribers {
		close(ch)
		delete(rs.subscribers, subID)
	}
}

// Subscribe returns a bounded, finite channel of this session's decoded
// events from this point forward (late subscribers do not see earlier
// events) and an unsubscribe func. The channel closes when the session
// terminates or the subscriber is dropped for falling behind.
func (m *Manager) Subscribe(sessionID string) (<-chan jsonl.StreamEvent, func(), error) {
	m.mu.Lock()
	rs, ok := m.running[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, errs.New(errs.KindNotFound, "session.Subscribe", "session is not running")
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	id := rs.nextSubID
	rs.nextSubID++
	ch := make(chan jsonl.StreamEvent, m.subscriberBuffer)
	rs.subscribers[id] = ch

	unsubscribe := func() {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		if existing, ok := rs.subscribers[id]; ok {
			close(existing)
			delete(rs.subscribers, id)
		}
	}
	return ch, unsubscribe, nil
}

// resolve is the shared terminal-transition path for natural process
// exit (pump), CompleteSession, and FailSession: it is a no-op if the
// session is already terminal.
func (m *Manager) resolve(ctx context.Context, id string, status Status, reason string) error {
	sess, err := m.store.get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	sess.Status = status
	sess.CompletedAt = &now
	if reason != "" {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any)
		}
		sess.Metadata["error"] = reason
	}
	if err := m.store.update(ctx, sess); err != nil {
		return err
	}

	if m.registry != nil && sess.PID != nil {
		m.registry.UpdateStatus(ctx, *sess.PID, registry.StatusTerminated, sess.ExitCode)
	}
	if m.checkpoints != nil {
		m.checkpoints.CleanupTimeline(id)
	}

	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()

	var lifetimeMs int64
	if sess.StartedAt != nil {
		lifetimeMs = now.Sub(*sess.StartedAt).Milliseconds()
	}
	switch status {
	case StatusCompleted:
		m.logger.LogSessionCompleted(id, lifetimeMs)
	case StatusFailed:
		m.logger.LogSessionFailed(id, reason, lifetimeMs)
	case StatusCancelled:
		m.logger.LogSessionCancelled(id, lifetimeMs)
	}
	return nil
}

// CompleteSession is a terminal transition recording completed_at and
// metadata, marking the registry row TERMINATED, and closing subscriber
// channels. It does not flush buffered output.
func (m *Manager) CompleteSession(ctx context.Context, id string, metadata map[string]any) error {
	sess, err := m.store.get(ctx, id)
	if err != nil {
		return err
	}
	if metadata != nil {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any)
		}
		for k, v := range metadata {
			sess.Metadata[k] = v
		}
		if err := m.store.update(ctx, sess); err != nil {
			return err
		}
	}
	m.mu.Lock()
	rs, running := m.running[id]
	m.mu.Unlock()
	if running {
		m.closeSubscribers(rs)
	}
	return m.resolve(ctx, id, StatusCompleted, "")
}

// FailSession is a terminal transition recording completed_at and the
// error in metadata.
func (m *Manager) FailSession(ctx context.Context, id, errMsg string) error {
	m.mu.Lock()
	rs, running := m.running[id]
	m.mu.Unlock()
	if running {
		m.closeSubscribers(rs)
	}
	return m.resolve(ctx, id, StatusFailed, errMsg)
}

// CancelSession transitions RUNNING to CANCELLED by sending a polite
// signal, waiting a grace period, then force-killing, draining stdout,
// and updating both tables. Calling cancel on a terminal or unknown
// session is a no-op returning false.
func (m *Manager) CancelSession(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	rs, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	sess, err := m.store.get(ctx, id)
	if err != nil {
		return false, err
	}
	if sess.Status.Terminal() {
		return false, nil
	}

	rs.mu.Lock()
	rs.cancelling = true
	rs.mu.Unlock()

	rs.proc.Signal(syscall.SIGTERM)

	select {
	case <-rs.done:
	case <-time.After(m.gracePeriod):
		rs.proc.Kill()
		<-rs.done
	}
	rs.cancel()

	if err := m.resolve(ctx, id, StatusCancelled, ""); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	return m.store.get(ctx, id)
}

func (m *Manager) ListSessions(ctx context.Context, f Filter) ([]*Session, error) {
	return m.store.list(ctx, f)
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	return m.store.stats(ctx)
}
