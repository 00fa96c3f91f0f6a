package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/user"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// Registry is a durable, sqlite-backed process catalog, structurally
// grounded on scheduler.Registry's in-memory map[WorkerID]*WorkerInfo
// under an RWMutex, generalized to a committed-on-every-write relational
// store.
type Registry struct {
	db   *sql.DB
	host string
}

const schema = `
CREATE TABLE IF NOT EXISTS processes (
	pid INTEGER NOT NULL,
	host TEXT NOT NULL,
	session_id TEXT NOT NULL,
	project_path TEXT,
	command TEXT,
	args TEXT,
	env TEXT,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	user TEXT,
	port INTEGER,
	exit_code INTEGER,
	cpu_percent REAL,
	rss_bytes INTEGER,
	open_files INTEGER,
	num_threads INTEGER,
	PRIMARY KEY (pid, host)
);
CREATE INDEX IF NOT EXISTS idx_processes_session ON processes(session_id);
CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(status);

CREATE TABLE IF NOT EXISTS mailbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_session TEXT NOT NULL,
	to_session TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_mailbox_to_session ON mailbox(to_session, delivered);
`

// Open opens (creating if absent) the sqlite-backed registry at path.
func Open(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "registry.Open", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindInternal, "registry.Open", err)
	}

	host, _ := os.Hostname()
	return &Registry{db: db, host: host}, nil
}

// Close releases the sqlite handle.
func (r *Registry) Close() error { return r.db.Close() }

// Register inserts-or-replaces a process row with status RUNNING,
// started_at = last_seen = now, and the registry's own host and the
// invoking OS user. (pid, host) is unique among rows.
func (r *Registry) Register(ctx context.Context, pid int, sessionID, projectPath, command string, args, env []string) (*Entry, error) {
	now := time.Now().UTC()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.Register", err)
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.Register", err)
	}

	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO processes
			(pid, host, session_id, project_path, command, args, env, status, started_at, last_seen, user)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pid, r.host, sessionID, projectPath, command, string(argsJSON), string(envJSON), string(StatusRunning), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), username)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.Register", err)
	}

	return r.GetProcess(ctx, pid)
}

// UpdateStatus advances last_seen and sets status; if status is
// terminal, records exitCode.
func (r *Registry) UpdateStatus(ctx context.Context, pid int, status Status, exitCode *int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `UPDATE processes SET status = ?, last_seen = ?, exit_code = ? WHERE pid = ? AND host = ?`,
		string(status), now, exitCode, pid, r.host)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "registry.UpdateStatus", err)
	}
	return nil
}

// Heartbeat advances last_seen and records resource stats, intended to
// be called by the liveness probe loop.
func (r *Registry) Heartbeat(ctx context.Context, pid int, cpuPercent float64, rssBytes uint64, openFiles, numThreads int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `UPDATE processes SET last_seen = ?, cpu_percent = ?, rss_bytes = ?, open_files = ?, num_threads = ? WHERE pid = ? AND host = ?`,
		now, cpuPercent, rssBytes, openFiles, numThreads, pid, r.host)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "registry.Heartbeat", err)
	}
	return nil
}

func (r *Registry) GetProcess(ctx context.Context, pid int) (*Entry, error) {
	row := r.db.QueryRowContext(ctx, baseSelect+` WHERE pid = ? AND host = ?`, pid, r.host)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "registry.GetProcess", "no process registered for pid")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.GetProcess", err)
	}
	return e, nil
}

func (r *Registry) GetBySession(ctx context.Context, sessionID string) ([]*Entry, error) {
	return r.query(ctx, baseSelect+` WHERE session_id = ? ORDER BY started_at`, sessionID)
}

func (r *Registry) GetByStatus(ctx context.Context, status Status) ([]*Entry, error) {
	return r.query(ctx, baseSelect+` WHERE status = ? ORDER BY started_at`, string(status))
}

func (r *Registry) GetActive(ctx context.Context) ([]*Entry, error) {
	return r.GetByStatus(ctx, StatusRunning)
}

func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes`).Scan(&n); err != nil {
		return 0, errs.Wrap(errs.KindInternal, "registry.Count", err)
	}
	return n, nil
}

// GetStale returns RUNNING and ZOMBIE rows whose last_seen is older than threshold
// and whose pid the caller has already confirmed is not a live OS
// process (the liveness probe, not this query, performs that check).
func (r *Registry) GetStale(ctx context.Context, threshold time.Duration) ([]*Entry, error) {
	cutoff := time.Now().UTC().Add(-threshold).Format(time.RFC3339Nano)
	return r.query(ctx, baseSelect+` WHERE status IN (?, ?) AND last_seen < ? ORDER BY last_seen`, string(StatusRunning), string(StatusZombie), cutoff)
}

// Cleanup unlinks every row whose status is already STALE.
func (r *Registry) Cleanup(ctx context.Context) ([]*Entry, error) {
	stale, err := r.GetByStatus(ctx, StatusStale)
	if err != nil {
		return nil, err
	}
	for _, e := range stale {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM processes WHERE pid = ? AND host = ?`, e.PID, e.Host); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "registry.Cleanup", err)
		}
	}
	return stale, nil
}

const baseSelect = `SELECT pid, host, session_id, project_path, command, args, env, status, started_at, last_seen, user, port, exit_code, cpu_percent, rss_bytes, open_files, num_threads FROM processes`

func (r *Registry) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.query", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "registry.query", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var startedAt, lastSeen string
	var argsJSON, envJSON sql.NullString
	var port, openFiles, numThreads sql.NullInt64
	var exitCode sql.NullInt64
	var cpuPercent sql.NullFloat64
	var rssBytes sql.NullInt64
	var status, userName string

	if err := s.Scan(&e.PID, &e.Host, &e.SessionID, &e.ProjectPath, &e.Command, &argsJSON, &envJSON, &status,
		&startedAt, &lastSeen, &userName, &port, &exitCode, &cpuPercent, &rssBytes, &openFiles, &numThreads); err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.User = userName
	e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	e.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	if argsJSON.Valid {
		json.Unmarshal([]byte(argsJSON.String), &e.Args)
	}
	if envJSON.Valid {
		json.Unmarshal([]byte(envJSON.String), &e.Env)
	}
	if port.Valid {
		e.Port = int(port.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	if cpuPercent.Valid {
		e.CPUPercent = cpuPercent.Float64
	}
	if rssBytes.Valid {
		e.RSSBytes = uint64(rssBytes.Int64)
	}
	if openFiles.Valid {
		e.OpenFiles = int(openFiles.Int64)
	}
	if numThreads.Valid {
		e.NumThreads = int(numThreads.Int64)
	}

	return &e, nil
}
