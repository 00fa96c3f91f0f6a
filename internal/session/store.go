package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// Store is the sqlite-backed session catalog, following the same
// open/schema/scan shape as internal/registry.Registry.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	prompt TEXT,
	model TEXT NOT NULL,
	temperature REAL NOT NULL,
	max_tokens INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	pid INTEGER,
	exit_code INTEGER,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path);
`

// OpenStore opens (creating if absent) the sqlite-backed session catalog
// at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "session.OpenStore", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "session.OpenStore", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindInternal, "session.OpenStore", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) insert(ctx context.Context, sess *Session) error {
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "session.Store.insert", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_path, prompt, model, temperature, max_tokens, status, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectPath, sess.Prompt, sess.Model, sess.Temperature, sess.MaxTokens,
		string(sess.Status), sess.CreatedAt.Format(time.RFC3339Nano), string(metaJSON))
	if err != nil {
		return errs.Wrap(errs.KindInternal, "session.Store.insert", err)
	}
	return nil
}

// update persists the full mutable row: status, started_at, completed_at,
// pid, exit_code, metadata.
func (s *Store) update(ctx context.Context, sess *Session) error {
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "session.Store.update", err)
	}

	var startedAt, completedAt sql.NullString
	if sess.StartedAt != nil {
		startedAt = sql.NullString{String: sess.StartedAt.Format(time.RFC3339Nano), Valid: true}
	}
	if sess.CompletedAt != nil {
		completedAt = sql.NullString{String: sess.CompletedAt.Format(time.RFC3339Nano), Valid: true}
	}
	var pid, exitCode sql.NullInt64
	if sess.PID != nil {
		pid = sql.NullInt64{Int64: int64(*sess.PID), Valid: true}
	}
	if sess.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*sess.ExitCode), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, started_at = ?, completed_at = ?, pid = ?, exit_code = ?, metadata = ?
		WHERE id = ?`,
		string(sess.Status), startedAt, completedAt, pid, exitCode, string(metaJSON), sess.ID)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "session.Store.update", err)
	}
	return nil
}

const baseSelect = `SELECT id, project_path, prompt, model, temperature, max_tokens, status, created_at, started_at, completed_at, pid, exit_code, metadata FROM sessions`

func (s *Store) get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, baseSelect+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "session.Store.get", "no session with that id")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "session.Store.get", err)
	}
	return sess, nil
}

func (s *Store) list(ctx context.Context, f Filter) ([]*Session, error) {
	query := baseSelect
	var args []any
	var clauses []string
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ProjectPath != "" {
		clauses = append(clauses, "project_path = ?")
		args = append(args, f.ProjectPath)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "session.Store.list", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "session.Store.list", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) countByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "session.Store.countByStatus", err)
	}
	return n, nil
}

func (s *Store) stats(ctx context.Context) (Stats, error) {
	sessions, err := s.list(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Total:    len(sessions),
		ByStatus: make(map[Status]int),
		ByModel:  make(map[string]int),
	}
	var totalDuration float64
	var durationCount int
	for _, sess := range sessions {
		st.ByStatus[sess.Status]++
		st.ByModel[sess.Model]++
		if sess.StartedAt != nil && sess.CompletedAt != nil {
			totalDuration += sess.CompletedAt.Sub(*sess.StartedAt).Seconds()
			durationCount++
		}
	}
	if durationCount > 0 {
		st.AverageDurationSec = totalDuration / float64(durationCount)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*Session, error) {
	var sess Session
	var status, createdAt, metaJSON string
	var startedAt, completedAt sql.NullString
	var pid, exitCode sql.NullInt64

	if err := s.Scan(&sess.ID, &sess.ProjectPath, &sess.Prompt, &sess.Model, &sess.Temperature, &sess.MaxTokens,
		&status, &createdAt, &startedAt, &completedAt, &pid, &exitCode, &metaJSON); err != nil {
		return nil, err
	}

	sess.Status = Status(status)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		sess.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		sess.CompletedAt = &t
	}
	if pid.Valid {
		p := int(pid.Int64)
		sess.PID = &p
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		sess.ExitCode = &c
	}
	if metaJSON != "" {
		json.Unmarshal([]byte(metaJSON), &sess.Metadata)
	}

	return &sess, nil
}
