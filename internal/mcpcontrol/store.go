package mcpcontrol

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
	"github.com/bc-dunia/shannon-mcp/internal/mcp"
)

// Store is the sqlite-backed server catalog, following the same
// open/schema/scan shape as internal/session.Store and
// internal/registry.Registry. It persists Server descriptors across
// restarts; connection runtime state is never persisted, matching
// original_source's split between the mcp_servers table (descriptors,
// durable) and the in-memory self._connections map (ephemeral).
type Store struct {
	db *sql.DB
}

const serverSchema = `
CREATE TABLE IF NOT EXISTS mcp_servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	transport TEXT NOT NULL,
	command TEXT,
	args TEXT,
	env TEXT,
	endpoint TEXT,
	timeout_ms INTEGER NOT NULL,
	retry_count INTEGER NOT NULL,
	retry_delay_ms INTEGER NOT NULL,
	health_check_interval_ms INTEGER NOT NULL,
	enabled INTEGER NOT NULL,
	metadata TEXT,
	protocol_policy TEXT NOT NULL DEFAULT 'strict',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mcp_servers_transport ON mcp_servers(transport);

CREATE TABLE IF NOT EXISTS mcp_discovery_cache (
	source TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`

// OpenStore opens (creating if absent) the sqlite-backed server catalog at
// path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "mcpcontrol.OpenStore", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "mcpcontrol.OpenStore", err)
	}
	if _, err := db.Exec(serverSchema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindInternal, "mcpcontrol.OpenStore", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// upsert inserts or replaces a server descriptor by ID.
func (s *Store) upsert(ctx context.Context, srv *Server) error {
	argsJSON, err := json.Marshal(srv.Args)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "mcpcontrol.Store.upsert", err)
	}
	envJSON, err := json.Marshal(srv.Env)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "mcpcontrol.Store.upsert", err)
	}
	metaJSON, err := json.Marshal(srv.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "mcpcontrol.Store.upsert", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, name, transport, command, args, env, endpoint, timeout_ms,
			retry_count, retry_delay_ms, health_check_interval_ms, enabled, metadata, protocol_policy,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, transport = excluded.transport, command = excluded.command,
			args = excluded.args, env = excluded.env, endpoint = excluded.endpoint,
			timeout_ms = excluded.timeout_ms, retry_count = excluded.retry_count,
			retry_delay_ms = excluded.retry_delay_ms,
			health_check_interval_ms = excluded.health_check_interval_ms,
			enabled = excluded.enabled, metadata = excluded.metadata,
			protocol_policy = excluded.protocol_policy, updated_at = excluded.updated_at`,
		srv.ID, srv.Name, string(srv.Transport), srv.Command, string(argsJSON), string(envJSON),
		srv.Endpoint, srv.Timeout.Milliseconds(), srv.RetryCount, srv.RetryDelay.Milliseconds(),
		srv.HealthCheckInterval.Milliseconds(), boolToInt(srv.Enabled), string(metaJSON),
		string(srv.ProtocolPolicy), srv.CreatedAt.Format(time.RFC3339Nano), srv.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return errs.Wrap(errs.KindInternal, "mcpcontrol.Store.upsert", err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id); err != nil {
		return errs.Wrap(errs.KindInternal, "mcpcontrol.Store.delete", err)
	}
	return nil
}

const serverBaseSelect = `SELECT id, name, transport, command, args, env, endpoint, timeout_ms,
	retry_count, retry_delay_ms, health_check_interval_ms, enabled, metadata, protocol_policy,
	created_at, updated_at
	FROM mcp_servers`

func (s *Store) get(ctx context.Context, id string) (*Server, error) {
	row := s.db.QueryRowContext(ctx, serverBaseSelect+` WHERE id = ?`, id)
	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "mcpcontrol.Store.get", "no server with that id")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "mcpcontrol.Store.get", err)
	}
	return srv, nil
}

func (s *Store) list(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, serverBaseSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "mcpcontrol.Store.list", err)
	}
	defer rows.Close()

	var out []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "mcpcontrol.Store.list", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (*Server, error) {
	var srv Server
	var transportType, argsJSON, envJSON, metaJSON, protocolPolicy, createdAt, updatedAt string
	var command, endpoint sql.NullString
	var timeoutMs, retryDelayMs, healthMs int64
	var enabled int64

	if err := row.Scan(&srv.ID, &srv.Name, &transportType, &command, &argsJSON, &envJSON,
		&endpoint, &timeoutMs, &srv.RetryCount, &retryDelayMs, &healthMs, &enabled, &metaJSON,
		&protocolPolicy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	srv.Transport = TransportType(transportType)
	srv.Command = command.String
	srv.Endpoint = endpoint.String
	srv.Timeout = time.Duration(timeoutMs) * time.Millisecond
	srv.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	srv.HealthCheckInterval = time.Duration(healthMs) * time.Millisecond
	srv.Enabled = enabled != 0
	srv.ProtocolPolicy = mcp.VersionPolicy(protocolPolicy)
	srv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	srv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if argsJSON != "" {
		json.Unmarshal([]byte(argsJSON), &srv.Args)
	}
	if envJSON != "" {
		json.Unmarshal([]byte(envJSON), &srv.Env)
	}
	if metaJSON != "" {
		json.Unmarshal([]byte(metaJSON), &srv.Metadata)
	}

	return &srv, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
