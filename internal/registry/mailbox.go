package registry

import (
	"context"
	"time"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// SendMessage appends a TTL-bounded message from one session's mailbox
// to another's. Not present in original_source; built fresh for the
// inter-session mailbox, in this package's own sqlite idiom.
func (r *Registry) SendMessage(ctx context.Context, fromSession, toSession, body string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `INSERT INTO mailbox (from_session, to_session, body, created_at, expires_at, delivered) VALUES (?, ?, ?, ?, ?, 0)`,
		fromSession, toSession, body, now.Format(time.RFC3339Nano), now.Add(ttl).Format(time.RFC3339Nano))
	if err != nil {
		return errs.Wrap(errs.KindInternal, "registry.SendMessage", err)
	}
	return nil
}

// GetMessages returns undelivered, unexpired messages addressed to
// sessionID and marks them delivered.
func (r *Registry) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := r.db.QueryContext(ctx, `SELECT id, from_session, to_session, body, created_at, expires_at, delivered FROM mailbox WHERE to_session = ? AND delivered = 0 AND expires_at > ? ORDER BY created_at`, sessionID, now)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.GetMessages", err)
	}

	var out []Message
	var ids []int64
	for rows.Next() {
		var m Message
		var createdAt, expiresAt string
		var delivered int
		if err := rows.Scan(&m.ID, &m.FromSession, &m.ToSession, &m.Body, &createdAt, &expiresAt, &delivered); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.KindInternal, "registry.GetMessages", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
		m.Delivered = delivered != 0
		out = append(out, m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.GetMessages", err)
	}

	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `UPDATE mailbox SET delivered = 1 WHERE id = ?`, id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "registry.GetMessages", err)
		}
	}

	return out, nil
}

// PurgeExpiredMessages deletes every mailbox row past its TTL, delivered
// or not.
func (r *Registry) PurgeExpiredMessages(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := r.db.ExecContext(ctx, `DELETE FROM mailbox WHERE expires_at <= ?`, now); err != nil {
		return errs.Wrap(errs.KindInternal, "registry.PurgeExpiredMessages", err)
	}
	return nil
}
