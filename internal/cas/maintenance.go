package cas

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// ListObjects returns up to limit catalog rows whose hash starts with
// prefix, ordered by hash. A zero limit returns every matching row.
func (s *Store) ListObjects(ctx context.Context, prefix string, limit int) ([]Metadata, error) {
	query := `SELECT hash, original_size, stored_size, compression_ratio, created_at, last_accessed, access_count, metadata FROM objects WHERE hash LIKE ? ORDER BY hash`
	args := []any{prefix + "%"}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "cas.ListObjects", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "cas.ListObjects", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Stats summarizes the store's catalog.
type Stats struct {
	ObjectCount          int64
	TotalOriginalSize    int64
	TotalStoredSize      int64
	AverageCompressionRatio float64
}

// GetStats aggregates object counts and sizes across the whole catalog.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	var avgRatio sql.NullFloat64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(original_size),0), COALESCE(SUM(stored_size),0), AVG(compression_ratio) FROM objects`)
	if err := row.Scan(&st.ObjectCount, &st.TotalOriginalSize, &st.TotalStoredSize, &avgRatio); err != nil {
		return Stats{}, errs.Wrap(errs.KindInternal, "cas.GetStats", err)
	}
	if avgRatio.Valid {
		st.AverageCompressionRatio = avgRatio.Float64
	}
	return st, nil
}

// Vacuum removes object files with no catalog row, catalog rows with no
// backing file, clears temp/, then runs sqlite VACUUM.
func (s *Store) Vacuum(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM objects`)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "cas.Vacuum", err)
	}
	known := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return errs.Wrap(errs.KindInternal, "cas.Vacuum", err)
		}
		known[h] = true
	}
	rows.Close()

	for digest := range known {
		if _, err := os.Stat(s.objectPath(digest)); os.IsNotExist(err) {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE hash = ?`, digest); err != nil {
				return errs.Wrap(errs.KindInternal, "cas.Vacuum", err)
			}
		}
	}

	for i := 0; i < 256; i++ {
		shard := filepath.Join(s.opts.Path, "objects", hexByte(i))
		entries, err := os.ReadDir(shard)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if known[e.Name()] {
				continue
			}
			os.Remove(filepath.Join(shard, e.Name()))
		}
	}

	tempEntries, err := os.ReadDir(filepath.Join(s.opts.Path, "temp"))
	if err == nil {
		for _, e := range tempEntries {
			os.Remove(filepath.Join(s.opts.Path, "temp", e.Name()))
		}
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return errs.Wrap(errs.KindInternal, "cas.Vacuum", err)
	}
	return nil
}

func hexByte(i int) string {
	const hexDigits = "0123456789abcdef"
	return string([]byte{hexDigits[i>>4], hexDigits[i&0xf]})
}
