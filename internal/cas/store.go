// Package cas implements content-addressed storage: data is keyed by its
// SHA-256 digest, optionally zstd-compressed, sharded across 256
// directories, and tracked in a sqlite metadata catalog. Grounded on
// original_source/src/shannon_mcp/storage/cas.py.
package cas

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// Options configures a Store.
type Options struct {
	Path                 string
	CompressionEnabled   bool
	CompressionLevel     zstd.EncoderLevel
	DeduplicationEnabled bool
}

// Store is a content-addressed blob store rooted at Options.Path, holding
// objects/<2-hex-shard>/<64-hex-digest>, refs/<name>, temp/<digest>.tmp,
// and a cas.db sqlite metadata catalog.
type Store struct {
	opts Options
	db   *sql.DB
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// Metadata is one object's catalog row.
type Metadata struct {
	Hash              string
	OriginalSize      int64
	StoredSize        int64
	CompressionRatio  float64
	CreatedAt         time.Time
	LastAccessed      time.Time
	AccessCount       int64
	UserMetadata      map[string]any
}

// Open initializes storage directories, the sharded object tree, and the
// sqlite schema, creating them if absent.
func Open(opts Options) (*Store, error) {
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = zstd.SpeedDefault
	}

	for _, dir := range []string{
		filepath.Join(opts.Path, "objects"),
		filepath.Join(opts.Path, "refs"),
		filepath.Join(opts.Path, "temp"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "cas.Open", err)
		}
	}
	for i := 0; i < 256; i++ {
		shard := filepath.Join(opts.Path, "objects", fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(shard, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "cas.Open", err)
		}
	}

	db, err := sql.Open("sqlite", filepath.Join(opts.Path, "cas.db"))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "cas.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindInternal, "cas.Open", err)
	}

	s := &Store{opts: opts, db: db}

	if opts.CompressionEnabled {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(opts.CompressionLevel))
		if err != nil {
			db.Close()
			return nil, errs.Wrap(errs.KindInternal, "cas.Open", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			db.Close()
			return nil, errs.Wrap(errs.KindInternal, "cas.Open", err)
		}
		s.enc, s.dec = enc, dec
	}

	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	hash TEXT PRIMARY KEY,
	original_size INTEGER NOT NULL,
	stored_size INTEGER NOT NULL,
	compression_ratio REAL NOT NULL,
	created_at TEXT NOT NULL,
	last_accessed TEXT NOT NULL,
	access_count INTEGER DEFAULT 1,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_objects_created ON objects(created_at);
CREATE INDEX IF NOT EXISTS idx_objects_accessed ON objects(last_accessed);
`

// Close releases the sqlite handle and compressor resources.
func (s *Store) Close() error {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	return s.db.Close()
}

func (s *Store) objectPath(digest string) string {
	return filepath.Join(s.opts.Path, "objects", digest[:2], digest)
}

// Store computes data's SHA-256 digest, deduplicating against an existing
// object if enabled (merging metadata and returning early), otherwise
// compressing (keeping the compressed form only if strictly smaller),
// writing atomically via a temp file + rename, and recording a metadata
// row.
func (s *Store) Store(ctx context.Context, data []byte, metadata map[string]any) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	if s.opts.DeduplicationEnabled {
		if exists, err := s.exists(ctx, digest); err != nil {
			return "", err
		} else if exists {
			if err := s.mergeMetadata(ctx, digest, metadata); err != nil {
				return "", err
			}
			return digest, nil
		}
	}

	stored := data
	ratio := 1.0
	if s.opts.CompressionEnabled {
		compressed := s.enc.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			stored = compressed
			ratio = float64(len(data)) / float64(len(compressed))
		}
	}

	if err := s.writeObject(digest, stored); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO objects
			(hash, original_size, stored_size, compression_ratio, created_at, last_accessed, access_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		digest, len(data), len(stored), ratio, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), metaJSON)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "cas.Store", err)
	}

	return digest, nil
}

// writeObject writes data to a temp file and renames it into the sharded
// object tree, atomic on the same filesystem.
func (s *Store) writeObject(digest string, data []byte) error {
	tempPath := filepath.Join(s.opts.Path, "temp", digest+".tmp")
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return errs.Wrap(errs.KindInternal, "cas.writeObject", err)
	}
	if err := os.Rename(tempPath, s.objectPath(digest)); err != nil {
		os.Remove(tempPath)
		return errs.Wrap(errs.KindInternal, "cas.writeObject", err)
	}
	return nil
}

// Retrieve reads the stored blob, decompressing it if its metadata
// recorded a compression_ratio > 1.0, and bumps access tracking.
func (s *Store) Retrieve(ctx context.Context, digest string) ([]byte, error) {
	data, err := os.ReadFile(s.objectPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "cas.Retrieve", "object "+digest+" not found")
		}
		return nil, errs.Wrap(errs.KindInternal, "cas.Retrieve", err)
	}

	meta, err := s.GetMetadata(ctx, digest)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return data, nil
	}

	if meta.CompressionRatio > 1.0 {
		decoded, err := s.dec.DecodeAll(data, nil)
		if err != nil {
			return data, nil // fall back to raw bytes, matching cas.py's behavior on decompress failure
		}
		return decoded, nil
	}

	return data, nil
}

// Delete unlinks the blob file and removes the metadata row. Idempotent:
// deleting an absent digest is not an error.
func (s *Store) Delete(ctx context.Context, digest string) (bool, error) {
	deleted := false
	if err := os.Remove(s.objectPath(digest)); err == nil {
		deleted = true
	} else if !os.IsNotExist(err) {
		return false, errs.Wrap(errs.KindInternal, "cas.Delete", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE hash = ?`, digest); err != nil {
		return deleted, errs.Wrap(errs.KindInternal, "cas.Delete", err)
	}

	return deleted, nil
}

func (s *Store) exists(ctx context.Context, digest string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE hash = ?`, digest).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, "cas.exists", err)
	}
	return true, nil
}

// Exists reports whether digest has a catalog row.
func (s *Store) Exists(ctx context.Context, digest string) (bool, error) {
	return s.exists(ctx, digest)
}

// GetMetadata returns digest's catalog row, bumping last_accessed and
// access_count, or nil if absent.
func (s *Store) GetMetadata(ctx context.Context, digest string) (*Metadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT hash, original_size, stored_size, compression_ratio, created_at, last_accessed, access_count, metadata FROM objects WHERE hash = ?`, digest)

	m, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "cas.GetMetadata", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `UPDATE objects SET last_accessed = ?, access_count = access_count + 1 WHERE hash = ?`, now, digest); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "cas.GetMetadata", err)
	}

	return m, nil
}

func (s *Store) mergeMetadata(ctx context.Context, digest string, newMeta map[string]any) error {
	if len(newMeta) == 0 {
		return nil
	}
	existing, err := s.GetMetadata(ctx, digest)
	if err != nil || existing == nil {
		return err
	}
	merged := existing.UserMetadata
	if merged == nil {
		merged = make(map[string]any)
	}
	for k, v := range newMeta {
		merged[k] = v
	}
	metaJSON, err := marshalMetadata(merged)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE objects SET metadata = ? WHERE hash = ?`, metaJSON, digest)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "cas.mergeMetadata", err)
	}
	return nil
}

type row interface {
	Scan(dest ...any) error
}

func scanMetadata(r row) (*Metadata, error) {
	var m Metadata
	var createdAt, lastAccessed string
	var metaJSON sql.NullString

	if err := r.Scan(&m.Hash, &m.OriginalSize, &m.StoredSize, &m.CompressionRatio, &createdAt, &lastAccessed, &m.AccessCount, &metaJSON); err != nil {
		return nil, err
	}

	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.LastAccessed, _ = time.Parse(time.RFC3339Nano, lastAccessed)

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.UserMetadata); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "cas.marshalMetadata", err)
	}
	return string(data), nil
}
