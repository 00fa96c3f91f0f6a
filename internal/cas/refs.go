package cas

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// refPath sanitizes name to prevent escaping the refs directory; cas.py's
// refs are plain filenames, not paths.
func (s *Store) refPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", errs.New(errs.KindValidation, "cas.refPath", "invalid ref name: "+name)
	}
	return filepath.Join(s.opts.Path, "refs", name), nil
}

// CreateRef writes a plain-text file under refs/ naming digest.
func (s *Store) CreateRef(ctx context.Context, name, digest string) error {
	path, err := s.refPath(name)
	if err != nil {
		return err
	}
	if exists, err := s.exists(ctx, digest); err != nil {
		return err
	} else if !exists {
		return errs.New(errs.KindNotFound, "cas.CreateRef", "object "+digest+" not found")
	}
	if err := os.WriteFile(path, []byte(digest), 0o644); err != nil {
		return errs.Wrap(errs.KindInternal, "cas.CreateRef", err)
	}
	return nil
}

// GetRef reads the digest a ref points to.
func (s *Store) GetRef(name string) (string, error) {
	path, err := s.refPath(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.New(errs.KindNotFound, "cas.GetRef", "ref '"+name+"' not found")
		}
		return "", errs.Wrap(errs.KindInternal, "cas.GetRef", err)
	}
	return string(data), nil
}

// DeleteRef removes a ref file. Idempotent.
func (s *Store) DeleteRef(name string) error {
	path, err := s.refPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindInternal, "cas.DeleteRef", err)
	}
	return nil
}

// ListRefs returns every ref name currently stored.
func (s *Store) ListRefs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.opts.Path, "refs"))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "cas.ListRefs", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
