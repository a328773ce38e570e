// Package storage provides the document and artifact object store.
//
// The local filesystem implementation stands in for a blob store: refs are
// store-relative paths, so callers never see absolute filesystem locations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/papervoice/papervoice/internal/core"
)

// ErrRefOutsideStore indicates a ref that escapes the store root.
var ErrRefOutsideStore = errors.New("object ref escapes the store root")

// LocalStore implements core.ObjectStore on a local directory.
type LocalStore struct {
	root string
}

var _ core.ObjectStore = (*LocalStore)(nil)

// NewLocalStore creates the store root if needed and returns the store.
func NewLocalStore(root string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Fetch reads the object identified by ref.
func (s *LocalStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrObjectNotFound, ref)
		}
		return nil, fmt.Errorf("read object %s: %w", ref, err)
	}
	return data, nil
}

// Store writes data under ref and returns the ref. The write goes through a
// temp file and rename so readers never observe a partial object.
func (s *LocalStore) Store(ctx context.Context, ref string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write object %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp object: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("finalize object %s: %w", ref, err)
	}
	return ref, nil
}

// resolve maps a ref onto a path under the store root and rejects escapes.
func (s *LocalStore) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("object ref is required")
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrRefOutsideStore, ref)
	}
	return filepath.Join(s.root, clean), nil
}
