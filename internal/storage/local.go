package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStore writes archive documents to the local filesystem.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalStore{
		baseDir: baseDir,
		prefix:  prefix,
	}, nil
}

func (s *LocalStore) path(ref ArchiveRef) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(ref.Path(s.prefix)))
}

// Put writes data using temp file + rename.
func (s *LocalStore) Put(ctx context.Context, ref ArchiveRef, data []byte) error {
	if err := ref.validate(); err != nil {
		return err
	}
	path := s.path(ref)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}

// Get reads a document.
func (s *LocalStore) Get(ctx context.Context, ref ArchiveRef) ([]byte, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(ref))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Path(s.prefix))
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref.Path(s.prefix), err)
	}
	return data, nil
}

// Exists checks if a document already exists.
func (s *LocalStore) Exists(ctx context.Context, ref ArchiveRef) (bool, error) {
	_, err := os.Stat(s.path(ref))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// URI returns the canonical URI for the given ref.
func (s *LocalStore) URI(ref ArchiveRef) string {
	absPath, err := filepath.Abs(s.path(ref))
	if err != nil {
		absPath = s.path(ref)
	}
	return "file://" + absPath
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}

var _ ArchiveStore = (*LocalStore)(nil)
