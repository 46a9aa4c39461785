package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tufd/internal/domain"
)

// FSStore writes metadata files under a base directory with write-to-temp
// then rename, so a partially written file is never visible under its final
// name. The static file server serves this directory directly.
type FSStore struct {
	base string
}

func NewFSStore(base string) (*FSStore, error) {
	if base == "" {
		return nil, errors.New("storage base path is required")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FSStore{base: base}, nil
}

func (s *FSStore) Put(_ context.Context, path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPublishIO, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tufd-*")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPublishIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrPublishIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrPublishIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPublishIO, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPublishIO, err)
	}
	return nil
}

func (s *FSStore) Get(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
		}
		return nil, err
	}
	return data, nil
}

func (s *FSStore) resolve(path string) (string, error) {
	if path == "" || strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid storage path %q", path)
	}
	return filepath.Join(s.base, filepath.FromSlash(path)), nil
}

var _ domain.ObjectStore = (*FSStore)(nil)
