// Package diskfs is the contracts.Filesystem adapter over the local
// working tree. Paths are canonical relative paths joined to root. Every
// os/io call is wrapped with enough context to diagnose failures, the
// same defensive-error-wrapping idiom used by the bbolt-backed stores.
package diskfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Filesystem is the production contracts.Filesystem implementation.
type Filesystem struct {
	root string
}

// New returns a Filesystem rooted at root. root must already exist.
func New(root string) *Filesystem {
	return &Filesystem{root: root}
}

func (f *Filesystem) resolve(path string) string {
	return filepath.Join(f.root, filepath.Clean(string(filepath.Separator)+path))
}

// WriteFile writes content to path atomically: it writes to a temp file
// in the same directory, then renames over the destination.
func (f *Filesystem) WriteFile(ctx context.Context, path string, content []byte) error {
	full := f.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("rename temp file into place for %s: %w", path, err)
	}
	return nil
}

// ReadFile reads the full content of path.
func (f *Filesystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full := f.resolve(path)
	file, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return content, nil
}

// Rename moves a file from oldPath to newPath, creating newPath's parent
// directory if needed.
func (f *Filesystem) Rename(ctx context.Context, oldPath, newPath string) error {
	oldFull, newFull := f.resolve(oldPath), f.resolve(newPath)
	if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", newPath, err)
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// Remove deletes path.
func (f *Filesystem) Remove(ctx context.Context, path string) error {
	if err := os.Remove(f.resolve(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists.
func (f *Filesystem) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(f.resolve(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
