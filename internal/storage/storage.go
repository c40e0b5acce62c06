// Package storage is the local file I/O boundary used by the transfer
// workers.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is an open source file with a known size.
type File interface {
	io.ReadCloser
	Size() int64
}

// Source opens files to send.
type Source interface {
	Open(path string) (File, error)
}

// Sink creates files on the receiving side.
type Sink interface {
	// Create opens name for writing, truncating any existing file.
	Create(name string) (io.WriteCloser, error)
	// Remove deletes name. Removing a missing file is not an error.
	Remove(name string) error
}

// OS reads files straight from the local filesystem.
type OS struct{}

type osFile struct {
	*os.File
	size int64
}

func (f osFile) Size() int64 { return f.size }

// Open opens path for reading and records its current size.
func (OS) Open(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return osFile{File: f, size: info.Size()}, nil
}

// Dir writes received files into a single directory.
type Dir struct {
	Root string
	Perm os.FileMode
}

// NewDir returns a Dir rooted at root, creating the directory if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Dir{Root: root, Perm: 0o644}, nil
}

// Create opens name inside the root, overwriting any existing file.
func (d *Dir) Create(name string) (io.WriteCloser, error) {
	perm := d.Perm
	if perm == 0 {
		perm = 0o644
	}
	return os.OpenFile(d.path(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
}

// Remove deletes name from the root.
func (d *Dir) Remove(name string) error {
	err := os.Remove(d.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (d *Dir) path(name string) string {
	return filepath.Join(d.Root, filepath.Base(name))
}
