// Package atomicfile writes a file under a temporary name and renames it
// into place on Commit, so readers never observe a partial file.
package atomicfile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrClosed is returned when writing to a committed or aborted file
var ErrClosed = errors.New("file already committed or aborted")

// File is a pending file. It is not safe for concurrent use.
type File struct {
	path string
	tmp  *os.File
	buf  *bufio.Writer
	done bool
}

// Create starts a file that will be published at path. The temporary file
// lives in the same directory so the final rename stays on one filesystem.
func Create(path string) (*File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &File{path: path, tmp: tmp, buf: bufio.NewWriter(tmp)}, nil
}

// Write buffers p
func (f *File) Write(p []byte) (int, error) {
	if f.done {
		return 0, ErrClosed
	}
	return f.buf.Write(p)
}

// Path returns the final destination
func (f *File) Path() string {
	return f.path
}

// Commit flushes, syncs and renames the file into place
func (f *File) Commit() error {
	if f.done {
		return ErrClosed
	}

	if err := f.buf.Flush(); err != nil {
		f.discard()
		return fmt.Errorf("flush: %w", err)
	}
	if err := f.tmp.Sync(); err != nil {
		f.discard()
		return fmt.Errorf("sync: %w", err)
	}

	f.done = true
	if err := f.tmp.Close(); err != nil {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(f.tmp.Name(), f.path); err != nil {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}

	return nil
}

// Abort removes the temporary file. It is a no-op after Commit.
func (f *File) Abort() error {
	if f.done {
		return nil
	}
	return f.discard()
}

func (f *File) discard() error {
	f.done = true
	f.tmp.Close()
	if err := os.Remove(f.tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
