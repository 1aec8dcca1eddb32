package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"pkg.jsn.cam/phraseweight/internal/atomicfile"
	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

// Writer writes a snapshot that becomes visible at its path only on Commit
type Writer struct {
	file *atomicfile.File
	enc  *json.Encoder
}

// Create starts a snapshot that will be published at path
func Create(path string) (*Writer, error) {
	file, err := atomicfile.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	w := &Writer{file: file, enc: json.NewEncoder(file)}
	if err := w.enc.Encode(Header{Format: FormatName, Version: FormatVersion}); err != nil {
		file.Abort()
		return nil, fmt.Errorf("write snapshot header: %w", err)
	}

	return w, nil
}

// WriteWeight appends one record
func (w *Writer) WriteWeight(_ context.Context, ap phraseweight.AggregatedPhrase) error {
	return w.enc.Encode(ap)
}

// Commit publishes the snapshot
func (w *Writer) Commit(context.Context) error {
	if err := w.file.Commit(); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", w.file.Path(), err)
	}
	return nil
}

// Abort discards the snapshot. It is a no-op after Commit.
func (w *Writer) Abort(context.Context) error {
	return w.file.Abort()
}
