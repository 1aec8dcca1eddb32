package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

const maxRecordBytes = 1 << 20

// File is a snapshot on disk, readable as a merge input
type File struct {
	path string
}

// Open returns a snapshot source for path. The file is read lazily.
func Open(path string) *File {
	return &File{path: path}
}

// Name returns the snapshot's path
func (f *File) Name() string {
	return f.path
}

// Read validates the header and emits every record in file order
func (f *File) Read(ctx context.Context, emit func(phraseweight.AggregatedPhrase) error) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read snapshot header: %w", err)
		}
		return fmt.Errorf("%w: empty file", ErrBadHeader)
	}

	var h Header
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
		return fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if err := checkHeader(h); err != nil {
		return err
	}

	for line := 2; scanner.Scan(); line++ {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		var ap phraseweight.AggregatedPhrase
		if err := json.Unmarshal(scanner.Bytes(), &ap); err != nil {
			return fmt.Errorf("snapshot line %d: %w", line, err)
		}
		if err := emit(ap); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return nil
}
