// Package sink holds the run's output destinations: the ranked text file,
// the ranked Redis list and the SQL weights table. Every sink buffers or
// stages its writes and publishes them only on Commit.
package sink

import (
	"context"
	"fmt"
	"strconv"

	"pkg.jsn.cam/phraseweight/internal/atomicfile"
	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

// FormatEntry renders one ranked line as weight<TAB>phrase
func FormatEntry(e phraseweight.RankedEntry) string {
	return strconv.FormatInt(e.Weight, 10) + "\t" + e.Phrase
}

// RankedFile writes the ranking to a text file, one entry per line
type RankedFile struct {
	file *atomicfile.File
}

// CreateRankedFile starts a ranked file that will be published at path
func CreateRankedFile(path string) (*RankedFile, error) {
	file, err := atomicfile.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create ranked file: %w", err)
	}
	return &RankedFile{file: file}, nil
}

func (f *RankedFile) WriteRanked(_ context.Context, e phraseweight.RankedEntry) error {
	_, err := f.file.Write([]byte(FormatEntry(e) + "\n"))
	return err
}

func (f *RankedFile) Commit(context.Context) error {
	if err := f.file.Commit(); err != nil {
		return fmt.Errorf("commit ranked file %s: %w", f.file.Path(), err)
	}
	return nil
}

func (f *RankedFile) Abort(context.Context) error {
	return f.file.Abort()
}
