package source

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

const maxLineBytes = 1 << 20

// FileChunks reads a newline-delimited phrase file and sends it to out in
// chunks of chunkSize occurrences. out is always closed on return.
func FileChunks(ctx context.Context, path string, chunkSize int, normalize bool, out chan<- []phraseweight.Occurrence) error {
	defer close(out)

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	send := func(chunk []phraseweight.Occurrence) error {
		select {
		case out <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var chunk []phraseweight.Occurrence
	for scanner.Scan() {
		chunk = append(chunk, phraseweight.Occurrence{Phrase: occurrence(scanner.Text(), normalize)})
		if len(chunk) >= chunkSize {
			if err := send(chunk); err != nil {
				return err
			}
			chunk = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	if len(chunk) > 0 {
		return send(chunk)
	}
	return nil
}
