package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

func TestStream_ForwardsChunks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	path := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	chunks := Stream(ctx, cancel, func(ctx context.Context, out chan<- []phraseweight.Occurrence) error {
		return FileChunks(ctx, path, 2, false, out)
	})

	var n int
	for chunk := range chunks {
		n += len(chunk)
	}

	if n != 3 {
		t.Errorf("Got %d occurrences, want 3", n)
	}
	if ctx.Err() != nil {
		t.Errorf("Context cancelled after a clean read: %v", context.Cause(ctx))
	}
}

func TestStream_FailureCancelsBeforeClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	missing := filepath.Join(t.TempDir(), "missing.txt")
	chunks := Stream(ctx, cancel, func(ctx context.Context, out chan<- []phraseweight.Occurrence) error {
		return FileChunks(ctx, missing, 2, false, out)
	})

	for range chunks {
		t.Error("Unexpected chunk from a missing file")
	}

	// The channel closed, so the cause must already be set.
	if ctx.Err() == nil {
		t.Fatal("Context not cancelled when the channel closed")
	}
	if cause := context.Cause(ctx); cause == nil || errors.Is(cause, context.Canceled) {
		t.Errorf("Cause = %v, want the read error", cause)
	}
}

func TestStream_FailureAfterChunks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	boom := errors.New("broker went away")
	chunks := Stream(ctx, cancel, func(ctx context.Context, out chan<- []phraseweight.Occurrence) error {
		defer close(out)
		out <- []phraseweight.Occurrence{{Phrase: "a"}}
		return boom
	})

	var got int
	for range chunks {
		got++
	}

	if got != 1 {
		t.Errorf("Got %d chunks, want 1", got)
	}
	if cause := context.Cause(ctx); !errors.Is(cause, boom) {
		t.Errorf("Cause = %v, want %v", cause, boom)
	}
}
