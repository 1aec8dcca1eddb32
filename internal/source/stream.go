package source

import (
	"context"

	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

// Producer fills out with occurrence chunks and closes it on return
type Producer func(ctx context.Context, out chan<- []phraseweight.Occurrence) error

// Stream runs produce in the background and forwards its chunks. If produce
// fails, cancel is called with its error before the returned channel is
// closed, so a consumer never takes a failed read for the end of the input.
func Stream(ctx context.Context, cancel context.CancelCauseFunc, produce Producer) <-chan []phraseweight.Occurrence {
	raw := make(chan []phraseweight.Occurrence)
	out := make(chan []phraseweight.Occurrence)
	errc := make(chan error, 1)

	go func() {
		errc <- produce(ctx, raw)
	}()

	go func() {
		defer close(out)

		// Keep draining after cancellation so produce can return.
		for chunk := range raw {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}

		if err := <-errc; err != nil {
			cancel(err)
		}
	}()

	return out
}
