package phraseweight

import (
	"cmp"
	"container/heap"
	"slices"
	"strings"
)

// Rekey turns an aggregated phrase into a ranking record keyed by weight.
func Rekey(agg AggregatedPhrase) RankedEntry {
	return RankedEntry{Weight: agg.Weight, Phrase: agg.Phrase}
}

// Descending orders entries by weight, largest first. Equal weights are
// ordered by phrase ascending so that reruns produce identical output.
func Descending(a, b RankedEntry) int {
	if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
		return c
	}

	return strings.Compare(a.Phrase, b.Phrase)
}

// SortRun sorts one partition-local run. A set of sorted runs is not a
// global order until it passes through Funnel.
func SortRun(run []RankedEntry) {
	slices.SortFunc(run, Descending)
}

// Rank re-keys and sorts a complete aggregated set in one run.
func Rank(aggregated []AggregatedPhrase) []RankedEntry {
	out := make([]RankedEntry, len(aggregated))
	for i, agg := range aggregated {
		out[i] = Rekey(agg)
	}

	SortRun(out)

	return out
}

// IsRanked reports whether entries are in non-increasing weight order.
func IsRanked(entries []RankedEntry) bool {
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Weight < entries[i].Weight {
			return false
		}
	}

	return true
}

// runCursor is the head of one sorted run inside the funnel heap
type runCursor struct {
	run []RankedEntry
	pos int
}

type funnelHeap []*runCursor

func (h funnelHeap) Len() int { return len(h) }
func (h funnelHeap) Less(i, j int) bool {
	return Descending(h[i].run[h[i].pos], h[j].run[h[j].pos]) < 0
}
func (h funnelHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *funnelHeap) Push(x any) {
	*h = append(*h, x.(*runCursor))
}

func (h *funnelHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// Funnel is the single convergence point of the ranking stage: it merges
// runs that are each sorted by Descending into one globally ordered stream.
// The runs are held in memory in full, so memory grows with the number of
// distinct phrases; that and the single emitter are the ranking stage's
// capacity ceiling, which does not move with worker count.
func Funnel(runs [][]RankedEntry, emit func(RankedEntry) error) error {
	h := make(funnelHeap, 0, len(runs))
	for _, run := range runs {
		if len(run) > 0 {
			h = append(h, &runCursor{run: run})
		}
	}

	heap.Init(&h)

	for h.Len() > 0 {
		head := h[0]
		if err := emit(head.run[head.pos]); err != nil {
			return err
		}

		head.pos++
		if head.pos == len(head.run) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}

	return nil
}
