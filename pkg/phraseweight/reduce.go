package phraseweight

import (
	"fmt"
	"maps"
	"math"
	"slices"
)

// Sum adds w to acc. Weights are never negative and accumulation never wraps:
// a total beyond math.MaxInt64 is reported as ErrWeightOverflow.
func Sum(acc, w int64) (int64, error) {
	if w < 0 || acc < 0 {
		return acc, ErrNegativeWeight
	}

	if acc > math.MaxInt64-w {
		return acc, ErrWeightOverflow
	}

	return acc + w, nil
}

// fold is the summation core shared by the partial, global and merge
// aggregators. It adds every item into totals, keyed by phrase.
func fold[T Weighted](totals map[string]int64, items []T) error {
	for _, item := range items {
		wp := WeightedPhrase(item)
		if wp.Phrase == "" {
			return ErrEmptyPhrase
		}

		sum, err := Sum(totals[wp.Phrase], wp.Weight)
		if err != nil {
			return fmt.Errorf("phrase %q: %w", wp.Phrase, err)
		}

		totals[wp.Phrase] = sum
	}

	return nil
}

// Combine is the partial aggregator: it sums a worker's buffered batch per
// phrase and returns one record per distinct phrase, sorted by phrase.
// Running it zero, one or many times over any partitioning of the input
// never changes the final totals.
func Combine(batch []WeightedPhrase) ([]WeightedPhrase, error) {
	totals := make(map[string]int64, len(batch))
	if err := fold(totals, batch); err != nil {
		return nil, err
	}

	out := make([]WeightedPhrase, 0, len(totals))
	for _, phrase := range slices.Sorted(maps.Keys(totals)) {
		out = append(out, WeightedPhrase{Phrase: phrase, Weight: totals[phrase]})
	}

	return out, nil
}

// ReduceGroup is the global aggregator for one key. group must be the
// complete set of records produced for phrase across the whole input.
func ReduceGroup(phrase string, group []WeightedPhrase) (AggregatedPhrase, error) {
	if phrase == "" {
		return AggregatedPhrase{}, ErrEmptyPhrase
	}

	var total int64

	for _, wp := range group {
		if wp.Phrase != phrase {
			return AggregatedPhrase{}, fmt.Errorf("%w: %q in group %q", ErrMixedGroup, wp.Phrase, phrase)
		}

		sum, err := Sum(total, wp.Weight)
		if err != nil {
			return AggregatedPhrase{}, fmt.Errorf("phrase %q: %w", phrase, err)
		}

		total = sum
	}

	return AggregatedPhrase{Phrase: phrase, Weight: total}, nil
}

// ReduceSorted applies ReduceGroup to every contiguous run of equal phrases
// in a phrase-sorted partition, emitting exactly one AggregatedPhrase per
// distinct phrase.
func ReduceSorted(records []WeightedPhrase) ([]AggregatedPhrase, error) {
	var out []AggregatedPhrase

	for start := 0; start < len(records); {
		phrase := records[start].Phrase

		end := start + 1
		for end < len(records) && records[end].Phrase == phrase {
			end++
		}

		if end < len(records) && records[end].Phrase < phrase {
			return nil, fmt.Errorf("%w: %q after %q", ErrUnsortedInput, records[end].Phrase, phrase)
		}

		agg, err := ReduceGroup(phrase, records[start:end])
		if err != nil {
			return nil, err
		}

		out = append(out, agg)
		start = end
	}

	return out, nil
}

// Merge is the merge aggregator: it folds one or more already-aggregated
// snapshots into a single aggregated set, sorted by phrase. Its output is
// valid input to another Merge.
func Merge[T Weighted](inputs ...[]T) ([]AggregatedPhrase, error) {
	totals := make(map[string]int64)

	for _, in := range inputs {
		if err := fold(totals, in); err != nil {
			return nil, err
		}
	}

	out := make([]AggregatedPhrase, 0, len(totals))
	for _, phrase := range slices.Sorted(maps.Keys(totals)) {
		out = append(out, AggregatedPhrase{Phrase: phrase, Weight: totals[phrase]})
	}

	return out, nil
}

// Totals sums any record shape into a phrase -> weight map.
func Totals[T Weighted](items []T) (map[string]int64, error) {
	totals := make(map[string]int64)
	if err := fold(totals, items); err != nil {
		return nil, err
	}

	return totals, nil
}
