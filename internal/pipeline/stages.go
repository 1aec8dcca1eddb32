package pipeline

import (
	"context"
	"fmt"

	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

// chunkTasks turns the occurrence chunk stream into assign tasks
func chunkTasks(ctx context.Context, chunks <-chan []phraseweight.Occurrence) <-chan task[[]phraseweight.Occurrence] {
	tasks := make(chan task[[]phraseweight.Occurrence])

	go func() {
		defer close(tasks)

		for i := 0; ; i++ {
			var chunk []phraseweight.Occurrence
			select {
			case c, ok := <-chunks:
				if !ok {
					return
				}
				chunk = c
			case <-ctx.Done():
				return
			}

			select {
			case tasks <- task[[]phraseweight.Occurrence]{id: fmt.Sprintf("chunk-%06d", i), input: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return tasks
}

// assign weights one chunk and routes the records to their partitions
func (r *run) assign(ctx context.Context, chunk []phraseweight.Occurrence) (taskOutput, error) {
	weighted := make([]phraseweight.WeightedPhrase, 0, len(chunk))

	rejected, err := r.assigner.AssignBatch(chunk, r.opts.OnMalformed, func(wp phraseweight.WeightedPhrase) {
		weighted = append(weighted, wp)
	})
	if err != nil {
		return taskOutput{}, err
	}

	parts, err := encodePartitions(weighted, r.opts.Partitions)
	if err != nil {
		return taskOutput{}, err
	}

	return taskOutput{
		parts:    parts,
		records:  int64(len(weighted)),
		accepted: int64(len(weighted)),
		rejected: int64(rejected),
	}, nil
}

// combineInput is a fan-in group of upstream batches from one partition
type combineInput struct {
	partition int
	batches   [][]byte
}

// combineTasks groups each partition's batches of the sealed stage prev
// into runs of CombineFanIn, one combine task per group.
func (r *run) combineTasks(ctx context.Context, prev string) (<-chan task[combineInput], error) {
	partitions, err := r.store.Partitions(prev)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", prev, err)
	}

	var list []task[combineInput]
	for _, p := range partitions {
		batches, err := r.store.Batches(prev, p)
		if err != nil {
			return nil, fmt.Errorf("read %s partition %d: %w", prev, p, err)
		}

		for g, start := 0, 0; start < len(batches); g, start = g+1, start+r.opts.CombineFanIn {
			end := min(start+r.opts.CombineFanIn, len(batches))
			list = append(list, task[combineInput]{
				id:    fmt.Sprintf("p%05d-g%05d", p, g),
				input: combineInput{partition: p, batches: batches[start:end]},
			})
		}
	}

	return sliceTasks(ctx, list), nil
}

// combine pre-sums a group of batches. The output stays in the same
// partition since the phrases have not changed.
func (r *run) combine(ctx context.Context, in combineInput) (taskOutput, error) {
	records, err := decodeBatches[phraseweight.WeightedPhrase](in.batches)
	if err != nil {
		return taskOutput{}, err
	}

	combined, err := phraseweight.Combine(records)
	if err != nil {
		return taskOutput{}, err
	}

	data, err := encodeBatch(combined)
	if err != nil {
		return taskOutput{}, err
	}

	return taskOutput{
		parts:   map[int][]byte{in.partition: data},
		records: int64(len(combined)),
	}, nil
}

// exchange gathers every batch of a partition and sorts it by phrase, so
// each phrase's complete group is contiguous for the global stage.
func (r *run) exchange(ctx context.Context, in partitionInput) (taskOutput, error) {
	records, err := decodeBatches[phraseweight.WeightedPhrase](in.all())
	if err != nil {
		return taskOutput{}, err
	}

	phraseweight.SortByPhrase(records)

	data, err := encodeBatch(records)
	if err != nil {
		return taskOutput{}, err
	}

	return taskOutput{
		parts:   map[int][]byte{in.partition: data},
		records: int64(len(records)),
	}, nil
}

// global reduces one grouped partition to one total per phrase
func (r *run) global(ctx context.Context, in partitionInput) (taskOutput, error) {
	records, err := decodeBatches[phraseweight.WeightedPhrase](in.all())
	if err != nil {
		return taskOutput{}, err
	}

	aggregated, err := phraseweight.ReduceSorted(records)
	if err != nil {
		return taskOutput{}, err
	}

	data, err := encodeBatch(aggregated)
	if err != nil {
		return taskOutput{}, err
	}

	return taskOutput{
		parts:   map[int][]byte{in.partition: data},
		records: int64(len(aggregated)),
	}, nil
}

// mergeIn reads one snapshot and routes its records to their partitions
func (r *run) mergeIn(ctx context.Context, src SnapshotSource) (taskOutput, error) {
	byPartition := make(map[int][]phraseweight.AggregatedPhrase)
	var n int64

	err := src.Read(ctx, func(ap phraseweight.AggregatedPhrase) error {
		if ap.Phrase == "" {
			return phraseweight.ErrEmptyPhrase
		}
		if ap.Weight < 0 {
			return fmt.Errorf("phrase %q: %w", ap.Phrase, phraseweight.ErrNegativeWeight)
		}

		p := phraseweight.PartitionKey(ap.Phrase, r.opts.Partitions)
		byPartition[p] = append(byPartition[p], ap)
		n++
		return nil
	})
	if err != nil {
		return taskOutput{}, fmt.Errorf("snapshot %s: %w", src.Name(), err)
	}

	parts := make(map[int][]byte, len(byPartition))
	for p, records := range byPartition {
		data, err := encodeBatch(records)
		if err != nil {
			return taskOutput{}, err
		}
		parts[p] = data
	}

	return taskOutput{parts: parts, records: n}, nil
}

// merge folds the aggregated global output of a partition with every
// snapshot batch routed to it
func (r *run) merge(ctx context.Context, in partitionInput) (taskOutput, error) {
	records, err := decodeBatches[phraseweight.AggregatedPhrase](in.all())
	if err != nil {
		return taskOutput{}, err
	}

	merged, err := phraseweight.Merge(records)
	if err != nil {
		return taskOutput{}, err
	}

	data, err := encodeBatch(merged)
	if err != nil {
		return taskOutput{}, err
	}

	return taskOutput{
		parts:   map[int][]byte{in.partition: data},
		records: int64(len(merged)),
	}, nil
}

// rankRun sorts one final partition by weight. It is a local order only;
// the funnel produces the global one.
func (r *run) rankRun(ctx context.Context, in partitionInput) (taskOutput, error) {
	records, err := decodeBatches[phraseweight.AggregatedPhrase](in.all())
	if err != nil {
		return taskOutput{}, err
	}

	entries := make([]phraseweight.RankedEntry, len(records))
	for i, ap := range records {
		entries[i] = phraseweight.Rekey(ap)
	}
	phraseweight.SortRun(entries)

	data, err := encodeBatch(entries)
	if err != nil {
		return taskOutput{}, err
	}

	return taskOutput{
		parts:   map[int][]byte{in.partition: data},
		records: int64(len(entries)),
	}, nil
}
