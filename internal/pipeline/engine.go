package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pkg.jsn.cam/phraseweight/internal/metrics"
	"pkg.jsn.cam/phraseweight/internal/retry"
	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
	"pkg.jsn.cam/phraseweight/pkg/storage"
)

// task is one unit of stage work. The same task may run several attempts
// but only one of them commits.
type task[T any] struct {
	id    string
	input T
}

// taskOutput is what an attempt hands to the stage store
type taskOutput struct {
	parts    map[int][]byte
	records  int64
	accepted int64
	rejected int64
}

// StageReport summarizes one sealed stage
type StageReport struct {
	Name       string        `json:"name"`
	Tasks      int           `json:"tasks"`
	Committed  int           `json:"committed"`
	Duplicates int           `json:"duplicates"`
	Failures   int           `json:"failures"`
	Records    int64         `json:"records"`
	Duration   time.Duration `json:"duration"`

	accepted int64
	rejected int64
}

// stageCounters guards a StageReport while tasks run
type stageCounters struct {
	mu     sync.Mutex
	report StageReport
}

func (c *stageCounters) update(fn func(r *StageReport)) {
	c.mu.Lock()
	fn(&c.report)
	c.mu.Unlock()
}

// Data errors are deterministic; re-running the attempt cannot fix them.
func isDataError(err error) bool {
	return errors.Is(err, phraseweight.ErrEmptyPhrase) ||
		errors.Is(err, phraseweight.ErrNegativeWeight) ||
		errors.Is(err, phraseweight.ErrWeightOverflow) ||
		errors.Is(err, phraseweight.ErrMixedGroup) ||
		errors.Is(err, phraseweight.ErrUnsortedInput)
}

// runStage opens a stage, runs every task from tasks with at most
// Parallelism in flight, and seals the stage once all of them committed.
// Any task that exhausts its retries fails the stage and leaves it unsealed.
func runStage[T any](
	ctx context.Context,
	r *run,
	name string,
	tasks <-chan task[T],
	process func(ctx context.Context, in T) (taskOutput, error),
) (StageReport, error) {
	start := time.Now()
	logger := r.logger.With(zap.String("stage", name))

	if err := r.openStage(name); err != nil {
		return StageReport{Name: name}, err
	}

	counters := &stageCounters{report: StageReport{Name: name}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallelism)

feed:
	for {
		select {
		case <-gctx.Done():
			break feed
		case t, ok := <-tasks:
			if !ok {
				break feed
			}

			counters.update(func(rep *StageReport) { rep.Tasks++ })
			g.Go(func() error {
				return r.runTask(gctx, name, t.id, counters, func(ctx context.Context) (taskOutput, error) {
					return process(ctx, t.input)
				})
			})
		}
	}

	err := g.Wait()
	report := counters.report
	report.Duration = time.Since(start)

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		logger.Error("stage failed", zap.Error(err))
		return report, fmt.Errorf("%w: %s: %w", ErrStageFailed, name, err)
	}

	if err := r.store.Seal(name); err != nil {
		return report, fmt.Errorf("seal %s: %w", name, err)
	}

	r.metrics.StageDuration.WithLabelValues(name).Observe(report.Duration.Seconds())
	r.metrics.RecordsEmitted.WithLabelValues(name).Add(float64(report.Records))

	logger.Info("stage sealed",
		zap.Int("tasks", report.Tasks),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failures", report.Failures),
		zap.Int64("records", report.Records),
		zap.Duration("duration", report.Duration),
	)

	r.reports = append(r.reports, report)
	return report, nil
}

// runTask runs one task to a committed result. With speculative execution a
// second copy races the first; the task succeeds if either copy gets its
// output (or the other copy's) committed.
func (r *run) runTask(
	ctx context.Context,
	stage, taskID string,
	counters *stageCounters,
	process func(ctx context.Context) (taskOutput, error),
) error {
	if !r.opts.Speculative {
		return r.attemptTask(ctx, stage, taskID, counters, process)
	}

	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.attemptTask(ctx, stage, taskID, counters, process)
		}()
	}
	wg.Wait()

	if errs[0] == nil || errs[1] == nil {
		return nil
	}
	return errors.Join(errs[0], errs[1])
}

// attemptTask retries process and commit until one attempt lands or the
// retry budget is spent. Each attempt carries a fresh ID so the store can
// tell which one won.
func (r *run) attemptTask(
	ctx context.Context,
	stage, taskID string,
	counters *stageCounters,
	process func(ctx context.Context) (taskOutput, error),
) error {
	fail := func(err error) error {
		counters.update(func(rep *StageReport) { rep.Failures++ })
		r.metrics.TaskAttempts.WithLabelValues(stage, metrics.OutcomeFailed).Inc()

		if isDataError(err) || errors.Is(err, storage.ErrStageSealed) {
			return retry.Permanent(err)
		}
		return err
	}

	return retry.Do(ctx, stage+"/"+taskID, r.opts.Retry, r.logger, func(attempt int) error {
		attemptID := uuid.New().String()

		if hook := r.opts.TaskHook; hook != nil {
			if err := hook(stage, taskID, attempt); err != nil {
				return fail(err)
			}
		}

		out, err := process(ctx)
		if err != nil {
			return fail(fmt.Errorf("task %s: %w", taskID, err))
		}

		committed, err := r.store.Commit(stage, taskID, attemptID, out.parts)
		if err != nil {
			return fail(fmt.Errorf("commit task %s: %w", taskID, err))
		}

		if !committed {
			counters.update(func(rep *StageReport) { rep.Duplicates++ })
			r.metrics.TaskAttempts.WithLabelValues(stage, metrics.OutcomeDuplicate).Inc()
			r.logger.Debug("discarded duplicate attempt",
				zap.String("stage", stage),
				zap.String("task", taskID),
				zap.String("attempt", attemptID),
			)
			return nil
		}

		// Only the committed attempt's counts are kept.
		counters.update(func(rep *StageReport) {
			rep.Committed++
			rep.Records += out.records
			rep.accepted += out.accepted
			rep.rejected += out.rejected
		})
		r.metrics.TaskAttempts.WithLabelValues(stage, metrics.OutcomeCommitted).Inc()

		return nil
	})
}

// partitionTasks emits one task per partition of a sealed upstream stage,
// carrying that partition's batches.
func (r *run) partitionTasks(ctx context.Context, stages ...string) (<-chan task[partitionInput], error) {
	byPartition := make(map[int][]sourcedBatches)
	var order []int

	for _, stage := range stages {
		partitions, err := r.store.Partitions(stage)
		if err != nil {
			return nil, fmt.Errorf("list partitions of %s: %w", stage, err)
		}

		for _, p := range partitions {
			batches, err := r.store.Batches(stage, p)
			if err != nil {
				return nil, fmt.Errorf("read %s partition %d: %w", stage, p, err)
			}

			if _, seen := byPartition[p]; !seen {
				order = append(order, p)
			}
			byPartition[p] = append(byPartition[p], sourcedBatches{stage: stage, batches: batches})
		}
	}

	slices.Sort(order)

	tasks := make(chan task[partitionInput])
	go func() {
		defer close(tasks)
		for _, p := range order {
			t := task[partitionInput]{
				id:    fmt.Sprintf("p%05d", p),
				input: partitionInput{partition: p, sources: byPartition[p]},
			}
			select {
			case tasks <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	return tasks, nil
}

// partitionInput is every committed batch of one partition, by source stage
type partitionInput struct {
	partition int
	sources   []sourcedBatches
}

type sourcedBatches struct {
	stage   string
	batches [][]byte
}

func (in partitionInput) all() [][]byte {
	var out [][]byte
	for _, s := range in.sources {
		out = append(out, s.batches...)
	}
	return out
}

// sliceTasks feeds a fixed task list
func sliceTasks[T any](ctx context.Context, list []task[T]) <-chan task[T] {
	tasks := make(chan task[T])
	go func() {
		defer close(tasks)
		for _, t := range list {
			select {
			case tasks <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return tasks
}
