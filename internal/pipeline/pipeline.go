// Package pipeline runs phrase-weight jobs: weight assignment, optional
// partial aggregation passes, the grouping exchange, global aggregation,
// optional snapshot merging and single-funnel ranking.
//
// Every stage commits task output into a StageStore and is sealed before the
// next stage may read it. Task attempts are retried and may run
// speculatively; only the first committed attempt of a task is kept.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pkg.jsn.cam/phraseweight/internal/config"
	"pkg.jsn.cam/phraseweight/internal/metrics"
	"pkg.jsn.cam/phraseweight/internal/retry"
	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
	"pkg.jsn.cam/phraseweight/pkg/storage"
)

// Stage names, also used as stage store bucket suffixes
const (
	stageAssign   = "assign"
	stageExchange = "exchange"
	stageGlobal   = "global"
	stageMergeIn  = "merge-in"
	stageMerge    = "merge"
	stageRankRuns = "rank-runs"
	stageFunnel   = "funnel"
)

func combineStage(pass int) string {
	return fmt.Sprintf("combine-%d", pass)
}

// WeightWriter receives the final per-phrase totals. Nothing written is
// visible until Commit; Abort discards it and is a no-op after Commit.
type WeightWriter interface {
	WriteWeight(ctx context.Context, ap phraseweight.AggregatedPhrase) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// RankedWriter receives the globally ordered ranking from the funnel. It is
// a single-writer sink with the same Commit/Abort contract as WeightWriter.
type RankedWriter interface {
	WriteRanked(ctx context.Context, e phraseweight.RankedEntry) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// RankedOpener opens a fresh ranked writer. The funnel calls it again after
// aborting a failed attempt.
type RankedOpener func(ctx context.Context) (RankedWriter, error)

// SnapshotSource yields a previously aggregated weights snapshot. Read may
// be called more than once if the merge-in task is retried.
type SnapshotSource interface {
	Name() string
	Read(ctx context.Context, emit func(phraseweight.AggregatedPhrase) error) error
}

// Options configures a Pipeline. Zero values take defaults.
type Options struct {
	BaseWeight    int64
	Parallelism   int
	Partitions    int
	CombinePasses int
	CombineFanIn  int
	OnMalformed   phraseweight.MalformedPolicy
	Speculative   bool
	Retry         retry.Config

	// Backend holds stage output. Defaults to an in-memory backend.
	Backend storage.Backend
	// KeepStages leaves the run's stages in Backend after Run returns.
	KeepStages bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// TaskHook runs before every task attempt; a non-nil error fails the
	// attempt. Used for fault injection.
	TaskHook func(stage, taskID string, attempt int) error
}

// OptionsFromConfig maps the validated configuration onto pipeline options
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := phraseweight.ParseMalformedPolicy(cfg.OnMalformed)
	if err != nil {
		return Options{}, err
	}

	return Options{
		BaseWeight:    cfg.BaseWeight,
		Parallelism:   cfg.Parallelism,
		CombinePasses: cfg.CombinePasses,
		CombineFanIn:  cfg.CombineFanIn,
		OnMalformed:   policy,
		Speculative:   cfg.Speculative,
		Retry: retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
	}, nil
}

// Pipeline runs jobs with a fixed set of options
type Pipeline struct {
	opts     Options
	assigner *phraseweight.Assigner
}

// New validates opts and fills in defaults
func New(opts Options) (*Pipeline, error) {
	if opts.BaseWeight == 0 {
		opts.BaseWeight = phraseweight.DefaultBaseWeight
	}

	assigner, err := phraseweight.NewAssigner(opts.BaseWeight)
	if err != nil {
		return nil, err
	}

	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Partitions < 1 {
		opts.Partitions = opts.Parallelism
	}
	if opts.CombinePasses < 0 {
		opts.CombinePasses = 0
	}
	if opts.CombineFanIn < 1 {
		opts.CombineFanIn = 1
	}
	if opts.Backend == nil {
		opts.Backend = storage.NewMemoryBackend()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	return &Pipeline{opts: opts, assigner: assigner}, nil
}

// Job is one run's inputs and outputs
type Job struct {
	// RunID names the run's stages. A fresh ID is generated when empty.
	RunID string
	// Chunks delivers occurrence chunks; each chunk becomes one assign task.
	// Nil for a merge-only run.
	Chunks <-chan []phraseweight.Occurrence
	// Snapshots are previously aggregated outputs to merge in.
	Snapshots []SnapshotSource
	// Weights receive every final per-phrase total.
	Weights []WeightWriter
	// Ranked, when set, enables the ranking stages.
	Ranked RankedOpener
}

// Result summarizes a run
type Result struct {
	RunID           string        `json:"runId"`
	Accepted        int64         `json:"accepted"`
	Rejected        int64         `json:"rejected"`
	DistinctPhrases int64         `json:"distinctPhrases"`
	TotalWeight     int64         `json:"totalWeight"`
	Ranked          int64         `json:"ranked"`
	Stages          []StageReport `json:"stages"`
	Path            []State       `json:"path"`
}

// run carries the state of one Run call
type run struct {
	id       string
	opts     Options
	assigner *phraseweight.Assigner
	store    *storage.StageStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
	machine  *machine
	stages   []string
	reports  []StageReport
}

func (r *run) openStage(name string) error {
	r.stages = append(r.stages, name)
	if err := r.store.Open(name); err != nil {
		return fmt.Errorf("open stage %s: %w", name, err)
	}
	return nil
}

func (r *run) dropStages() {
	for _, name := range r.stages {
		if err := r.store.Drop(name); err != nil {
			r.logger.Warn("failed to drop stage", zap.String("stage", name), zap.Error(err))
		}
	}
}

// Run executes job to completion. On any failure every writer is aborted
// and the error wraps ErrStageFailed or the writer's error.
func (p *Pipeline) Run(ctx context.Context, job Job) (res *Result, err error) {
	if job.Chunks == nil && len(job.Snapshots) == 0 {
		return nil, ErrNoInput
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := job.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	r := &run{
		id:       runID,
		opts:     p.opts,
		assigner: p.assigner,
		store:    storage.NewStageStore(p.opts.Backend, runID),
		logger:   p.opts.Logger.Named("pipeline").With(zap.String("run", runID)),
		metrics:  p.opts.Metrics,
		machine:  newMachine(),
	}
	res = &Result{RunID: runID}

	var ranked RankedWriter
	start := time.Now()

	defer func() {
		if err != nil {
			if terr := r.machine.transition(StateFailed); terr != nil {
				r.logger.Warn("failed to mark run failed", zap.Error(terr))
			}
			abortCtx := context.WithoutCancel(ctx)
			for _, w := range job.Weights {
				if aerr := w.Abort(abortCtx); aerr != nil {
					r.logger.Warn("failed to abort weight writer", zap.Error(aerr))
				}
			}
			if ranked != nil {
				if aerr := ranked.Abort(abortCtx); aerr != nil {
					r.logger.Warn("failed to abort ranked writer", zap.Error(aerr))
				}
			}
			r.logger.Error("run failed", zap.Error(err))
		}

		res.Stages = r.reports
		res.Path = r.machine.path()

		if !p.opts.KeepStages {
			r.dropStages()
		}
	}()

	r.logger.Info("run started",
		zap.Bool("occurrences", job.Chunks != nil),
		zap.Int("snapshots", len(job.Snapshots)),
		zap.Int("weight_writers", len(job.Weights)),
		zap.Bool("ranked", job.Ranked != nil),
		zap.Int("partitions", p.opts.Partitions),
	)

	final := ""

	if job.Chunks != nil {
		if final, err = r.aggregate(ctx, job.Chunks, res); err != nil {
			return res, err
		}
	}

	if len(job.Snapshots) > 0 {
		if final, err = r.mergeSnapshots(ctx, job.Snapshots, final); err != nil {
			return res, err
		}
	}

	if res.DistinctPhrases, res.TotalWeight, err = r.emitWeights(ctx, final, job.Weights); err != nil {
		return res, err
	}

	if job.Ranked != nil {
		if err = r.machine.transition(StateRanking); err != nil {
			return res, err
		}
		if ranked, res.Ranked, err = r.rank(ctx, final, job.Ranked); err != nil {
			return res, err
		}
	}

	// Nothing is visible until every stage succeeded.
	for i, w := range job.Weights {
		if err = w.Commit(ctx); err != nil {
			return res, fmt.Errorf("commit weight writer %d: %w", i, err)
		}
	}
	if ranked != nil {
		if err = ranked.Commit(ctx); err != nil {
			return res, fmt.Errorf("commit ranked writer: %w", err)
		}
	}

	if err = r.machine.transition(StateDone); err != nil {
		return res, err
	}

	r.metrics.DistinctPhrases.Set(float64(res.DistinctPhrases))
	r.logger.Info("run completed",
		zap.Int64("accepted", res.Accepted),
		zap.Int64("rejected", res.Rejected),
		zap.Int64("distinct_phrases", res.DistinctPhrases),
		zap.Int64("total_weight", res.TotalWeight),
		zap.Duration("duration", time.Since(start)),
	)

	return res, nil
}

// aggregate runs assign, the combine passes, the exchange and the global
// stage, returning the name of the sealed global stage.
func (r *run) aggregate(ctx context.Context, chunks <-chan []phraseweight.Occurrence, res *Result) (string, error) {
	if err := r.machine.transition(StateAssigning); err != nil {
		return "", err
	}

	report, err := runStage(ctx, r, stageAssign, chunkTasks(ctx, chunks), r.assign)
	if err != nil {
		return "", err
	}
	res.Accepted, res.Rejected = report.accepted, report.rejected
	r.metrics.OccurrencesTotal.WithLabelValues("assigned").Add(float64(report.accepted))
	r.metrics.OccurrencesTotal.WithLabelValues("rejected").Add(float64(report.rejected))

	prev := stageAssign
	for pass := 1; pass <= r.opts.CombinePasses; pass++ {
		if pass == 1 {
			if err := r.machine.transition(StatePartiallyAggregating); err != nil {
				return "", err
			}
		}

		tasks, err := r.combineTasks(ctx, prev)
		if err != nil {
			return "", err
		}

		name := combineStage(pass)
		if _, err := runStage(ctx, r, name, tasks, r.combine); err != nil {
			return "", err
		}
		prev = name
	}

	if err := r.machine.transition(StateGroupingByPhrase); err != nil {
		return "", err
	}

	tasks, err := r.partitionTasks(ctx, prev)
	if err != nil {
		return "", err
	}
	if _, err := runStage(ctx, r, stageExchange, tasks, r.exchange); err != nil {
		return "", err
	}

	if err := r.machine.transition(StateGloballyAggregating); err != nil {
		return "", err
	}

	tasks, err = r.partitionTasks(ctx, stageExchange)
	if err != nil {
		return "", err
	}
	if _, err := runStage(ctx, r, stageGlobal, tasks, r.global); err != nil {
		return "", err
	}

	return stageGlobal, nil
}

// mergeSnapshots partitions the snapshots and folds them with the sealed
// aggregated stage prev (if any).
func (r *run) mergeSnapshots(ctx context.Context, snapshots []SnapshotSource, prev string) (string, error) {
	if err := r.machine.transition(StateMerging); err != nil {
		return "", err
	}

	list := make([]task[SnapshotSource], len(snapshots))
	for i, s := range snapshots {
		list[i] = task[SnapshotSource]{id: fmt.Sprintf("snapshot-%05d", i), input: s}
	}

	if _, err := runStage(ctx, r, stageMergeIn, sliceTasks(ctx, list), r.mergeIn); err != nil {
		return "", err
	}

	sources := []string{stageMergeIn}
	if prev != "" {
		sources = append(sources, prev)
	}

	tasks, err := r.partitionTasks(ctx, sources...)
	if err != nil {
		return "", err
	}
	if _, err := runStage(ctx, r, stageMerge, tasks, r.merge); err != nil {
		return "", err
	}

	return stageMerge, nil
}

// emitWeights streams the final sealed stage to every weight writer in
// partition order and totals it.
func (r *run) emitWeights(ctx context.Context, final string, writers []WeightWriter) (distinct, total int64, err error) {
	partitions, err := r.store.Partitions(final)
	if err != nil {
		return 0, 0, fmt.Errorf("list partitions of %s: %w", final, err)
	}

	for _, p := range partitions {
		batches, err := r.store.Batches(final, p)
		if err != nil {
			return 0, 0, fmt.Errorf("read %s partition %d: %w", final, p, err)
		}

		records, err := decodeBatches[phraseweight.AggregatedPhrase](batches)
		if err != nil {
			return 0, 0, err
		}

		for _, ap := range records {
			if total, err = phraseweight.Sum(total, ap.Weight); err != nil {
				return 0, 0, fmt.Errorf("total weight: %w", err)
			}
			distinct++

			for i, w := range writers {
				if err := w.WriteWeight(ctx, ap); err != nil {
					return 0, 0, fmt.Errorf("weight writer %d: %w", i, err)
				}
			}
		}
	}

	return distinct, total, nil
}

// rank sorts each final partition in parallel, then merges the sorted runs
// through one funnel into a ranked writer. A failed funnel attempt aborts
// its writer and restarts from the sealed runs with a fresh one.
func (r *run) rank(ctx context.Context, final string, open RankedOpener) (RankedWriter, int64, error) {
	tasks, err := r.partitionTasks(ctx, final)
	if err != nil {
		return nil, 0, err
	}
	if _, err := runStage(ctx, r, stageRankRuns, tasks, r.rankRun); err != nil {
		return nil, 0, err
	}

	var (
		writer  RankedWriter
		emitted int64
		report  = StageReport{Name: stageFunnel, Tasks: 1}
		start   = time.Now()
	)

	fail := func(err error) error {
		report.Failures++
		r.metrics.TaskAttempts.WithLabelValues(stageFunnel, metrics.OutcomeFailed).Inc()
		return err
	}

	err = retry.Do(ctx, stageFunnel, r.opts.Retry, r.logger, func(attempt int) error {
		if hook := r.opts.TaskHook; hook != nil {
			if err := hook(stageFunnel, stageFunnel, attempt); err != nil {
				return fail(err)
			}
		}

		runs, err := r.sortedRuns()
		if err != nil {
			return retry.Permanent(err)
		}

		w, err := open(ctx)
		if err != nil {
			return fail(fmt.Errorf("open ranked writer: %w", err))
		}

		var n int64
		err = phraseweight.Funnel(runs, func(e phraseweight.RankedEntry) error {
			n++
			return w.WriteRanked(ctx, e)
		})
		if err != nil {
			if aerr := w.Abort(context.WithoutCancel(ctx)); aerr != nil {
				r.logger.Warn("failed to abort ranked writer", zap.Error(aerr))
			}
			return fail(fmt.Errorf("funnel: %w", err))
		}

		writer, emitted = w, n
		return nil
	})

	report.Duration = time.Since(start)
	if err != nil {
		r.reports = append(r.reports, report)
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrStageFailed, stageFunnel, err)
	}

	report.Committed = 1
	report.Records = emitted
	r.reports = append(r.reports, report)

	r.metrics.TaskAttempts.WithLabelValues(stageFunnel, metrics.OutcomeCommitted).Inc()
	r.metrics.RecordsEmitted.WithLabelValues(stageFunnel).Add(float64(emitted))
	r.metrics.StageDuration.WithLabelValues(stageFunnel).Observe(report.Duration.Seconds())

	r.logger.Info("funnel complete", zap.Int64("records", emitted), zap.Int("failures", report.Failures))

	return writer, emitted, nil
}

// sortedRuns loads every partition-local sorted run from the sealed
// rank-runs stage. Every ranked entry of the run is resident at once.
func (r *run) sortedRuns() ([][]phraseweight.RankedEntry, error) {
	partitions, err := r.store.Partitions(stageRankRuns)
	if err != nil {
		return nil, err
	}

	runs := make([][]phraseweight.RankedEntry, 0, len(partitions))
	for _, p := range partitions {
		batches, err := r.store.Batches(stageRankRuns, p)
		if err != nil {
			return nil, err
		}

		// One task per partition; each batch is already a sorted run.
		for i, b := range batches {
			sorted, err := decodeBatches[phraseweight.RankedEntry]([][]byte{b})
			if err != nil {
				return nil, fmt.Errorf("partition %d batch %d: %w", p, i, err)
			}
			runs = append(runs, sorted)
		}
	}

	return runs, nil
}

// IsStageFailure reports whether err came from a stage that exhausted its retries
func IsStageFailure(err error) bool {
	return errors.Is(err, ErrStageFailed)
}
