package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkg.jsn.cam/phraseweight/internal/retry"
	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
	"pkg.jsn.cam/phraseweight/pkg/storage"
)

var fastRetry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

// memoryWeights is a WeightWriter that keeps records in memory
type memoryWeights struct {
	mu        sync.Mutex
	pending   []phraseweight.AggregatedPhrase
	committed []phraseweight.AggregatedPhrase
	isCommit  bool
	aborted   bool
}

func (w *memoryWeights) WriteWeight(_ context.Context, ap phraseweight.AggregatedPhrase) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, ap)
	return nil
}

func (w *memoryWeights) Commit(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.committed, w.pending, w.isCommit = w.pending, nil, true
	return nil
}

func (w *memoryWeights) Abort(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isCommit {
		w.aborted = true
	}
	w.pending = nil
	return nil
}

func (w *memoryWeights) totals() map[string]int64 {
	out := make(map[string]int64)
	for _, ap := range w.committed {
		out[ap.Phrase] += ap.Weight
	}
	return out
}

// memoryRanked is a RankedWriter; failAfter > 0 fails that write
type memoryRanked struct {
	failAfter int
	written   []phraseweight.RankedEntry
	committed bool
	aborted   bool
}

func (w *memoryRanked) WriteRanked(_ context.Context, e phraseweight.RankedEntry) error {
	if w.failAfter > 0 && len(w.written)+1 == w.failAfter {
		return errors.New("sink connection lost")
	}
	w.written = append(w.written, e)
	return nil
}

func (w *memoryRanked) Commit(context.Context) error {
	w.committed = true
	return nil
}

func (w *memoryRanked) Abort(context.Context) error {
	if !w.committed {
		w.aborted = true
	}
	return nil
}

// rankedSinks opens the given writers in turn
type rankedSinks struct {
	mu      sync.Mutex
	writers []*memoryRanked
	opened  int
}

func (s *rankedSinks) open(context.Context) (RankedWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened >= len(s.writers) {
		s.writers = append(s.writers, &memoryRanked{})
	}
	w := s.writers[s.opened]
	s.opened++
	return w, nil
}

func (s *rankedSinks) last() *memoryRanked {
	return s.writers[s.opened-1]
}

// sliceSnapshot is an in-memory SnapshotSource
type sliceSnapshot struct {
	name    string
	records []phraseweight.AggregatedPhrase
}

func (s sliceSnapshot) Name() string { return s.name }

func (s sliceSnapshot) Read(_ context.Context, emit func(phraseweight.AggregatedPhrase) error) error {
	for _, ap := range s.records {
		if err := emit(ap); err != nil {
			return err
		}
	}
	return nil
}

func feed(chunks ...[]string) <-chan []phraseweight.Occurrence {
	ch := make(chan []phraseweight.Occurrence, len(chunks))
	for _, chunk := range chunks {
		occs := make([]phraseweight.Occurrence, len(chunk))
		for i, p := range chunk {
			occs[i] = phraseweight.Occurrence{Phrase: p}
		}
		ch <- occs
	}
	close(ch)
	return ch
}

// corpus generates a skewed random corpus split into chunks, along with
// the expected occurrence count per phrase
func corpus(seed uint64, chunks, perChunk int) ([][]string, map[string]int64) {
	r := rand.New(rand.NewPCG(seed, seed+1))
	counts := make(map[string]int64)

	out := make([][]string, chunks)
	for c := range out {
		for range perChunk {
			// Small ids are much more likely than large ones.
			p := fmt.Sprintf("phrase %d", r.IntN(1+r.IntN(200)))
			out[c] = append(out[c], p)
			counts[p]++
		}
	}

	return out, counts
}

func scale(counts map[string]int64, w int64) map[string]int64 {
	out := make(map[string]int64, len(counts))
	for p, n := range counts {
		out[p] = n * w
	}
	return out
}

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()

	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry
	}

	p, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestRun_HelloWorld(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Options{BaseWeight: 2, Parallelism: 2})
	weights := &memoryWeights{}
	sinks := &rankedSinks{}

	res, err := p.Run(context.Background(), Job{
		Chunks:  feed([]string{"hello", "hello"}, []string{"world"}),
		Weights: []WeightWriter{weights},
		Ranked:  sinks.open,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []phraseweight.RankedEntry{{Weight: 4, Phrase: "hello"}, {Weight: 2, Phrase: "world"}}
	ranked := sinks.last()
	if !ranked.committed || !slices.Equal(ranked.written, want) {
		t.Errorf("Ranked output = %+v (committed=%v), want %+v", ranked.written, ranked.committed, want)
	}

	if got := weights.totals(); !maps.Equal(got, map[string]int64{"hello": 4, "world": 2}) {
		t.Errorf("Weights = %v", got)
	}

	if res.Accepted != 3 || res.DistinctPhrases != 2 || res.TotalWeight != 6 || res.Ranked != 2 {
		t.Errorf("Unexpected result: %+v", res)
	}

	wantPath := []State{StateIdle, StateAssigning, StateGroupingByPhrase, StateGloballyAggregating, StateRanking, StateDone}
	if !slices.Equal(res.Path, wantPath) {
		t.Errorf("Path = %v, want %v", res.Path, wantPath)
	}
}

func TestRun_MergeOnly(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Options{Parallelism: 3})
	weights := &memoryWeights{}
	sinks := &rankedSinks{}

	res, err := p.Run(context.Background(), Job{
		Snapshots: []SnapshotSource{
			sliceSnapshot{"a", []phraseweight.AggregatedPhrase{{Phrase: "hello", Weight: 4}, {Phrase: "world", Weight: 2}}},
			sliceSnapshot{"b", []phraseweight.AggregatedPhrase{{Phrase: "hello", Weight: 1}, {Phrase: "foo", Weight: 5}}},
		},
		Weights: []WeightWriter{weights},
		Ranked:  sinks.open,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := weights.totals(); !maps.Equal(got, map[string]int64{"hello": 5, "world": 2, "foo": 5}) {
		t.Errorf("Weights = %v", got)
	}

	want := []phraseweight.RankedEntry{{Weight: 5, Phrase: "foo"}, {Weight: 5, Phrase: "hello"}, {Weight: 2, Phrase: "world"}}
	if got := sinks.last().written; !slices.Equal(got, want) {
		t.Errorf("Ranked = %+v, want %+v", got, want)
	}

	wantPath := []State{StateIdle, StateMerging, StateRanking, StateDone}
	if !slices.Equal(res.Path, wantPath) {
		t.Errorf("Path = %v, want %v", res.Path, wantPath)
	}
}

func TestRun_AggregateThenMerge(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Options{Parallelism: 2, CombinePasses: 1})
	weights := &memoryWeights{}

	res, err := p.Run(context.Background(), Job{
		Chunks: feed([]string{"hello", "world", "hello"}),
		Snapshots: []SnapshotSource{
			sliceSnapshot{"prior", []phraseweight.AggregatedPhrase{{Phrase: "hello", Weight: 10}, {Phrase: "bar", Weight: 1}}},
		},
		Weights: []WeightWriter{weights},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := weights.totals(); !maps.Equal(got, map[string]int64{"hello": 12, "world": 1, "bar": 1}) {
		t.Errorf("Weights = %v", got)
	}

	wantPath := []State{
		StateIdle, StateAssigning, StatePartiallyAggregating, StateGroupingByPhrase,
		StateGloballyAggregating, StateMerging, StateDone,
	}
	if !slices.Equal(res.Path, wantPath) {
		t.Errorf("Path = %v, want %v", res.Path, wantPath)
	}
}

func TestRun_CombinePassInvariance(t *testing.T) {
	t.Parallel()

	chunks, counts := corpus(11, 9, 120)
	want := scale(counts, 3)

	for _, passes := range []int{0, 1, 3} {
		for _, fanIn := range []int{1, 2, 3} {
			for _, parallelism := range []int{1, 4} {
				t.Run(fmt.Sprintf("passes=%d/fanIn=%d/par=%d", passes, fanIn, parallelism), func(t *testing.T) {
					t.Parallel()

					p := newTestPipeline(t, Options{
						BaseWeight:    3,
						Parallelism:   parallelism,
						CombinePasses: passes,
						CombineFanIn:  fanIn,
					})
					weights := &memoryWeights{}
					sinks := &rankedSinks{}

					res, err := p.Run(context.Background(), Job{
						Chunks:  feed(chunks...),
						Weights: []WeightWriter{weights},
						Ranked:  sinks.open,
					})
					if err != nil {
						t.Fatalf("Run failed: %v", err)
					}

					if got := weights.totals(); !maps.Equal(got, want) {
						t.Errorf("Totals differ from expected (%d vs %d phrases)", len(got), len(want))
					}
					if len(weights.committed) != len(want) {
						t.Errorf("Got %d weight records, want one per phrase (%d)", len(weights.committed), len(want))
					}
					if ranked := sinks.last().written; !phraseweight.IsRanked(ranked) || int64(len(ranked)) != res.DistinctPhrases {
						t.Errorf("Ranked output not a sorted permutation (%d entries)", len(ranked))
					}
				})
			}
		}
	}
}

func TestRun_RetriesAreInvisible(t *testing.T) {
	t.Parallel()

	chunks, counts := corpus(5, 6, 80)

	var failures atomic.Int64
	p := newTestPipeline(t, Options{
		Parallelism:   3,
		CombinePasses: 2,
		CombineFanIn:  2,
		// Every task's first attempt dies.
		TaskHook: func(stage, taskID string, attempt int) error {
			if attempt == 1 {
				failures.Add(1)
				return fmt.Errorf("worker lost during %s/%s", stage, taskID)
			}
			return nil
		},
	})

	weights := &memoryWeights{}
	sinks := &rankedSinks{}
	res, err := p.Run(context.Background(), Job{
		Chunks:  feed(chunks...),
		Weights: []WeightWriter{weights},
		Ranked:  sinks.open,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := weights.totals(); !maps.Equal(got, counts) {
		t.Error("Totals differ after retried tasks")
	}
	if res.Accepted != 6*80 {
		t.Errorf("Got %d accepted, want %d", res.Accepted, 6*80)
	}
	if failures.Load() == 0 {
		t.Fatal("Hook never fired")
	}

	for _, rep := range res.Stages {
		if rep.Failures == 0 && rep.Tasks > 0 {
			t.Errorf("Stage %s recorded no failures", rep.Name)
		}
		if rep.Committed != rep.Tasks {
			t.Errorf("Stage %s committed %d of %d tasks", rep.Name, rep.Committed, rep.Tasks)
		}
	}
}

func TestRun_SpeculativeDuplicatesDiscarded(t *testing.T) {
	t.Parallel()

	chunks, counts := corpus(9, 5, 60)

	p := newTestPipeline(t, Options{Parallelism: 4, CombinePasses: 1, Speculative: true})
	weights := &memoryWeights{}

	res, err := p.Run(context.Background(), Job{
		Chunks:  feed(chunks...),
		Weights: []WeightWriter{weights},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := weights.totals(); !maps.Equal(got, counts) {
		t.Error("Totals differ under speculative execution")
	}
	if res.Accepted != 5*60 {
		t.Errorf("Got %d accepted, want %d (duplicates counted?)", res.Accepted, 5*60)
	}

	for _, rep := range res.Stages {
		if rep.Committed != rep.Tasks {
			t.Errorf("Stage %s committed %d of %d tasks", rep.Name, rep.Committed, rep.Tasks)
		}
		if rep.Duplicates != rep.Tasks {
			t.Errorf("Stage %s discarded %d duplicates, want %d", rep.Name, rep.Duplicates, rep.Tasks)
		}
	}
}

func TestRun_ExhaustedRetriesFailRun(t *testing.T) {
	t.Parallel()

	var opened atomic.Int64
	p := newTestPipeline(t, Options{
		Parallelism: 2,
		TaskHook: func(stage, _ string, _ int) error {
			if stage == stageGlobal {
				return errors.New("disk full")
			}
			return nil
		},
	})

	weights := &memoryWeights{}
	res, err := p.Run(context.Background(), Job{
		Chunks:  feed([]string{"a", "b", "a"}),
		Weights: []WeightWriter{weights},
		Ranked: func(context.Context) (RankedWriter, error) {
			opened.Add(1)
			return &memoryRanked{}, nil
		},
	})

	if !errors.Is(err, ErrStageFailed) {
		t.Fatalf("Expected ErrStageFailed, got %v", err)
	}
	if !weights.aborted || weights.committed != nil {
		t.Error("Weight writer should be aborted with nothing committed")
	}
	if opened.Load() != 0 {
		t.Error("Ranked writer opened for a failed run")
	}
	if res.Path[len(res.Path)-1] != StateFailed {
		t.Errorf("Final state = %v, want failed", res.Path[len(res.Path)-1])
	}

	last := res.Stages[len(res.Stages)-1]
	if last.Name != stageExchange {
		t.Errorf("Last sealed stage = %s, want %s", last.Name, stageExchange)
	}
}

func TestRun_OverflowAbortsWriters(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	p := newTestPipeline(t, Options{
		Parallelism: 2,
		TaskHook: func(stage, _ string, _ int) error {
			if stage == stageMerge {
				attempts.Add(1)
			}
			return nil
		},
	})

	weights := &memoryWeights{}
	ranked := &rankedSinks{}
	res, err := p.Run(context.Background(), Job{
		Chunks: feed([]string{"a", "b"}),
		Snapshots: []SnapshotSource{sliceSnapshot{
			name:    "saturated",
			records: []phraseweight.AggregatedPhrase{{Phrase: "a", Weight: math.MaxInt64}},
		}},
		Weights: []WeightWriter{weights},
		Ranked:  ranked.open,
	})

	if !errors.Is(err, phraseweight.ErrWeightOverflow) {
		t.Fatalf("Expected ErrWeightOverflow, got %v", err)
	}
	if !errors.Is(err, ErrStageFailed) {
		t.Errorf("Expected ErrStageFailed, got %v", err)
	}
	if !weights.aborted || weights.committed != nil {
		t.Error("Weight writer should be aborted with nothing committed")
	}
	if ranked.opened != 0 {
		t.Errorf("Ranked writer opened %d times for a failed run", ranked.opened)
	}
	if res.Path[len(res.Path)-1] != StateFailed {
		t.Errorf("Final state = %v, want failed", res.Path[len(res.Path)-1])
	}

	// Overflow is deterministic; the failing task is not retried.
	if n := attempts.Load(); n > int64(p.opts.Partitions) {
		t.Errorf("Got %d merge attempts, want at most one per partition", n)
	}
}

func TestRun_FunnelRestart(t *testing.T) {
	t.Parallel()

	chunks, counts := corpus(3, 4, 50)

	p := newTestPipeline(t, Options{Parallelism: 4})
	first := &memoryRanked{failAfter: 5}
	sinks := &rankedSinks{writers: []*memoryRanked{first}}

	res, err := p.Run(context.Background(), Job{
		Chunks: feed(chunks...),
		Ranked: sinks.open,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !first.aborted || first.committed {
		t.Error("Failed funnel attempt should abort its writer")
	}

	final := sinks.last()
	if final == first || !final.committed {
		t.Fatal("Funnel did not restart with a fresh writer")
	}
	if len(final.written) != len(counts) || !phraseweight.IsRanked(final.written) {
		t.Errorf("Restarted funnel wrote %d entries, want %d in ranked order", len(final.written), len(counts))
	}

	funnel := res.Stages[len(res.Stages)-1]
	if funnel.Name != stageFunnel || funnel.Failures != 1 || funnel.Records != int64(len(counts)) {
		t.Errorf("Unexpected funnel report: %+v", funnel)
	}
}

func TestRun_MalformedPolicy(t *testing.T) {
	t.Parallel()

	t.Run("skip", func(t *testing.T) {
		t.Parallel()

		p := newTestPipeline(t, Options{OnMalformed: phraseweight.MalformedSkip})
		weights := &memoryWeights{}

		res, err := p.Run(context.Background(), Job{
			Chunks:  feed([]string{"a", "", "a"}, []string{""}),
			Weights: []WeightWriter{weights},
		})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if res.Accepted != 2 || res.Rejected != 2 {
			t.Errorf("Got accepted=%d rejected=%d, want 2 and 2", res.Accepted, res.Rejected)
		}
		if got := weights.totals(); !maps.Equal(got, map[string]int64{"a": 2}) {
			t.Errorf("Weights = %v", got)
		}
	})

	t.Run("abort", func(t *testing.T) {
		t.Parallel()

		var attempts atomic.Int64
		p := newTestPipeline(t, Options{
			TaskHook: func(stage, _ string, _ int) error {
				if stage == stageAssign {
					attempts.Add(1)
				}
				return nil
			},
		})
		weights := &memoryWeights{}

		_, err := p.Run(context.Background(), Job{
			Chunks:  feed([]string{"a", ""}),
			Weights: []WeightWriter{weights},
		})
		if !errors.Is(err, phraseweight.ErrEmptyPhrase) || !errors.Is(err, ErrStageFailed) {
			t.Fatalf("Expected stage failure wrapping ErrEmptyPhrase, got %v", err)
		}
		if attempts.Load() != 1 {
			t.Errorf("Malformed input retried: %d attempts", attempts.Load())
		}
		if !weights.aborted {
			t.Error("Weight writer not aborted")
		}
	})
}

func TestRun_NoInput(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Options{})
	if _, err := p.Run(context.Background(), Job{}); !errors.Is(err, ErrNoInput) {
		t.Errorf("Expected ErrNoInput, got %v", err)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Options{CombinePasses: 1})
	weights := &memoryWeights{}
	sinks := &rankedSinks{}

	res, err := p.Run(context.Background(), Job{
		Chunks:  feed(),
		Weights: []WeightWriter{weights},
		Ranked:  sinks.open,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.DistinctPhrases != 0 || len(weights.committed) != 0 || len(sinks.last().written) != 0 {
		t.Errorf("Expected empty output, got %+v", res)
	}
}

func TestNew_InvalidBaseWeight(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{BaseWeight: -1}); !errors.Is(err, phraseweight.ErrInvalidBaseWeight) {
		t.Errorf("Expected ErrInvalidBaseWeight, got %v", err)
	}
}

func TestRun_BboltStagesDropped(t *testing.T) {
	t.Parallel()

	backend, err := storage.NewBboltBackend(filepath.Join(t.TempDir(), "stages.db"))
	if err != nil {
		t.Fatalf("NewBboltBackend failed: %v", err)
	}
	defer backend.Close()

	p := newTestPipeline(t, Options{Parallelism: 2, Backend: backend})
	weights := &memoryWeights{}

	res, err := p.Run(context.Background(), Job{
		Chunks:  feed([]string{"x", "y", "x"}),
		Weights: []WeightWriter{weights},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := weights.totals(); !maps.Equal(got, map[string]int64{"x": 2, "y": 1}) {
		t.Errorf("Weights = %v", got)
	}

	store := storage.NewStageStore(backend, res.RunID)
	if _, err := store.Tasks(stageGlobal); !errors.Is(err, storage.ErrStageNotFound) {
		t.Errorf("Stage not dropped after run: %v", err)
	}
}

func TestRun_KeepStages(t *testing.T) {
	t.Parallel()

	backend := storage.NewMemoryBackend()
	p := newTestPipeline(t, Options{Parallelism: 2, Backend: backend, KeepStages: true})

	res, err := p.Run(context.Background(), Job{Chunks: feed([]string{"x"}, []string{"y"})})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	tasks, err := storage.NewStageStore(backend, res.RunID).Tasks(stageAssign)
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("Got %d committed assign tasks, want 2", len(tasks))
	}
}
