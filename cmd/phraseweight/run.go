package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pkg.jsn.cam/phraseweight/internal/config"
	"pkg.jsn.cam/phraseweight/internal/logging"
	"pkg.jsn.cam/phraseweight/internal/metrics"
	"pkg.jsn.cam/phraseweight/internal/pipeline"
	"pkg.jsn.cam/phraseweight/internal/sink"
	"pkg.jsn.cam/phraseweight/internal/snapshot"
	"pkg.jsn.cam/phraseweight/internal/source"
	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
	"pkg.jsn.cam/phraseweight/pkg/storage"
)

// execute wires the configured sources, store and sinks into one pipeline
// run and prints its summary to stdout.
func execute(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Addr, m, logger.Named("metrics"))
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("metrics server shutdown failed", zap.Error(err))
			}
		}()
	}

	backend, err := openBackend(cfg.Store)
	if err != nil {
		return err
	}
	defer backend.Close()

	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Backend = backend
	opts.Logger = logger
	opts.Metrics = m

	p, err := pipeline.New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	job := pipeline.Job{RunID: uuid.New().String()}

	var kafkaSrc *source.KafkaSource
	switch cfg.Input.Kind {
	case "file":
		path := cfg.Input.Path
		job.Chunks = source.Stream(ctx, cancel, func(ctx context.Context, out chan<- []phraseweight.Occurrence) error {
			return source.FileChunks(ctx, path, cfg.ChunkSize, cfg.Normalize, out)
		})
	case "kafka":
		kafkaSrc = source.NewKafkaSource(cfg.Input.Kafka, logger)
		defer kafkaSrc.Close()
		job.Chunks = source.Stream(ctx, cancel, func(ctx context.Context, out chan<- []phraseweight.Occurrence) error {
			return kafkaSrc.Chunks(ctx, cfg.ChunkSize, cfg.Normalize, out)
		})
	}

	for _, path := range cfg.Snapshots {
		job.Snapshots = append(job.Snapshots, snapshot.Open(path))
	}

	if cfg.Database.Driver != "" {
		db, err := sink.OpenDB(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Table)
		if err != nil {
			return err
		}
		defer db.Close()

		for _, id := range cfg.Database.MergeRunIDs {
			job.Snapshots = append(job.Snapshots, db.Snapshot(id))
		}
		job.Weights = append(job.Weights, db.Weights(job.RunID))
	}

	switch cfg.Output.Ranked {
	case "":
	case "redis":
		rdb, err := sink.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		job.Ranked = func(context.Context) (pipeline.RankedWriter, error) {
			return sink.NewRedisRanked(rdb, cfg.Redis.Key), nil
		}
	default:
		path := cfg.Output.Ranked
		job.Ranked = func(context.Context) (pipeline.RankedWriter, error) {
			f, err := sink.CreateRankedFile(path)
			if err != nil {
				return nil, err
			}
			return f, nil
		}
	}

	// Created last so no earlier failure can leave its temp file behind.
	if cfg.Output.Weights != "" {
		w, err := snapshot.Create(cfg.Output.Weights)
		if err != nil {
			return err
		}
		job.Weights = append(job.Weights, w)
	}

	start := time.Now()
	res, err := p.Run(ctx, job)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = fmt.Errorf("reading input: %w", cause)
		}
		if res != nil && pipeline.IsStageFailure(err) {
			printStages(stdout, res.Stages)
		}
		return err
	}

	if kafkaSrc != nil {
		if err := kafkaSrc.Commit(ctx); err != nil {
			// The outputs are already published; a recount is the only harm.
			logger.Error("offsets not committed, the batch will be read again", zap.Error(err))
		}
	}

	printSummary(stdout, res, cfg, time.Since(start))
	return nil
}

func openBackend(cfg config.StoreConfig) (storage.Backend, error) {
	switch cfg.Kind {
	case "bbolt":
		b, err := storage.NewBboltBackend(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open stage store: %w", err)
		}
		return b, nil
	default:
		return storage.NewMemoryBackend(), nil
	}
}
