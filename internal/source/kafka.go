package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"pkg.jsn.cam/phraseweight/internal/config"
	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

// messageReader is the part of *kafka.Reader the source uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// phraseMessage is the value produced to the phrases topic
type phraseMessage struct {
	Phrase string `json:"phrase"`
}

// KafkaSource drains a bounded batch of phrase messages from a topic.
// Offsets are only committed by Commit, after the run that consumed them
// succeeded, so a failed run re-reads the same messages.
type KafkaSource struct {
	reader      messageReader
	logger      *zap.Logger
	maxMessages int
	idleTimeout time.Duration

	// last fetched message per partition
	pending map[int]kafka.Message
}

// NewKafkaSource creates a consumer-group reader for the configured topic
func NewKafkaSource(cfg config.KafkaConfig, logger *zap.Logger) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	return newKafkaSource(r, cfg.MaxMessages, cfg.IdleTimeout, logger.Named("source.kafka").With(zap.String("topic", cfg.Topic)))
}

func newKafkaSource(r messageReader, maxMessages int, idleTimeout time.Duration, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{
		reader:      r,
		logger:      logger,
		maxMessages: maxMessages,
		idleTimeout: idleTimeout,
		pending:     make(map[int]kafka.Message),
	}
}

// Chunks fetches up to maxMessages messages, stopping early once no message
// arrives for idleTimeout, and sends them to out in chunks of chunkSize.
// A value that is not a phrase message becomes an empty occurrence so the
// malformed-input policy decides its fate. out is always closed on return.
func (s *KafkaSource) Chunks(ctx context.Context, chunkSize int, normalize bool, out chan<- []phraseweight.Occurrence) error {
	defer close(out)

	send := func(chunk []phraseweight.Occurrence) error {
		select {
		case out <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var (
		chunk   []phraseweight.Occurrence
		fetched int
	)

	for fetched < s.maxMessages {
		fetchCtx, cancel := context.WithTimeout(ctx, s.idleTimeout)
		msg, err := s.reader.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info("topic idle, ending batch", zap.Int("fetched", fetched))
				break
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		fetched++
		s.pending[msg.Partition] = msg

		var pm phraseMessage
		if err := json.Unmarshal(msg.Value, &pm); err != nil {
			s.logger.Warn("undecodable message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		chunk = append(chunk, phraseweight.Occurrence{Phrase: occurrence(pm.Phrase, normalize)})
		if len(chunk) >= chunkSize {
			if err := send(chunk); err != nil {
				return err
			}
			chunk = nil
		}
	}

	if len(chunk) > 0 {
		return send(chunk)
	}
	return nil
}

// Commit marks every fetched message as consumed
func (s *KafkaSource) Commit(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(s.pending))
	for _, m := range s.pending {
		msgs = append(msgs, m)
	}

	if err := s.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}

	s.logger.Info("committed offsets", zap.Int("partitions", len(msgs)))
	clear(s.pending)
	return nil
}

// Close closes the underlying reader
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
