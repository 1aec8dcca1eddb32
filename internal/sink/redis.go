package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pkg.jsn.cam/phraseweight/internal/config"
	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

// redisBatch is how many entries go into one RPUSH
const redisBatch = 500

// NewRedisClient connects to Redis and verifies the connection with a PING
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return rdb, nil
}

// RedisRanked writes the ranking into a Redis list. Entries are pushed to
// a temporary key which replaces the destination key on Commit.
type RedisRanked struct {
	rdb     redis.Cmdable
	key     string
	tmp     string
	pending []any
	pushed  int
	done    bool
}

// NewRedisRanked returns a writer for the list at key
func NewRedisRanked(rdb redis.Cmdable, key string) *RedisRanked {
	return &RedisRanked{
		rdb: rdb,
		key: key,
		tmp: key + ":tmp:" + uuid.New().String(),
	}
}

func (r *RedisRanked) WriteRanked(ctx context.Context, e phraseweight.RankedEntry) error {
	if r.done {
		return fmt.Errorf("redis list %s: already committed or aborted", r.key)
	}

	r.pending = append(r.pending, FormatEntry(e))
	if len(r.pending) >= redisBatch {
		return r.flush(ctx)
	}
	return nil
}

func (r *RedisRanked) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	if err := r.rdb.RPush(ctx, r.tmp, r.pending...).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", r.tmp, err)
	}
	r.pushed += len(r.pending)
	r.pending = r.pending[:0]
	return nil
}

// Commit publishes the list. An empty ranking deletes the destination key.
func (r *RedisRanked) Commit(ctx context.Context) error {
	if r.done {
		return fmt.Errorf("redis list %s: already committed or aborted", r.key)
	}
	if err := r.flush(ctx); err != nil {
		return err
	}
	r.done = true

	if r.pushed == 0 {
		if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
			return fmt.Errorf("clear %s: %w", r.key, err)
		}
		return nil
	}

	if err := r.rdb.Rename(ctx, r.tmp, r.key).Err(); err != nil {
		return fmt.Errorf("rename %s to %s: %w", r.tmp, r.key, err)
	}
	return nil
}

// Abort deletes the temporary key. It is a no-op after Commit.
func (r *RedisRanked) Abort(ctx context.Context) error {
	if r.done {
		return nil
	}
	r.done = true
	r.pending = nil

	if err := r.rdb.Del(ctx, r.tmp).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", r.tmp, err)
	}
	return nil
}
