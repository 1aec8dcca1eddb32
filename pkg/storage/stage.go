package storage

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// Sentinel errors for stage storage
var (
	ErrReadOnly       = errors.New("transaction is read-only")
	ErrStageNotFound  = errors.New("stage not found")
	ErrStageSealed    = errors.New("stage already sealed")
	ErrStageNotSealed = errors.New("stage not sealed")
)

var (
	sealedKey     = []byte("!sealed")
	taskPrefix    = []byte("t/")
	partPrefix    = []byte("p/")
	partKeyDigits = 8
)

// StageStore holds the committed output of each pipeline stage for one run.
//
// A stage is a bucket. A task commits all of its partitions and its commit
// marker in one transaction; the first attempt to commit wins and later
// attempts of the same task are discarded. Once a stage is sealed no more
// commits are accepted, and only sealed stages can be read, so downstream
// stages never observe partial output.
type StageStore struct {
	backend Backend
	runID   string
}

// NewStageStore scopes stage buckets to runID on top of backend
func NewStageStore(backend Backend, runID string) *StageStore {
	return &StageStore{backend: backend, runID: runID}
}

func (s *StageStore) bucketName(stage string) []byte {
	return []byte("run/" + s.runID + "/" + stage)
}

func partKey(partition int, taskID string) []byte {
	return fmt.Appendf(nil, "p/%0*d/%s", partKeyDigits, partition, taskID)
}

func partPrefixFor(partition int) []byte {
	return fmt.Appendf(nil, "p/%0*d/", partKeyDigits, partition)
}

// Open creates the stage bucket. Opening an existing stage is a no-op.
func (s *StageStore) Open(stage string) error {
	return s.backend.Update(func(tx Transaction) error {
		return tx.CreateBucket(s.bucketName(stage))
	})
}

// Commit atomically stores a task attempt's partitions. It reports false,
// without error, when another attempt of the task already committed.
func (s *StageStore) Commit(stage, taskID, attempt string, parts map[int][]byte) (bool, error) {
	committed := false

	err := s.backend.Update(func(tx Transaction) error {
		b := tx.Bucket(s.bucketName(stage))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStageNotFound, stage)
		}

		if b.Get(sealedKey) != nil {
			return fmt.Errorf("%w: %s", ErrStageSealed, stage)
		}

		marker := append(slices.Clone(taskPrefix), taskID...)
		if b.Get(marker) != nil {
			return nil
		}

		for partition, data := range parts {
			if err := b.Put(partKey(partition, taskID), data); err != nil {
				return fmt.Errorf("put partition %d: %w", partition, err)
			}
		}

		if err := b.Put(marker, []byte(attempt)); err != nil {
			return fmt.Errorf("put commit marker: %w", err)
		}

		committed = true
		return nil
	})

	return committed, err
}

// Seal closes the stage to further commits and makes it readable
func (s *StageStore) Seal(stage string) error {
	return s.backend.Update(func(tx Transaction) error {
		b := tx.Bucket(s.bucketName(stage))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStageNotFound, stage)
		}

		return b.Put(sealedKey, []byte{1})
	})
}

// IsSealed reports whether the stage has been sealed
func (s *StageStore) IsSealed(stage string) (bool, error) {
	sealed := false

	err := s.backend.View(func(tx Transaction) error {
		b := tx.Bucket(s.bucketName(stage))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStageNotFound, stage)
		}

		sealed = b.Get(sealedKey) != nil
		return nil
	})

	return sealed, err
}

// sealedView runs fn against a sealed stage's bucket
func (s *StageStore) sealedView(stage string, fn func(b Bucket) error) error {
	return s.backend.View(func(tx Transaction) error {
		b := tx.Bucket(s.bucketName(stage))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStageNotFound, stage)
		}

		if b.Get(sealedKey) == nil {
			return fmt.Errorf("%w: %s", ErrStageNotSealed, stage)
		}

		return fn(b)
	})
}

// Partitions lists, in ascending order, the partitions a sealed stage holds data for
func (s *StageStore) Partitions(stage string) ([]int, error) {
	var partitions []int

	err := s.sealedView(stage, func(b Bucket) error {
		return b.ForEach(func(k, _ []byte) error {
			if !bytes.HasPrefix(k, partPrefix) {
				return nil
			}

			digits := k[len(partPrefix) : len(partPrefix)+partKeyDigits]
			p, err := strconv.Atoi(string(digits))
			if err != nil {
				return fmt.Errorf("malformed partition key %q: %w", k, err)
			}

			if len(partitions) == 0 || partitions[len(partitions)-1] != p {
				partitions = append(partitions, p)
			}

			return nil
		})
	})

	return partitions, err
}

// Batches returns every committed batch of one partition of a sealed stage,
// ordered by task ID.
func (s *StageStore) Batches(stage string, partition int) ([][]byte, error) {
	var batches [][]byte
	prefix := partPrefixFor(partition)

	err := s.sealedView(stage, func(b Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			if bytes.HasPrefix(k, prefix) {
				// Copy the value since it's only valid during the transaction
				batches = append(batches, slices.Clone(v))
			}
			return nil
		})
	})

	return batches, err
}

// Tasks returns the committed tasks of a stage and the attempt that won each
func (s *StageStore) Tasks(stage string) (map[string]string, error) {
	tasks := make(map[string]string)

	err := s.backend.View(func(tx Transaction) error {
		b := tx.Bucket(s.bucketName(stage))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStageNotFound, stage)
		}

		return b.ForEach(func(k, v []byte) error {
			if bytes.HasPrefix(k, taskPrefix) {
				tasks[string(k[len(taskPrefix):])] = string(v)
			}
			return nil
		})
	})

	return tasks, err
}

// Drop deletes a stage and everything committed to it
func (s *StageStore) Drop(stage string) error {
	return s.backend.Update(func(tx Transaction) error {
		return tx.DeleteBucket(s.bucketName(stage))
	})
}
