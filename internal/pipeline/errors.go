package pipeline

import "errors"

// Sentinel errors for pipeline runs
var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrStageFailed       = errors.New("stage failed")
	ErrNoInput           = errors.New("job has neither occurrences nor snapshots")
)
