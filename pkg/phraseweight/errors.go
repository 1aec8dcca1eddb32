package phraseweight

import "errors"

// Sentinel errors for common error conditions
var (
	// Input errors
	ErrEmptyPhrase       = errors.New("empty phrase")
	ErrInvalidBaseWeight = errors.New("base weight must be positive")
	ErrUnknownPolicy     = errors.New("unknown malformed-input policy")

	// Aggregation errors
	ErrNegativeWeight = errors.New("negative weight")
	ErrWeightOverflow = errors.New("weight overflows int64")
	ErrMixedGroup     = errors.New("record does not belong to group")
	ErrUnsortedInput  = errors.New("records not sorted by phrase")
)
