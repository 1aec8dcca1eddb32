package generator

import "math/rand/v2"

// Generator produces a stream of phrase occurrences
type Generator interface {
	// Init initializes the generator with a per-instance random source
	Init(r *rand.Rand)

	// Phrase returns the next occurrence
	Phrase() string

	// Description returns a human-readable description of the data
	Description() string

	// DefaultCount returns the suggested default number of occurrences
	DefaultCount() int64
}
