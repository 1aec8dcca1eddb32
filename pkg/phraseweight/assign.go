package phraseweight

import "fmt"

// DefaultBaseWeight is the weight given to one occurrence when none is configured.
const DefaultBaseWeight int64 = 1

// Assigner tags every occurrence with a fixed base weight.
type Assigner struct {
	baseWeight int64
}

// NewAssigner creates an assigner for the given base weight.
func NewAssigner(baseWeight int64) (*Assigner, error) {
	if baseWeight <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBaseWeight, baseWeight)
	}

	return &Assigner{baseWeight: baseWeight}, nil
}

// BaseWeight returns the configured weight per occurrence.
func (a *Assigner) BaseWeight() int64 {
	return a.baseWeight
}

// Assign converts a single occurrence. Empty phrases are rejected, never coerced.
func (a *Assigner) Assign(occ Occurrence) (WeightedPhrase, error) {
	if occ.Phrase == "" {
		return WeightedPhrase{}, ErrEmptyPhrase
	}

	return WeightedPhrase{Phrase: occ.Phrase, Weight: a.baseWeight}, nil
}

// AssignBatch converts a batch of occurrences and emits one record per
// accepted occurrence. It returns how many occurrences were rejected under
// MalformedSkip; under MalformedAbort the first rejection is returned as an error.
func (a *Assigner) AssignBatch(batch []Occurrence, policy MalformedPolicy, emit Emitter) (int, error) {
	rejected := 0

	for i, occ := range batch {
		wp, err := a.Assign(occ)
		if err != nil {
			if policy == MalformedSkip {
				rejected++
				continue
			}

			return rejected, fmt.Errorf("occurrence %d: %w", i, err)
		}

		emit(wp)
	}

	return rejected, nil
}
