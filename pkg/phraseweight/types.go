package phraseweight

// Occurrence is one raw observation of a phrase in the source data.
type Occurrence struct {
	Phrase string `json:"phrase"`
}

// WeightedPhrase is the unit flowing through every aggregation stage.
// Weight is always the sum of some subset of the base weights contributed
// by occurrences of Phrase.
type WeightedPhrase struct {
	Phrase string `json:"phrase"`
	Weight int64  `json:"weight"`
}

// AggregatedPhrase has the same shape as WeightedPhrase but is final:
// a completed aggregation pass holds exactly one per distinct phrase.
// Only the global and merge aggregators create it.
type AggregatedPhrase WeightedPhrase

// RankedEntry is a phrase re-keyed by its weight for the ranking stage.
type RankedEntry struct {
	Weight int64  `json:"weight"`
	Phrase string `json:"phrase"`
}

// Emitter receives records produced by a stage.
type Emitter func(WeightedPhrase)

// Weighted is the set of record shapes the summation core folds.
type Weighted interface {
	WeightedPhrase | AggregatedPhrase
}

// MalformedPolicy decides what the weight assigner does with an occurrence
// that carries no phrase.
type MalformedPolicy int

const (
	// MalformedAbort fails the batch on the first malformed occurrence.
	MalformedAbort MalformedPolicy = iota
	// MalformedSkip drops malformed occurrences and counts them.
	MalformedSkip
)

func (p MalformedPolicy) String() string {
	switch p {
	case MalformedAbort:
		return "abort"
	case MalformedSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParseMalformedPolicy maps a configuration value onto a MalformedPolicy.
func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch s {
	case "", "abort":
		return MalformedAbort, nil
	case "skip":
		return MalformedSkip, nil
	default:
		return MalformedAbort, ErrUnknownPolicy
	}
}
