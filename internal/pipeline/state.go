package pipeline

import (
	"fmt"
	"slices"
	"sync"
)

// State represents the pipeline's position in the run DAG
type State string

const (
	StateIdle                 State = "idle"
	StateAssigning            State = "assigning"
	StatePartiallyAggregating State = "partially_aggregating"
	StateGroupingByPhrase     State = "grouping_by_phrase"
	StateGloballyAggregating  State = "globally_aggregating"
	StateMerging              State = "merging"
	StateRanking              State = "ranking"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

// Legal forward edges. Every non-terminal state may also move to StateFailed.
var transitions = map[State][]State{
	StateIdle:                 {StateAssigning, StateMerging},
	StateAssigning:            {StatePartiallyAggregating, StateGroupingByPhrase},
	StatePartiallyAggregating: {StateGroupingByPhrase},
	StateGroupingByPhrase:     {StateGloballyAggregating},
	StateGloballyAggregating:  {StateMerging, StateRanking, StateDone},
	StateMerging:              {StateRanking, StateDone},
	StateRanking:              {StateDone},
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	return slices.Contains(transitions[from], to)
}

// machine tracks one run's state. Safe for concurrent use.
type machine struct {
	mu      sync.Mutex
	state   State
	history []State
}

func newMachine() *machine {
	return &machine{state: StateIdle, history: []State{StateIdle}}
}

func (m *machine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
	}

	m.state = to
	m.history = append(m.history, to)
	return nil
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) path() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}
