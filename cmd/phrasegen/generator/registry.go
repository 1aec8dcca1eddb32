package generator

import (
	"fmt"
	"slices"
)

// Params tunes the generators that use them
type Params struct {
	Vocabulary int
	Skew       float64
	EmptyRate  float64
}

// DefaultParams returns the parameters used when no flag overrides them
func DefaultParams() Params {
	return Params{Vocabulary: 1000, Skew: 1.2, EmptyRate: 0.01}
}

// Registry maps generator names to generator factory functions
var Registry = map[string]func(p Params) Generator{
	"zipf": func(p Params) Generator {
		return &ZipfGenerator{Vocabulary: p.Vocabulary, Skew: p.Skew}
	},
	"uniform": func(p Params) Generator {
		return &UniformGenerator{Vocabulary: p.Vocabulary}
	},
	"noisy": func(p Params) Generator {
		return &NoisyGenerator{
			Inner:     &ZipfGenerator{Vocabulary: p.Vocabulary, Skew: p.Skew},
			EmptyRate: p.EmptyRate,
		}
	},
}

// Get returns a generator by name
func Get(name string, p Params) (Generator, error) {
	factory, exists := Registry[name]
	if !exists {
		return nil, fmt.Errorf("unknown generator: %s", name)
	}
	if p.Vocabulary < 1 || p.Vocabulary > MaxVocabulary() {
		return nil, fmt.Errorf("vocabulary must be between 1 and %d, got %d", MaxVocabulary(), p.Vocabulary)
	}
	return factory(p), nil
}

// List returns all available generator names
func List() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
