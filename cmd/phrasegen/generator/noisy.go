package generator

import (
	"math/rand/v2"
	"strings"
)

// NoisyGenerator wraps another generator and makes its output look like raw
// collected input: random casing, the | separator left in, and empty
// occurrences at EmptyRate.
type NoisyGenerator struct {
	Inner     Generator
	EmptyRate float64

	rand *rand.Rand
}

func (g *NoisyGenerator) Init(r *rand.Rand) {
	g.rand = r
	g.Inner.Init(r)
}

func (g *NoisyGenerator) Phrase() string {
	if g.rand.Float64() < g.EmptyRate {
		return ""
	}

	phrase := g.Inner.Phrase()
	switch g.rand.IntN(4) {
	case 0:
		phrase = strings.ToUpper(phrase)
	case 1:
		phrase = strings.ToUpper(phrase[:1]) + phrase[1:]
	}
	if g.rand.IntN(3) == 0 {
		phrase += "|"
	}
	return phrase
}

func (g *NoisyGenerator) Description() string {
	return "Zipf phrases with mixed case, | separators and empty lines"
}

func (g *NoisyGenerator) DefaultCount() int64 {
	return g.Inner.DefaultCount()
}
