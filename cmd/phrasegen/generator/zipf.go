package generator

import "math/rand/v2"

// ZipfGenerator draws phrases with a Zipf distribution, so a few phrases are
// very frequent and most are rare, like real search queries
type ZipfGenerator struct {
	Vocabulary int
	Skew       float64

	vocab []string
	zipf  *rand.Zipf
}

func (g *ZipfGenerator) Init(r *rand.Rand) {
	g.vocab = buildVocabulary(g.Vocabulary)
	// rand.NewZipf requires s > 1
	skew := max(g.Skew, 1.0001)
	g.zipf = rand.NewZipf(r, skew, 1, uint64(len(g.vocab)-1))
}

func (g *ZipfGenerator) Phrase() string {
	return g.vocab[g.zipf.Uint64()]
}

func (g *ZipfGenerator) Description() string {
	return "Search-style phrases with a Zipf frequency distribution"
}

func (g *ZipfGenerator) DefaultCount() int64 {
	return 1e5
}

// UniformGenerator draws every phrase with the same probability
type UniformGenerator struct {
	Vocabulary int

	vocab []string
	rand  *rand.Rand
}

func (g *UniformGenerator) Init(r *rand.Rand) {
	g.rand = r
	g.vocab = buildVocabulary(g.Vocabulary)
}

func (g *UniformGenerator) Phrase() string {
	return g.vocab[g.rand.IntN(len(g.vocab))]
}

func (g *UniformGenerator) Description() string {
	return "Search-style phrases, uniformly distributed"
}

func (g *UniformGenerator) DefaultCount() int64 {
	return 1e4
}
