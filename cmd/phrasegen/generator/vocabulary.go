package generator

var qualifiers = []string{
	"cheap", "best", "used", "new", "free", "local", "online", "fast",
	"small", "large", "organic", "vintage", "wireless", "portable", "electric", "custom",
}

var subjects = []string{
	"flights", "hotels", "laptops", "shoes", "pizza", "recipes", "weather",
	"jobs", "cars", "books", "headphones", "bikes", "tickets", "apartments",
	"coffee", "games", "phones", "cameras", "tents", "watches",
}

var places = []string{
	"", "", "", "near me", "in paris", "in tokyo", "for kids", "2024", "review", "sale",
}

// buildVocabulary returns up to n distinct phrases in a fixed order, so the
// same n always yields the same ranks.
func buildVocabulary(n int) []string {
	vocab := make([]string, 0, n)
	seen := make(map[string]struct{}, n)

	for _, p := range places {
		for _, s := range subjects {
			for _, q := range qualifiers {
				phrase := q + " " + s
				if p != "" {
					phrase += " " + p
				}
				if _, dup := seen[phrase]; dup {
					continue
				}
				seen[phrase] = struct{}{}
				vocab = append(vocab, phrase)
				if len(vocab) == n {
					return vocab
				}
			}
		}
	}

	return vocab
}

// MaxVocabulary is the number of distinct phrases the word lists can form
func MaxVocabulary() int {
	return len(buildVocabulary(len(qualifiers) * len(subjects) * len(places)))
}
