// Package source reads phrase occurrences from files and Kafka and delivers
// them to the pipeline in chunks.
package source

import "strings"

// separator is reserved by downstream consumers of the ranked output.
const separator = "|"

// Normalize lowercases a phrase and strips the separator character
func Normalize(phrase string) string {
	return strings.ReplaceAll(strings.ToLower(phrase), separator, "")
}

func occurrence(phrase string, normalize bool) string {
	if normalize {
		return Normalize(phrase)
	}
	return phrase
}
