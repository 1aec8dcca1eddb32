package phraseweight

import (
	"hash/fnv"
	"slices"
	"strings"
)

// PartitionKey computes the partition for a phrase using FNV-1a hash.
// The same phrase always routes to the same partition for a given n.
func PartitionKey(phrase string, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}

	h := fnv.New32a()
	h.Write([]byte(phrase))

	return int(h.Sum32() % uint32(numPartitions))
}

// PartitionBatch groups records by partition
func PartitionBatch(records []WeightedPhrase, numPartitions int) map[int][]WeightedPhrase {
	partitioned := make(map[int][]WeightedPhrase)

	for _, wp := range records {
		p := PartitionKey(wp.Phrase, numPartitions)
		partitioned[p] = append(partitioned[p], wp)
	}

	return partitioned
}

// SortByPhrase orders records so that every phrase forms one contiguous run.
func SortByPhrase(records []WeightedPhrase) {
	slices.SortStableFunc(records, func(a, b WeightedPhrase) int {
		return strings.Compare(a.Phrase, b.Phrase)
	})
}
