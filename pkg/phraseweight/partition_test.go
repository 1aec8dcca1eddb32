package phraseweight

import "testing"

func TestPartitionKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		phrase        string
		numPartitions int
	}{
		{"basic", "hello", 4},
		{"single partition", "world", 1},
		{"large partition count", "how to cook rice", 100},
		{"non-positive partitions", "hello", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// Same phrase should always give same partition
			partition1 := PartitionKey(tt.phrase, tt.numPartitions)
			partition2 := PartitionKey(tt.phrase, tt.numPartitions)

			if partition1 != partition2 {
				t.Errorf("PartitionKey not consistent: got %d and %d for same phrase", partition1, partition2)
			}

			upper := max(tt.numPartitions, 1)
			if partition1 < 0 || partition1 >= upper {
				t.Errorf("PartitionKey(%q, %d) = %d, want value in range [0, %d)",
					tt.phrase, tt.numPartitions, partition1, upper)
			}
		})
	}
}

func TestPartitionKey_Distribution(t *testing.T) {
	t.Parallel()

	numPartitions := 4
	partitions := make(map[int]int)

	phrases := []string{"apple", "banana", "cherry", "date", "elderberry", "fig", "grape", "honeydew"}
	for _, phrase := range phrases {
		partitions[PartitionKey(phrase, numPartitions)]++
	}

	if len(partitions) < 2 {
		t.Errorf("PartitionKey distributed %d phrases into only %d partitions, expected at least 2",
			len(phrases), len(partitions))
	}
}

func TestPartitionBatch(t *testing.T) {
	t.Parallel()

	records := []WeightedPhrase{
		{"apple", 1}, {"banana", 1}, {"cherry", 1}, {"apple", 2},
	}

	partitioned := PartitionBatch(records, 4)

	total := 0
	for partition, recs := range partitioned {
		total += len(recs)
		for _, wp := range recs {
			if got := PartitionKey(wp.Phrase, 4); got != partition {
				t.Errorf("Phrase %q in partition %d, PartitionKey says %d", wp.Phrase, partition, got)
			}
		}
	}

	if total != len(records) {
		t.Errorf("Partitioned %d records, want %d", total, len(records))
	}

	// Both apple records must land together
	p := PartitionKey("apple", 4)
	apples := 0
	for _, wp := range partitioned[p] {
		if wp.Phrase == "apple" {
			apples++
		}
	}
	if apples != 2 {
		t.Errorf("Found %d apple records in partition %d, want 2", apples, p)
	}
}

func TestSortByPhrase(t *testing.T) {
	t.Parallel()

	records := []WeightedPhrase{{"b", 1}, {"a", 1}, {"b", 2}, {"a", 3}}
	SortByPhrase(records)

	want := []WeightedPhrase{{"a", 1}, {"a", 3}, {"b", 1}, {"b", 2}}
	for i := range want {
		if records[i] != want[i] {
			t.Errorf("Record %d = %+v, want %+v", i, records[i], want[i])
		}
	}
}
