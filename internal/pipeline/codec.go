package pipeline

import (
	"encoding/json"
	"fmt"

	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

// Stage batches are stored as JSON arrays of the stage's record type.

func encodeBatch[T any](records []T) ([]byte, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

func decodeBatches[T any](batches [][]byte) ([]T, error) {
	var out []T
	for i, data := range batches {
		var records []T
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decode batch %d: %w", i, err)
		}
		out = append(out, records...)
	}
	return out, nil
}

// encodePartitions routes records by phrase and encodes each partition
func encodePartitions(records []phraseweight.WeightedPhrase, numPartitions int) (map[int][]byte, error) {
	parts := make(map[int][]byte)
	for partition, batch := range phraseweight.PartitionBatch(records, numPartitions) {
		data, err := encodeBatch(batch)
		if err != nil {
			return nil, err
		}
		parts[partition] = data
	}
	return parts, nil
}
