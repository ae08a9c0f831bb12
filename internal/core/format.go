package core

import (
	"fmt"
)

// CapIDs truncates ids for log output, noting how many were left out.
func CapIDs(ids []string, limit int) []string {
	if limit <= 0 || len(ids) <= limit {
		return ids
	}
	out := make([]string, 0, limit+1)
	out = append(out, ids[:limit]...)
	out = append(out, fmt.Sprintf("... and %d more", len(ids)-limit))
	return out
}

// Chunk splits ids into batches of at most size.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var batches [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}

// RefIDs extracts ids from refs preserving order.
func RefIDs(refs []TrackRef) []string {
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	return ids
}
