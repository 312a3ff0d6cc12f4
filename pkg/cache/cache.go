// Package cache implements the terminal and location prediction caches.
//
// Both caches share the same shape: records are spread over a fixed number of
// shards, each guarded by its own mutex, so every merge is an atomic
// read-modify-write on its key without a global lock. Persistence is
// write-through to an optional store; the in-memory copy is authoritative and
// a failed store write surfaces as a retryable error instead of being
// dropped.
package cache

import (
	"hash/fnv"
	"time"
)

const shardCount = 64

// shardIndex maps a record key onto its shard
func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Stats summarizes one cache for statistics reporting
type Stats struct {
	Entries       int     `json:"entries"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// hitRate guards the zero-lookup case
func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// fillString returns existing unless it is empty
func fillString(existing, incoming string) string {
	if existing != "" {
		return existing
	}
	return incoming
}

// olderAndColder reports whether a record is both stale and low-usage; the
// eviction policy requires both so high-traffic old records survive
func olderAndColder(lastActivity time.Time, olderThan time.Time, usage, minUsage int) bool {
	return lastActivity.Before(olderThan) && usage < minUsage
}
