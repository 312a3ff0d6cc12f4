package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/merchsense/merchsense/pkg"
	"github.com/merchsense/merchsense/pkg/geo"
	"github.com/merchsense/merchsense/pkg/logx"
	"github.com/merchsense/merchsense/pkg/retry"
)

// TerminalRecord is the best-known answer for one payment terminal
type TerminalRecord struct {
	TerminalID         string                 `json:"terminal_id"`
	MCC                string                 `json:"mcc"`
	Confidence         float64                `json:"confidence"`
	MerchantName       string                 `json:"merchant_name,omitempty"`
	MerchantCategory   string                 `json:"merchant_category,omitempty"`
	TransactionCount   int                    `json:"transaction_count"`
	SuccessCount       int                    `json:"success_count"`
	Location           *geo.Point             `json:"location,omitempty"`
	LocationHash       string                 `json:"location_hash,omitempty"`
	HitCount           int                    `json:"hit_count"`
	LastHitAt          time.Time              `json:"last_hit_at,omitempty"`
	LastSeen           time.Time              `json:"last_seen"`
	IsVerified         bool                   `json:"is_verified"`
	VerificationSource pkg.VerificationSource `json:"verification_source,omitempty"`
}

// TerminalUpdate is one observation to merge into the terminal cache
type TerminalUpdate struct {
	TerminalID         string
	MCC                string
	Confidence         float64
	MerchantName       string
	MerchantCategory   string
	Location           *geo.Point
	Success            bool
	Verified           bool
	VerificationSource pkg.VerificationSource
}

// TerminalStore persists terminal records
type TerminalStore interface {
	UpsertTerminal(ctx context.Context, rec TerminalRecord) error
	DeleteTerminals(ctx context.Context, ids []string) error
}

type terminalShard struct {
	mu      sync.RWMutex
	records map[string]*TerminalRecord
}

// TerminalCache maps terminal IDs to confidence-merged records
type TerminalCache struct {
	shards [shardCount]*terminalShard
	store  TerminalStore
	retry  retry.Config
	logger *logx.Logger

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// NewTerminalCache creates a terminal cache. store may be nil for a purely
// in-memory cache.
func NewTerminalCache(store TerminalStore, logger *logx.Logger) *TerminalCache {
	c := &TerminalCache{
		store:  store,
		retry:  retry.DefaultConfig(),
		logger: logger,
		now:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &terminalShard{records: make(map[string]*TerminalRecord)}
	}
	return c
}

// Get returns a copy of the record for terminalID. A hit bumps hit_count and
// last_hit_at; a miss creates nothing.
func (c *TerminalCache) Get(terminalID string) (TerminalRecord, bool) {
	shard := c.shards[shardIndex(terminalID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[terminalID]
	if !ok {
		c.misses.Add(1)
		return TerminalRecord{}, false
	}

	rec.HitCount++
	rec.LastHitAt = c.now()
	c.hits.Add(1)
	return *rec, true
}

// Update merges one observation into the cache, inserting when the terminal
// is unknown. The merge is atomic per key; the result is written through to
// the store when one is configured.
func (c *TerminalCache) Update(ctx context.Context, u TerminalUpdate) (TerminalRecord, error) {
	if u.TerminalID == "" {
		return TerminalRecord{}, fmt.Errorf("terminal cache: empty terminal id")
	}
	if err := pkg.ValidateMCC(u.MCC); err != nil {
		return TerminalRecord{}, err
	}
	if err := pkg.ValidateConfidence(u.Confidence); err != nil {
		return TerminalRecord{}, err
	}
	if u.Location != nil {
		if err := pkg.ValidateCoordinate(u.Location.Lat, u.Location.Lng); err != nil {
			return TerminalRecord{}, err
		}
	}

	shard := c.shards[shardIndex(u.TerminalID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec := shard.records[u.TerminalID]
	merged := mergeTerminal(rec, u, c.now())
	shard.records[u.TerminalID] = merged

	if c.store != nil {
		snapshot := *merged
		if err := retry.Do(ctx, c.retry, func() error {
			return c.store.UpsertTerminal(ctx, snapshot)
		}); err != nil {
			return snapshot, fmt.Errorf("%w: persisting terminal %s: %v", pkg.ErrStoreUnavailable, u.TerminalID, err)
		}
	}

	return *merged, nil
}

// mergeTerminal applies the merge rules to an existing record (nil means
// insert). The incoming MCC only displaces the incumbent when its confidence
// is strictly greater; counters never decrease; optional fields fill only
// when previously empty.
func mergeTerminal(existing *TerminalRecord, u TerminalUpdate, now time.Time) *TerminalRecord {
	success := 0
	if u.Success {
		success = 1
	}

	if existing == nil {
		rec := &TerminalRecord{
			TerminalID:       u.TerminalID,
			MCC:              u.MCC,
			Confidence:       u.Confidence,
			MerchantName:     u.MerchantName,
			MerchantCategory: u.MerchantCategory,
			TransactionCount: 1,
			SuccessCount:     success,
			LastSeen:         now,
		}
		rec.setLocation(u.Location)
		if u.Verified {
			rec.IsVerified = true
			rec.VerificationSource = u.VerificationSource
		}
		return rec
	}

	rec := *existing
	if u.Confidence > rec.Confidence {
		rec.MCC = u.MCC
		rec.Confidence = u.Confidence
	}
	rec.MerchantName = fillString(rec.MerchantName, u.MerchantName)
	rec.MerchantCategory = fillString(rec.MerchantCategory, u.MerchantCategory)
	if rec.Location == nil {
		rec.setLocation(u.Location)
	}
	rec.TransactionCount++
	rec.SuccessCount += success
	rec.LastSeen = now
	if u.Verified && !rec.IsVerified {
		rec.IsVerified = true
		rec.VerificationSource = u.VerificationSource
	}
	return &rec
}

// setLocation stores the hint and its derived bucket key
func (r *TerminalRecord) setLocation(p *geo.Point) {
	if p == nil {
		return
	}
	loc := *p
	r.Location = &loc
	if key, err := geo.Hash(p.Lat, p.Lng, geo.DefaultPrecisionMeters); err == nil {
		r.LocationHash = key
	}
}

// Seed inserts a record without touching the store or counters; used when
// rehydrating the cache at startup.
func (c *TerminalCache) Seed(rec TerminalRecord) {
	shard := c.shards[shardIndex(rec.TerminalID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	copied := rec
	shard.records[rec.TerminalID] = &copied
}

// Cleanup removes records that are both older than the cutoff and below the
// transaction floor. Busy old terminals are kept. A concurrent update racing
// a delete either recreates the record afterwards or wins outright; both
// outcomes leave a consistent record.
func (c *TerminalCache) Cleanup(ctx context.Context, olderThan time.Time, minTransactionCount int) (int, error) {
	var removed []string
	for _, shard := range c.shards {
		shard.mu.Lock()
		for id, rec := range shard.records {
			if olderAndColder(rec.LastSeen, olderThan, rec.TransactionCount, minTransactionCount) {
				delete(shard.records, id)
				removed = append(removed, id)
			}
		}
		shard.mu.Unlock()
	}

	if len(removed) > 0 && c.store != nil {
		if err := retry.Do(ctx, c.retry, func() error {
			return c.store.DeleteTerminals(ctx, removed)
		}); err != nil {
			return len(removed), fmt.Errorf("%w: deleting terminals: %v", pkg.ErrStoreUnavailable, err)
		}
	}
	if len(removed) > 0 {
		c.logger.Debug("terminal cache cleanup", "removed", len(removed), "older_than", olderThan)
	}
	return len(removed), nil
}

// Count returns the number of cached terminals
func (c *TerminalCache) Count() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.records)
		shard.mu.RUnlock()
	}
	return total
}

// Stats returns entry count, hit rate and average confidence
func (c *TerminalCache) Stats() Stats {
	entries := 0
	confSum := 0.0
	for _, shard := range c.shards {
		shard.mu.RLock()
		for _, rec := range shard.records {
			entries++
			confSum += rec.Confidence
		}
		shard.mu.RUnlock()
	}

	s := Stats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
	s.HitRate = hitRate(s.Hits, s.Misses)
	if entries > 0 {
		s.AvgConfidence = confSum / float64(entries)
	}
	return s
}
