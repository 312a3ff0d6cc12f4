package cache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/merchsense/merchsense/pkg"
	"github.com/merchsense/merchsense/pkg/geo"
	"github.com/merchsense/merchsense/pkg/logx"
	"github.com/merchsense/merchsense/pkg/retry"
)

// DefaultMinConfidence is the nearby-search confidence floor used when the
// caller does not supply one
const DefaultMinConfidence = 0.3

// indexCellMeters sizes the coarse grid backing nearby search. Cells are
// wide enough that typical query radii touch only a handful of them.
const indexCellMeters = 500.0

// LocationRecord is the best-known answer for one spatial bucket
type LocationRecord struct {
	LocationHash       string                 `json:"location_hash"`
	Lat                float64                `json:"lat"`
	Lng                float64                `json:"lng"`
	PrecisionMeters    float64                `json:"precision_meters"`
	RadiusMeters       float64                `json:"radius_meters"`
	PredictedMCC       string                 `json:"predicted_mcc"`
	Confidence         float64                `json:"confidence"`
	PredictionCount    int                    `json:"prediction_count"`
	SuccessCount       int                    `json:"success_count"`
	AccuracyRate       float64                `json:"accuracy_rate"`
	HitCount           int                    `json:"hit_count"`
	LastHitAt          time.Time              `json:"last_hit_at,omitempty"`
	LastUpdated        time.Time              `json:"last_updated"`
	IsVerified         bool                   `json:"is_verified"`
	VerificationSource pkg.VerificationSource `json:"verification_source,omitempty"`
}

// LocationUpdate is one observation to merge into the location cache
type LocationUpdate struct {
	Lat                float64
	Lng                float64
	MCC                string
	Confidence         float64
	Success            bool
	Verified           bool
	VerificationSource pkg.VerificationSource
}

// NearbyResult is one nearby-search match with its true distance
type NearbyResult struct {
	Record         LocationRecord `json:"record"`
	DistanceMeters float64        `json:"distance_meters"`
}

// LocationStore persists location records
type LocationStore interface {
	UpsertLocation(ctx context.Context, rec LocationRecord) error
	DeleteLocations(ctx context.Context, keys []string) error
}

type locationShard struct {
	mu      sync.RWMutex
	records map[string]*LocationRecord
}

// gridCell addresses one coarse index cell
type gridCell struct {
	x int64
	y int64
}

// LocationCache maps spatial buckets to confidence-merged records and
// answers radius-bounded nearby queries through a coarse grid index.
type LocationCache struct {
	shards          [shardCount]*locationShard
	store           LocationStore
	retry           retry.Config
	logger          *logx.Logger
	precisionMeters float64

	// grid maps coarse cells to the bucket keys and representative points
	// inside them so nearby search never scans the whole cache
	gridMu sync.RWMutex
	grid   map[gridCell]map[string]geo.Point

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// NewLocationCache creates a location cache bucketing at precisionMeters.
// store may be nil for a purely in-memory cache.
func NewLocationCache(store LocationStore, precisionMeters float64, logger *logx.Logger) *LocationCache {
	if precisionMeters <= 0 {
		precisionMeters = geo.DefaultPrecisionMeters
	}
	c := &LocationCache{
		store:           store,
		retry:           retry.DefaultConfig(),
		logger:          logger,
		precisionMeters: precisionMeters,
		grid:            make(map[gridCell]map[string]geo.Point),
		now:             time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &locationShard{records: make(map[string]*LocationRecord)}
	}
	return c
}

// Get returns a copy of the record for a bucket key. A hit bumps hit_count
// and last_hit_at; a miss creates nothing.
func (c *LocationCache) Get(locationHash string) (LocationRecord, bool) {
	shard := c.shards[shardIndex(locationHash)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[locationHash]
	if !ok {
		c.misses.Add(1)
		return LocationRecord{}, false
	}

	rec.HitCount++
	rec.LastHitAt = c.now()
	c.hits.Add(1)
	return *rec, true
}

// Update merges one observation into the bucket covering (lat, lng).
// accuracy_rate is recomputed from the counters on every write.
func (c *LocationCache) Update(ctx context.Context, u LocationUpdate) (LocationRecord, error) {
	if err := pkg.ValidateMCC(u.MCC); err != nil {
		return LocationRecord{}, err
	}
	if err := pkg.ValidateConfidence(u.Confidence); err != nil {
		return LocationRecord{}, err
	}

	bucket, err := geo.BucketFor(u.Lat, u.Lng, c.precisionMeters)
	if err != nil {
		return LocationRecord{}, err
	}

	shard := c.shards[shardIndex(bucket.Key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, existed := shard.records[bucket.Key]
	merged := mergeLocation(rec, u, bucket, c.now())
	shard.records[bucket.Key] = merged

	if !existed {
		c.indexAdd(bucket.Key, geo.Point{Lat: merged.Lat, Lng: merged.Lng})
	}

	if c.store != nil {
		snapshot := *merged
		if err := retry.Do(ctx, c.retry, func() error {
			return c.store.UpsertLocation(ctx, snapshot)
		}); err != nil {
			return snapshot, fmt.Errorf("%w: persisting bucket %s: %v", pkg.ErrStoreUnavailable, bucket.Key, err)
		}
	}

	return *merged, nil
}

// mergeLocation applies the merge rules to an existing record (nil means
// insert). Strict-greater confidence wins; counters are monotonic;
// accuracy_rate is always success_count / prediction_count.
func mergeLocation(existing *LocationRecord, u LocationUpdate, bucket geo.Bucket, now time.Time) *LocationRecord {
	success := 0
	if u.Success {
		success = 1
	}

	var rec LocationRecord
	if existing == nil {
		rec = LocationRecord{
			LocationHash:    bucket.Key,
			Lat:             bucket.CenterLat,
			Lng:             bucket.CenterLng,
			PrecisionMeters: bucket.PrecisionMeters,
			RadiusMeters:    bucket.PrecisionMeters / 2,
			PredictedMCC:    u.MCC,
			Confidence:      u.Confidence,
		}
	} else {
		rec = *existing
		if u.Confidence > rec.Confidence {
			rec.PredictedMCC = u.MCC
			rec.Confidence = u.Confidence
		}
	}

	rec.PredictionCount++
	rec.SuccessCount += success
	if rec.PredictionCount > 0 {
		rec.AccuracyRate = float64(rec.SuccessCount) / float64(rec.PredictionCount)
	} else {
		rec.AccuracyRate = 0
	}
	rec.LastUpdated = now
	if u.Verified && !rec.IsVerified {
		rec.IsVerified = true
		rec.VerificationSource = u.VerificationSource
	}
	return &rec
}

// Seed inserts a record without touching the store or counters; used when
// rehydrating the cache at startup.
func (c *LocationCache) Seed(rec LocationRecord) {
	shard := c.shards[shardIndex(rec.LocationHash)]
	shard.mu.Lock()
	copied := rec
	_, existed := shard.records[rec.LocationHash]
	shard.records[rec.LocationHash] = &copied
	shard.mu.Unlock()

	if !existed {
		c.indexAdd(rec.LocationHash, geo.Point{Lat: rec.Lat, Lng: rec.Lng})
	}
}

// NearbySearch returns up to limit records within radiusMeters of the query
// point whose confidence is strictly above minConfidence, ordered by distance
// ascending then confidence descending. Pass a negative minConfidence for
// the default floor. Only grid cells overlapping the query circle are
// scanned.
func (c *LocationCache) NearbySearch(lat, lng, radiusMeters float64, limit int, minConfidence float64) ([]NearbyResult, error) {
	if err := pkg.ValidateCoordinate(lat, lng); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		return nil, nil
	}
	if minConfidence < 0 {
		minConfidence = DefaultMinConfidence
	}

	origin := geo.Point{Lat: lat, Lng: lng}
	var results []NearbyResult

	for _, candidate := range c.candidatesWithin(lat, lng, radiusMeters) {
		d := geo.Distance(origin, candidate.point)
		if d > radiusMeters {
			continue
		}
		rec, ok := c.peek(candidate.key)
		if !ok || rec.Confidence <= minConfidence {
			continue
		}
		results = append(results, NearbyResult{Record: rec, DistanceMeters: d})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].DistanceMeters != results[j].DistanceMeters {
			return results[i].DistanceMeters < results[j].DistanceMeters
		}
		return results[i].Record.Confidence > results[j].Record.Confidence
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// peek reads a record copy without counting a hit; nearby search is not a
// per-bucket lookup
func (c *LocationCache) peek(locationHash string) (LocationRecord, bool) {
	shard := c.shards[shardIndex(locationHash)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	rec, ok := shard.records[locationHash]
	if !ok {
		return LocationRecord{}, false
	}
	return *rec, true
}

type gridCandidate struct {
	key   string
	point geo.Point
}

// candidatesWithin collects bucket keys from every grid cell overlapping the
// query circle's bounding box
func (c *LocationCache) candidatesWithin(lat, lng, radiusMeters float64) []gridCandidate {
	latStep := geo.DegreesForMeters(indexCellMeters)
	latSpan := geo.DegreesForMeters(radiusMeters)
	lngSpan := geo.LngDegreesForMeters(radiusMeters, lat)

	minX := int64(math.Floor((lat - latSpan) / latStep))
	maxX := int64(math.Floor((lat + latSpan) / latStep))
	minY := int64(math.Floor((lng - lngSpan) / latStep))
	maxY := int64(math.Floor((lng + lngSpan) / latStep))

	c.gridMu.RLock()
	defer c.gridMu.RUnlock()

	var out []gridCandidate
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			for key, point := range c.grid[gridCell{x: x, y: y}] {
				out = append(out, gridCandidate{key: key, point: point})
			}
		}
	}
	return out
}

// cellFor maps a point onto its coarse index cell
func cellFor(p geo.Point) gridCell {
	step := geo.DegreesForMeters(indexCellMeters)
	return gridCell{
		x: int64(math.Floor(p.Lat / step)),
		y: int64(math.Floor(p.Lng / step)),
	}
}

func (c *LocationCache) indexAdd(key string, p geo.Point) {
	cell := cellFor(p)
	c.gridMu.Lock()
	defer c.gridMu.Unlock()
	if c.grid[cell] == nil {
		c.grid[cell] = make(map[string]geo.Point)
	}
	c.grid[cell][key] = p
}

func (c *LocationCache) indexRemove(key string, p geo.Point) {
	cell := cellFor(p)
	c.gridMu.Lock()
	defer c.gridMu.Unlock()
	if bucket := c.grid[cell]; bucket != nil {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(c.grid, cell)
		}
	}
}

// Cleanup removes records that are both older than the cutoff and below the
// prediction floor; the grid index is kept in sync. As with the terminal
// cache, an update racing a delete simply recreates the bucket.
func (c *LocationCache) Cleanup(ctx context.Context, olderThan time.Time, minPredictionCount int) (int, error) {
	type removal struct {
		key   string
		point geo.Point
	}
	var removed []removal

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, rec := range shard.records {
			if olderAndColder(rec.LastUpdated, olderThan, rec.PredictionCount, minPredictionCount) {
				delete(shard.records, key)
				removed = append(removed, removal{key: key, point: geo.Point{Lat: rec.Lat, Lng: rec.Lng}})
			}
		}
		shard.mu.Unlock()
	}

	keys := make([]string, 0, len(removed))
	for _, r := range removed {
		c.indexRemove(r.key, r.point)
		keys = append(keys, r.key)
	}

	if len(keys) > 0 && c.store != nil {
		if err := retry.Do(ctx, c.retry, func() error {
			return c.store.DeleteLocations(ctx, keys)
		}); err != nil {
			return len(keys), fmt.Errorf("%w: deleting buckets: %v", pkg.ErrStoreUnavailable, err)
		}
	}
	if len(keys) > 0 {
		c.logger.Debug("location cache cleanup", "removed", len(keys), "older_than", olderThan)
	}
	return len(keys), nil
}

// Count returns the number of cached buckets
func (c *LocationCache) Count() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.records)
		shard.mu.RUnlock()
	}
	return total
}

// Stats returns entry count, hit rate and average confidence
func (c *LocationCache) Stats() Stats {
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

// PrecisionMeters returns the bucket precision this cache was built with
func (c *LocationCache) PrecisionMeters() float64 {
	return c.precisionMeters
}
