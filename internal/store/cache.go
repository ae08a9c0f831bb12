// Package store persists run reports and caches track details between playlists.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"spotsync/internal/core"
)

const (
	// DefaultCacheSize bounds the number of cached track details.
	DefaultCacheSize = 5000
	// DefaultFalsePositiveRate is the bloom filter target rate.
	DefaultFalsePositiveRate = 0.001
)

// TrackCache is a bounded, thread-safe cache of track display fields. A bloom
// filter answers most misses without touching the LRU.
type TrackCache struct {
	bloom             *bloom.BloomFilter
	lru               *lru.Cache[string, core.TrackRef]
	mutex             sync.RWMutex
	capacity          int
	falsePositiveRate float64
	// inserted counts bloom additions since the last rebuild.
	inserted int
	hits     int
	misses   int
}

var _ core.DetailsCache = (*TrackCache)(nil)

// NewTrackCache creates a cache holding up to capacity tracks.
func NewTrackCache(capacity int, falsePositiveRate float64) *TrackCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}
	lruCache, _ := lru.New[string, core.TrackRef](capacity)

	return &TrackCache{
		bloom:             bloom.NewWithEstimates(uint(capacity), falsePositiveRate),
		lru:               lruCache,
		capacity:          capacity,
		falsePositiveRate: falsePositiveRate,
	}
}

// Get returns the cached details for trackID.
func (c *TrackCache) Get(trackID string) (core.TrackRef, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.bloom.TestString(trackID) {
		c.misses++
		return core.TrackRef{}, false
	}

	ref, ok := c.lru.Get(trackID)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return ref, ok
}

// Put caches ref. Refs without the fields metadata needs are ignored.
func (c *TrackCache) Put(ref core.TrackRef) {
	if ref.ID == "" || !ref.HasDetails() {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.lru.Contains(ref.ID) {
		c.bloom.AddString(ref.ID)
		c.inserted++
	}
	c.lru.Add(ref.ID, ref)

	// Evicted ids stay in the bloom filter; rebuild before its error rate drifts.
	if c.inserted > 2*c.capacity {
		c.rebuild()
	}
}

// Len returns the number of cached tracks.
func (c *TrackCache) Len() int {
	return c.lru.Len()
}

// Stats returns hit and miss counts since creation.
func (c *TrackCache) Stats() (hits, misses int) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.hits, c.misses
}

// Clear removes all cached tracks.
func (c *TrackCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lru.Purge()
	c.rebuild()
}

func (c *TrackCache) rebuild() {
	c.bloom = bloom.NewWithEstimates(uint(c.capacity), c.falsePositiveRate)
	keys := c.lru.Keys()
	for _, key := range keys {
		c.bloom.AddString(key)
	}
	c.inserted = len(keys)
}
