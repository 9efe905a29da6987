// Package audiocache stores decoded audio per block for the open document.
// It keeps a bounded sliding window around the play cursor and reconciles
// a-priori duration estimates with the actual durations of decoded audio.
package audiocache

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/yapit-tts/yapit/internal/document"
)

// DefaultEvictThreshold is how many blocks behind the cursor audio is
// retained before eviction removes it.
const DefaultEvictThreshold = 20

// BufferData is decoded, playable audio for one block.
type BufferData struct {
	PCM        []byte // 16-bit little-endian mono samples
	SampleRate int
	Duration   time.Duration
}

type entry struct {
	data *BufferData
	idx  int
}

// Cache is the keyed audio store for one open document. All operations are
// synchronous in-memory map operations; none block.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	idxPos    map[string]int // block id -> position, from the catalog
	estimates map[string]time.Duration

	// Duration bookkeeping. Corrections survive eviction: once a block's
	// true duration is known it stays folded into the total, keyed by id so
	// a re-synthesis replaces rather than double-counts it.
	baseEstimate time.Duration
	corrections  map[string]time.Duration
	correction   time.Duration // running sum of corrections

	evictThreshold int
	memory         int64
	hits, misses   int64

	onTotal func(time.Duration)
}

// New creates a cache sized for the given catalog. evictThreshold <= 0 uses
// DefaultEvictThreshold.
func New(catalog *document.Catalog, evictThreshold int) *Cache {
	if evictThreshold <= 0 {
		evictThreshold = DefaultEvictThreshold
	}
	c := &Cache{
		entries:        make(map[string]*entry),
		idxPos:         make(map[string]int),
		estimates:      make(map[string]time.Duration),
		corrections:    make(map[string]time.Duration),
		evictThreshold: evictThreshold,
	}
	for _, b := range catalog.Blocks() {
		c.idxPos[b.ID] = b.Idx
		c.estimates[b.ID] = b.EstDuration
		c.baseEstimate += b.EstDuration
	}
	return c
}

// OnTotalChange registers a callback invoked with the corrected total
// estimated duration whenever a new block's true duration becomes known.
func (c *Cache) OnTotalChange(fn func(total time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTotal = fn
}

// Get returns the cached audio for a block id, if present.
func (c *Cache) Get(blockID string) (*BufferData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[blockID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.data, true
}

// Has reports whether audio is cached for a block id without touching
// hit/miss counters.
func (c *Cache) Has(blockID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[blockID]
	return ok
}

// KnownDuration returns the actual duration for a block if it has ever been
// decoded this cache lifetime, else the a-priori estimate.
func (c *Cache) KnownDuration(blockID string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	est := c.estimates[blockID]
	if corr, ok := c.corrections[blockID]; ok {
		return est + corr
	}
	return est
}

// Put stores decoded audio for a block and folds its actual duration into
// the running correction total. At most one entry exists per block id; a
// repeated Put replaces the audio and re-bases that block's correction.
func (c *Cache) Put(blockID string, data *BufferData) {
	c.mu.Lock()
	if prev, ok := c.entries[blockID]; ok {
		c.memory -= int64(len(prev.data.PCM))
	}
	est := c.estimates[blockID]
	c.entries[blockID] = &entry{data: data, idx: c.idxPos[blockID]}
	if prev, ok := c.corrections[blockID]; ok {
		c.correction -= prev
	}
	corr := data.Duration - est
	c.corrections[blockID] = corr
	c.correction += corr
	c.memory += int64(len(data.PCM))
	total := c.baseEstimate + c.correction
	fn := c.onTotal
	mem := c.memory
	c.mu.Unlock()

	log.Debug("audiocache: stored block",
		"block", blockID,
		"actual", data.Duration,
		"estimated", est,
		"memory", humanize.Bytes(uint64(mem)))
	if fn != nil {
		fn(total)
	}
}

// EvictBefore removes entries for all blocks positioned more than the evict
// threshold behind the cursor. Nothing within the window, including the
// cursor's own block, is touched. Evicting nothing is a no-op. Corrections
// contributed by evicted blocks are kept: the true duration stays known.
func (c *Cache) EvictBefore(cursor int) int {
	boundary := cursor - c.evictThreshold
	if boundary <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, e := range c.entries {
		if e.idx < boundary {
			c.memory -= int64(len(e.data.PCM))
			delete(c.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug("audiocache: evicted stale audio",
			"count", evicted,
			"boundary", boundary,
			"memory", humanize.Bytes(uint64(c.memory)))
	}
	return evicted
}

// Clear drops all cached audio and resets the duration correction. Used on
// voice change, document switch and teardown.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.corrections = make(map[string]time.Duration)
	c.correction = 0
	c.memory = 0
	total := c.baseEstimate
	fn := c.onTotal
	c.mu.Unlock()
	if fn != nil {
		fn(total)
	}
}

// TotalEstimate returns the corrected total estimated document duration:
// the initial estimate sum plus the accumulated correction.
func (c *Cache) TotalEstimate() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseEstimate + c.correction
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MemoryUsage returns the bytes of decoded audio currently retained.
func (c *Cache) MemoryUsage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memory
}

// Stats returns hit/miss counters for observability.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
