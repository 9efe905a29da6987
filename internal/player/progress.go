package player

import (
	"time"

	"github.com/yapit-tts/yapit/internal/remote"
)

// BlockState is a block's synthesis readiness as shown on the progress bar.
type BlockState string

const (
	// BlockPending means no audio exists and no work is known to be underway.
	BlockPending BlockState = "pending"
	// BlockSynthesizing means synthesis is in flight locally or at the service.
	BlockSynthesizing BlockState = "synthesizing"
	// BlockCached means decoded audio is held in the buffer cache.
	BlockCached BlockState = "cached"
)

// ProgressBarValues is a consistent snapshot of everything a progress
// surface renders: overall time accounting, the cursor, playback state and
// the per-block synthesis map.
type ProgressBarValues struct {
	State        State
	Cursor       int
	Elapsed      time.Duration
	Total        time.Duration // estimate, corrected as actual durations land
	BlockCount   int
	Synthesizing bool // the cursor block is being synthesized on demand
	Blocks       []BlockState
	Connection   remote.ConnState
}

// Progress returns a snapshot for rendering. Block states are derived from
// the buffer cache, the task registry and the channel's status map.
func (c *Controller) Progress() ProgressBarValues {
	c.mu.Lock()
	v := ProgressBarValues{
		State:        c.state,
		Cursor:       c.cursor,
		Elapsed:      c.elapsed,
		Synthesizing: c.synthing,
	}
	c.mu.Unlock()

	v.Total = c.cache.TotalEstimate()
	v.BlockCount = c.catalog.Len()
	v.Blocks = make([]BlockState, v.BlockCount)
	for _, b := range c.catalog.Blocks() {
		v.Blocks[b.Idx] = c.blockState(b.ID, b.Idx)
	}
	if c.channel != nil {
		v.Connection = c.channel.State()
	}
	return v
}

func (c *Controller) blockState(id string, idx int) BlockState {
	if c.cache.Has(id) {
		return BlockCached
	}
	if c.registry.Pending(id) {
		return BlockSynthesizing
	}
	if c.channel != nil && c.channel.BlockStatus(idx).InFlight() {
		return BlockSynthesizing
	}
	return BlockPending
}
