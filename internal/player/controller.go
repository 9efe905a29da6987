// Package player owns the play cursor. It drives audio output block by
// block, keeps a window of synthesized audio ahead of the cursor, and
// exposes the seek/skip/pause operations the reading surface is built on.
package player

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/yapit-tts/yapit/internal/audio"
	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/document"
	"github.com/yapit-tts/yapit/internal/remote"
	"github.com/yapit-tts/yapit/internal/synth"
)

// State is the playback state machine's current node.
type State int

const (
	// StateIdle means nothing is selected or playback was stopped.
	StateIdle State = iota
	// StateBuffering means play was requested on a remote voice and the
	// ready window ahead of the cursor is still too small.
	StateBuffering
	// StatePlaying means audio output is active (or the cursor block is
	// being synthesized on demand; see ProgressBarValues.Synthesizing).
	StatePlaying
	// StatePaused means output is suspended; prefetch continues.
	StatePaused
	// StateVoiceChanging means the active voice changed mid-play and the
	// cursor block is being resynthesized before playback resumes.
	StateVoiceChanging
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateVoiceChanging:
		return "voiceChanging"
	default:
		return "idle"
	}
}

// Default tuning, overridable via Config.
const (
	DefaultRefillThreshold  = 8
	DefaultBatchSize        = 16
	DefaultMinBufferToStart = 3
)

// Config carries the controller and scheduler thresholds.
type Config struct {
	RefillThreshold  int // minimum contiguous ready blocks ahead of the cursor
	BatchSize        int // synthesis requests per prefetch batch
	MinBufferToStart int // ready blocks required before buffering ends
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		RefillThreshold:  DefaultRefillThreshold,
		BatchSize:        DefaultBatchSize,
		MinBufferToStart: DefaultMinBufferToStart,
	}
}

func (c *Config) fill() {
	if c.RefillThreshold <= 0 {
		c.RefillThreshold = DefaultRefillThreshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MinBufferToStart <= 0 {
		c.MinBufferToStart = DefaultMinBufferToStart
	}
}

// Channel is the slice of the remote synthesis channel the controller and
// scheduler depend on. Nil when no synthesis service is configured.
type Channel interface {
	Synthesize(req remote.SynthesizeRequest) error
	MoveCursor(docID string, cursor int) error
	Reset(docID string) error
	BlockStatus(idx int) remote.BlockStatus
	State() remote.ConnState
}

// PositionStore persists the play position on every cursor change.
type PositionStore interface {
	Save(docID string, block int, progress time.Duration)
}

// Controller is the playback state machine. All mutation goes through its
// operations; the cursor, elapsed time and state are never touched from
// outside.
type Controller struct {
	catalog   *document.Catalog
	cache     *audiocache.Cache
	registry  *synth.Registry
	out       audio.Output
	channel   Channel
	positions PositionStore
	sched     *Scheduler
	cfg       Config

	mu      sync.Mutex
	state   State
	cursor  int
	elapsed time.Duration
	// gen invalidates in-flight block resolution: seek, stop, cancel and
	// voice change bump it, so late results for an old cursor are dropped.
	gen      int
	synthing bool // the awaited cursor block is still being synthesized

	onConsumed func(blockIdx, chars int)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController wires the playback session. channel and positions may be nil.
func NewController(catalog *document.Catalog, cache *audiocache.Cache, registry *synth.Registry, out audio.Output, channel Channel, positions PositionStore, cfg Config) *Controller {
	cfg.fill()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		catalog:   catalog,
		cache:     cache,
		registry:  registry,
		out:       out,
		channel:   channel,
		positions: positions,
		cfg:       cfg,
		cursor:    -1,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.sched = NewScheduler(ctx, catalog, cache, registry, channel, cfg)
	return c
}

// OnConsumed registers a callback fired once per fully played block, for
// usage reporting upward.
func (c *Controller) OnConsumed(fn func(blockIdx, chars int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConsumed = fn
}

// State returns the current playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns the current block index, or -1 when nothing is selected.
func (c *Controller) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Play starts or resumes playback. On a remote voice with too little ready
// audio it enters buffering and triggers an initial prefetch batch instead.
func (c *Controller) Play() {
	c.mu.Lock()
	switch c.state {
	case StatePlaying, StateBuffering, StateVoiceChanging:
		c.mu.Unlock()
		return
	case StatePaused:
		if err := c.out.Resume(); err == nil {
			c.state = StatePlaying
			c.mu.Unlock()
			return
		}
		// Nothing loaded (paused during synthesis); fall through to a
		// fresh resolution of the cursor block.
	}
	if c.cursor < 0 {
		c.cursor = 0
	}
	cursor := c.cursor
	gen := c.gen

	if c.remoteVoice() {
		need := c.startThreshold(cursor)
		if c.sched.ReadyFrom(cursor) < need {
			c.state = StateBuffering
			log.Debug("player: buffering", "cursor", cursor, "need", need)
			c.mu.Unlock()
			c.sched.Refill(cursor)
			go c.watchBuffering(gen)
			return
		}
	}
	c.state = StatePlaying
	c.mu.Unlock()

	go c.resolve(gen, cursor)
	c.sched.Refill(cursor)
}

// startThreshold is the ready-block count required to leave buffering:
// MinBufferToStart, capped by how much document actually remains.
func (c *Controller) startThreshold(cursor int) int {
	remaining := c.catalog.Len() - cursor
	return min(c.cfg.MinBufferToStart, remaining)
}

func (c *Controller) remoteVoice() bool {
	return c.channel != nil && c.registry.Voice().RemoteHosted()
}

// watchBuffering transitions buffering to playing once the ready window is
// large enough. It also keeps the prefetch topped up while waiting.
func (c *Controller) watchBuffering(gen int) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		if gen != c.gen || c.state != StateBuffering {
			c.mu.Unlock()
			return
		}
		cursor := c.cursor
		if c.sched.ReadyFrom(cursor) >= c.startThreshold(cursor) {
			c.state = StatePlaying
			c.mu.Unlock()
			log.Debug("player: buffering complete", "cursor", cursor)
			go c.resolve(gen, cursor)
			return
		}
		c.mu.Unlock()
		c.sched.Refill(cursor)
	}
}

// Pause suspends audio output. Prefetching continues in the background.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePlaying {
		return
	}
	c.state = StatePaused
	_ = c.out.Pause()
}

// CancelBuffering abandons a pending buffering wait, informs the service the
// cursor is no longer advancing toward the queued work, and clears local
// task tracking. Work already queued remotely is the service's to drop.
func (c *Controller) CancelBuffering() {
	c.mu.Lock()
	if c.state != StateBuffering {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = StateIdle
	cursor := c.cursor
	c.mu.Unlock()

	c.registry.Clear()
	if c.channel != nil {
		if err := c.channel.MoveCursor(c.catalog.DocumentID(), cursor); err != nil {
			log.Debug("player: cursor notify failed", "err", err)
		}
	}
	log.Debug("player: buffering canceled", "cursor", cursor)
}

// SkipForward moves the cursor one block ahead.
func (c *Controller) SkipForward() {
	c.mu.Lock()
	target := c.cursor + 1
	c.mu.Unlock()
	c.Seek(target)
}

// SkipBack moves the cursor one block back. From block 0 it restarts the
// block and resets progress.
func (c *Controller) SkipBack() {
	c.mu.Lock()
	target := c.cursor - 1
	c.mu.Unlock()
	if target < 0 {
		target = 0
	}
	c.Seek(target)
}

// Seek jumps the cursor to idx, recomputes cumulative elapsed time from
// per-block durations (actual where known, estimated otherwise), notifies
// the service, and re-resolves playback if it was active.
func (c *Controller) Seek(idx int) {
	if c.catalog.Len() == 0 {
		return
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= c.catalog.Len() {
		idx = c.catalog.Len() - 1
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	wasPlaying := c.state == StatePlaying || c.state == StateVoiceChanging
	wasBuffering := c.state == StateBuffering
	wasPaused := c.state == StatePaused
	c.cursor = idx
	c.elapsed = c.elapsedBefore(idx)
	c.synthing = false
	_ = c.out.Stop()

	switch {
	case wasPlaying:
		c.state = StatePlaying
	case wasBuffering:
		c.state = StateBuffering
	case wasPaused:
		// The loaded audio is gone, but the user's pause stands; the next
		// Play resolves the new cursor block.
		c.state = StatePaused
	default:
		c.state = StateIdle
	}
	c.mu.Unlock()

	if c.channel != nil {
		if err := c.channel.MoveCursor(c.catalog.DocumentID(), idx); err != nil {
			log.Debug("player: cursor notify failed", "err", err)
		}
	}
	c.cache.EvictBefore(idx)
	c.savePosition(idx)
	c.sched.Refill(idx)

	if wasPlaying {
		go c.resolve(gen, idx)
	} else if wasBuffering {
		go c.watchBuffering(gen)
	}
	log.Debug("player: seek", "cursor", idx)
}

// elapsedBefore sums the durations of all blocks before idx, preferring the
// actual duration wherever decoded audio has made it known.
func (c *Controller) elapsedBefore(idx int) time.Duration {
	var total time.Duration
	for _, b := range c.catalog.Blocks() {
		if b.Idx >= idx {
			break
		}
		total += c.cache.KnownDuration(b.ID)
	}
	return total
}

// SetVoice switches the active voice. All cached audio, task tracking and
// remote channel state are voice-specific and are cleared. An active session
// resynthesizes the cursor block with the new voice and resumes.
func (c *Controller) SetVoice(v synth.Voice) {
	c.mu.Lock()
	prev := c.state
	c.gen++
	gen := c.gen
	cursor := c.cursor
	if prev == StatePlaying || prev == StateVoiceChanging {
		_ = c.out.Stop()
		c.state = StateVoiceChanging
		c.synthing = false
	}
	c.mu.Unlock()

	c.registry.SetVoice(v)
	c.cache.Clear()
	if c.channel != nil {
		if err := c.channel.Reset(c.catalog.DocumentID()); err != nil {
			log.Debug("player: channel reset failed", "err", err)
		}
	}

	switch prev {
	case StatePlaying, StateVoiceChanging:
		go c.resolve(gen, cursor)
		c.sched.Refill(cursor)
	case StateBuffering:
		c.mu.Lock()
		c.state = StateBuffering
		c.mu.Unlock()
		c.sched.Refill(cursor)
		go c.watchBuffering(gen)
	}
	log.Info("player: voice changed", "model", v.Model, "voice", v.Slug, "state", prev)
}

// Voice returns the active voice selection.
func (c *Controller) Voice() synth.Voice {
	return c.registry.Voice()
}

// Poke re-runs the prefetch scheduler for the current cursor. Wired to
// cache stores and channel updates; idempotent by design of Refill.
func (c *Controller) Poke() {
	c.mu.Lock()
	cursor := c.cursor
	active := c.state != StateIdle
	c.mu.Unlock()
	if active && cursor >= 0 {
		c.sched.Refill(cursor)
	}
}

// Close tears the session down: in-flight resolution is abandoned and the
// output device released.
func (c *Controller) Close() {
	c.mu.Lock()
	c.gen++
	c.state = StateIdle
	c.mu.Unlock()
	c.cancel()
	_ = c.out.Close()
}

// resolve obtains audio for the block at idx and starts output. On a cache
// miss it goes through the task registry, surfacing the wait as the
// "synthesizing" sub-state. Absent results auto-advance past the block.
func (c *Controller) resolve(gen, idx int) {
	block, ok := c.catalog.Block(idx)
	if !ok {
		c.finishDocument(gen)
		return
	}

	data, ok := c.cache.Get(block.ID)
	if !ok {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.synthing = true
		c.mu.Unlock()

		task := c.registry.Request(c.ctx, block)
		var err error
		data, err = task.Wait(c.ctx)

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.synthing = false
		if err != nil {
			// Session teardown; nothing to advance to.
			c.mu.Unlock()
			return
		}
		if c.state == StatePaused {
			// User paused while waiting. The audio (if any) is cached;
			// the next Play picks it up instantly.
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if data == nil {
			// Terminal per-block failure or a service skip: advance
			// without playing and without a cache entry.
			log.Debug("player: block unavailable, skipping", "block", idx)
			c.advance(gen, idx, 0, false)
			return
		}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.state == StateVoiceChanging {
		c.state = StatePlaying
	}
	if c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	done, err := c.out.Play(data)
	c.mu.Unlock()
	if err != nil {
		log.Warn("player: output failed", "block", idx, "err", err)
		c.advance(gen, idx, 0, false)
		return
	}

	go func() {
		select {
		case <-c.ctx.Done():
		case <-done:
			c.advance(gen, idx, data.Duration, true)
		}
	}()
}

// advance handles end-of-block: accumulate elapsed time, move the cursor,
// evict far-behind audio, persist the position and resolve the next block.
// played is false when the block was skipped or failed.
func (c *Controller) advance(gen, idx int, actual time.Duration, played bool) {
	c.mu.Lock()
	if gen != c.gen || (c.state != StatePlaying && c.state != StateVoiceChanging) {
		c.mu.Unlock()
		return
	}
	c.elapsed += actual
	consumed := c.onConsumed
	c.mu.Unlock()

	if played && consumed != nil {
		if block, ok := c.catalog.Block(idx); ok {
			consumed(idx, len(block.Text))
		}
	}

	next := idx + 1
	if next >= c.catalog.Len() {
		c.finishDocument(gen)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.cursor = next
	c.mu.Unlock()

	c.cache.EvictBefore(next)
	c.savePosition(next)
	c.sched.Refill(next)
	c.resolve(gen, next)
}

// finishDocument stops playback at the end and resets cursor and progress to
// the start.
func (c *Controller) finishDocument(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.cursor = 0
	c.elapsed = 0
	c.mu.Unlock()
	_ = c.out.Stop()
	c.savePosition(0)
	log.Debug("player: document finished")
}

func (c *Controller) savePosition(cursor int) {
	if c.positions == nil {
		return
	}
	c.mu.Lock()
	elapsed := c.elapsed
	c.mu.Unlock()
	c.positions.Save(c.catalog.DocumentID(), cursor, elapsed)
}
