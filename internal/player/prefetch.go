package player

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/document"
	"github.com/yapit-tts/yapit/internal/remote"
	"github.com/yapit-tts/yapit/internal/synth"
)

// Scheduler keeps a window of synthesized audio ahead of the play cursor.
// Refill is cheap and idempotent: blocks that are cached, tracked by the
// task registry, or already in flight at the service are never re-requested,
// so it can be re-run on every cursor move and synthesis completion.
type Scheduler struct {
	catalog  *document.Catalog
	cache    *audiocache.Cache
	registry *synth.Registry
	channel  Channel
	cfg      Config

	mu  sync.Mutex // serializes Refill's scan-then-request
	ctx context.Context
}

// NewScheduler builds a scheduler over the session's shared state. channel
// may be nil for local-only synthesis.
func NewScheduler(ctx context.Context, catalog *document.Catalog, cache *audiocache.Cache, registry *synth.Registry, channel Channel, cfg Config) *Scheduler {
	cfg.fill()
	return &Scheduler{
		catalog:  catalog,
		cache:    cache,
		registry: registry,
		channel:  channel,
		cfg:      cfg,
		ctx:      ctx,
	}
}

// ready reports whether the block at idx needs no new synthesis request.
func (s *Scheduler) ready(idx int) bool {
	block, ok := s.catalog.Block(idx)
	if !ok {
		return false
	}
	if s.cache.Has(block.ID) {
		return true
	}
	if s.registry.Pending(block.ID) {
		return true
	}
	if s.channel != nil && s.channel.BlockStatus(idx).InFlight() {
		return true
	}
	return false
}

// ReadyAhead counts contiguous ready blocks strictly after cursor, stopping
// at the first gap or the end of the document.
func (s *Scheduler) ReadyAhead(cursor int) int {
	return s.readyRun(cursor + 1)
}

// ReadyFrom counts contiguous ready blocks starting at idx inclusive. The
// buffering gate uses this so the cursor block itself counts.
func (s *Scheduler) ReadyFrom(idx int) int {
	return s.readyRun(idx)
}

func (s *Scheduler) readyRun(from int) int {
	n := 0
	for idx := from; idx < s.catalog.Len(); idx++ {
		if !s.ready(idx) {
			break
		}
		n++
	}
	return n
}

// Refill tops up the prefetch window. When the contiguous ready run ahead of
// the cursor falls below the refill threshold it issues one batch of at most
// BatchSize requests, starting at the first gap and excluding anything
// already covered.
func (s *Scheduler) Refill(cursor int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cursor < 0 || s.catalog.Len() == 0 {
		return
	}
	ahead := s.ReadyAhead(cursor)
	if ahead >= s.cfg.RefillThreshold {
		return
	}

	gap := cursor + 1 + ahead
	batch := make([]int, 0, s.cfg.BatchSize)
	for idx := gap; idx < s.catalog.Len() && len(batch) < s.cfg.BatchSize; idx++ {
		if !s.ready(idx) {
			batch = append(batch, idx)
		}
	}
	if len(batch) == 0 {
		return
	}

	voice := s.registry.Voice()
	if s.channel != nil && voice.RemoteHosted() {
		req := remote.SynthesizeRequest{
			DocumentID:   s.catalog.DocumentID(),
			BlockIndices: batch,
			Cursor:       cursor,
			Model:        voice.Model,
			Voice:        voice.Slug,
		}
		if err := s.channel.Synthesize(req); err != nil {
			log.Debug("prefetch: batch request failed", "blocks", len(batch), "err", err)
			return
		}
		log.Debug("prefetch: batch requested", "first", batch[0], "count", len(batch))
		return
	}

	for _, idx := range batch {
		block, ok := s.catalog.Block(idx)
		if !ok {
			continue
		}
		s.registry.Request(s.ctx, block)
	}
	log.Debug("prefetch: local batch started", "first", batch[0], "count", len(batch))
}
