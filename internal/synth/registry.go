package synth

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/document"
)

// Task is a single-resolution handle for one block's synthesis. All callers
// that requested the same block while it was in flight share one Task.
type Task struct {
	blockID string
	done    chan struct{}
	data    *audiocache.BufferData
	err     error
}

// Wait blocks until the task resolves or ctx is canceled. A (nil, nil)
// result means the block terminally failed for this attempt ("absent"); the
// registry has already forgotten the task, so a later request retries.
func (t *Task) Wait(ctx context.Context) (*audiocache.BufferData, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.data, t.err
	}
}

// Done exposes the task's completion channel.
func (t *Task) Done() <-chan struct{} { return t.done }

// Registry enforces at most one in-flight synthesis per block id. It routes
// each new task to the local or remote backend based on the active voice and
// stores successful results in the cache.
type Registry struct {
	local  Synthesizer
	remote Synthesizer
	cache  *audiocache.Cache

	mu    sync.Mutex
	tasks map[string]*Task
	voice Voice
	gen   int // bumped on voice change; stale tasks must not touch the cache
}

// NewRegistry creates a registry over the two backends. remote may be nil
// when no synthesis service is configured; hosted voices then resolve absent.
func NewRegistry(local, remote Synthesizer, cache *audiocache.Cache, voice Voice) *Registry {
	return &Registry{
		local:  local,
		remote: remote,
		cache:  cache,
		tasks:  make(map[string]*Task),
		voice:  voice,
	}
}

// Request returns the task producing audio for the block, attaching to an
// existing in-flight task when one exists. ctx bounds the synthesis work of
// a newly created task, not any individual caller's wait.
func (r *Registry) Request(ctx context.Context, block document.Block) *Task {
	r.mu.Lock()
	if t, ok := r.tasks[block.ID]; ok {
		r.mu.Unlock()
		return t
	}
	t := &Task{blockID: block.ID, done: make(chan struct{})}
	r.tasks[block.ID] = t
	voice := r.voice
	gen := r.gen
	backend := r.backendFor(voice)
	r.mu.Unlock()

	go r.run(ctx, t, backend, voice, gen, block)
	return t
}

func (r *Registry) run(ctx context.Context, t *Task, backend Synthesizer, voice Voice, gen int, block document.Block) {
	var data *audiocache.BufferData
	var err error
	if backend == nil {
		log.Warn("synth: no backend for voice", "model", voice.Model, "block", block.Idx)
	} else {
		data, err = backend.Synthesize(ctx, voice, block)
	}

	r.mu.Lock()
	// Only the task currently registered for this block may remove itself;
	// a Clear during synthesis already replaced the map.
	if r.tasks[block.ID] == t {
		delete(r.tasks, block.ID)
	}
	stale := gen != r.gen
	r.mu.Unlock()

	if err != nil {
		log.Debug("synth: block failed", "block", block.Idx, "err", err)
	}
	if !stale && err == nil && data != nil {
		r.cache.Put(block.ID, data)
	}
	if stale {
		// The voice changed mid-flight; the result belongs to the old
		// voice and must not reach the cache or callers as audio.
		data, err = nil, nil
	}

	t.data, t.err = data, err
	close(t.done)
}

// Pending reports whether a synthesis task is in flight for the block.
func (r *Registry) Pending(blockID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[blockID]
	return ok
}

// PendingCount returns the number of in-flight tasks.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Voice returns the active voice selection.
func (r *Registry) Voice() Voice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.voice
}

// SetVoice switches the active voice and invalidates in-flight work: results
// of tasks started under the old voice are discarded when they resolve.
func (r *Registry) SetVoice(v Voice) {
	r.mu.Lock()
	r.voice = v
	r.gen++
	r.tasks = make(map[string]*Task)
	r.mu.Unlock()
	log.Debug("synth: voice changed", "model", v.Model, "voice", v.Slug)
}

// Clear drops all in-flight task tracking without changing the voice. Used
// when buffering is canceled; the abandoned tasks resolve to their waiters
// but re-requests start fresh.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.tasks = make(map[string]*Task)
	r.mu.Unlock()
}

func (r *Registry) backendFor(v Voice) Synthesizer {
	if v.RemoteHosted() {
		return r.remote
	}
	return r.local
}
