package player_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yapit-tts/yapit/internal/audio"
	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/document"
	"github.com/yapit-tts/yapit/internal/player"
	"github.com/yapit-tts/yapit/internal/remote"
	"github.com/yapit-tts/yapit/internal/synth"
)

// fakeChannel is an in-memory stand-in for the synthesis service channel. It
// records outbound traffic and mimics the real channel's local queued-marking.
type fakeChannel struct {
	mu          sync.Mutex
	statuses    map[int]remote.BlockStatus
	requests    []remote.SynthesizeRequest
	cursorMoves []int
	resets      int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{statuses: make(map[int]remote.BlockStatus)}
}

func (f *fakeChannel) Synthesize(req remote.SynthesizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	for _, idx := range req.BlockIndices {
		if !f.statuses[idx].InFlight() {
			f.statuses[idx] = remote.StatusQueued
		}
	}
	return nil
}

func (f *fakeChannel) MoveCursor(_ string, cursor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorMoves = append(f.cursorMoves, cursor)
	return nil
}

func (f *fakeChannel) Reset(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = make(map[int]remote.BlockStatus)
	f.resets++
	return nil
}

func (f *fakeChannel) BlockStatus(idx int) remote.BlockStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[idx]; ok {
		return s
	}
	return remote.StatusPending
}

func (f *fakeChannel) State() remote.ConnState { return remote.StateConnected }

func (f *fakeChannel) setStatus(idx int, s remote.BlockStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[idx] = s
}

func (f *fakeChannel) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeBackend resolves every block instantly with fixed-duration audio.
type fakeBackend struct {
	duration time.Duration
}

func (f *fakeBackend) Synthesize(context.Context, synth.Voice, document.Block) (*audiocache.BufferData, error) {
	return &audiocache.BufferData{
		PCM:        make([]byte, 64),
		SampleRate: 22050,
		Duration:   f.duration,
	}, nil
}

type session struct {
	catalog  *document.Catalog
	cache    *audiocache.Cache
	registry *synth.Registry
	out      *audio.MockPlayer
	channel  *fakeChannel
	ctrl     *player.Controller
}

type sessionOptions struct {
	blocks     int
	evict      int
	voice      synth.Voice
	channel    *fakeChannel
	engine     *synth.MockEngine
	cfg        player.Config
	remoteSynt synth.Synthesizer
}

func newSession(t *testing.T, opts sessionOptions) *session {
	t.Helper()
	if opts.blocks == 0 {
		opts.blocks = 3
	}
	if opts.voice.Model == "" {
		opts.voice = synth.Voice{Model: "local", Slug: "default"}
	}
	if opts.engine == nil {
		opts.engine = synth.NewMockEngine()
	}
	if opts.cfg == (player.Config{}) {
		opts.cfg = player.DefaultConfig()
	}

	blocks := make([]document.Block, opts.blocks)
	for i := range blocks {
		blocks[i] = document.Block{
			Text:        "some spoken words for block number whatever",
			EstDuration: time.Second,
		}
	}
	catalog, err := document.NewCatalog("doc-1", blocks)
	if err != nil {
		t.Fatal(err)
	}

	cache := audiocache.New(catalog, opts.evict)
	registry := synth.NewRegistry(synth.NewLocal(opts.engine), opts.remoteSynt, cache, opts.voice)
	out := audio.NewMockPlayer()

	var ch player.Channel
	if opts.channel != nil {
		ch = opts.channel
	}
	ctrl := player.NewController(catalog, cache, registry, out, ch, nil, opts.cfg)
	t.Cleanup(ctrl.Close)

	return &session{catalog: catalog, cache: cache, registry: registry, out: out, channel: opts.channel, ctrl: ctrl}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlayThroughDocument(t *testing.T) {
	s := newSession(t, sessionOptions{blocks: 3})

	var mu sync.Mutex
	var consumed []int
	s.ctrl.OnConsumed(func(idx, chars int) {
		mu.Lock()
		consumed = append(consumed, idx)
		mu.Unlock()
		if chars == 0 {
			t.Error("consumed callback got zero chars")
		}
	})

	s.ctrl.Play()
	waitFor(t, "document to finish", func() bool {
		return s.ctrl.State() == player.StateIdle && s.out.PlayCount() == 3
	})

	if got := s.ctrl.Cursor(); got != 0 {
		t.Errorf("Cursor() after finish = %d, want reset to 0", got)
	}
	if got := s.ctrl.Progress().Elapsed; got != 0 {
		t.Errorf("Elapsed after finish = %v, want 0", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(consumed) != 3 || consumed[0] != 0 || consumed[1] != 1 || consumed[2] != 2 {
		t.Errorf("consumed blocks = %v, want [0 1 2]", consumed)
	}
}

func TestFailedBlockAutoAdvances(t *testing.T) {
	engine := synth.NewMockEngine()
	engine.FailSubstr = "cursed"

	blocks := []document.Block{
		{Text: "fine opening text here"},
		{Text: "a cursed block"},
		{Text: "fine closing text here"},
	}
	catalog, err := document.NewCatalog("doc-2", blocks)
	if err != nil {
		t.Fatal(err)
	}
	cache := audiocache.New(catalog, 0)
	registry := synth.NewRegistry(synth.NewLocal(engine), nil, cache, synth.Voice{Model: "local"})
	out := audio.NewMockPlayer()
	ctrl := player.NewController(catalog, cache, registry, out, nil, nil, player.DefaultConfig())
	defer ctrl.Close()

	var mu sync.Mutex
	var consumed []int
	ctrl.OnConsumed(func(idx, _ int) {
		mu.Lock()
		consumed = append(consumed, idx)
		mu.Unlock()
	})

	ctrl.Play()
	waitFor(t, "document to finish", func() bool {
		return ctrl.State() == player.StateIdle && out.PlayCount() == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(consumed) != 2 || consumed[0] != 0 || consumed[1] != 2 {
		t.Errorf("consumed blocks = %v, want [0 2]: failed block must not count", consumed)
	}
}

func TestPauseAndResume(t *testing.T) {
	s := newSession(t, sessionOptions{blocks: 2})
	s.out.SpeedFactor = 0.3 // mock blocks take most of a second each

	s.ctrl.Play()
	waitFor(t, "playback to start", func() bool {
		return s.ctrl.State() == player.StatePlaying && s.out.PlayCount() >= 1
	})

	s.ctrl.Pause()
	if got := s.ctrl.State(); got != player.StatePaused {
		t.Fatalf("State() after Pause = %v, want paused", got)
	}
	count := s.out.PlayCount()
	time.Sleep(250 * time.Millisecond)
	if s.out.PlayCount() != count {
		t.Error("playback advanced while paused")
	}

	s.ctrl.Play()
	waitFor(t, "document to finish after resume", func() bool {
		return s.ctrl.State() == player.StateIdle && s.out.PlayCount() == 2
	})
}

func TestSeekWhilePausedStaysPaused(t *testing.T) {
	s := newSession(t, sessionOptions{blocks: 4})
	s.out.SpeedFactor = 0.3

	s.ctrl.Play()
	waitFor(t, "playback to start", func() bool {
		return s.ctrl.State() == player.StatePlaying && s.out.PlayCount() >= 1
	})
	s.ctrl.Pause()

	s.ctrl.Seek(2)
	if got := s.ctrl.State(); got != player.StatePaused {
		t.Fatalf("State() after Seek while paused = %v, want paused", got)
	}
	if got := s.ctrl.Cursor(); got != 2 {
		t.Fatalf("Cursor() after Seek = %d, want 2", got)
	}
	count := s.out.PlayCount()
	time.Sleep(250 * time.Millisecond)
	if s.out.PlayCount() != count {
		t.Error("playback started while paused")
	}

	s.ctrl.Play()
	waitFor(t, "playback from the seek target", func() bool {
		return s.ctrl.State() == player.StateIdle && s.out.PlayCount() == count+2
	})
}

func TestSeekRecomputesElapsed(t *testing.T) {
	blocks := []document.Block{
		{ID: "b0", Text: "one", EstDuration: 1 * time.Second},
		{ID: "b1", Text: "two", EstDuration: 2 * time.Second},
		{ID: "b2", Text: "three", EstDuration: 3 * time.Second},
	}
	catalog, err := document.NewCatalog("doc-3", blocks)
	if err != nil {
		t.Fatal(err)
	}
	cache := audiocache.New(catalog, 0)
	registry := synth.NewRegistry(synth.NewLocal(synth.NewMockEngine()), nil, cache, synth.Voice{Model: "local"})
	ctrl := player.NewController(catalog, cache, registry, audio.NewMockPlayer(), nil, nil, player.DefaultConfig())
	defer ctrl.Close()

	ctrl.Seek(2)
	if got := ctrl.Progress().Elapsed; got != 3*time.Second {
		t.Errorf("Elapsed after Seek(2) = %v, want sum of estimates 3s", got)
	}

	// Once a block's true duration is known, the sum uses it instead.
	cache.Put("b0", &audiocache.BufferData{PCM: make([]byte, 64), SampleRate: 22050, Duration: 4 * time.Second})
	ctrl.Seek(2)
	if got := ctrl.Progress().Elapsed; got != 6*time.Second {
		t.Errorf("Elapsed with known duration = %v, want 6s", got)
	}

	ctrl.Seek(0)
	if got := ctrl.Progress().Elapsed; got != 0 {
		t.Errorf("Elapsed after Seek(0) = %v, want 0", got)
	}
}

func TestSkipClamping(t *testing.T) {
	s := newSession(t, sessionOptions{blocks: 3})

	s.ctrl.SkipBack() // cursor unset, clamps to 0
	if got := s.ctrl.Cursor(); got != 0 {
		t.Errorf("Cursor() after SkipBack from start = %d, want 0", got)
	}
	if got := s.ctrl.Progress().Elapsed; got != 0 {
		t.Errorf("Elapsed after SkipBack from start = %v, want 0", got)
	}

	s.ctrl.Seek(2)
	s.ctrl.SkipForward() // already at the last block
	if got := s.ctrl.Cursor(); got != 2 {
		t.Errorf("Cursor() after SkipForward at end = %d, want clamped to 2", got)
	}
}

func TestSeekEvictsFarBehindAudio(t *testing.T) {
	s := newSession(t, sessionOptions{blocks: 10, evict: 2})
	blocks := s.catalog.Blocks()
	for i := 0; i < 4; i++ {
		s.cache.Put(blocks[i].ID, &audiocache.BufferData{PCM: make([]byte, 64), SampleRate: 22050, Duration: time.Second})
	}

	s.ctrl.Seek(8)

	if s.cache.Has(blocks[0].ID) || s.cache.Has(blocks[1].ID) {
		t.Error("audio far behind the cursor should be evicted on seek")
	}
}

func TestVoiceChangeWhileIdle(t *testing.T) {
	s := newSession(t, sessionOptions{blocks: 3, channel: newFakeChannel()})
	blocks := s.catalog.Blocks()
	s.cache.Put(blocks[0].ID, &audiocache.BufferData{PCM: make([]byte, 64), SampleRate: 22050, Duration: time.Second})

	s.ctrl.SetVoice(synth.Voice{Model: "local", Slug: "other"})

	if s.cache.Len() != 0 {
		t.Error("voice change must clear cached audio")
	}
	if s.out.PlayCount() != 0 {
		t.Error("voice change while idle must not start playback")
	}
	if got := s.ctrl.State(); got != player.StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	if s.registry.PendingCount() != 0 {
		t.Error("voice change while idle must not start synthesis")
	}
	s.channel.mu.Lock()
	resets := s.channel.resets
	s.channel.mu.Unlock()
	if resets != 1 {
		t.Errorf("channel resets = %d, want 1", resets)
	}
	if got := s.ctrl.Voice().Slug; got != "other" {
		t.Errorf("Voice().Slug = %q, want other", got)
	}
}

func TestVoiceChangeWhilePlayingResumes(t *testing.T) {
	s := newSession(t, sessionOptions{blocks: 30})
	s.out.SpeedFactor = 0.05

	s.ctrl.Play()
	waitFor(t, "playback to start", func() bool {
		return s.out.PlayCount() >= 1
	})

	s.ctrl.SetVoice(synth.Voice{Model: "local", Slug: "other"})
	waitFor(t, "playback with the new voice", func() bool {
		st := s.ctrl.State()
		return st == player.StatePlaying || st == player.StateIdle
	})
	if s.cache.Len() != 0 && s.ctrl.State() == player.StateVoiceChanging {
		t.Error("voice change left stale state")
	}
}

func TestBufferingGate(t *testing.T) {
	ch := newFakeChannel()
	backend := &fakeBackend{duration: 500 * time.Millisecond}
	s := newSession(t, sessionOptions{
		blocks:     10,
		voice:      synth.Voice{Model: "cloud/kokoro", Slug: "af_heart"},
		channel:    ch,
		remoteSynt: backend,
		cfg:        player.Config{RefillThreshold: 8, BatchSize: 16, MinBufferToStart: 3},
	})

	s.ctrl.Play()
	if got := s.ctrl.State(); got != player.StateBuffering {
		t.Fatalf("State() = %v, want buffering with no ready audio", got)
	}
	waitFor(t, "initial prefetch batch", func() bool {
		return ch.requestCount() >= 1
	})
	if s.out.PlayCount() != 0 {
		t.Error("nothing should play while buffering")
	}

	// The service reports the first three blocks ready; the gate opens.
	ch.setStatus(0, remote.StatusCached)
	ch.setStatus(1, remote.StatusCached)
	ch.setStatus(2, remote.StatusCached)

	waitFor(t, "buffering to end", func() bool {
		st := s.ctrl.State()
		return st == player.StatePlaying || st == player.StateIdle
	})
	waitFor(t, "playback to start", func() bool {
		return s.out.PlayCount() >= 1
	})
}

func TestShortDocumentBufferingGate(t *testing.T) {
	ch := newFakeChannel()
	backend := &fakeBackend{duration: 500 * time.Millisecond}
	s := newSession(t, sessionOptions{
		blocks:     2, // fewer than MinBufferToStart
		voice:      synth.Voice{Model: "cloud/kokoro", Slug: "af_heart"},
		channel:    ch,
		remoteSynt: backend,
		cfg:        player.Config{RefillThreshold: 8, BatchSize: 16, MinBufferToStart: 3},
	})

	s.ctrl.Play()
	ch.setStatus(0, remote.StatusCached)
	ch.setStatus(1, remote.StatusCached)

	// Two ready blocks must satisfy min(3, remaining=2).
	waitFor(t, "short document to start playing", func() bool {
		return s.out.PlayCount() >= 1
	})
}

func TestCancelBuffering(t *testing.T) {
	ch := newFakeChannel()
	s := newSession(t, sessionOptions{
		blocks:     10,
		voice:      synth.Voice{Model: "cloud/kokoro", Slug: "af_heart"},
		channel:    ch,
		remoteSynt: &fakeBackend{duration: time.Second},
	})

	s.ctrl.Play()
	if got := s.ctrl.State(); got != player.StateBuffering {
		t.Fatalf("State() = %v, want buffering", got)
	}

	s.ctrl.CancelBuffering()
	if got := s.ctrl.State(); got != player.StateIdle {
		t.Errorf("State() after cancel = %v, want idle", got)
	}
	ch.mu.Lock()
	moves := len(ch.cursorMoves)
	ch.mu.Unlock()
	if moves != 1 {
		t.Errorf("cursor notifications = %d, want 1", moves)
	}
	if s.out.PlayCount() != 0 {
		t.Error("canceled buffering must never start playback")
	}
}
