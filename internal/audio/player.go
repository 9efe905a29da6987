package audio

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/yapit-tts/yapit/internal/audiocache"
)

// Player implements Output on top of oto. It keeps the PCM buffer of the
// active stream alive for the whole playback; letting it be collected
// mid-stream causes audible static.
type Player struct {
	context *oto.Context

	mu      sync.Mutex
	current *playback
	volume  float64
	closed  bool

	sampleRate int
	channels   int
}

type playback struct {
	data   []byte // held alive during playback
	player *oto.Player
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once
}

// PlayerConfig configures the output device.
type PlayerConfig struct {
	SampleRate int // 44100 or 48000 Hz
	Channels   int // 1 = mono, 2 = stereo
}

// DefaultPlayerConfig returns mono CD-quality output, the usual fit for
// synthesized speech.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{SampleRate: 44100, Channels: 1}
}

// NewPlayer opens the audio device. The oto context is created once and
// reused for every block.
func NewPlayer(config PlayerConfig) (*Player, error) {
	if config.SampleRate != 44100 && config.SampleRate != 48000 {
		return nil, fmt.Errorf("sample rate must be 44100 or 48000 Hz, got %d", config.SampleRate)
	}
	if config.Channels != 1 && config.Channels != 2 {
		return nil, fmt.Errorf("channels must be 1 or 2, got %d", config.Channels)
	}

	op := &oto.NewContextOptions{
		SampleRate:   config.SampleRate,
		ChannelCount: config.Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready

	return &Player{
		context:    ctx,
		volume:     1.0,
		sampleRate: config.SampleRate,
		channels:   config.Channels,
	}, nil
}

// Play starts playback of a block's audio, stopping any current stream.
func (p *Player) Play(data *audiocache.BufferData) (<-chan struct{}, error) {
	if data == nil || len(data.PCM) == 0 {
		return nil, errors.New("audio data is empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("player is closed")
	}
	p.stopLocked()

	// Copy so the caller may release its reference; we own the lifetime.
	owned := make([]byte, len(data.PCM))
	copy(owned, data.PCM)

	player := p.context.NewPlayer(bytes.NewReader(owned))
	player.SetVolume(p.volume)

	pb := &playback{
		data:   owned,
		player: player,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	p.current = pb
	player.Play()
	go p.watch(pb)
	return pb.done, nil
}

// watch closes the playback's done channel once the stream drains or is
// stopped.
func (p *Player) watch(pb *playback) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-pb.stop:
			pb.finish()
			return
		case <-ticker.C:
			p.mu.Lock()
			paused := p.current == pb && !pb.player.IsPlaying() && pb.player.UnplayedBufferSize() > 0
			drained := !pb.player.IsPlaying() && pb.player.UnplayedBufferSize() == 0
			p.mu.Unlock()
			if paused {
				continue
			}
			if drained {
				p.mu.Lock()
				if p.current == pb {
					pb.player.Close()
					p.current = nil
				}
				p.mu.Unlock()
				pb.finish()
				return
			}
		}
	}
}

func (pb *playback) finish() {
	pb.once.Do(func() {
		close(pb.done)
		pb.data = nil
	})
}

// Pause suspends output without ending playback.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return errors.New("nothing playing")
	}
	p.current.player.Pause()
	return nil
}

// Resume continues paused output.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return errors.New("nothing playing")
	}
	p.current.player.Play()
	return nil
}

// Stop ends the current playback, closing its done channel.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *Player) stopLocked() {
	if p.current == nil {
		return
	}
	pb := p.current
	p.current = nil
	pb.player.Pause()
	pb.player.Close()
	close(pb.stop)
}

// IsPlaying reports whether audio is actively being output.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && p.current.player.IsPlaying()
}

// SetVolume sets playback volume in [0, 1], applied to the active stream.
func (p *Player) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", volume)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = volume
	if p.current != nil {
		p.current.player.SetVolume(volume)
	}
	return nil
}

// Close stops playback and releases the device.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.closed = true
	return nil
}
