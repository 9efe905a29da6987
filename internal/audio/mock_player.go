package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/yapit-tts/yapit/internal/audiocache"
)

// MockPlayer implements Output without producing sound. Playback completes
// after the audio's duration scaled by SpeedFactor; a factor of zero
// completes instantly. It records what was played for assertions.
type MockPlayer struct {
	// SpeedFactor scales simulated playback time: 0 completes immediately,
	// 1 plays in real time.
	SpeedFactor float64

	mu      sync.Mutex
	current *mockPlayback
	paused  bool
	volume  float64
	closed  bool

	played []time.Duration // durations of everything Play received
}

type mockPlayback struct {
	done  chan struct{}
	stop  chan struct{}
	once  sync.Once
	timer *time.Timer
}

// NewMockPlayer returns a mock that completes playback instantly.
func NewMockPlayer() *MockPlayer {
	return &MockPlayer{volume: 1.0}
}

// Play simulates playback of the audio.
func (m *MockPlayer) Play(data *audiocache.BufferData) (<-chan struct{}, error) {
	if data == nil || len(data.PCM) == 0 {
		return nil, errors.New("audio data is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("player is closed")
	}
	m.stopLocked()
	m.played = append(m.played, data.Duration)
	m.paused = false

	pb := &mockPlayback{
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	m.current = pb

	delay := time.Duration(float64(data.Duration) * m.SpeedFactor)
	pb.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.current == pb {
			m.current = nil
		}
		m.mu.Unlock()
		pb.finish()
	})
	return pb.done, nil
}

func (pb *mockPlayback) finish() {
	pb.once.Do(func() { close(pb.done) })
}

// Pause suspends the simulated playback clock.
func (m *MockPlayer) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errors.New("nothing playing")
	}
	m.paused = true
	m.current.timer.Stop()
	return nil
}

// Resume completes the paused playback immediately; the mock does not track
// remaining time.
func (m *MockPlayer) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errors.New("nothing playing")
	}
	m.paused = false
	m.current.timer.Reset(0)
	return nil
}

// Stop ends the simulated playback.
func (m *MockPlayer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	return nil
}

func (m *MockPlayer) stopLocked() {
	if m.current == nil {
		return
	}
	pb := m.current
	m.current = nil
	pb.timer.Stop()
	close(pb.stop)
	pb.finish()
}

// IsPlaying reports whether a simulated playback is active.
func (m *MockPlayer) IsPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && !m.paused
}

// SetVolume records the requested volume.
func (m *MockPlayer) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return errors.New("volume out of range")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = volume
	return nil
}

// Close stops playback and rejects further use.
func (m *MockPlayer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.closed = true
	return nil
}

// Played returns the durations of all audio handed to Play, in order.
func (m *MockPlayer) Played() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.played))
	copy(out, m.played)
	return out
}

// PlayCount returns how many times Play was called.
func (m *MockPlayer) PlayCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.played)
}
