package synth

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/document"
)

// Engine is the in-process synthesis capability: one block of text in, raw
// PCM out. Engines are not assumed to tolerate concurrent calls.
type Engine interface {
	Synthesize(ctx context.Context, text string, voice Voice) (pcm []byte, sampleRate int, err error)
}

// Local adapts an Engine to the Synthesizer contract. The engine is driven
// strictly one call at a time; concurrent tasks for different blocks
// serialize here.
type Local struct {
	engine Engine
	mu     sync.Mutex
}

// NewLocal wraps an in-process engine.
func NewLocal(engine Engine) *Local {
	return &Local{engine: engine}
}

// Synthesize produces audio for the block. Empty or whitespace-only text and
// engine failures resolve absent rather than erroring: playback skips the
// block.
func (l *Local) Synthesize(ctx context.Context, voice Voice, block document.Block) (*audiocache.BufferData, error) {
	if strings.TrimSpace(block.Text) == "" {
		return nil, nil
	}

	l.mu.Lock()
	pcm, sampleRate, err := l.engine.Synthesize(ctx, block.Text, voice)
	l.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug("synth: local engine failed", "block", block.Idx, "err", err)
		return nil, nil
	}
	if len(pcm) == 0 || sampleRate <= 0 {
		return nil, nil
	}
	samples := len(pcm) / 2
	return &audiocache.BufferData{
		PCM:        pcm,
		SampleRate: sampleRate,
		Duration:   time.Duration(samples) * time.Second / time.Duration(sampleRate),
	}, nil
}

var errMockFailure = errors.New("mock synthesis failure")

// MockEngine synthesizes a quiet sine tone sized by word count. It stands in
// for a real in-process model in tests and on machines without one.
type MockEngine struct {
	SampleRate     int
	WordsPerMinute int
	Delay          time.Duration // simulated synthesis latency
	FailSubstr     string        // blocks containing this text fail
}

// NewMockEngine returns a mock engine with speech-like defaults.
func NewMockEngine() *MockEngine {
	return &MockEngine{SampleRate: 22050, WordsPerMinute: 150}
}

// Synthesize generates placeholder PCM whose duration matches the word-count
// estimate for the text.
func (m *MockEngine) Synthesize(ctx context.Context, text string, _ Voice) ([]byte, int, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if m.FailSubstr != "" && strings.Contains(text, m.FailSubstr) {
		return nil, 0, errMockFailure
	}
	duration := document.EstimateDuration(text, m.WordsPerMinute)
	samples := int(duration * time.Duration(m.SampleRate) / time.Second)
	if samples == 0 {
		return nil, m.SampleRate, nil
	}
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(2000 * math.Sin(2*math.Pi*220*float64(i)/float64(m.SampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm, m.SampleRate, nil
}
