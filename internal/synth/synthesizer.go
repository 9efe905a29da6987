// Package synth produces audio for blocks. A task registry deduplicates
// concurrent synthesis requests per block and delegates each task to either
// the in-process engine or the remote synthesis service, chosen from the
// active voice.
package synth

import (
	"context"

	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/document"
)

// Voice selects the synthesis model and speaker. Changing any field
// invalidates all cached audio for the open document.
type Voice struct {
	Model  string
	Slug   string
	Params map[string]float64
}

// Hosted model identifiers resolve to the remote synthesis service; anything
// else is synthesized in process.
const hostedModelPrefix = "cloud/"

// RemoteHosted reports whether the voice names a network-hosted model.
func (v Voice) RemoteHosted() bool {
	return len(v.Model) > len(hostedModelPrefix) && v.Model[:len(hostedModelPrefix)] == hostedModelPrefix
}

// Synthesizer converts one block into playable audio. A (nil, nil) return is
// the terminal "absent" result: the block cannot be synthesized (empty text,
// service skip, timeout) and playback should advance past it.
type Synthesizer interface {
	Synthesize(ctx context.Context, voice Voice, block document.Block) (*audiocache.BufferData, error)
}
