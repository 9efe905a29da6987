package synth

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/document"
	"github.com/yapit-tts/yapit/internal/remote"
)

// Default timing for remote block resolution.
const (
	DefaultBlockTimeout = 60 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// AudioFetcher downloads and decodes a ready block's audio bytes.
type AudioFetcher interface {
	FetchAudio(ctx context.Context, url string) (*audiocache.BufferData, error)
}

// Remote resolves blocks against the synthesis service: it waits for the
// channel to connect, requests the block if the service does not already own
// it, polls status until audio is ready, then fetches and decodes the bytes.
type Remote struct {
	channel *remote.Channel
	fetcher AudioFetcher
	docID   string

	// BlockTimeout bounds both the connection wait and the poll loop;
	// PollInterval is the status re-check period.
	BlockTimeout time.Duration
	PollInterval time.Duration
}

// NewRemote creates a remote synthesizer for one open document.
func NewRemote(channel *remote.Channel, fetcher AudioFetcher, docID string) *Remote {
	return &Remote{
		channel:      channel,
		fetcher:      fetcher,
		docID:        docID,
		BlockTimeout: DefaultBlockTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// Synthesize resolves one block through the service. Service-reported error
// or skip, fetch/decode failure and timeout all resolve absent; only ctx
// cancellation surfaces as an error.
func (r *Remote) Synthesize(ctx context.Context, voice Voice, block document.Block) (*audiocache.BufferData, error) {
	if err := r.channel.WaitConnected(ctx, r.BlockTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug("synth: remote connection wait failed", "block", block.Idx, "err", err)
		return nil, nil
	}

	url := r.channel.AudioURL(block.Idx)
	if url == "" {
		if !r.channel.BlockStatus(block.Idx).InFlight() {
			if err := r.channel.Synthesize(remote.SynthesizeRequest{
				DocumentID:   r.docID,
				BlockIndices: []int{block.Idx},
				Cursor:       block.Idx,
				Model:        voice.Model,
				Voice:        voice.Slug,
			}); err != nil {
				log.Debug("synth: remote request failed", "block", block.Idx, "err", err)
				return nil, nil
			}
		}
		var ok bool
		url, ok = r.pollForURL(ctx, block.Idx)
		if !ok {
			return nil, ctx.Err()
		}
		if url == "" {
			return nil, nil
		}
	}

	data, err := r.fetcher.FetchAudio(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A ready block whose bytes cannot be fetched or decoded is
		// treated like a synthesis failure.
		log.Debug("synth: audio fetch failed", "block", block.Idx, "err", err)
		return nil, nil
	}
	return data, nil
}

// pollForURL polls status and URL at a fixed interval until the URL appears,
// the status turns terminal, or the timeout elapses. Returns ok=false only
// on ctx cancellation.
func (r *Remote) pollForURL(ctx context.Context, idx int) (url string, ok bool) {
	deadline := time.Now().Add(r.BlockTimeout)
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		if url := r.channel.AudioURL(idx); url != "" {
			return url, true
		}
		switch r.channel.BlockStatus(idx) {
		case remote.StatusError:
			log.Debug("synth: service reported error", "block", idx)
			return "", true
		case remote.StatusSkipped:
			log.Debug("synth: service skipped block", "block", idx)
			return "", true
		}
		if time.Now().After(deadline) {
			log.Debug("synth: timed out waiting for block audio", "block", idx)
			return "", true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
}
