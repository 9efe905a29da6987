package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/yapit-tts/yapit/internal/audiocache"
)

// DurationHeader carries the actual audio duration in milliseconds on audio
// byte responses.
const DurationHeader = "X-Audio-Duration-Ms"

// Fetcher retrieves ready audio bytes over plain request/response.
type Fetcher struct {
	client     *http.Client
	sampleRate int
}

// NewFetcher creates a fetcher that decodes audio as 16-bit mono PCM at the
// given sample rate.
func NewFetcher(sampleRate int) *Fetcher {
	return &Fetcher{
		client:     &http.Client{Timeout: 30 * time.Second},
		sampleRate: sampleRate,
	}
}

// FetchAudio downloads a block's audio and decodes it into playable buffer
// data. The actual duration comes from the response header; when the header
// is missing it is computed from the sample count.
func (f *Fetcher) FetchAudio(ctx context.Context, url string) (*audiocache.BufferData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("audio fetch: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audio fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("audio fetch: read body: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("audio fetch %s: empty body", url)
	}

	duration := f.pcmDuration(len(pcm))
	if raw := resp.Header.Get(DurationHeader); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("audio fetch %s: bad %s header %q", url, DurationHeader, raw)
		}
		duration = time.Duration(ms) * time.Millisecond
	}

	return &audiocache.BufferData{
		PCM:        pcm,
		SampleRate: f.sampleRate,
		Duration:   duration,
	}, nil
}

func (f *Fetcher) pcmDuration(n int) time.Duration {
	samples := n / 2 // 16-bit samples
	return time.Duration(samples) * time.Second / time.Duration(f.sampleRate)
}
