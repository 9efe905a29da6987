package audiocache_test

import (
	"testing"
	"time"

	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/document"
)

func testCatalog(t *testing.T, n int, est time.Duration) *document.Catalog {
	t.Helper()
	blocks := make([]document.Block, n)
	for i := range blocks {
		blocks[i] = document.Block{
			ID:          blockID(i),
			Text:        "some text",
			EstDuration: est,
		}
	}
	catalog, err := document.NewCatalog("doc-1", blocks)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return catalog
}

func blockID(i int) string {
	return string(rune('a'+i%26)) + "-block-" + string(rune('0'+i/26))
}

func testAudio(d time.Duration) *audiocache.BufferData {
	return &audiocache.BufferData{
		PCM:        make([]byte, 256),
		SampleRate: 22050,
		Duration:   d,
	}
}

func TestPutAndGet(t *testing.T) {
	cache := audiocache.New(testCatalog(t, 3, time.Second), 0)

	if _, ok := cache.Get(blockID(0)); ok {
		t.Error("Get on empty cache should miss")
	}

	data := testAudio(900 * time.Millisecond)
	cache.Put(blockID(0), data)

	got, ok := cache.Get(blockID(0))
	if !ok {
		t.Fatal("Get after Put should hit")
	}
	if got.Duration != 900*time.Millisecond {
		t.Errorf("Duration = %v, want 900ms", got.Duration)
	}
	if !cache.Has(blockID(0)) {
		t.Error("Has should report the stored block")
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cache.Len())
	}

	hits, misses := cache.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("Stats() = %d hits, %d misses, want 1, 1", hits, misses)
	}
}

func TestDurationCorrection(t *testing.T) {
	// Three blocks estimated at 1500ms each: total estimate 4500ms. When the
	// middle block decodes to 1700ms the total must become 4700ms.
	cache := audiocache.New(testCatalog(t, 3, 1500*time.Millisecond), 0)

	if got := cache.TotalEstimate(); got != 4500*time.Millisecond {
		t.Fatalf("initial TotalEstimate() = %v, want 4.5s", got)
	}

	var notified time.Duration
	cache.OnTotalChange(func(total time.Duration) { notified = total })

	cache.Put(blockID(1), testAudio(1700*time.Millisecond))
	if got := cache.TotalEstimate(); got != 4700*time.Millisecond {
		t.Errorf("TotalEstimate() = %v, want 4.7s", got)
	}
	if notified != 4700*time.Millisecond {
		t.Errorf("OnTotalChange got %v, want 4.7s", notified)
	}
	if got := cache.KnownDuration(blockID(1)); got != 1700*time.Millisecond {
		t.Errorf("KnownDuration(corrected) = %v, want 1.7s", got)
	}
	if got := cache.KnownDuration(blockID(0)); got != 1500*time.Millisecond {
		t.Errorf("KnownDuration(estimated) = %v, want 1.5s", got)
	}
}

func TestRepeatedPutDoesNotDoubleCount(t *testing.T) {
	cache := audiocache.New(testCatalog(t, 2, time.Second), 0)

	cache.Put(blockID(0), testAudio(1200*time.Millisecond))
	cache.Put(blockID(0), testAudio(1300*time.Millisecond))

	// Base 2s, correction rebased to +300ms, not +200ms +300ms.
	if got := cache.TotalEstimate(); got != 2300*time.Millisecond {
		t.Errorf("TotalEstimate() = %v, want 2.3s", got)
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cache.Len())
	}
}

func TestCorrectionSurvivesEviction(t *testing.T) {
	cache := audiocache.New(testCatalog(t, 30, time.Second), 5)

	cache.Put(blockID(0), testAudio(2*time.Second))
	want := 31 * time.Second
	if got := cache.TotalEstimate(); got != want {
		t.Fatalf("TotalEstimate() = %v, want %v", got, want)
	}

	if evicted := cache.EvictBefore(10); evicted != 1 {
		t.Fatalf("EvictBefore(10) evicted %d, want 1", evicted)
	}
	if cache.Has(blockID(0)) {
		t.Error("block 0 should be evicted")
	}
	if got := cache.TotalEstimate(); got != want {
		t.Errorf("TotalEstimate() after eviction = %v, want %v", got, want)
	}

	// Re-synthesis of the evicted block replaces its correction in place.
	cache.Put(blockID(0), testAudio(2*time.Second))
	if got := cache.TotalEstimate(); got != want {
		t.Errorf("TotalEstimate() after re-put = %v, want %v", got, want)
	}
}

func TestEvictBefore(t *testing.T) {
	tests := []struct {
		name        string
		threshold   int
		stored      []int
		cursor      int
		wantEvicted int
		wantKept    []int
	}{
		{
			name:        "cursor within threshold evicts nothing",
			threshold:   20,
			stored:      []int{0, 1, 2},
			cursor:      20,
			wantEvicted: 0,
			wantKept:    []int{0, 1, 2},
		},
		{
			name:        "only blocks beyond threshold go",
			threshold:   20,
			stored:      []int{0, 1, 2, 25},
			cursor:      22,
			wantEvicted: 2,
			wantKept:    []int{2, 25},
		},
		{
			name:        "small threshold",
			threshold:   2,
			stored:      []int{0, 1, 2, 3, 4},
			cursor:      4,
			wantEvicted: 2,
			wantKept:    []int{2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := audiocache.New(testCatalog(t, 30, time.Second), tt.threshold)
			for _, idx := range tt.stored {
				cache.Put(blockID(idx), testAudio(time.Second))
			}
			if got := cache.EvictBefore(tt.cursor); got != tt.wantEvicted {
				t.Errorf("EvictBefore(%d) = %d, want %d", tt.cursor, got, tt.wantEvicted)
			}
			for _, idx := range tt.wantKept {
				if !cache.Has(blockID(idx)) {
					t.Errorf("block %d should survive eviction", idx)
				}
			}
			if cache.Len() != len(tt.wantKept) {
				t.Errorf("Len() = %d, want %d", cache.Len(), len(tt.wantKept))
			}
		})
	}
}

func TestClear(t *testing.T) {
	cache := audiocache.New(testCatalog(t, 3, time.Second), 0)
	cache.Put(blockID(0), testAudio(2*time.Second))
	cache.Put(blockID(1), testAudio(2*time.Second))

	cache.Clear()

	if cache.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", cache.Len())
	}
	if cache.MemoryUsage() != 0 {
		t.Errorf("MemoryUsage() after Clear = %d, want 0", cache.MemoryUsage())
	}
	if got := cache.TotalEstimate(); got != 3*time.Second {
		t.Errorf("TotalEstimate() after Clear = %v, want base 3s", got)
	}
	if got := cache.KnownDuration(blockID(0)); got != time.Second {
		t.Errorf("KnownDuration() after Clear = %v, want estimate 1s", got)
	}
}

func TestMemoryAccounting(t *testing.T) {
	cache := audiocache.New(testCatalog(t, 4, time.Second), 1)
	for i := 0; i < 4; i++ {
		cache.Put(blockID(i), testAudio(time.Second))
	}
	if got := cache.MemoryUsage(); got != 4*256 {
		t.Errorf("MemoryUsage() = %d, want %d", got, 4*256)
	}
	cache.EvictBefore(3)
	if got := cache.MemoryUsage(); got != 2*256 {
		t.Errorf("MemoryUsage() after eviction = %d, want %d", got, 2*256)
	}
}
