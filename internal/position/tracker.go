package position

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Tracker combines the local store with best-effort service sync. It
// satisfies the playback controller's PositionStore dependency: saves must
// never block or fail playback, so remote pushes run detached and local
// write errors are only logged.
type Tracker struct {
	store  *Store
	syncer *Syncer // nil when no service is configured
}

// NewTracker wires local persistence with an optional syncer.
func NewTracker(store *Store, syncer *Syncer) *Tracker {
	return &Tracker{store: store, syncer: syncer}
}

// Save persists the position locally and pushes it to the service in the
// background.
func (t *Tracker) Save(docID string, block int, progress time.Duration) {
	pos := Position{Block: block, ProgressMs: progress.Milliseconds()}
	if err := t.store.Save(docID, pos); err != nil {
		log.Warn("position: local save failed", "doc", docID, "err", err)
	}
	if t.syncer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.syncer.Push(ctx, docID, block); err != nil {
			log.Debug("position: sync failed", "doc", docID, "err", err)
		}
	}()
}

// Restore picks the starting block for a document: a service-known position
// wins when in range, then the local file when in range, then the start. An
// out-of-range value (the document may have been re-split) never shadows a
// valid record from the other source.
func (t *Tracker) Restore(docID string, blockCount int, remoteIdx int) Position {
	if remoteIdx > 0 && remoteIdx < blockCount {
		return Position{Block: remoteIdx}
	}
	local, err := t.store.Load(docID)
	if err != nil {
		return Position{}
	}
	if local.Block < 0 || local.Block >= blockCount {
		return Position{}
	}
	return local
}
