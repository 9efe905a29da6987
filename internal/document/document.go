// Package document provides the ordered block catalog for a document:
// the immutable sequence of text blocks that playback and synthesis
// operate on, together with per-block duration estimates.
package document

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DefaultWordsPerMinute is the speaking rate used for a-priori duration
// estimates when no measured audio exists yet.
const DefaultWordsPerMinute = 150

// Block is a unit of document text with a stable position index. Blocks are
// immutable once the document is loaded. ID is the cache key; Idx is the unit
// the remote synthesis service and the UI speak in.
type Block struct {
	ID          string
	Idx         int
	Text        string
	EstDuration time.Duration
}

// Catalog is the ordered, immutable-per-document sequence of blocks.
type Catalog struct {
	docID  string
	blocks []Block
}

// ErrNoBlocks indicates a document produced no readable blocks.
var ErrNoBlocks = errors.New("document contains no readable blocks")

// NewCatalog builds a catalog from already-ordered blocks. Indices are
// reassigned to be 0-based and contiguous; missing IDs are filled in.
func NewCatalog(docID string, blocks []Block) (*Catalog, error) {
	if len(blocks) == 0 {
		return nil, ErrNoBlocks
	}
	owned := make([]Block, len(blocks))
	copy(owned, blocks)
	for i := range owned {
		owned[i].Idx = i
		if owned[i].ID == "" {
			owned[i].ID = uuid.NewString()
		}
	}
	return &Catalog{docID: docID, blocks: owned}, nil
}

// DocumentID returns the id of the document this catalog belongs to.
func (c *Catalog) DocumentID() string { return c.docID }

// Len returns the number of blocks in the document.
func (c *Catalog) Len() int { return len(c.blocks) }

// Block returns the block at idx.
func (c *Catalog) Block(idx int) (Block, bool) {
	if idx < 0 || idx >= len(c.blocks) {
		return Block{}, false
	}
	return c.blocks[idx], true
}

// Blocks returns the full ordered block slice. Callers must not mutate it.
func (c *Catalog) Blocks() []Block { return c.blocks }

// TotalEstimate returns the sum of the a-priori duration estimates.
func (c *Catalog) TotalEstimate() time.Duration {
	var total time.Duration
	for _, b := range c.blocks {
		total += b.EstDuration
	}
	return total
}

// EstimateDuration estimates speaking time for text at the given rate.
// Zero or negative wpm falls back to DefaultWordsPerMinute.
func EstimateDuration(text string, wpm int) time.Duration {
	if wpm <= 0 {
		wpm = DefaultWordsPerMinute
	}
	words := countWords(text)
	if words == 0 {
		return 0
	}
	return time.Duration(words) * time.Minute / time.Duration(wpm)
}

func countWords(text string) int {
	return len(strings.FieldsFunc(text, unicode.IsSpace))
}
