// Package position persists the read position per document, locally on disk
// and best-effort to the document service.
package position

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	gap "github.com/muesli/go-app-paths"
)

// Position is one document's saved read position.
type Position struct {
	Block      int   `json:"block"`
	ProgressMs int64 `json:"progress_ms"`
}

// Progress returns the saved progress as a duration.
func (p Position) Progress() time.Duration {
	return time.Duration(p.ProgressMs) * time.Millisecond
}

// ErrNoPosition means no position was ever saved for the document.
var ErrNoPosition = errors.New("no saved position")

// Store reads and writes per-document position files under the user's data
// directory.
type Store struct {
	dir string
}

// NewStore resolves the application data directory and ensures it exists.
func NewStore() (*Store, error) {
	scope := gap.NewScope(gap.User, "yapit")
	dir, err := scope.DataPath("positions")
	if err != nil {
		return nil, fmt.Errorf("resolve data path: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// NewStoreAt creates a store rooted at an explicit directory.
func NewStoreAt(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// path flattens the document id into a single file name; local documents use
// their file path as id, which may contain separators.
func (s *Store) path(docID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, docID)
	return filepath.Join(s.dir, name+".json")
}

// Save writes the position synchronously. Position writes are tiny and rare
// enough that fsync-less file replacement is fine.
func (s *Store) Save(docID string, pos Position) error {
	data, err := sonic.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	tmp := s.path(docID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	if err := os.Rename(tmp, s.path(docID)); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return nil
}

// Load returns the saved position for a document, or ErrNoPosition.
func (s *Store) Load(docID string) (Position, error) {
	data, err := os.ReadFile(s.path(docID))
	if err != nil {
		if os.IsNotExist(err) {
			return Position{}, ErrNoPosition
		}
		return Position{}, fmt.Errorf("read position: %w", err)
	}
	var pos Position
	if err := sonic.Unmarshal(data, &pos); err != nil {
		return Position{}, fmt.Errorf("decode position: %w", err)
	}
	return pos, nil
}
