// Package store persists the proxy's state document. The default backend is
// a JSON file under the state directory; Postgres, S3-compatible object
// storage, and a git remote are available for deployments that need the
// account pool replicated off the local disk.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/util"
)

// StateStore loads and saves the persisted state document.
type StateStore interface {
	// Load reads the current document. A missing document returns a fresh
	// default state, not an error.
	Load(ctx context.Context) (*config.State, error)
	// Save writes the document durably.
	Save(ctx context.Context, st *config.State) error
	// Describe names the backend and its location for logs.
	Describe() string
}

// FileStore keeps the state document in a single JSON file, written
// atomically via a temp file and rename.
type FileStore struct {
	path string
}

// NewFileStore returns a file-backed store at path. An empty path resolves
// to config.json inside the state directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		dir, err := util.StateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state dir: %w", err)
		}
		path = filepath.Join(dir, "config.json")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the file the store reads and writes.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (*config.State, error) {
	return config.LoadState(s.path)
}

func (s *FileStore) Save(_ context.Context, st *config.State) error {
	return config.SaveState(s.path, st)
}

func (s *FileStore) Describe() string {
	return "file:" + s.path
}
