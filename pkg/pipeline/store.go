package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoState is returned by Store.Load when no state document exists yet.
var ErrNoState = errors.New("state document does not exist")

// Store reads and writes the orchestrator state document. One document,
// one orchestrator process: no in-process locking, the single-writer rule
// is an operational invariant.
type Store struct {
	path string
}

// NewStore creates a Store for the document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document location.
func (st *Store) Path() string { return st.path }

// Load reads and decodes the state document. Returns ErrNoState when the
// file is missing so callers can start from NewState.
func (st *Store) Load() (*State, error) {
	data, err := os.ReadFile(st.path) //nolint:gosec // state path is application-controlled
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", st.path, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", st.path, err)
	}
	s.normalize()
	return &s, nil
}

// Save writes the state document atomically: encode to a temp file in the
// same directory, fsync, then rename over the target. A crash mid-save
// leaves the previous document intact.
func (st *Store) Save(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, st.path); err != nil {
		return fmt.Errorf("replace state %s: %w", st.path, err)
	}
	return nil
}
