package statestore

import (
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/nyosegawa/miotts-cockpit/pkg/errors"
)

// State is the small persisted document that survives cockpit restarts.
type State struct {
	// CurrentModel is the catalog id of the last applied model; empty
	// means the configured default has never been overridden.
	CurrentModel string `json:"current_model"`
}

// Store persists State as a JSON file with write-replace semantics: the
// document is written to a temp file in the same directory and renamed
// over the old one, so readers never observe a torn write.
type Store struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted state. A missing file is a fresh install and
// yields the zero state, not an error.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, errors.NewIOError("failed to read state file", err).
			WithContext("state_path", s.path)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, errors.NewIOError("failed to parse state file", err).
			WithContext("state_path", s.path)
	}
	return state, nil
}

// Save replaces the persisted state atomically.
func (s *Store) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode state", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewIOError("failed to create state directory", err).
			WithContext("state_path", s.path)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return errors.NewIOError("failed to create temp state file", err).
			WithContext("state_path", s.path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewIOError("failed to write state file", err).
			WithContext("state_path", s.path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError("failed to close state file", err).
			WithContext("state_path", s.path)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError("failed to replace state file", err).
			WithContext("state_path", s.path)
	}
	return nil
}
