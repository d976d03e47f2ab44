package peer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/huddle-net/huddle/pkg/crdt"
)

const stateFileName = "cluster_state"

// store persists the membership set to a single file at
// '<data_dir>/peer_service/cluster_state'.
//
// The store is only ever written from the manager event loop so there are
// no concurrent writers. With no data directory configured all operations
// are no-ops.
type store struct {
	dir string
}

func newStore(dataDir string) *store {
	if dataDir == "" {
		return &store{}
	}
	return &store{
		dir: filepath.Join(dataDir, "peer_service"),
	}
}

func (s *store) Enabled() bool {
	return s.dir != ""
}

// Load reads the persisted membership. Returns nil with no error if
// persistence is disabled or no state has been persisted.
func (s *store) Load() (*crdt.Set, error) {
	if !s.Enabled() {
		return nil, nil
	}

	b, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	set, err := crdt.Deserialize(b)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return set, nil
}

// Save writes the membership, replacing any previous state. The state is
// written to a temporary file then renamed so a crash mid-write never
// leaves a corrupt state file.
func (s *store) Save(set *crdt.Set) error {
	if !s.Enabled() {
		return nil
	}

	b, err := set.Serialize()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create dir: %s: %w", s.dir, err)
	}

	tmpPath := s.path() + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0o600); err != nil {
		return fmt.Errorf("write state: %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return fmt.Errorf("rename state: %s: %w", s.path(), err)
	}
	return nil
}

// Delete removes the persisted state. A missing file is not an error.
func (s *store) Delete() error {
	if !s.Enabled() {
		return nil
	}

	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state: %s: %w", s.path(), err)
	}
	return nil
}

func (s *store) path() string {
	return filepath.Join(s.dir, stateFileName)
}
