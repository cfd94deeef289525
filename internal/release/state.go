package release

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/splax/rollout/internal/domain"
)

const (
	stateFile    = "rollout-state.json"
	rollbackFile = "rollback-version.json"

	// maxRollbackHistory bounds the history kept in the state file.
	maxRollbackHistory = 50
)

// State loads the rollout state. A missing file yields the zero state.
func (s *Store) State() (domain.RolloutState, error) {
	var st domain.RolloutState
	found, err := s.readJSON(stateFile, &st)
	if err != nil || !found {
		return domain.RolloutState{}, err
	}
	return st, nil
}

// SaveState persists the rollout state, stamping UpdatedAt.
func (s *Store) SaveState(st domain.RolloutState) error {
	st.UpdatedAt = s.now().UTC()
	if over := len(st.RollbackHistory) - maxRollbackHistory; over > 0 {
		st.RollbackHistory = st.RollbackHistory[over:]
	}
	return s.writeJSON(stateFile, st)
}

// RollbackRecord returns the last rollback record, or ok=false when no
// rollback has been written yet.
func (s *Store) RollbackRecord() (rec domain.RollbackRecord, ok bool, err error) {
	found, err := s.readJSON(rollbackFile, &rec)
	if err != nil || !found {
		return domain.RollbackRecord{}, false, err
	}
	return rec, true, nil
}

// SaveRollbackRecord writes rollback-version.json.
func (s *Store) SaveRollbackRecord(rec domain.RollbackRecord) error {
	return s.writeJSON(rollbackFile, rec)
}

func (s *Store) readJSON(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create releases dir: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, name), append(data, '\n'), 0o644)
}
