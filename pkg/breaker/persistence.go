package breaker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// stateFileName is the on-disk name for a breaker's persisted snapshot,
// written under whatever directory the caller passes to Save/Load.
const stateFileName = "circuit_breaker_state.json"

// PersistedState is the on-disk snapshot shape for a breaker: its
// current autonomy level, the last system-health report it was given,
// its bounded level-transition log, and the time the snapshot was
// taken. Round-tripping a PersistedState through Save and Load must
// reproduce an equivalent level, system state, and history.
type PersistedState struct {
	CurrentLevel AutonomyLevel     `json:"current_level"`
	SystemState  SystemState       `json:"system_state"`
	History      []LevelTransition `json:"history"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Snapshot returns the breaker's current persistable state without
// touching disk.
func (b *Breaker) Snapshot() PersistedState {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := make([]LevelTransition, len(b.levelHistory))
	copy(history, b.levelHistory)

	return PersistedState{
		CurrentLevel: b.level,
		SystemState:  b.systemState,
		History:      history,
		Timestamp:    time.Now(),
	}
}

// Save writes the breaker's current state as JSON to
// <dir>/circuit_breaker_state.json, creating dir if needed.
func (b *Breaker) Save(dir string) error {
	state := b.Snapshot()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores level, system state, and history from
// <dir>/circuit_breaker_state.json, leaving the breaker unchanged if no
// snapshot exists yet. It never touches strictness or panic mode: those
// are re-derived from live traffic, not resurrected from a stale file.
func (b *Breaker) Load(dir string) error {
	path := filepath.Join(dir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if state.CurrentLevel != "" {
		b.level = state.CurrentLevel
	}
	b.systemState = state.SystemState
	b.levelHistory = append([]LevelTransition(nil), state.History...)
	return nil
}
