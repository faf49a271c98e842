package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rebox/internal/layercache"
)

// ExecutionStage represents the stages of the apply workflow
type ExecutionStage string

const (
	StageRender    ExecutionStage = "render"
	StageBuild     ExecutionStage = "build"
	StageRun       ExecutionStage = "run"
	StageCompleted ExecutionStage = "completed"
)

// stageOrder lists the workflow stages in execution order.
var stageOrder = []ExecutionStage{StageRender, StageBuild, StageRun, StageCompleted}

// ExecutionState represents the state of an apply run
type ExecutionState struct {
	SchemaVersion       string         `json:"schema_version"`
	RunID               string         `json:"run_id"`
	LastSuccessfulStage ExecutionStage `json:"last_successful_stage"`
	BlueprintPath       string         `json:"blueprint_path"`
	ImageTag            string         `json:"image_tag,omitempty"`
	BuildArgs           []string       `json:"build_args"`
	ContextDigest       string         `json:"context_digest,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	LastUpdatedAt       time.Time      `json:"last_updated_at"`
}

const (
	StateFileName      = "state.json"
	LayersFileName     = "layers.json"
	ContextDirName     = "context"
	StateSchemaVersion = "1.0"
)

// loadState attempts to load the execution state from path.
// Returns nil if the file doesn't exist (fresh start).
func loadState(path string) (*ExecutionState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.SchemaVersion != StateSchemaVersion {
		return nil, fmt.Errorf("unsupported state file schema version %q", state.SchemaVersion)
	}

	return &state, nil
}

// saveState persists the execution state to path.
func saveState(path string, state *ExecutionState) error {
	state.LastUpdatedAt = time.Now()
	return writeJSON(path, state)
}

// newState creates a new execution state for a fresh run
func newState(blueprintPath, runID string) *ExecutionState {
	now := time.Now()
	return &ExecutionState{
		SchemaVersion: StateSchemaVersion,
		RunID:         runID,
		BlueprintPath: blueprintPath,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

func stageIndex(stage ExecutionStage) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// shouldSkipStage reports whether stage already completed in this run.
func (s *ExecutionState) shouldSkipStage(stage ExecutionStage) bool {
	if s == nil || s.LastSuccessfulStage == "" {
		return false
	}
	last, current := stageIndex(s.LastSuccessfulStage), stageIndex(stage)
	return last >= 0 && current >= 0 && current <= last
}

// getNextStage returns the next stage to execute based on the current state
func (s *ExecutionState) getNextStage() ExecutionStage {
	if s == nil || s.LastSuccessfulStage == "" {
		return stageOrder[0]
	}
	i := stageIndex(s.LastSuccessfulStage)
	if i < 0 {
		return stageOrder[0]
	}
	if i+1 >= len(stageOrder) {
		return StageCompleted
	}
	return stageOrder[i+1]
}

// removeStateFile removes the state file after successful completion
func removeStateFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// loadLayers reads the cache keys of the last successful build. A missing
// file means no build happened yet.
func loadLayers(path string) ([]layercache.Key, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read layer cache file: %w", err)
	}
	var keys []layercache.Key
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse layer cache file: %w", err)
	}
	return keys, nil
}

func saveLayers(path string, keys []layercache.Key) error {
	return writeJSON(path, keys)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
