package app

import (
	"context"

	"rebox/internal/bootstrap"
)

// Stage represents a single stage in the apply workflow.
// Each stage implements this interface to provide a name and execution logic.
type Stage interface {
	Name() string
	Execute(ctx context.Context, state *ExecutionState) error
}

// Options configure a workflow run.
type Options struct {
	// BlueprintPath is the blueprint file. Empty means rebox.yaml in the
	// current directory.
	BlueprintPath string
	// BuildArgs are KEY=VALUE overrides of PYTHON_VERSION, UID and GID.
	BuildArgs []string
	DryRun    bool
	// RetainState keeps the state file after a successful apply.
	RetainState bool
	NoCache     bool
	// Pull refreshes the base image before building.
	Pull bool
	// Args are passed to the entrypoint script.
	Args []string
	// OutputDir holds the staged context, the state file and the layer
	// cache keys. Defaults to a per-blueprint directory in the user cache.
	OutputDir string
	// Mode selects how the entrypoint command runs the script natively.
	Mode bootstrap.Mode
}
