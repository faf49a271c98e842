// Package app orchestrates the rebox workflows: the staged render, build and
// run of a bootstrap image, its verification, and the native provisioning
// and entrypoint handoff.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"rebox/internal/bootstrap"
	"rebox/internal/errors"
	"rebox/internal/parser"
	"rebox/internal/ui"
	"rebox/pkg/blueprint"
	"rebox/pkg/runtime"
)

// App runs workflows against a container runtime and reports on a console.
type App struct {
	Console *ui.Console
	// Stdout and Stderr receive build and container output.
	Stdout io.Writer
	Stderr io.Writer

	Factory     *RuntimeFactory
	RuntimeName string

	runtime        runtime.ContainerRuntime
	newProvisioner func(bp *blueprint.Blueprint) *bootstrap.Provisioner
}

// New creates an App using the default container runtime.
func New(console *ui.Console) *App {
	return &App{
		Console:     console,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Factory:     NewRuntimeFactory(),
		RuntimeName: DefaultRuntime,
	}
}

// WithRuntime makes the App use rt instead of creating one from the factory.
func (a *App) WithRuntime(rt runtime.ContainerRuntime) *App {
	a.runtime = rt
	return a
}

// Runtime returns the container runtime, connecting on first use.
func (a *App) Runtime() (runtime.ContainerRuntime, error) {
	if a.runtime != nil {
		return a.runtime, nil
	}
	rt, err := a.Factory.GetRuntime(a.RuntimeName)
	if err != nil {
		return nil, errors.NewRuntimeError(
			fmt.Sprintf("Cannot use the %s container runtime", a.RuntimeName),
			err.Error(),
			"Make sure the Docker daemon is running and DOCKER_HOST points at it",
			err,
		)
	}
	a.runtime = rt
	return rt, nil
}

// LoadBlueprint parses the blueprint and applies the build argument overrides.
func (a *App) LoadBlueprint(opts Options) (*blueprint.Blueprint, error) {
	path := opts.BlueprintPath
	if path == "" {
		found, err := parser.Discover(".")
		if err != nil {
			return nil, errors.NewBlueprintError(
				"No blueprint in the current directory",
				err.Error(),
				"Create rebox.yaml or pass --file",
				err,
			)
		}
		path = found
	}

	bp, err := parser.Parse(path)
	if err != nil {
		if stderrors.Is(err, parser.ErrNotFound) {
			return nil, errors.NewBlueprintError(
				fmt.Sprintf("Blueprint file not found: %s", path),
				err.Error(),
				"Check the --file path",
				err,
			)
		}
		return nil, errors.NewParseError(
			fmt.Sprintf("Invalid blueprint %s", path),
			err.Error(),
			"Fix the reported fields and try again",
			err,
		)
	}

	args, err := bp.Spec.BuildArgs().Override(opts.BuildArgs)
	if err != nil {
		return nil, errors.NewConfigError(
			"Invalid build argument",
			err.Error(),
			"Use --build-arg PYTHON_VERSION=<x.y.z>, UID=<n> or GID=<n>",
			err,
		)
	}
	bp.Spec.ApplyBuildArgs(args)

	slog.Info("Blueprint loaded", "name", bp.Metadata.Name, "path", path, "buildArgs", args.Pairs())
	return bp, nil
}

// outputDir resolves where the staged context and state of bp live.
func outputDir(opts Options, bp *blueprint.Blueprint) (string, error) {
	if opts.OutputDir != "" {
		return opts.OutputDir, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.NewFileSystemError(
			"Cannot determine the rebox cache directory",
			err.Error(),
			"Pass --output to choose a directory",
			err,
		)
	}
	return filepath.Join(cacheDir, "rebox", bp.Metadata.Name), nil
}

// Apply runs render, build and run in order. A run interrupted by a failure
// resumes after its last successful stage. A non-zero script exit status is
// returned as *errors.ExitError.
func (a *App) Apply(ctx context.Context, opts Options) error {
	bp, err := a.LoadBlueprint(opts)
	if err != nil {
		return err
	}
	out, err := outputDir(opts, bp)
	if err != nil {
		return err
	}
	statePath := filepath.Join(out, StateFileName)

	slog.Info("Starting apply workflow", "blueprint", bp.Metadata.Name, "output", out, "dryRun", opts.DryRun)

	state, err := loadState(statePath)
	if err != nil {
		return errors.NewFileSystemError("Cannot load the execution state", err.Error(),
			fmt.Sprintf("Remove %s to start over", statePath), err)
	}
	if state != nil {
		reason, err := a.staleReason(bp, state)
		if err != nil {
			return err
		}
		if reason != "" {
			a.Console.PrintWarning(fmt.Sprintf("State file is out of date (%s). Starting over", reason))
			slog.Info("Discarding stale workflow state", "runId", state.RunID, "reason", reason)
			state = nil
		}
	}
	if state == nil {
		runID := uuid.New().String()
		state = newState(opts.BlueprintPath, runID)
		state.BuildArgs = bp.Spec.BuildArgs().Pairs()
		slog.Info("Starting new workflow", "runId", runID)
	} else {
		a.Console.PrintWarning(fmt.Sprintf("State file found. Resuming from stage: %s", state.getNextStage()))
		slog.Info("Resuming workflow", "runId", state.RunID, "nextStage", state.getNextStage(), "lastStage", state.LastSuccessfulStage)
	}

	if opts.DryRun {
		a.Console.PrintWarning("DRY RUN MODE - No image will be built and no container will run")
	}

	persistPath := statePath
	if opts.DryRun {
		persistPath = ""
	}
	if err := a.runStages(ctx, a.stages(bp, out, opts), state, persistPath); err != nil {
		return err
	}

	state.LastSuccessfulStage = StageCompleted
	if !opts.DryRun {
		if opts.RetainState {
			if err := saveState(statePath, state); err != nil {
				slog.Warn("Failed to save final state", "error", err)
			}
		} else if err := removeStateFile(statePath); err != nil {
			slog.Warn("Failed to clean up state file", "error", err)
		}
	}

	slog.Info("Apply workflow completed", "blueprint", bp.Metadata.Name, "runId", state.RunID)
	return nil
}

// staleReason reports why a saved state no longer describes bp, or "" when
// the run can resume. Build arguments and the staged context digest must
// both be unchanged.
func (a *App) staleReason(bp *blueprint.Blueprint, state *ExecutionState) (string, error) {
	if !slices.Equal(state.BuildArgs, bp.Spec.BuildArgs().Pairs()) {
		return "build arguments changed", nil
	}
	if state.ContextDigest == "" {
		return "", nil
	}

	staged, cleanup, err := stageScratch(bp)
	if err != nil {
		return "", err
	}
	defer cleanup()
	if staged.Digest.Sum != state.ContextDigest {
		return "build context changed", nil
	}
	return "", nil
}

func (a *App) stages(bp *blueprint.Blueprint, out string, opts Options) []Stage {
	return []Stage{
		NewRenderStage(a, bp, out, opts.DryRun),
		NewBuildStage(a, bp, out, opts),
		NewRunStage(a, bp, opts.Args, opts.DryRun),
	}
}

// runStages executes stages in order, skipping completed ones. The state is
// saved after each stage unless statePath is empty.
func (a *App) runStages(ctx context.Context, stages []Stage, state *ExecutionState, statePath string) error {
	for i, stage := range stages {
		name := ExecutionStage(stage.Name())
		if state.shouldSkipStage(name) {
			a.Console.PrintInfo(fmt.Sprintf("[%d/%d] %s (skipped - already completed)", i+1, len(stages), name))
			continue
		}

		a.Console.PrintStep(i+1, len(stages), stage.Name())
		if err := stage.Execute(ctx, state); err != nil {
			slog.Error("Stage failed", "stage", name, "runId", state.RunID, "error", err)
			return err
		}

		state.LastSuccessfulStage = name
		if statePath != "" {
			if err := saveState(statePath, state); err != nil {
				return errors.NewFileSystemError("Cannot save the execution state", err.Error(), "", err)
			}
		}
	}
	return nil
}

// Build renders and builds the image without touching the apply state.
func (a *App) Build(ctx context.Context, opts Options) error {
	bp, err := a.LoadBlueprint(opts)
	if err != nil {
		return err
	}
	out, err := outputDir(opts, bp)
	if err != nil {
		return err
	}
	state := newState(opts.BlueprintPath, uuid.New().String())
	return a.runStages(ctx, []Stage{
		NewRenderStage(a, bp, out, opts.DryRun),
		NewBuildStage(a, bp, out, opts),
	}, state, "")
}

// Run starts a container from the built image with opts.Args.
func (a *App) Run(ctx context.Context, opts Options) error {
	bp, err := a.LoadBlueprint(opts)
	if err != nil {
		return err
	}
	state := newState(opts.BlueprintPath, uuid.New().String())
	return NewRunStage(a, bp, opts.Args, opts.DryRun).Execute(ctx, state)
}
