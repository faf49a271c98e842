package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"rebox/internal/errors"
	"rebox/pkg/blueprint"
	"rebox/pkg/runtime"
)

// RunStage runs the image's entrypoint once and reports its exit status.
type RunStage struct {
	app       *App
	blueprint *blueprint.Blueprint
	args      []string
	isDryRun  bool

	// ExitCode is the entrypoint's exit status after Execute.
	ExitCode int
}

// NewRunStage creates a new run stage instance
func NewRunStage(app *App, bp *blueprint.Blueprint, args []string, isDryRun bool) *RunStage {
	return &RunStage{app: app, blueprint: bp, args: args, isDryRun: isDryRun}
}

// Name returns the name of the stage
func (s *RunStage) Name() string {
	return string(StageRun)
}

// Execute runs a container from the image. A non-zero exit status is
// returned as *errors.ExitError carrying the same code.
func (s *RunStage) Execute(ctx context.Context, state *ExecutionState) error {
	tag := s.blueprint.Spec.Image.Tag
	if s.isDryRun {
		s.app.Console.PrintInfo(fmt.Sprintf("DRY RUN: Would run %s with arguments [%s]", tag, strings.Join(s.args, " ")))
		return nil
	}

	rt, err := s.app.Runtime()
	if err != nil {
		return err
	}

	code, err := rt.RunContainer(ctx, runtime.RunOptions{
		Image:  tag,
		Args:   s.args,
		Remove: true,
		Stdout: s.app.Stdout,
		Stderr: s.app.Stderr,
	})
	if err != nil {
		return errors.NewRunError(
			fmt.Sprintf("Failed to run image %s", tag),
			err.Error(),
			"Build the image first with rebox build",
			err,
		)
	}

	s.ExitCode = code
	slog.Info("Run stage completed", "image", tag, "args", s.args, "exitCode", code, "runId", state.RunID)
	if code != 0 {
		return &errors.ExitError{Code: code}
	}
	return nil
}
