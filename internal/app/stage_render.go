package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"rebox/internal/buildcontext"
	"rebox/internal/dockerfile"
	"rebox/internal/errors"
	"rebox/pkg/blueprint"
)

// RenderStage stages the build context with the generated Dockerfile.
type RenderStage struct {
	app       *App
	blueprint *blueprint.Blueprint
	outputDir string
	isDryRun  bool
}

// NewRenderStage creates a new render stage instance
func NewRenderStage(app *App, bp *blueprint.Blueprint, outputDir string, isDryRun bool) *RenderStage {
	return &RenderStage{app: app, blueprint: bp, outputDir: outputDir, isDryRun: isDryRun}
}

// Name returns the name of the stage
func (s *RenderStage) Name() string {
	return string(StageRender)
}

// Execute renders the Dockerfile into a fresh staging directory. In dry-run
// mode the Dockerfile is printed instead.
func (s *RenderStage) Execute(ctx context.Context, state *ExecutionState) error {
	if s.isDryRun {
		content, err := dockerfile.Render(s.blueprint)
		if err != nil {
			return errors.NewRenderError("Cannot render the Dockerfile", err.Error(), "", err)
		}
		s.app.Console.PrintInfo("DRY RUN: Would stage the build context with this Dockerfile:")
		fmt.Fprintf(s.app.Console.Out(), "%s\n", content)
		return nil
	}

	contextDir := filepath.Join(s.outputDir, ContextDirName)
	if err := os.RemoveAll(contextDir); err != nil {
		return errors.NewFileSystemError("Cannot clear the staging directory", err.Error(),
			fmt.Sprintf("Remove %s manually", contextDir), err)
	}

	staged, err := buildcontext.Stage(s.blueprint, contextDir)
	if err != nil {
		return errors.NewRenderError(
			fmt.Sprintf("Cannot stage the build context %s", s.blueprint.Spec.Context),
			err.Error(),
			"Check that spec.context points at the repository to package",
			err,
		)
	}
	state.ContextDigest = staged.Digest.Sum

	if staged.GeneratedEntrypoint {
		s.app.Console.PrintInfo(fmt.Sprintf("No %s in the context, using the generated one", s.blueprint.Spec.Entrypoint))
	}
	s.app.Console.PrintSuccess(fmt.Sprintf("Build context staged in %s", contextDir))
	slog.Info("Render stage completed", "context", contextDir, "digest", staged.Digest.Sum, "files", len(staged.Digest.Files))
	return nil
}

// Render writes the blueprint's Dockerfile to w, or its default entrypoint
// script when script is set.
func (a *App) Render(opts Options, w io.Writer, script bool) error {
	bp, err := a.LoadBlueprint(opts)
	if err != nil {
		return err
	}

	render := dockerfile.Render
	if script {
		render = dockerfile.EntrypointScript
	}
	content, err := render(bp)
	if err != nil {
		return errors.NewRenderError("Cannot render the blueprint", err.Error(), "", err)
	}
	_, err = w.Write(content)
	return err
}
