package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"rebox/internal/buildcontext"
	"rebox/internal/dockerfile"
	"rebox/internal/errors"
	"rebox/internal/layercache"
	"rebox/pkg/blueprint"
	"rebox/pkg/runtime"
)

// BuildStage builds the image from the staged context.
type BuildStage struct {
	app       *App
	blueprint *blueprint.Blueprint
	outputDir string
	isDryRun  bool
	noCache   bool
	pull      bool
}

// NewBuildStage creates a new build stage instance
func NewBuildStage(app *App, bp *blueprint.Blueprint, outputDir string, opts Options) *BuildStage {
	return &BuildStage{
		app:       app,
		blueprint: bp,
		outputDir: outputDir,
		isDryRun:  opts.DryRun,
		noCache:   opts.NoCache,
		pull:      opts.Pull,
	}
}

// Name returns the name of the stage
func (s *BuildStage) Name() string {
	return string(StageBuild)
}

// Execute builds and tags the image and records its layer cache keys.
func (s *BuildStage) Execute(ctx context.Context, state *ExecutionState) error {
	tag := s.blueprint.Spec.Image.Tag
	args := s.blueprint.Spec.BuildArgs()

	if s.isDryRun {
		s.app.Console.PrintInfo(fmt.Sprintf("DRY RUN: Would build image %s from %s with %s",
			tag, s.blueprint.Spec.Image.Reference(), strings.Join(args.Pairs(), " ")))
		return nil
	}

	staged, err := buildcontext.Open(filepath.Join(s.outputDir, ContextDirName))
	if err != nil {
		return errors.NewBuildError("The build context has not been staged", err.Error(), "Run rebox render or rebox apply first", err)
	}

	instructions, err := dockerfile.ReadFile(filepath.Join(staged.Dir, staged.Dockerfile))
	if err != nil {
		return errors.NewBuildError("Cannot read the staged Dockerfile", err.Error(), "", err)
	}
	if err := CheckDockerfile(s.blueprint, instructions); err != nil {
		return errors.NewBuildError(
			"The staged Dockerfile does not establish the blueprint's environment",
			err.Error(),
			"Run rebox render again to regenerate the build context",
			err,
		)
	}
	keys := layercache.Plan(instructions, staged.Digest)
	layersPath := filepath.Join(s.outputDir, LayersFileName)
	if previous, err := loadLayers(layersPath); err != nil {
		slog.Warn("Ignoring unreadable layer cache file", "path", layersPath, "error", err)
	} else {
		s.app.Console.PrintInfo("Layer cache: " + layercache.Compare(previous, keys).String())
	}

	rt, err := s.app.Runtime()
	if err != nil {
		return err
	}

	if s.pull {
		if err := rt.PullImage(ctx, s.blueprint.Spec.Image.Reference()); err != nil {
			return errors.NewRuntimeError(
				fmt.Sprintf("Cannot pull base image %s", s.blueprint.Spec.Image.Reference()),
				err.Error(),
				"Check the image name and python version, or build without --pull",
				err,
			)
		}
	}

	labels := map[string]string{}
	if revision, err := buildcontext.Revision(s.blueprint.Spec.Context); err != nil {
		slog.Warn("Cannot read the context revision", "context", s.blueprint.Spec.Context, "error", err)
	} else if revision != "" {
		labels[buildcontext.RevisionLabel] = revision
	}

	tar, err := staged.Tar()
	if err != nil {
		return errors.NewBuildError("Cannot archive the build context", err.Error(), "", err)
	}
	defer tar.Close()

	err = rt.BuildImage(ctx, runtime.BuildOptions{
		Context:    tar,
		Dockerfile: staged.Dockerfile,
		Tags:       []string{tag},
		BuildArgs:  args.Map(),
		Labels:     labels,
		NoCache:    s.noCache,
		Output:     s.app.Stdout,
	})
	if err != nil {
		return errors.NewBuildError(fmt.Sprintf("Failed to build image %s", tag), err.Error(), buildSuggestion(err), err)
	}

	if err := saveLayers(layersPath, keys); err != nil {
		slog.Warn("Failed to record layer cache keys", "error", err)
	}
	state.ImageTag = tag
	s.app.Console.PrintSuccess(fmt.Sprintf("Built image %s", tag))
	slog.Info("Build stage completed", "tag", tag, "buildArgs", args.Pairs())
	return nil
}

func buildSuggestion(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already exists"), strings.Contains(msg, "not unique"):
		return "The UID or GID is taken in the base image; pass free ones with --build-arg UID=<n> --build-arg GID=<n>"
	case strings.Contains(msg, "manifest unknown"), strings.Contains(msg, "not found"):
		return "Check spec.image and the PYTHON_VERSION build argument"
	default:
		return "See the build output above for the failing step"
	}
}
