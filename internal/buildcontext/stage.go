// Package buildcontext prepares the directory sent to the image builder:
// exclusion handling, content digests, staging and archiving.
package buildcontext

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/pkg/archive"

	"rebox/internal/dockerfile"
	"rebox/pkg/blueprint"
)

// Staged is a build context ready to be archived.
type Staged struct {
	Dir        string
	Dockerfile string
	Excludes   []string
	Digest     *Digest
	// GeneratedEntrypoint is set when the context did not carry its own script.
	GeneratedEntrypoint bool
}

// Stage copies the blueprint's context into dir and adds the rendered
// Dockerfile and, when missing, the default entrypoint script.
func Stage(bp *blueprint.Blueprint, dir string) (*Staged, error) {
	if bp == nil {
		return nil, fmt.Errorf("blueprint cannot be nil")
	}
	source := bp.Spec.Context
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("build context directory not found: %s", source)
	}

	excludes, err := ReadExcludes(source)
	if err != nil {
		return nil, err
	}

	slog.Info("Staging build context", "source", source, "destination", dir, "excludes", len(excludes))
	if err := CopyTree(source, dir, CopyOptions{Excludes: excludes}); err != nil {
		return nil, fmt.Errorf("failed to copy build context: %w", err)
	}

	content, err := dockerfile.Render(bp)
	if err != nil {
		return nil, err
	}
	dockerfilePath := filepath.Join(dir, dockerfile.FileName)
	if err := os.WriteFile(dockerfilePath, content, 0644); err != nil {
		return nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	staged := &Staged{Dir: dir, Dockerfile: dockerfile.FileName, Excludes: excludes}

	scriptPath := filepath.Join(dir, bp.Spec.Entrypoint)
	if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
		script, err := dockerfile.EntrypointScript(bp)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(scriptPath, script, 0755); err != nil {
			return nil, fmt.Errorf("failed to write entrypoint script: %w", err)
		}
		staged.GeneratedEntrypoint = true
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat entrypoint script: %w", err)
	}
	// the script must be executable in the image whatever its mode on the host
	if err := os.Chmod(scriptPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to make entrypoint script executable: %w", err)
	}

	digest, err := Compute(dir, nil)
	if err != nil {
		return nil, err
	}
	staged.Digest = digest
	return staged, nil
}

// Tar archives a staged context for the Docker build API.
func (s *Staged) Tar() (io.ReadCloser, error) {
	reader, err := archive.TarWithOptions(s.Dir, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed creating tar archive as Docker build context: %w", err)
	}
	return reader, nil
}

// Open loads a context staged by an earlier Stage call.
func Open(dir string) (*Staged, error) {
	if _, err := os.Stat(filepath.Join(dir, dockerfile.FileName)); err != nil {
		return nil, fmt.Errorf("no staged build context in %s: %w", dir, err)
	}
	digest, err := Compute(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Staged{Dir: dir, Dockerfile: dockerfile.FileName, Digest: digest}, nil
}
