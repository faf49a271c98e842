package app

import (
	"fmt"
	"os"
	"path/filepath"

	"rebox/internal/buildcontext"
	"rebox/internal/dockerfile"
	"rebox/internal/errors"
	"rebox/internal/layercache"
	"rebox/pkg/blueprint"
)

// Plan stages the current context in a scratch directory and reports which
// layers of the last build a rebuild would reuse.
func (a *App) Plan(opts Options) (layercache.Report, []layercache.Key, error) {
	bp, err := a.LoadBlueprint(opts)
	if err != nil {
		return layercache.Report{}, nil, err
	}
	out, err := outputDir(opts, bp)
	if err != nil {
		return layercache.Report{}, nil, err
	}

	staged, cleanup, err := stageScratch(bp)
	if err != nil {
		return layercache.Report{}, nil, err
	}
	defer cleanup()

	instructions, err := dockerfile.ReadFile(filepath.Join(staged.Dir, staged.Dockerfile))
	if err != nil {
		return layercache.Report{}, nil, errors.NewRenderError("Cannot read the rendered Dockerfile", err.Error(), "", err)
	}
	keys := layercache.Plan(instructions, staged.Digest)

	previous, err := loadLayers(filepath.Join(out, LayersFileName))
	if err != nil {
		return layercache.Report{}, nil, errors.NewFileSystemError("Cannot read the layer cache keys", err.Error(),
			fmt.Sprintf("Remove %s", filepath.Join(out, LayersFileName)), err)
	}

	report := layercache.Compare(previous, keys)
	if previous == nil {
		a.Console.PrintInfo("No previous build recorded; every layer will be built")
	} else {
		a.Console.PrintInfo(report.String())
	}
	return report, keys, nil
}

// stageScratch stages bp's context in a temporary directory removed by the
// returned cleanup.
func stageScratch(bp *blueprint.Blueprint) (*buildcontext.Staged, func(), error) {
	scratch, err := os.MkdirTemp("", "rebox-plan-*")
	if err != nil {
		return nil, func() {}, errors.NewFileSystemError("Cannot create a scratch directory", err.Error(), "", err)
	}
	cleanup := func() { os.RemoveAll(scratch) }

	staged, err := buildcontext.Stage(bp, scratch)
	if err != nil {
		cleanup()
		return nil, func() {}, errors.NewRenderError("Cannot stage the build context", err.Error(),
			"Check that spec.context points at the repository to package", err)
	}
	return staged, cleanup, nil
}
