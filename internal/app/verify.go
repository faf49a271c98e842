package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"rebox/internal/bootstrap"
	"rebox/internal/dockerfile"
	"rebox/internal/errors"
	"rebox/pkg/blueprint"
	"rebox/pkg/runtime"
)

// Verify checks that the built image honours the blueprint's runtime contract.
func (a *App) Verify(ctx context.Context, opts Options) error {
	bp, err := a.LoadBlueprint(opts)
	if err != nil {
		return err
	}
	rt, err := a.Runtime()
	if err != nil {
		return err
	}

	tag := bp.Spec.Image.Tag
	cfg, err := rt.InspectImage(ctx, tag)
	if err != nil {
		return errors.NewVerifyError(fmt.Sprintf("Cannot inspect image %s", tag), err.Error(), "Build the image first with rebox build", err)
	}

	if err := CheckImage(bp, cfg); err != nil {
		return errors.NewVerifyError(
			fmt.Sprintf("Image %s does not match blueprint %s", tag, bp.Metadata.Name),
			err.Error(),
			"Rebuild the image with rebox build",
			err,
		)
	}

	a.Console.PrintSuccess(fmt.Sprintf("Image %s matches blueprint %s", tag, bp.Metadata.Name))
	return nil
}

// CheckImage compares an image configuration with the blueprint and returns
// every mismatch joined into one error.
func CheckImage(bp *blueprint.Blueprint, cfg *runtime.ImageConfig) error {
	spec := bp.Spec
	var problems []error

	if !userMatches(cfg.User, spec.User) {
		problems = append(problems, fmt.Errorf("user is %q, want %q or %q", cfg.User, spec.User.Name, spec.User.Owner()))
	}

	if path.Clean(cfg.WorkingDir) != path.Clean(spec.Workdir) {
		problems = append(problems, fmt.Errorf("working directory is %q, want %q", cfg.WorkingDir, spec.Workdir))
	}

	pathValue, _ := bootstrap.Lookup(cfg.Env, "PATH")
	prefix := strings.Join(spec.Path, ":")
	if pathValue != prefix && !strings.HasPrefix(pathValue, prefix+":") {
		problems = append(problems, fmt.Errorf("PATH is %q, want it to start with %q", pathValue, prefix))
	}

	for key, want := range blueprint.FixedEnv {
		if got, ok := bootstrap.Lookup(cfg.Env, key); !ok || got != want {
			problems = append(problems, fmt.Errorf("%s is %q, want %q", key, got, want))
		}
	}

	if !entrypointMatches(cfg.Entrypoint, spec) {
		problems = append(problems, fmt.Errorf("entrypoint is %q, want the %s script", cfg.Entrypoint, spec.Entrypoint))
	}

	return stderrors.Join(problems...)
}

// CheckDockerfile evaluates the final stage of a Dockerfile with the
// blueprint's build arguments and checks it like a built image.
func CheckDockerfile(bp *blueprint.Blueprint, instructions []dockerfile.Instruction) error {
	contract, err := dockerfile.Inspect(instructions, bp.Spec.BuildArgs().Strings())
	if err != nil {
		return err
	}

	env := make([]string, 0, len(contract.Env))
	for key, value := range contract.Env {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)

	return CheckImage(bp, &runtime.ImageConfig{
		User:       contract.User,
		WorkingDir: contract.Workdir,
		Env:        env,
		Entrypoint: contract.Entrypoint,
		Cmd:        contract.Cmd,
		Labels:     contract.Labels,
	})
}

func userMatches(user string, want blueprint.User) bool {
	switch user {
	case want.Name, want.Owner(), strconv.Itoa(want.UID):
		return true
	}
	name, group, ok := strings.Cut(user, ":")
	return ok && name == want.Name && (group == strconv.Itoa(want.GID))
}

func entrypointMatches(entrypoint []string, spec blueprint.Spec) bool {
	if len(entrypoint) != 1 {
		return false
	}
	script := entrypoint[0]
	if !path.IsAbs(script) {
		script = path.Join(spec.Workdir, script)
	}
	return script == spec.EntrypointPath()
}
