package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"

	"rebox/internal/bootstrap"
	"rebox/internal/errors"
	"rebox/pkg/blueprint"
)

// Provision applies the blueprint to this system: accounts, working
// directory, package install and entrypoint script.
func (a *App) Provision(ctx context.Context, opts Options) error {
	bp, err := a.LoadBlueprint(opts)
	if err != nil {
		return err
	}

	prov := a.provisioner(bp)
	steps := prov.Steps()
	n := 0
	prov.OnStep = func(name string) {
		n++
		a.Console.PrintStep(n, len(steps), name)
	}

	if opts.DryRun {
		for i, step := range steps {
			a.Console.PrintInfo(fmt.Sprintf("DRY RUN: Would run step %d/%d: %s", i+1, len(steps), step.Name))
		}
		return nil
	}

	if err := prov.Run(ctx); err != nil {
		suggestion := ""
		if stderrors.Is(err, bootstrap.ErrIDConflict) {
			suggestion = "Choose a free UID and GID with --build-arg UID=<n> --build-arg GID=<n>"
		}
		return errors.NewProvisionError(fmt.Sprintf("Provisioning %s failed", bp.Metadata.Name), err.Error(), suggestion, err)
	}

	a.Console.PrintSuccess(fmt.Sprintf("Provisioned %s in %s", bp.Metadata.Name, bp.Spec.Workdir))
	return nil
}

func (a *App) provisioner(bp *blueprint.Blueprint) *bootstrap.Provisioner {
	if a.newProvisioner != nil {
		return a.newProvisioner(bp)
	}
	return bootstrap.NewProvisioner(bp, &bootstrap.ExecCommander{Output: a.Stdout})
}

// Entrypoint hands control to the entrypoint script in the working
// directory under the blueprint's environment. A non-zero exit status is
// returned as *errors.ExitError.
func (a *App) Entrypoint(ctx context.Context, opts Options) error {
	bp, err := a.LoadBlueprint(opts)
	if err != nil {
		return err
	}

	script, err := bootstrap.ResolveScript(bp.Spec.Workdir, bp.Spec.Entrypoint)
	if err != nil {
		return errors.NewEntrypointError("Cannot start the entrypoint", err.Error(),
			fmt.Sprintf("Run rebox provision, or make %s executable", bp.Spec.EntrypointPath()), err)
	}

	ep := a.entrypoint(bp, script, opts.Mode)
	if _, err := bootstrap.Resolve(bp.Spec.Command, ep.Env); err != nil {
		a.Console.PrintWarning(fmt.Sprintf("%s is not on PATH; the entrypoint may fail", bp.Spec.Command))
	}
	code, err := ep.Run(ctx, opts.Args)
	if err != nil {
		return errors.NewEntrypointError(fmt.Sprintf("Entrypoint %s failed to run", script), err.Error(), "", err)
	}
	if code != 0 {
		return &errors.ExitError{Code: code}
	}
	return nil
}

var geteuid = os.Geteuid

// entrypoint prepares the handoff to script. Started as root, the script
// runs as the blueprint user with its home directory.
func (a *App) entrypoint(bp *blueprint.Blueprint, script string, mode bootstrap.Mode) *bootstrap.Entrypoint {
	ep := &bootstrap.Entrypoint{
		Script: script,
		Dir:    bp.Spec.Workdir,
		Env:    bootstrap.Environment(os.Environ(), bp),
		Mode:   mode,
		Stdin:  os.Stdin,
		Stdout: a.Stdout,
		Stderr: a.Stderr,
	}
	if geteuid() == 0 {
		u := bp.Spec.User
		ep.RunAs = &bootstrap.Account{UID: u.UID, GID: u.GID}
		ep.Env = bootstrap.SetEnv(ep.Env, "HOME", u.Home())
		slog.Info("Dropping privileges for the entrypoint", "user", u.Name, "owner", u.Owner())
	}
	return ep
}
