// Package bootstrap applies a blueprint directly to the running system:
// accounts, working directory, package install and the entrypoint handoff.
// It is the native counterpart of the generated Dockerfile.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"rebox/internal/buildcontext"
	"rebox/internal/dockerfile"
	"rebox/pkg/blueprint"
)

// Step names in execution order.
const (
	StepGroup      = "group"
	StepUser       = "user"
	StepWorkdir    = "workdir"
	StepCopy       = "copy"
	StepPath       = "path"
	StepInstall    = "install"
	StepEntrypoint = "entrypoint"
)

// StepError reports the first failing provisioning step. Its message keeps
// the underlying error text unchanged.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Step is one provisioning action.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Provisioner prepares the system for running the blueprint's entrypoint.
type Provisioner struct {
	Blueprint *blueprint.Blueprint
	Accounts  *Accounts
	Commander Commander
	// BaseEnv is the environment the contract environment is built on.
	BaseEnv []string
	// OnStep is called before each step runs.
	OnStep func(name string)

	undo []undoAction
}

type undoAction struct {
	what string
	run  func(ctx context.Context) error
}

// NewProvisioner returns a Provisioner using the system account databases
// and child processes.
func NewProvisioner(bp *blueprint.Blueprint, commander Commander) *Provisioner {
	return &Provisioner{
		Blueprint: bp,
		Accounts:  NewAccounts(commander),
		Commander: commander,
		BaseEnv:   os.Environ(),
	}
}

// Steps lists the provisioning steps in order.
func (p *Provisioner) Steps() []Step {
	return []Step{
		{StepGroup, p.ensureGroup},
		{StepUser, p.ensureUser},
		{StepWorkdir, p.createWorkdir},
		{StepCopy, p.copyContext},
		{StepPath, p.createPath},
		{StepInstall, p.install},
		{StepEntrypoint, p.placeEntrypoint},
	}
}

// Run executes every step in order and stops at the first failure. The
// groups, users and directories created before the failure are removed
// again.
func (p *Provisioner) Run(ctx context.Context) error {
	if p.Blueprint == nil {
		return fmt.Errorf("blueprint cannot be nil")
	}
	p.undo = nil
	for _, step := range p.Steps() {
		if p.OnStep != nil {
			p.OnStep(step.Name)
		}
		slog.Info("Provisioning step", "step", step.Name)
		if err := step.Run(ctx); err != nil {
			slog.Error("Provisioning step failed", "step", step.Name, "error", err)
			p.rollback(context.WithoutCancel(ctx))
			return &StepError{Step: step.Name, Err: err}
		}
	}
	p.undo = nil
	return nil
}

func (p *Provisioner) onRollback(what string, run func(ctx context.Context) error) {
	p.undo = append(p.undo, undoAction{what: what, run: run})
}

// rollback undoes recorded actions newest first. Failures are logged and
// do not stop the remaining actions.
func (p *Provisioner) rollback(ctx context.Context) {
	for i := len(p.undo) - 1; i >= 0; i-- {
		action := p.undo[i]
		slog.Info("Rolling back", "action", action.what)
		if err := action.run(ctx); err != nil {
			slog.Warn("Rollback failed", "action", action.what, "error", err)
		}
	}
	p.undo = nil
}

// Environment is the contract environment for the blueprint.
func (p *Provisioner) Environment() []string {
	return Environment(p.BaseEnv, p.Blueprint)
}

func (p *Provisioner) ensureGroup(ctx context.Context) error {
	u := p.Blueprint.Spec.User
	created, err := p.Accounts.EnsureGroup(ctx, u.Name, u.GID)
	if created {
		p.onRollback("delete group "+u.Name, func(ctx context.Context) error {
			return p.Accounts.DeleteGroup(ctx, u.Name)
		})
	}
	return err
}

func (p *Provisioner) ensureUser(ctx context.Context) error {
	u := p.Blueprint.Spec.User
	home := u.Home()
	_, statErr := os.Stat(home)
	created, err := p.Accounts.EnsureUser(ctx, u.Name, u.UID, u.GID, home)
	if created {
		// a home directory that predates the user is kept
		removeHome := os.IsNotExist(statErr)
		p.onRollback("delete user "+u.Name, func(ctx context.Context) error {
			return p.Accounts.DeleteUser(ctx, u.Name, removeHome)
		})
	}
	return err
}

func (p *Provisioner) createWorkdir(_ context.Context) error {
	return p.ownedDir(p.Blueprint.Spec.Workdir)
}

func (p *Provisioner) copyContext(_ context.Context) error {
	spec := p.Blueprint.Spec
	excludes, err := buildcontext.ReadExcludes(spec.Context)
	if err != nil {
		return err
	}
	return buildcontext.CopyTree(spec.Context, spec.Workdir, buildcontext.CopyOptions{
		Excludes: excludes,
		Chown:    true,
		UID:      spec.User.UID,
		GID:      spec.User.GID,
	})
}

func (p *Provisioner) createPath(_ context.Context) error {
	for _, dir := range p.Blueprint.Spec.Path {
		if err := p.ownedDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) install(ctx context.Context) error {
	return Install(ctx, p.Commander, p.Blueprint, p.Environment())
}

func (p *Provisioner) placeEntrypoint(_ context.Context) error {
	spec := p.Blueprint.Spec
	path := filepath.Join(spec.Workdir, spec.Entrypoint)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		script, err := dockerfile.EntrypointScript(p.Blueprint)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, script, 0755); err != nil {
			return fmt.Errorf("failed to write entrypoint script: %w", err)
		}
		p.onRollback("remove "+path, func(context.Context) error {
			return os.Remove(path)
		})
	} else if err != nil {
		return fmt.Errorf("failed to stat entrypoint script: %w", err)
	}

	if err := os.Chmod(path, 0755); err != nil {
		return fmt.Errorf("failed to make entrypoint script executable: %w", err)
	}
	if err := os.Lchown(path, spec.User.UID, spec.User.GID); err != nil {
		return fmt.Errorf("failed to chown %s to %s: %w", path, spec.User.Owner(), err)
	}
	if _, err := ParseScript(path); err != nil {
		return err
	}
	return nil
}

// ownedDir creates dir and its missing parents, all owned by the blueprint
// user. The topmost created directory is removed on rollback.
func (p *Provisioner) ownedDir(dir string) error {
	u := p.Blueprint.Spec.User

	var missing []string
	for d := filepath.Clean(dir); ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if filepath.Dir(d) == d {
			break
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if len(missing) > 0 {
		top := missing[len(missing)-1]
		p.onRollback("remove "+top, func(context.Context) error {
			return os.RemoveAll(top)
		})
	}
	// an existing directory is handed over too, like chown in the image
	if len(missing) == 0 {
		missing = []string{dir}
	}
	for _, d := range missing {
		if err := os.Chown(d, u.UID, u.GID); err != nil {
			return fmt.Errorf("failed to chown %s to %s: %w", d, u.Owner(), err)
		}
	}
	return nil
}
