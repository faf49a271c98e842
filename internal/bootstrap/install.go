package bootstrap

import (
	"context"
	"fmt"

	"rebox/pkg/blueprint"
)

// Install installs the blueprint's package for its user from the working
// directory, editable unless the blueprint says otherwise.
func Install(ctx context.Context, commander Commander, bp *blueprint.Blueprint, env []string) error {
	spec := bp.Spec
	cmd := Command{
		Name: spec.Install.Manager,
		Args: spec.Install.Args(),
		Dir:  spec.Workdir,
		Env:  append(append([]string{}, env...), "HOME="+spec.User.Home()),
		UID:  spec.User.UID,
		GID:  spec.User.GID,
	}
	if err := commander.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to install %s: %w", spec.Install.Requirement(), err)
	}
	return nil
}
