//go:build !unix

package bootstrap

import (
	"fmt"
	"os/exec"
)

func setCredential(_ *exec.Cmd, uid, gid int) error {
	if uid < 0 || gid < 0 {
		return nil
	}
	return fmt.Errorf("running commands as %d:%d is not supported on this platform", uid, gid)
}
