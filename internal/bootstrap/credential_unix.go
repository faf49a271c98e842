//go:build unix

package bootstrap

import (
	"os"
	"os/exec"
	"syscall"
)

func setCredential(c *exec.Cmd, uid, gid int) error {
	if uid < 0 || gid < 0 {
		return nil
	}
	if uid == os.Geteuid() && gid == os.Getegid() {
		return nil
	}
	c.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}
	return nil
}
