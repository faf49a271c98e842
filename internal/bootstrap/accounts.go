package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/moby/sys/user"
)

// ErrIDConflict is returned when a requested UID, GID or account name is
// already taken by a different entry.
var ErrIDConflict = errors.New("ID conflict")

const (
	DefaultPasswdPath = "/etc/passwd"
	DefaultGroupPath  = "/etc/group"
)

// Accounts creates the group and user the workload runs as.
type Accounts struct {
	PasswdPath string
	GroupPath  string
	Commander  Commander
	// Shell is the login shell of created users.
	Shell string
}

// NewAccounts returns Accounts working on the system databases.
func NewAccounts(commander Commander) *Accounts {
	return &Accounts{
		PasswdPath: DefaultPasswdPath,
		GroupPath:  DefaultGroupPath,
		Commander:  commander,
		Shell:      "/bin/bash",
	}
}

// EnsureGroup creates the group unless an identical one exists. It reports
// whether the group was created.
func (a *Accounts) EnsureGroup(ctx context.Context, name string, gid int) (bool, error) {
	groups, err := user.ParseGroupFile(a.GroupPath)
	if err != nil {
		return false, fmt.Errorf("failed to read groups from %s: %w", a.GroupPath, err)
	}

	for _, g := range groups {
		switch {
		case g.Name == name && g.Gid == gid:
			slog.Info("Group already exists", "group", name, "gid", gid)
			return false, nil
		case g.Gid == gid:
			return false, fmt.Errorf("%w: GID %d is already used by group %q", ErrIDConflict, gid, g.Name)
		case g.Name == name:
			return false, fmt.Errorf("%w: group %q already exists with GID %d", ErrIDConflict, name, g.Gid)
		}
	}

	err = a.Commander.Run(ctx, Command{
		Name: "groupadd",
		Args: []string{"--gid", strconv.Itoa(gid), name},
		UID:  -1,
		GID:  -1,
	})
	return err == nil, err
}

// EnsureUser creates the user with the given primary group and home unless
// an identical account exists. It reports whether the user was created.
func (a *Accounts) EnsureUser(ctx context.Context, name string, uid, gid int, home string) (bool, error) {
	users, err := user.ParsePasswdFile(a.PasswdPath)
	if err != nil {
		return false, fmt.Errorf("failed to read users from %s: %w", a.PasswdPath, err)
	}

	for _, u := range users {
		switch {
		case u.Name == name && u.Uid == uid && u.Gid == gid:
			slog.Info("User already exists", "user", name, "uid", uid, "gid", gid)
			return false, nil
		case u.Uid == uid:
			return false, fmt.Errorf("%w: UID %d is already used by user %q", ErrIDConflict, uid, u.Name)
		case u.Name == name:
			return false, fmt.Errorf("%w: user %q already exists with UID %d and GID %d", ErrIDConflict, name, u.Uid, u.Gid)
		}
	}

	shell := a.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	err = a.Commander.Run(ctx, Command{
		Name: "useradd",
		Args: []string{
			"--uid", strconv.Itoa(uid),
			"--gid", strconv.Itoa(gid),
			"--home-dir", home,
			"--create-home",
			"--shell", shell,
			name,
		},
		UID: -1,
		GID: -1,
	})
	return err == nil, err
}

// DeleteGroup removes a group created by EnsureGroup.
func (a *Accounts) DeleteGroup(ctx context.Context, name string) error {
	return a.Commander.Run(ctx, Command{Name: "groupdel", Args: []string{name}, UID: -1, GID: -1})
}

// DeleteUser removes a user created by EnsureUser, and its home directory
// when removeHome is set.
func (a *Accounts) DeleteUser(ctx context.Context, name string, removeHome bool) error {
	args := []string{name}
	if removeHome {
		args = []string{"--remove", name}
	}
	return a.Commander.Run(ctx, Command{Name: "userdel", Args: args, UID: -1, GID: -1})
}
