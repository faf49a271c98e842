package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// Command is one external program invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env replaces the process environment when non-nil.
	Env []string
	// UID and GID select the account the command runs as. Negative values
	// keep the current account.
	UID int
	GID int
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Commander runs external programs.
type Commander interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecCommander runs commands as child processes.
type ExecCommander struct {
	// Output receives the command's combined output as it runs.
	Output io.Writer
}

// Run executes cmd. A failing command returns an error carrying its last
// line of output unchanged.
func (e *ExecCommander) Run(ctx context.Context, cmd Command) error {
	slog.Info("Running command", "command", cmd.String(), "dir", cmd.Dir)

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	if err := setCredential(c, cmd.UID, cmd.GID); err != nil {
		return err
	}

	var captured bytes.Buffer
	out := io.Writer(&captured)
	if e.Output != nil {
		out = io.MultiWriter(&captured, e.Output)
	}
	c.Stdout = out
	c.Stderr = out

	if err := c.Run(); err != nil {
		if msg := lastLine(captured.String()); msg != "" {
			return fmt.Errorf("%s: %s", cmd.Name, msg)
		}
		return fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
