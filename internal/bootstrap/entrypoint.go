package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Mode selects how the entrypoint script is executed.
type Mode string

const (
	// ModeExec runs the script as a child process.
	ModeExec Mode = "exec"
	// ModeVirtual runs the script with the embedded shell interpreter.
	ModeVirtual Mode = "virtual"
)

// DefaultShell runs scripts without a "#!" line in ModeExec.
const DefaultShell = "/bin/sh"

var (
	ErrScriptNotFound      = errors.New("entrypoint script not found")
	ErrScriptNotExecutable = errors.New("entrypoint script is not executable")
	ErrScriptInvalid       = errors.New("entrypoint script has invalid syntax")
)

// ResolveScript locates the entrypoint script in dir. The script must be an
// executable regular file.
func ResolveScript(dir, name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, name)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrScriptNotFound, path)
		}
		return "", fmt.Errorf("failed to stat entrypoint script %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrScriptNotFound, path)
	}
	if info.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("%w: %s (mode %s)", ErrScriptNotExecutable, path, info.Mode().Perm())
	}
	return path, nil
}

// Script is a parsed entrypoint script.
type Script struct {
	Path string
	// Interpreter is the program named by the "#!" line, "" when there is none.
	Interpreter string
	// File is nil when the interpreter is not a shell.
	File *syntax.File
}

// ParseScript reads the script and checks its syntax in the shell dialect its
// "#!" line names. A script without one is read as POSIX shell. Scripts for
// other interpreters are not parsed.
func ParseScript(path string) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open entrypoint script: %w", err)
	}

	script := &Script{Path: path, Interpreter: interpreter(src)}
	lang, ok := shellVariant(script.Interpreter)
	if !ok {
		return script, nil
	}
	script.File, err = syntax.NewParser(syntax.Variant(lang)).Parse(bytes.NewReader(src), path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptInvalid, err)
	}
	return script, nil
}

// interpreter returns the program named by the "#!" line of src, looking
// through /usr/bin/env.
func interpreter(src []byte) string {
	line, _, _ := bytes.Cut(src, []byte("\n"))
	rest, ok := bytes.CutPrefix(line, []byte("#!"))
	if !ok {
		return ""
	}
	fields := strings.Fields(string(rest))
	if len(fields) == 0 {
		return ""
	}
	prog := filepath.Base(fields[0])
	if prog != "env" {
		return prog
	}
	for _, f := range fields[1:] {
		if !strings.HasPrefix(f, "-") && !strings.Contains(f, "=") {
			return filepath.Base(f)
		}
	}
	return ""
}

func shellVariant(prog string) (syntax.LangVariant, bool) {
	switch prog {
	case "", "sh", "dash", "ash", "posh":
		return syntax.LangPOSIX, true
	case "bash":
		return syntax.LangBash, true
	case "mksh", "ksh":
		return syntax.LangMirBSDKorn, true
	}
	return 0, false
}

// Account is the UID and GID a process runs as.
type Account struct {
	UID int
	GID int
}

// Entrypoint hands control to the entrypoint script.
type Entrypoint struct {
	Script string
	Dir    string
	Env    []string
	Mode   Mode
	// Shell runs the script in ModeExec instead of its "#!" line.
	Shell string
	// RunAs drops the script to another account. Only ModeExec can do so.
	RunAs  *Account
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes the script with args as its positional parameters, in order,
// and returns the script's exit code. An error means the script could not
// be started.
func (e *Entrypoint) Run(ctx context.Context, args []string) (int, error) {
	script, err := ParseScript(e.Script)
	if err != nil {
		return -1, err
	}

	slog.Info("Running entrypoint", "script", e.Script, "interpreter", script.Interpreter, "mode", e.Mode, "args", args)
	switch e.Mode {
	case ModeVirtual:
		return e.runVirtual(ctx, script, args)
	case ModeExec, "":
		return e.runExec(ctx, script, args)
	default:
		return -1, fmt.Errorf("unknown entrypoint mode %q", e.Mode)
	}
}

// command builds the child process for ModeExec. The kernel picks the
// interpreter from the "#!" line; a script without one goes to DefaultShell.
func (e *Entrypoint) command(script *Script, args []string) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch {
	case e.Shell != "":
		cmd = exec.Command(e.Shell, append([]string{e.Script}, args...)...)
	case script.Interpreter == "":
		cmd = exec.Command(DefaultShell, append([]string{e.Script}, args...)...)
	default:
		cmd = exec.Command(e.Script, args...)
	}
	cmd.Dir = e.Dir
	cmd.Env = e.Env
	cmd.Stdin = e.Stdin
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	if e.RunAs != nil {
		if err := setCredential(cmd, e.RunAs.UID, e.RunAs.GID); err != nil {
			return nil, err
		}
	}
	return cmd, nil
}

func (e *Entrypoint) runExec(ctx context.Context, script *Script, args []string) (int, error) {
	cmd, err := e.command(script, args)
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start entrypoint script: %w", err)
	}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(signals)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	return exitCode(supervise(ctx, cmd.Process, signals, done))
}

type signaler interface {
	Signal(sig os.Signal) error
}

// supervise forwards signals to proc until it exits. A cancelled ctx
// terminates proc unless a signal was already forwarded to it.
func supervise(ctx context.Context, proc signaler, signals <-chan os.Signal, done <-chan error) error {
	forwarded := false
	for {
		select {
		case sig := <-signals:
			slog.Info("Forwarding signal to entrypoint", "signal", sig)
			forwarded = true
			_ = proc.Signal(sig)
		case <-ctx.Done():
			if !forwarded {
				_ = proc.Signal(syscall.SIGTERM)
			}
			ctx = context.Background()
		case err := <-done:
			return err
		}
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, fmt.Errorf("entrypoint script failed: %w", err)
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return code, nil
	}
	// killed by a signal: report it the way shells do
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return -1, fmt.Errorf("entrypoint script failed: %w", err)
}

func (e *Entrypoint) runVirtual(ctx context.Context, script *Script, args []string) (int, error) {
	if script.File == nil {
		return -1, fmt.Errorf("cannot interpret a %s script in %s mode", script.Interpreter, ModeVirtual)
	}
	if e.RunAs != nil && (e.RunAs.UID != os.Geteuid() || e.RunAs.GID != os.Getegid()) {
		return -1, fmt.Errorf("%s mode cannot run as %d:%d; use %s mode", ModeVirtual, e.RunAs.UID, e.RunAs.GID, ModeExec)
	}

	opts := []interp.RunnerOption{
		interp.StdIO(e.Stdin, e.Stdout, e.Stderr),
		interp.Env(expand.ListEnviron(e.Env...)),
	}
	if e.Dir != "" {
		opts = append(opts, interp.Dir(e.Dir))
	}
	// Prepend "--" so arguments such as "-v" are not read as shell options
	if len(args) > 0 {
		opts = append(opts, interp.Params(append([]string{"--"}, args...)...))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return -1, fmt.Errorf("failed to create shell interpreter: %w", err)
	}

	if err := runner.Run(ctx, script.File); err != nil {
		if exitStatus, ok := interp.IsExitStatus(err); ok {
			return int(exitStatus), nil
		}
		return -1, fmt.Errorf("entrypoint script failed: %w", err)
	}
	return 0, nil
}
