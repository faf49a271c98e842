package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rebox/pkg/blueprint"
)

// MockCommander is a mock implementation of Commander
type MockCommander struct {
	mock.Mock
}

func (m *MockCommander) Run(ctx context.Context, cmd Command) error {
	args := m.Called(ctx, cmd)
	return args.Error(0)
}

func commandNamed(name string) interface{} {
	return mock.MatchedBy(func(cmd Command) bool { return cmd.Name == name })
}

type fixture struct {
	root    string
	context string
	bp      *blueprint.Blueprint
	prov    *Provisioner
	cmd     *MockCommander
}

func newFixture(t *testing.T, passwd, group string) *fixture {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "src", "reemission"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "setup.py"), []byte("from setuptools import setup\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "src", "reemission", "__init__.py"), nil, 0644))

	home := filepath.Join(root, "home", "appuser")
	workdir := filepath.Join(home, "reemission")
	bp := &blueprint.Blueprint{
		APIVersion: "v1",
		Kind:       "Bootstrap",
		Metadata:   blueprint.Metadata{Name: "reemission"},
		Spec: blueprint.Spec{
			Image:      blueprint.Image{Base: "python", PythonVersion: "3.10.12", Variant: "slim"},
			User:       blueprint.User{Name: "appuser", UID: os.Getuid(), GID: os.Getgid()},
			Workdir:    workdir,
			Context:    src,
			Entrypoint: blueprint.DefaultEntrypoint,
			Command:    blueprint.DefaultCommand,
			Path:       []string{filepath.Join(home, ".local", "bin"), workdir},
			Install:    blueprint.Install{Manager: "pip", Editable: true, Target: "."},
		},
	}
	bp.ApplyDefaults()

	passwdPath := filepath.Join(root, "passwd")
	groupPath := filepath.Join(root, "group")
	require.NoError(t, os.WriteFile(passwdPath, []byte(passwd), 0644))
	require.NoError(t, os.WriteFile(groupPath, []byte(group), 0644))

	cmd := new(MockCommander)
	prov := &Provisioner{
		Blueprint: bp,
		Accounts:  &Accounts{PasswdPath: passwdPath, GroupPath: groupPath, Commander: cmd, Shell: "/bin/bash"},
		Commander: cmd,
		BaseEnv:   []string{"PATH=/usr/bin:/bin", "LANG=C.UTF-8"},
	}
	return &fixture{root: root, context: src, bp: bp, prov: prov, cmd: cmd}
}

func TestProvisioner_Run_CreatesAccountsAndInstalls(t *testing.T) {
	f := newFixture(t, "root:x:0:0:root:/root:/bin/bash\n", "root:x:0:\n")
	if os.Getuid() == 0 || os.Getgid() == 0 {
		t.Skip("the fixture account database reserves ID 0")
	}

	f.cmd.On("Run", mock.Anything, mock.MatchedBy(func(cmd Command) bool {
		return cmd.Name == "groupadd" &&
			assert.ObjectsAreEqual([]string{"--gid", fmt.Sprint(os.Getgid()), "appuser"}, cmd.Args)
	})).Return(nil).Once()
	f.cmd.On("Run", mock.Anything, mock.MatchedBy(func(cmd Command) bool {
		return cmd.Name == "useradd" && cmd.Args[len(cmd.Args)-1] == "appuser"
	})).Return(nil).Once()
	f.cmd.On("Run", mock.Anything, mock.MatchedBy(func(cmd Command) bool {
		return cmd.Name == "pip" &&
			cmd.Dir == f.bp.Spec.Workdir &&
			assert.ObjectsAreEqual([]string{"install", "--no-cache-dir", "--user", "-e", "."}, cmd.Args)
	})).Return(nil).Once()

	var steps []string
	f.prov.OnStep = func(name string) { steps = append(steps, name) }

	require.NoError(t, f.prov.Run(context.Background()))
	f.cmd.AssertExpectations(t)

	assert.Equal(t, []string{StepGroup, StepUser, StepWorkdir, StepCopy, StepPath, StepInstall, StepEntrypoint}, steps)

	uid, gid := owner(t, f.bp.Spec.Workdir)
	assert.Equal(t, os.Getuid(), uid)
	assert.Equal(t, os.Getgid(), gid)
	assert.FileExists(t, filepath.Join(f.bp.Spec.Workdir, "setup.py"))
	assert.DirExists(t, f.bp.Spec.Path[0])

	script, err := ResolveScript(f.bp.Spec.Workdir, f.bp.Spec.Entrypoint)
	require.NoError(t, err)
	assert.Equal(t, f.bp.Spec.EntrypointPath(), script)
}

func TestProvisioner_Run_ExistingAccountsAreReused(t *testing.T) {
	passwd := fmt.Sprintf("appuser:x:%d:%d::/home/appuser:/bin/bash\n", os.Getuid(), os.Getgid())
	group := fmt.Sprintf("appuser:x:%d:\n", os.Getgid())
	f := newFixture(t, passwd, group)
	f.cmd.On("Run", mock.Anything, commandNamed("pip")).Return(nil).Once()

	require.NoError(t, f.prov.Run(context.Background()))

	f.cmd.AssertNotCalled(t, "Run", mock.Anything, commandNamed("groupadd"))
	f.cmd.AssertNotCalled(t, "Run", mock.Anything, commandNamed("useradd"))
	f.cmd.AssertExpectations(t)
}

func TestProvisioner_Run_IDConflict(t *testing.T) {
	group := fmt.Sprintf("staff:x:%d:\n", os.Getgid())
	f := newFixture(t, "", group)

	err := f.prov.Run(context.Background())
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepGroup, stepErr.Step)
	assert.ErrorIs(t, err, ErrIDConflict)
	assert.Contains(t, err.Error(), `already used by group "staff"`)
	f.cmd.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	assert.NoDirExists(t, f.bp.Spec.Workdir)
}

func TestProvisioner_Run_UserIDConflict(t *testing.T) {
	passwd := fmt.Sprintf("svc:x:%d:%d::/home/svc:/bin/sh\n", os.Getuid(), os.Getgid())
	group := fmt.Sprintf("appuser:x:%d:\n", os.Getgid())
	f := newFixture(t, passwd, group)

	err := f.prov.Run(context.Background())

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepUser, stepErr.Step)
	assert.ErrorIs(t, err, ErrIDConflict)
}

func TestProvisioner_Run_StopsAtFirstFailingStep(t *testing.T) {
	passwd := fmt.Sprintf("appuser:x:%d:%d::/home/appuser:/bin/bash\n", os.Getuid(), os.Getgid())
	group := fmt.Sprintf("appuser:x:%d:\n", os.Getgid())
	f := newFixture(t, passwd, group)

	pipErr := errors.New("pip: ERROR: Could not find a version that satisfies the requirement numpy==9.9")
	f.cmd.On("Run", mock.Anything, commandNamed("pip")).Return(pipErr).Once()

	err := f.prov.Run(context.Background())
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepInstall, stepErr.Step)
	assert.ErrorIs(t, err, pipErr)
	assert.Contains(t, err.Error(), pipErr.Error())
	// the entrypoint step never ran
	assert.NoFileExists(t, f.bp.Spec.EntrypointPath())
}

func TestProvisioner_Run_RollsBackOnFailure(t *testing.T) {
	f := newFixture(t, "root:x:0:0:root:/root:/bin/bash\n", "root:x:0:\n")
	if os.Getuid() == 0 || os.Getgid() == 0 {
		t.Skip("the fixture account database reserves ID 0")
	}

	var calls []string
	record := func(args mock.Arguments) { calls = append(calls, args.Get(1).(Command).Name) }
	pipErr := errors.New("pip: ERROR: No matching distribution found for reemission")
	f.cmd.On("Run", mock.Anything, commandNamed("groupadd")).Return(nil).Run(record).Once()
	f.cmd.On("Run", mock.Anything, commandNamed("useradd")).Return(nil).Run(record).Once()
	f.cmd.On("Run", mock.Anything, commandNamed("pip")).Return(pipErr).Run(record).Once()
	f.cmd.On("Run", mock.Anything, mock.MatchedBy(func(cmd Command) bool {
		return cmd.Name == "userdel" && cmd.Args[len(cmd.Args)-1] == "appuser"
	})).Return(nil).Run(record).Once()
	f.cmd.On("Run", mock.Anything, mock.MatchedBy(func(cmd Command) bool {
		return cmd.Name == "groupdel" && assert.ObjectsAreEqual([]string{"appuser"}, cmd.Args)
	})).Return(nil).Run(record).Once()

	err := f.prov.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pipErr)
	f.cmd.AssertExpectations(t)

	// the user goes before its primary group
	assert.Equal(t, []string{"groupadd", "useradd", "pip", "userdel", "groupdel"}, calls)
	assert.NoDirExists(t, f.bp.Spec.Workdir)
	assert.NoDirExists(t, filepath.Join(f.root, "home"))
	assert.DirExists(t, f.context, "the build context is left alone")
}

func TestProvisioner_Run_RollbackKeepsExistingDirectories(t *testing.T) {
	passwd := fmt.Sprintf("appuser:x:%d:%d::/home/appuser:/bin/bash\n", os.Getuid(), os.Getgid())
	group := fmt.Sprintf("appuser:x:%d:\n", os.Getgid())
	f := newFixture(t, passwd, group)
	home := filepath.Dir(f.bp.Spec.Workdir)
	require.NoError(t, os.MkdirAll(home, 0755))

	f.cmd.On("Run", mock.Anything, commandNamed("pip")).Return(errors.New("pip: failed")).Once()

	require.Error(t, f.prov.Run(context.Background()))
	f.cmd.AssertExpectations(t)
	f.cmd.AssertNotCalled(t, "Run", mock.Anything, commandNamed("userdel"))
	f.cmd.AssertNotCalled(t, "Run", mock.Anything, commandNamed("groupdel"))
	assert.NoDirExists(t, f.bp.Spec.Workdir)
	assert.DirExists(t, home)
}

func TestEnvironment(t *testing.T) {
	bp := &blueprint.Blueprint{Spec: blueprint.Spec{
		Env:  map[string]string{"REEMISSION_CONFIG": "/etc/reemission", "PYTHONUNBUFFERED": "0"},
		Path: []string{"/home/appuser/.local/bin", "/home/appuser/reemission"},
	}}

	env := Environment([]string{
		"PATH=/usr/local/bin:/home/appuser/.local/bin:/usr/bin",
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=0",
	}, bp)

	assert.Equal(t, []string{
		"LANG=C.UTF-8",
		"PATH=/home/appuser/.local/bin:/home/appuser/reemission:/usr/local/bin:/usr/bin",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"REEMISSION_CONFIG=/etc/reemission",
	}, env)
}

func TestEnvironment_DefaultPath(t *testing.T) {
	bp := &blueprint.Blueprint{Spec: blueprint.Spec{Path: []string{"/a", "/b"}}}
	pathValue, ok := Lookup(Environment(nil, bp), "PATH")
	require.True(t, ok)
	assert.Equal(t, "/a:/b:"+DefaultPath, pathValue)
}

func TestResolve(t *testing.T) {
	bin := t.TempDir()
	other := t.TempDir()
	command := filepath.Join(bin, "reemission")
	require.NoError(t, os.WriteFile(command, []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(other, "reemission"), []byte("#!/bin/sh\n"), 0644))

	bp := &blueprint.Blueprint{Spec: blueprint.Spec{Path: []string{other, bin}}}
	env := Environment([]string{"PATH=/nonexistent"}, bp)

	resolved, err := Resolve("reemission", env)
	require.NoError(t, err)
	assert.Equal(t, command, resolved, "non-executable candidates are skipped")

	_, err = Resolve("missing-tool", env)
	assert.ErrorIs(t, err, ErrCommandNotFound)

	resolved, err = Resolve(command, nil)
	require.NoError(t, err)
	assert.Equal(t, command, resolved)
}

const argsScript = `#!/bin/sh
echo "$#"
for arg in "$@"; do
	echo "[$arg]"
done
exit "${EXIT_CODE:-0}"
`

func writeScript(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docker_entrypoint.sh")
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

func TestEntrypoint_Run(t *testing.T) {
	for _, mode := range []Mode{ModeExec, ModeVirtual} {
		t.Run(string(mode), func(t *testing.T) {
			script := writeScript(t, argsScript, 0755)

			tests := []struct {
				name     string
				args     []string
				env      []string
				expected string
				code     int
			}{
				{name: "no args", args: nil, expected: "0\n"},
				{name: "args in order", args: []string{"foo", "bar"}, expected: "2\n[foo]\n[bar]\n"},
				{name: "option-like args", args: []string{"-v", "--out=x y"}, expected: "2\n[-v]\n[--out=x y]\n"},
				{name: "exit code", args: []string{"calculate"}, env: []string{"EXIT_CODE=2"}, expected: "1\n[calculate]\n", code: 2},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					var stdout bytes.Buffer
					ep := &Entrypoint{
						Script: script,
						Dir:    filepath.Dir(script),
						Env:    append([]string{"PATH=/usr/bin:/bin"}, tt.env...),
						Mode:   mode,
						Stdout: &stdout,
						Stderr: &stdout,
					}

					code, err := ep.Run(context.Background(), tt.args)
					require.NoError(t, err)
					assert.Equal(t, tt.code, code)
					assert.Equal(t, tt.expected, stdout.String())
				})
			}
		})
	}
}

func TestEntrypoint_ExitCodeIsStable(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexit 2\n", 0755)
	for _, mode := range []Mode{ModeExec, ModeVirtual} {
		ep := &Entrypoint{Script: script, Mode: mode, Env: []string{"PATH=/usr/bin:/bin"}}
		for i := 0; i < 3; i++ {
			code, err := ep.Run(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, 2, code, "mode %s run %d", mode, i)
		}
	}
}

func TestEntrypoint_InvalidSyntax(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nif then fi\n", 0755)
	ep := &Entrypoint{Script: script, Mode: ModeExec}

	code, err := ep.Run(context.Background(), nil)
	assert.Equal(t, -1, code)
	assert.ErrorIs(t, err, ErrScriptInvalid)
}

const bashScript = `#!/usr/bin/env bash
args=("$@")
if [[ "${args[0]}" == foo ]]; then
  echo "match ${#args[@]}"
  exit 0
fi
echo nomatch
exit 3
`

func TestEntrypoint_BashScript(t *testing.T) {
	for _, mode := range []Mode{ModeExec, ModeVirtual} {
		t.Run(string(mode), func(t *testing.T) {
			if _, err := exec.LookPath("bash"); err != nil && mode == ModeExec {
				t.Skip("bash is not installed")
			}
			script := writeScript(t, bashScript, 0755)

			var stdout bytes.Buffer
			ep := &Entrypoint{Script: script, Mode: mode, Env: []string{"PATH=/usr/bin:/bin"}, Stdout: &stdout, Stderr: &stdout}
			code, err := ep.Run(context.Background(), []string{"foo", "bar"})
			require.NoError(t, err)
			assert.Equal(t, 0, code)
			assert.Equal(t, "match 2\n", stdout.String())
		})
	}
}

func TestEntrypoint_OtherInterpreter(t *testing.T) {
	content := "#!/bin/cat\nnot a shell script (\n"
	script := writeScript(t, content, 0755)

	var stdout bytes.Buffer
	code, err := (&Entrypoint{Script: script, Mode: ModeExec, Stdout: &stdout}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, content, stdout.String())

	_, err = (&Entrypoint{Script: script, Mode: ModeVirtual}).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot interpret a cat script")
}

func TestParseScript_Interpreter(t *testing.T) {
	tests := []struct {
		src      string
		expected string
		shell    bool
	}{
		{src: "echo hi\n", expected: "", shell: true},
		{src: "#!/bin/sh\necho hi\n", expected: "sh", shell: true},
		{src: "#! /bin/bash -e\nx=(1)\n", expected: "bash", shell: true},
		{src: "#!/usr/bin/env bash\n[[ -n x ]]\n", expected: "bash", shell: true},
		{src: "#!/usr/bin/env -S LANG=C mksh\necho hi\n", expected: "mksh", shell: true},
		{src: "#!/usr/bin/python3\nprint('hi')\n", expected: "python3"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			script, err := ParseScript(writeScript(t, tt.src, 0755))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, script.Interpreter)
			assert.Equal(t, tt.shell, script.File != nil)
		})
	}

	_, err := ParseScript(writeScript(t, "#!/bin/sh\nx=(1)\n", 0755))
	assert.ErrorIs(t, err, ErrScriptInvalid, "arrays are not POSIX")
}

func TestEntrypoint_VirtualModeCannotSwitchAccount(t *testing.T) {
	script := writeScript(t, argsScript, 0755)
	ep := &Entrypoint{Script: script, Mode: ModeVirtual, RunAs: &Account{UID: os.Geteuid() + 1, GID: os.Getegid()}}

	code, err := ep.Run(context.Background(), nil)
	assert.Equal(t, -1, code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use exec mode")
}

func TestEntrypoint_UnknownMode(t *testing.T) {
	script := writeScript(t, argsScript, 0755)
	_, err := (&Entrypoint{Script: script, Mode: "remote"}).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown entrypoint mode "remote"`)
}

func TestResolveScript(t *testing.T) {
	executable := writeScript(t, argsScript, 0755)
	plain := writeScript(t, argsScript, 0644)

	path, err := ResolveScript(filepath.Dir(executable), "docker_entrypoint.sh")
	require.NoError(t, err)
	assert.Equal(t, executable, path)

	_, err = ResolveScript(filepath.Dir(plain), "docker_entrypoint.sh")
	assert.ErrorIs(t, err, ErrScriptNotExecutable)

	_, err = ResolveScript(t.TempDir(), "docker_entrypoint.sh")
	assert.ErrorIs(t, err, ErrScriptNotFound)

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "docker_entrypoint.sh"), 0755))
	_, err = ResolveScript(dir, "docker_entrypoint.sh")
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestExecCommander_Run(t *testing.T) {
	var output bytes.Buffer
	commander := &ExecCommander{Output: &output}

	err := commander.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo working; echo 'useradd: UID 1000 is not unique' >&2; exit 4"},
		UID:  -1,
		GID:  -1,
	})
	require.Error(t, err)
	assert.Equal(t, "sh: useradd: UID 1000 is not unique", err.Error())
	assert.True(t, strings.HasPrefix(output.String(), "working\n"))

	require.NoError(t, commander.Run(context.Background(), Command{Name: "true", UID: -1, GID: -1}))
}
