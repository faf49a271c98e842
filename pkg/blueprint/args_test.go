package blueprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultArgs() BuildArgs {
	return BuildArgs{PythonVersion: DefaultPythonVersion, UID: DefaultUID, GID: DefaultGID}
}

func TestBuildArgs_Override(t *testing.T) {
	tests := []struct {
		name          string
		pairs         []string
		expected      BuildArgs
		errorContains string
	}{
		{
			name:     "no overrides keeps defaults",
			expected: defaultArgs(),
		},
		{
			name:     "uid and gid",
			pairs:    []string{"UID=1001", "GID=1002"},
			expected: BuildArgs{PythonVersion: DefaultPythonVersion, UID: 1001, GID: 1002},
		},
		{
			name:     "python version",
			pairs:    []string{"PYTHON_VERSION=3.11.4"},
			expected: BuildArgs{PythonVersion: "3.11.4", UID: DefaultUID, GID: DefaultGID},
		},
		{
			name:     "zero ids are valid",
			pairs:    []string{"UID=0", "GID=0"},
			expected: BuildArgs{PythonVersion: DefaultPythonVersion, UID: 0, GID: 0},
		},
		{
			name:          "negative uid",
			pairs:         []string{"UID=-1"},
			errorContains: "must not be negative",
		},
		{
			name:          "non numeric gid",
			pairs:         []string{"GID=staff"},
			errorContains: "is not an integer",
		},
		{
			name:          "bad python version",
			pairs:         []string{"PYTHON_VERSION=latest"},
			errorContains: "not a semantic version",
		},
		{
			name:          "unknown key",
			pairs:         []string{"HOME=/root"},
			errorContains: "unknown build arg",
		},
		{
			name:          "missing separator",
			pairs:         []string{"UID"},
			errorContains: "expected KEY=VALUE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := defaultArgs().Override(tt.pairs)
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				assert.Equal(t, defaultArgs(), got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestBuildArgs_Map(t *testing.T) {
	m := BuildArgs{PythonVersion: "3.10.12", UID: 1000, GID: 1001}.Map()

	require.Len(t, m, 3)
	assert.Equal(t, "3.10.12", *m[ArgPythonVersion])
	assert.Equal(t, "1000", *m[ArgUID])
	assert.Equal(t, "1001", *m[ArgGID])
}

func TestBuildArgs_Pairs(t *testing.T) {
	pairs := BuildArgs{PythonVersion: "3.10.12", UID: 1000, GID: 1000}.Pairs()
	assert.Equal(t, []string{"GID=1000", "PYTHON_VERSION=3.10.12", "UID=1000"}, pairs)
}

func TestApplyDefaults(t *testing.T) {
	bp := &Blueprint{Metadata: Metadata{Name: "reemission"}}
	bp.ApplyDefaults()

	assert.Equal(t, DefaultUserName, bp.Spec.User.Name)
	assert.Equal(t, "/home/appuser/reemission", bp.Spec.Workdir)
	assert.Equal(t, []string{"/home/appuser/.local/bin", "/home/appuser/reemission"}, bp.Spec.Path)
	assert.Equal(t, "reemission:latest", bp.Spec.Image.Tag)
	assert.Equal(t, "1", bp.Spec.Env["PYTHONDONTWRITEBYTECODE"])
	assert.Equal(t, "1", bp.Spec.Env["PYTHONUNBUFFERED"])
	assert.Equal(t, "/home/appuser/reemission/docker_entrypoint.sh", bp.Spec.EntrypointPath())
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	bp := &Blueprint{
		Metadata: Metadata{Name: "reemission"},
		Spec: Spec{
			User:    User{Name: "emit"},
			Workdir: "/srv/app",
			Path:    []string{"/opt/bin", "/srv/app"},
			Env:     map[string]string{"PYTHONUNBUFFERED": "0", "LANG": "C.UTF-8"},
		},
	}
	bp.ApplyDefaults()

	assert.Equal(t, "/srv/app", bp.Spec.Workdir)
	assert.Equal(t, []string{"/opt/bin", "/srv/app"}, bp.Spec.Path)
	assert.Equal(t, "C.UTF-8", bp.Spec.Env["LANG"])
	// the python variables are part of the contract and cannot be turned off
	assert.Equal(t, "1", bp.Spec.Env["PYTHONUNBUFFERED"])
}

func TestImage_Reference(t *testing.T) {
	assert.Equal(t, "python:3.10.12-slim", Image{Base: "python", PythonVersion: "3.10.12", Variant: "slim"}.Reference())
	assert.Equal(t, "python:3.10.12", Image{Base: "python", PythonVersion: "3.10.12"}.Reference())
}

func TestUser_Owner(t *testing.T) {
	assert.Equal(t, "1000:1001", User{UID: 1000, GID: 1001}.Owner())
}
