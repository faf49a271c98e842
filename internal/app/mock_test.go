package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rebox/internal/ui"
	"rebox/pkg/runtime"
)

// MockContainerRuntime is a mock implementation of the ContainerRuntime interface
type MockContainerRuntime struct {
	*mock.Mock
}

func NewMockContainerRuntime() *MockContainerRuntime {
	return &MockContainerRuntime{Mock: &mock.Mock{}}
}

func (m *MockContainerRuntime) PullImage(ctx context.Context, image string) error {
	args := m.Called(ctx, image)
	return args.Error(0)
}

func (m *MockContainerRuntime) BuildImage(ctx context.Context, opts runtime.BuildOptions) error {
	args := m.Called(ctx, opts)
	return args.Error(0)
}

func (m *MockContainerRuntime) RunContainer(ctx context.Context, opts runtime.RunOptions) (int, error) {
	args := m.Called(ctx, opts)
	return args.Int(0), args.Error(1)
}

func (m *MockContainerRuntime) InspectImage(ctx context.Context, image string) (*runtime.ImageConfig, error) {
	args := m.Called(ctx, image)
	cfg, _ := args.Get(0).(*runtime.ImageConfig)
	return cfg, args.Error(1)
}

type testEnv struct {
	dir       string
	context   string
	blueprint string
	output    string
	stdout    *bytes.Buffer
	console   *bytes.Buffer
}

// newTestEnv writes a blueprint packaging a small python project.
func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "setup.py"), []byte("from setuptools import setup\nsetup(name='reemission')\n"), 0644))

	content := fmt.Sprintf(`apiVersion: v1
kind: Bootstrap
metadata:
  name: reemission
spec:
  context: ./src
%s`, extra)
	path := filepath.Join(dir, "rebox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return &testEnv{
		dir:       dir,
		context:   src,
		blueprint: path,
		output:    filepath.Join(dir, "out"),
		stdout:    &bytes.Buffer{},
		console:   &bytes.Buffer{},
	}
}

func (e *testEnv) app(rt runtime.ContainerRuntime) *App {
	a := New(ui.NewWriterConsole(e.console, e.console))
	a.Stdout = e.stdout
	a.Stderr = e.stdout
	if rt != nil {
		a.WithRuntime(rt)
	}
	return a
}

func (e *testEnv) options() Options {
	return Options{BlueprintPath: e.blueprint, OutputDir: e.output}
}
