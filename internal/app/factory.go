package app

import (
	"fmt"

	"rebox/internal/runtime"
	pkgruntime "rebox/pkg/runtime"
)

// DefaultRuntime is the container engine used when none is named.
const DefaultRuntime = "docker"

// RuntimeFactory creates container runtimes from their names, keeping the
// workflow independent of concrete engines.
type RuntimeFactory struct{}

// NewRuntimeFactory creates a new instance of RuntimeFactory.
func NewRuntimeFactory() *RuntimeFactory {
	return &RuntimeFactory{}
}

// GetRuntime returns the container runtime implementation named name.
func (f *RuntimeFactory) GetRuntime(name string) (pkgruntime.ContainerRuntime, error) {
	switch name {
	case "docker":
		dockerRuntime, err := runtime.NewDockerRuntime()
		if err != nil {
			return nil, fmt.Errorf("failed to create Docker runtime: %w", err)
		}
		return dockerRuntime, nil
	default:
		return nil, fmt.Errorf("unsupported container runtime: %s", name)
	}
}
