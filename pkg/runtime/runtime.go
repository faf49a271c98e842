// Package runtime defines the container engine contract used to build and
// run bootstrap images.
package runtime

import (
	"context"
	"io"
)

// BuildOptions defines the parameters for building an image.
type BuildOptions struct {
	// Context is a tar stream of the build context.
	Context    io.Reader
	Dockerfile string
	Tags       []string
	BuildArgs  map[string]*string
	Labels     map[string]string
	NoCache    bool
	// Output receives the build progress. Nil discards it.
	Output io.Writer
}

// RunOptions defines the parameters for running a container.
type RunOptions struct {
	Image string
	// Args are appended to the image entrypoint as CMD arguments.
	Args             []string
	Env              []string
	User             string
	WorkingDirectory string
	VolumeMounts     map[string]string
	Remove           bool
	Stdout           io.Writer
	Stderr           io.Writer
}

// ImageConfig is the runtime configuration recorded in an image.
type ImageConfig struct {
	User       string
	WorkingDir string
	Env        []string
	Entrypoint []string
	Cmd        []string
	Labels     map[string]string
}

// ContainerRuntime defines the contract for container operations.
type ContainerRuntime interface {
	PullImage(ctx context.Context, image string) error
	BuildImage(ctx context.Context, opts BuildOptions) error
	// RunContainer runs a container to completion and returns its exit code.
	RunContainer(ctx context.Context, opts RunOptions) (int, error)
	InspectImage(ctx context.Context, image string) (*ImageConfig, error)
}
