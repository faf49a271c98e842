package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"

	"rebox/pkg/runtime"
)

// DockerRuntime implements the ContainerRuntime interface using Docker client.
type DockerRuntime struct {
	client client.APIClient
}

// NewDockerRuntime creates a new DockerRuntime instance using client.FromEnv.
func NewDockerRuntime() (*DockerRuntime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Check if Docker daemon is accessible
	if _, err := dockerClient.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	return &DockerRuntime{client: dockerClient}, nil
}

// PullImage pulls a Docker image.
func (d *DockerRuntime) PullImage(ctx context.Context, imageName string) error {
	slog.Info("Pulling Docker image", "image", imageName)

	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Stream the pull output (but don't print it to avoid clutter)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to stream image pull output: %w", err)
	}

	slog.Info("Successfully pulled Docker image", "image", imageName)
	return nil
}

// BuildImage builds an image from a tar build context. A failing build step
// is returned with the daemon's message unchanged.
func (d *DockerRuntime) BuildImage(ctx context.Context, opts runtime.BuildOptions) error {
	slog.Info("Building Docker image", "tags", opts.Tags, "dockerfile", opts.Dockerfile, "noCache", opts.NoCache)

	response, err := d.client.ImageBuild(ctx, opts.Context, types.ImageBuildOptions{
		Dockerfile:  opts.Dockerfile,
		Tags:        opts.Tags,
		BuildArgs:   opts.BuildArgs,
		Labels:      opts.Labels,
		NoCache:     opts.NoCache,
		ForceRemove: true,
		Remove:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to start image build: %w", err)
	}
	defer response.Body.Close()

	if err := processBuildOutput(response.Body, opts.Output); err != nil {
		slog.Error("Image build failed", "tags", opts.Tags, "error", err)
		return err
	}

	slog.Info("Successfully built Docker image", "tags", opts.Tags)
	return nil
}

// processBuildOutput renders the daemon's JSON progress stream to out and
// returns the first error message it reports.
func processBuildOutput(body io.Reader, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	return jsonmessage.DisplayJSONMessagesStream(body, out, 0, false, nil)
}

// RunContainer runs a container to completion, streaming its output, and
// returns the container's exit code.
func (d *DockerRuntime) RunContainer(ctx context.Context, opts runtime.RunOptions) (int, error) {
	slog.Info("Running container", "image", opts.Image, "args", opts.Args, "user", opts.User)

	var mounts []mount.Mount
	for hostPath, containerPath := range opts.VolumeMounts {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: hostPath,
			Target: containerPath,
		})
	}

	containerConfig := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Args,
		Env:        opts.Env,
		User:       opts.User,
		WorkingDir: opts.WorkingDirectory,
	}
	hostConfig := &container.HostConfig{Mounts: mounts}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID
	if opts.Remove {
		defer d.remove(containerID)
	}

	// Register the wait before starting so a fast exit is not missed
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer logs.Close()

	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return -1, fmt.Errorf("failed to stream container output: %w", err)
	}

	select {
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return -1, fmt.Errorf("container exited abnormally: %s", status.Error.Message)
		}
		code := int(status.StatusCode)
		slog.Info("Container finished", "containerID", containerID, "exitCode", code)
		return code, nil
	}
}

func (d *DockerRuntime) remove(containerID string) {
	// the caller's context may already be cancelled
	if err := d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Error("Failed to remove container", "containerID", containerID, "error", err)
	}
}

// InspectImage returns the runtime configuration of a local image.
func (d *DockerRuntime) InspectImage(ctx context.Context, imageName string) (*runtime.ImageConfig, error) {
	resp, _, err := d.client.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image %s: %w", imageName, err)
	}
	if resp.Config == nil {
		return nil, fmt.Errorf("image %s has no configuration", imageName)
	}

	return &runtime.ImageConfig{
		User:       resp.Config.User,
		WorkingDir: resp.Config.WorkingDir,
		Env:        resp.Config.Env,
		Entrypoint: []string(resp.Config.Entrypoint),
		Cmd:        []string(resp.Config.Cmd),
		Labels:     resp.Config.Labels,
	}, nil
}
