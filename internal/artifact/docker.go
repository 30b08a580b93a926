package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// LogSource reads container logs. *client.Client satisfies it.
type LogSource interface {
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// NewDockerLogSource connects to the Docker daemon configured in the environment
func NewDockerLogSource() (*client.Client, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return docker, nil
}

// FetchContainerLogs returns the recent stdout and stderr of a container,
// demultiplexed and labelled by stream
func FetchContainerLogs(ctx context.Context, src LogSource, containerID string) ([]byte, error) {
	reader, err := src.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       "500",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}

	var out bytes.Buffer
	out.WriteString("== stdout ==\n")
	out.Write(stdout.Bytes())
	out.WriteString("== stderr ==\n")
	out.Write(stderr.Bytes())
	return out.Bytes(), nil
}
