// Package containerManager runs one-shot task containers through the docker
// engine API.
package containerManager

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultRemoveTimeout = 10 * time.Second
	containerNamePrefix  = "giza-task"
)

var ErrNonZeroExit = errors.New("container exited with non-zero status")

type IContainerManager interface {
	// PullImage fetches ref into the local image store.
	PullImage(ctx context.Context, ref string) error

	// Run creates a container from ref, waits for it to stop and returns its
	// stdout. The container is always removed.
	Run(ctx context.Context, ref string) (string, error)

	Close() error
}

type ContainerManagerConfig struct {
	// Host is a docker daemon address, e.g. unix:///var/run/docker.sock.
	// Empty means the environment's DOCKER_HOST.
	Host string
	// ApiVersion pins the engine API version instead of negotiating it.
	ApiVersion    string
	RemoveTimeout time.Duration
}

type DockerContainerManager struct {
	client *client.Client
	config *ContainerManagerConfig
	logger *zap.Logger
}

func NewDockerContainerManager(config *ContainerManagerConfig, logger *zap.Logger) (*DockerContainerManager, error) {
	if config == nil {
		config = &ContainerManagerConfig{}
	}
	if config.RemoveTimeout == 0 {
		config.RemoveTimeout = DefaultRemoveTimeout
	}

	opts := []client.Opt{client.FromEnv}
	if config.Host != "" {
		opts = append(opts, client.WithHost(config.Host))
	}
	if config.ApiVersion != "" {
		opts = append(opts, client.WithVersion(config.ApiVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Docker client")
	}

	return &DockerContainerManager{
		client: dockerClient,
		config: config,
		logger: logger,
	}, nil
}

// UnixSocketHost turns a socket path into a docker host address.
func UnixSocketHost(sockPath string) string {
	if sockPath == "" || strings.Contains(sockPath, "://") {
		return sockPath
	}
	return "unix://" + sockPath
}

func (dcm *DockerContainerManager) PullImage(ctx context.Context, ref string) error {
	dcm.logger.Sugar().Infow("Pulling image", "image", ref)

	reader, err := dcm.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to pull image %s", ref)
	}
	defer reader.Close()

	// the pull only completes once its progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errors.Wrapf(err, "failed to read pull progress for %s", ref)
	}
	dcm.logger.Sugar().Infow("Pulled image", "image", ref)
	return nil
}

func (dcm *DockerContainerManager) Run(ctx context.Context, ref string) (string, error) {
	name := containerNamePrefix + "-" + uuid.New().String()

	created, err := dcm.client.ContainerCreate(ctx,
		&container.Config{
			Image: ref,
			Tty:   true,
		},
		&container.HostConfig{},
		nil,
		nil,
		name,
	)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create container from %s", ref)
	}
	containerId := created.ID
	defer dcm.remove(containerId)

	dcm.logger.Sugar().Debugw("Created container", "containerId", containerId, "name", name, "image", ref)

	if err := dcm.client.ContainerStart(ctx, containerId, container.StartOptions{}); err != nil {
		return "", errors.Wrap(err, "failed to start container")
	}

	statusCh, errCh := dcm.client.ContainerWait(ctx, containerId, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return "", errors.Wrap(err, "failed waiting for container")
		}
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return "", errors.Errorf("container wait failed: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case <-ctx.Done():
		return "", ctx.Err()
	}

	output, err := dcm.logs(ctx, containerId)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", errors.Wrapf(ErrNonZeroExit, "exit code %d: %s", exitCode, output)
	}
	return output, nil
}

// logs reads a tty container's output, which docker returns unmultiplexed.
func (dcm *DockerContainerManager) logs(ctx context.Context, containerId string) (string, error) {
	reader, err := dcm.client.ContainerLogs(ctx, containerId, container.LogsOptions{ShowStdout: true})
	if err != nil {
		return "", errors.Wrap(err, "failed to read container logs")
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return "", errors.Wrap(err, "failed to read container logs")
	}
	return strings.TrimSpace(string(out)), nil
}

// remove runs on its own context so cancelled tasks still clean up.
func (dcm *DockerContainerManager) remove(containerId string) {
	ctx, cancel := context.WithTimeout(context.Background(), dcm.config.RemoveTimeout)
	defer cancel()

	if err := dcm.client.ContainerRemove(ctx, containerId, container.RemoveOptions{Force: true}); err != nil {
		dcm.logger.Sugar().Warnw("Failed to remove container", "containerId", containerId, "error", err)
		return
	}
	dcm.logger.Sugar().Debugw("Removed container", "containerId", containerId)
}

func (dcm *DockerContainerManager) Close() error {
	return dcm.client.Close()
}
