package dockerTaskExecutor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gizatechxyz/avsthon/pkg/containerManager"
	"github.com/gizatechxyz/avsthon/pkg/taskExecutor"
	"go.uber.org/zap"
)

type DockerTaskExecutorConfig struct {
	// Timeout bounds a single run. Zero means no limit beyond the caller's ctx.
	Timeout time.Duration
}

type DockerTaskExecutor struct {
	config  *DockerTaskExecutorConfig
	manager containerManager.IContainerManager
	logger  *zap.Logger

	mu     sync.Mutex
	pulled map[string]struct{}
}

func NewDockerTaskExecutor(
	config *DockerTaskExecutorConfig,
	manager containerManager.IContainerManager,
	logger *zap.Logger,
) *DockerTaskExecutor {
	if config == nil {
		config = &DockerTaskExecutorConfig{}
	}
	return &DockerTaskExecutor{
		config:  config,
		manager: manager,
		logger:  logger,
		pulled:  make(map[string]struct{}),
	}
}

func (e *DockerTaskExecutor) Prepare(ctx context.Context, app *taskExecutor.AppMetadata) error {
	if app.Image == nil {
		return fmt.Errorf("%w: %s", taskExecutor.ErrNoImage, app.AppId.Hex())
	}
	ref := app.Image.Reference()

	e.mu.Lock()
	_, ok := e.pulled[ref]
	e.mu.Unlock()
	if ok {
		return nil
	}

	if err := e.manager.PullImage(ctx, ref); err != nil {
		return err
	}
	e.mu.Lock()
	e.pulled[ref] = struct{}{}
	e.mu.Unlock()
	return nil
}

func (e *DockerTaskExecutor) Execute(ctx context.Context, app *taskExecutor.AppMetadata) (string, error) {
	if err := e.Prepare(ctx, app); err != nil {
		return "", err
	}
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	ref := app.Image.Reference()
	e.logger.Sugar().Infow("Running task container", "appId", app.AppId.Hex(), "image", ref)
	out, err := e.manager.Run(ctx, ref)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", taskExecutor.ErrEmptyResult
	}
	return out, nil
}
