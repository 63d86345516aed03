package taskExecutor

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/containerManager"
)

var (
	ErrNoImage     = errors.New("application has no runnable image")
	ErrEmptyResult = errors.New("task produced no output")
)

// AppMetadata is a client application as resolved from the registry.
type AppMetadata struct {
	AppId       common.Hash                     `json:"appId"`
	Name        string                          `json:"name"`
	Description string                          `json:"description"`
	DockerUrl   string                          `json:"dockerUrl"`
	Image       *containerManager.ImageMetadata `json:"image,omitempty"`
}

// ITaskExecutor runs a client application and returns its result string.
type ITaskExecutor interface {
	// Prepare makes the application ready to run, e.g. by pulling its image.
	Prepare(ctx context.Context, app *AppMetadata) error

	Execute(ctx context.Context, app *AppMetadata) (string, error)
}
