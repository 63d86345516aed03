// Package appRegistry resolves client app ids to runnable application
// metadata read from the ClientAppRegistry contract.
package appRegistry

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/containerManager"
	"github.com/gizatechxyz/avsthon/pkg/contracts"
	"github.com/gizatechxyz/avsthon/pkg/taskExecutor"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// MetadataReader is satisfied by *contracts.ClientAppRegistry.
type MetadataReader interface {
	GetClientAppMetadata(ctx context.Context, clientAppId common.Hash) (*contracts.ClientAppMetadata, error)
	FilterClientAppRegistered(ctx context.Context, fromBlock uint64) ([]common.Hash, error)
}

type AppRegistryConfig struct {
	CacheSize int
	CacheTtl  time.Duration
	// FromBlock is where the ClientAppRegistered history scan starts.
	FromBlock uint64
}

type AppRegistry struct {
	config *AppRegistryConfig
	reader MetadataReader
	cache  *expirable.LRU[common.Hash, *taskExecutor.AppMetadata]
	logger *zap.Logger
}

func NewAppRegistry(config *AppRegistryConfig, reader MetadataReader, logger *zap.Logger) *AppRegistry {
	return &AppRegistry{
		config: config,
		reader: reader,
		cache:  expirable.NewLRU[common.Hash, *taskExecutor.AppMetadata](config.CacheSize, nil, config.CacheTtl),
		logger: logger,
	}
}

// Resolve returns the app's metadata, reading it from the registry on a cache
// miss. An app whose docker url cannot be parsed resolves with a nil Image.
func (r *AppRegistry) Resolve(ctx context.Context, appId common.Hash) (*taskExecutor.AppMetadata, error) {
	if app, ok := r.cache.Get(appId); ok {
		return app, nil
	}

	md, err := r.reader.GetClientAppMetadata(ctx, appId)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for app %s: %w", appId.Hex(), err)
	}
	app := &taskExecutor.AppMetadata{
		AppId:       appId,
		Name:        md.Name,
		Description: md.Description,
		DockerUrl:   md.DockerUrl,
	}
	if image, err := containerManager.ParseImageUrl(md.DockerUrl); err == nil {
		app.Image = image
	} else {
		r.logger.Sugar().Debugw("App has no parseable image url", "appId", appId.Hex(), "dockerUrl", md.DockerUrl)
	}

	r.cache.Add(appId, app)
	return app, nil
}

// Prefetch prepares every registered app with executor. Per-app failures are
// logged and skipped; only failing to list the registry is an error.
func (r *AppRegistry) Prefetch(ctx context.Context, executor taskExecutor.ITaskExecutor) (int, error) {
	ids, err := r.reader.FilterClientAppRegistered(ctx, r.config.FromBlock)
	if err != nil {
		return 0, fmt.Errorf("failed to list registered apps: %w", err)
	}
	r.logger.Sugar().Infow("Fetching registered applications", "count", len(ids))

	prepared := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return prepared, ctx.Err()
		}
		app, err := r.Resolve(ctx, id)
		if err != nil {
			r.logger.Sugar().Warnw("Skipping application", "appId", id.Hex(), "error", err)
			continue
		}
		if err := executor.Prepare(ctx, app); err != nil {
			r.logger.Sugar().Warnw("Failed to prepare application", "appId", id.Hex(), "name", app.Name, "error", err)
			continue
		}
		prepared++
	}
	return prepared, nil
}

func (r *AppRegistry) Len() int {
	return r.cache.Len()
}
