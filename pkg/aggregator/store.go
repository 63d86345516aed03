package aggregator

import (
	"fmt"

	"github.com/gizatechxyz/avsthon/pkg/aggregator/aggregatorConfig"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage/badger"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage/memory"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage/redis"
)

// NewStore builds the configured storage backend. A nil config means memory.
func NewStore(cfg *aggregatorConfig.StorageConfig) (storage.AggregatorStore, error) {
	if cfg == nil {
		return memory.NewInMemoryAggregatorStore(), nil
	}
	switch cfg.Type {
	case "", aggregatorConfig.StorageType_Memory:
		return memory.NewInMemoryAggregatorStore(), nil
	case aggregatorConfig.StorageType_Badger:
		return badger.NewBadgerAggregatorStore(cfg.BadgerConfig)
	case aggregatorConfig.StorageType_Redis:
		return redis.NewRedisAggregatorStore(cfg.RedisConfig)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
