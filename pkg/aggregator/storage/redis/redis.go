package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gizatechxyz/avsthon/pkg/aggregator/aggregatorConfig"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage"
	"github.com/gizatechxyz/avsthon/pkg/types"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyTask            = "task:%s"
	keyTasksByStatus   = "tasks:status:%s"
	keyVerdict         = "verdict:%s"
	keyVerdictsPending = "verdicts:pending"
	keyLastBlock       = "lastblock"

	maxTxRetries = 5
)

// RedisAggregatorStore keeps aggregator state in Redis so several restarts, or a
// replacement host, see the same task directory and verdict backlog.
type RedisAggregatorStore struct {
	client goredis.UniversalClient
	prefix string
	mu     sync.RWMutex
	closed bool
}

func NewRedisAggregatorStore(cfg *aggregatorConfig.RedisConfig) (*RedisAggregatorStore, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New("redis config requires an address")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisAggregatorStoreWithClient(client, cfg.KeyPrefix), nil
}

func NewRedisAggregatorStoreWithClient(client goredis.UniversalClient, keyPrefix string) *RedisAggregatorStore {
	return &RedisAggregatorStore{
		client: client,
		prefix: keyPrefix,
	}
}

// Ping verifies the server is reachable.
func (s *RedisAggregatorStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisAggregatorStore) key(format string, args ...interface{}) string {
	return s.prefix + fmt.Sprintf(format, args...)
}

func (s *RedisAggregatorStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

func (s *RedisAggregatorStore) GetLastProcessedBlock(ctx context.Context) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	val, err := s.client.Get(ctx, s.key(keyLastBlock)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("failed to get last processed block: %w", err)
	}
	return strconv.ParseUint(val, 10, 64)
}

func (s *RedisAggregatorStore) SaveLastProcessedBlock(ctx context.Context, blockNumber uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(keyLastBlock), strconv.FormatUint(blockNumber, 10), 0).Err()
}

func (s *RedisAggregatorStore) SaveTask(ctx context.Context, task *types.Task) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if task == nil {
		return errors.New("task is nil")
	}

	now := time.Now()
	value, err := json.Marshal(&storage.TaskRecord{Task: task, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	id := task.TaskId.Hex()
	created, err := s.client.SetNX(ctx, s.key(keyTask, id), value, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	if !created {
		return storage.ErrAlreadyExists
	}
	return s.client.SAdd(ctx, s.key(keyTasksByStatus, task.Status), id).Err()
}

func (s *RedisAggregatorStore) GetTask(ctx context.Context, taskId types.TaskId) (*types.Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	record, err := s.getTaskRecord(ctx, s.client, taskId.Hex())
	if err != nil {
		return nil, err
	}
	return record.Task, nil
}

func (s *RedisAggregatorStore) getTaskRecord(ctx context.Context, c goredis.Cmdable, id string) (*storage.TaskRecord, error) {
	raw, err := c.Get(ctx, s.key(keyTask, id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	var record storage.TaskRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &record, nil
}

func (s *RedisAggregatorStore) UpdateTaskStatus(ctx context.Context, taskId types.TaskId, status types.TaskStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	id := taskId.Hex()
	taskKey := s.key(keyTask, id)

	txf := func(tx *goredis.Tx) error {
		record, err := s.getTaskRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		previous := record.Task.Status
		if err := storage.ValidateStatusTransition(previous, status); err != nil {
			return err
		}
		record.Task.Status = status
		record.UpdatedAt = time.Now()
		value, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, taskKey, value, 0)
			pipe.SRem(ctx, s.key(keyTasksByStatus, previous), id)
			pipe.SAdd(ctx, s.key(keyTasksByStatus, status), id)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, taskKey)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update task %s: too much contention", id)
}

func (s *RedisAggregatorStore) ListTasksByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.key(keyTasksByStatus, status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}

	var tasks []*types.Task
	for _, id := range ids {
		record, err := s.getTaskRecord(ctx, s.client, id)
		if err != nil {
			continue
		}
		tasks = append(tasks, record.Task)
	}
	return tasks, nil
}

func (s *RedisAggregatorStore) SaveVerdict(ctx context.Context, verdict *types.Verdict) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if verdict == nil {
		return errors.New("verdict is nil")
	}

	value, err := json.Marshal(&storage.VerdictRecord{Verdict: verdict, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}

	id := verdict.TaskId.Hex()
	created, err := s.client.SetNX(ctx, s.key(keyVerdict, id), value, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	if !created {
		return storage.ErrAlreadyExists
	}
	return s.client.SAdd(ctx, s.key(keyVerdictsPending), id).Err()
}

func (s *RedisAggregatorStore) GetVerdict(ctx context.Context, taskId types.TaskId) (*storage.VerdictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.getVerdictRecord(ctx, s.client, taskId.Hex())
}

func (s *RedisAggregatorStore) getVerdictRecord(ctx context.Context, c goredis.Cmdable, id string) (*storage.VerdictRecord, error) {
	raw, err := c.Get(ctx, s.key(keyVerdict, id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get verdict: %w", err)
	}
	var record storage.VerdictRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}
	return &record, nil
}

func (s *RedisAggregatorStore) MarkVerdictFinalized(ctx context.Context, taskId types.TaskId, txHash string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	id := taskId.Hex()
	verdictKey := s.key(keyVerdict, id)

	txf := func(tx *goredis.Tx) error {
		record, err := s.getVerdictRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		record.Finalized = true
		record.TxHash = txHash
		record.FinalizedAt = time.Now()
		value, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, verdictKey, value, 0)
			pipe.SRem(ctx, s.key(keyVerdictsPending), id)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, verdictKey)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to finalize verdict %s: too much contention", id)
}

func (s *RedisAggregatorStore) ListUnfinalizedVerdicts(ctx context.Context) ([]*storage.VerdictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.key(keyVerdictsPending)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinalized verdicts: %w", err)
	}

	var records []*storage.VerdictRecord
	for _, id := range ids {
		record, err := s.getVerdictRecord(ctx, s.client, id)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisAggregatorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
