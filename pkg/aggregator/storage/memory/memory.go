package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage"
	"github.com/gizatechxyz/avsthon/pkg/types"
)

// InMemoryAggregatorStore implements AggregatorStore interface with in-memory storage
type InMemoryAggregatorStore struct {
	mu                 sync.RWMutex
	closed             bool
	lastProcessedBlock *uint64
	tasks              map[types.TaskId]*storage.TaskRecord
	verdicts           map[types.TaskId]*storage.VerdictRecord
}

// NewInMemoryAggregatorStore creates a new in-memory aggregator store
func NewInMemoryAggregatorStore() *InMemoryAggregatorStore {
	return &InMemoryAggregatorStore{
		tasks:    make(map[types.TaskId]*storage.TaskRecord),
		verdicts: make(map[types.TaskId]*storage.VerdictRecord),
	}
}

func (s *InMemoryAggregatorStore) GetLastProcessedBlock(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrStoreClosed
	}
	if s.lastProcessedBlock == nil {
		return 0, storage.ErrNotFound
	}
	return *s.lastProcessedBlock, nil
}

func (s *InMemoryAggregatorStore) SaveLastProcessedBlock(ctx context.Context, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	s.lastProcessedBlock = &blockNumber
	return nil
}

func (s *InMemoryAggregatorStore) SaveTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if task == nil {
		return fmt.Errorf("invalid task: task is nil")
	}
	if _, exists := s.tasks[task.TaskId]; exists {
		return storage.ErrAlreadyExists
	}

	now := time.Now()
	s.tasks[task.TaskId] = &storage.TaskRecord{
		Task:      task.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *InMemoryAggregatorStore) GetTask(ctx context.Context, taskId types.TaskId) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	record, exists := s.tasks[taskId]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return record.Task.Clone(), nil
}

func (s *InMemoryAggregatorStore) UpdateTaskStatus(ctx context.Context, taskId types.TaskId, status types.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	record, exists := s.tasks[taskId]
	if !exists {
		return storage.ErrNotFound
	}
	if err := storage.ValidateStatusTransition(record.Task.Status, status); err != nil {
		return err
	}
	record.Task.Status = status
	record.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryAggregatorStore) ListTasksByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	var tasks []*types.Task
	for _, record := range s.tasks {
		if record.Task.Status == status {
			tasks = append(tasks, record.Task.Clone())
		}
	}
	return tasks, nil
}

func (s *InMemoryAggregatorStore) SaveVerdict(ctx context.Context, verdict *types.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if verdict == nil {
		return fmt.Errorf("invalid verdict: verdict is nil")
	}
	if _, exists := s.verdicts[verdict.TaskId]; exists {
		return storage.ErrAlreadyExists
	}
	s.verdicts[verdict.TaskId] = &storage.VerdictRecord{
		Verdict:   verdict.Clone(),
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *InMemoryAggregatorStore) GetVerdict(ctx context.Context, taskId types.TaskId) (*storage.VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	record, exists := s.verdicts[taskId]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyVerdictRecord(record), nil
}

func (s *InMemoryAggregatorStore) MarkVerdictFinalized(ctx context.Context, taskId types.TaskId, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	record, exists := s.verdicts[taskId]
	if !exists {
		return storage.ErrNotFound
	}
	record.Finalized = true
	record.TxHash = txHash
	record.FinalizedAt = time.Now()
	return nil
}

func (s *InMemoryAggregatorStore) ListUnfinalizedVerdicts(ctx context.Context) ([]*storage.VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	var records []*storage.VerdictRecord
	for _, record := range s.verdicts {
		if !record.Finalized {
			records = append(records, copyVerdictRecord(record))
		}
	}
	return records, nil
}

func (s *InMemoryAggregatorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func copyVerdictRecord(record *storage.VerdictRecord) *storage.VerdictRecord {
	c := *record
	c.Verdict = record.Verdict.Clone()
	return &c
}
