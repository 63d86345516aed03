package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerv3 "github.com/dgraph-io/badger/v3"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/aggregatorConfig"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage"
	"github.com/gizatechxyz/avsthon/pkg/types"
)

// Key prefixes for different data types
const (
	prefixTask           = "task:%s"
	prefixTaskByStatus   = "taskstatus:%s:%s" // status:taskId
	prefixVerdict        = "verdict:%s"
	prefixVerdictPending = "verdictpending:%s"
	keyLastBlock         = "lastblock"
)

// BadgerAggregatorStore implements the AggregatorStore interface using BadgerDB
type BadgerAggregatorStore struct {
	db       *badgerv3.DB
	mu       sync.RWMutex
	closed   bool
	closeCh  chan struct{}
	gcTicker *time.Ticker
}

// NewBadgerAggregatorStore creates a new BadgerDB-backed aggregator store
func NewBadgerAggregatorStore(cfg *aggregatorConfig.BadgerConfig) (*BadgerAggregatorStore, error) {
	if cfg == nil {
		return nil, errors.New("badger config is nil")
	}

	opts := badgerv3.DefaultOptions(cfg.Dir)
	opts.Logger = nil

	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = cfg.NumVersionsToKeep
	}

	db, err := badgerv3.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerAggregatorStore{
		db:      db,
		closeCh: make(chan struct{}),
	}

	s.gcTicker = time.NewTicker(5 * time.Minute)
	go s.runGC()

	return s, nil
}

func (s *BadgerAggregatorStore) runGC() {
	for {
		select {
		case <-s.gcTicker.C:
			s.mu.RLock()
			if s.closed {
				s.mu.RUnlock()
				return
			}
			s.mu.RUnlock()

			_ = s.db.RunValueLogGC(0.5)
		case <-s.closeCh:
			return
		}
	}
}

func (s *BadgerAggregatorStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

func taskKey(taskId types.TaskId) []byte {
	return []byte(fmt.Sprintf(prefixTask, taskId.Hex()))
}

func statusKey(status types.TaskStatus, taskId types.TaskId) []byte {
	return []byte(fmt.Sprintf(prefixTaskByStatus, status, taskId.Hex()))
}

func verdictKey(taskId types.TaskId) []byte {
	return []byte(fmt.Sprintf(prefixVerdict, taskId.Hex()))
}

func verdictPendingKey(taskId types.TaskId) []byte {
	return []byte(fmt.Sprintf(prefixVerdictPending, taskId.Hex()))
}

func getJson(txn *badgerv3.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badgerv3.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJson(txn *badgerv3.Txn, key []byte, in interface{}) error {
	value, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return txn.Set(key, value)
}

func (s *BadgerAggregatorStore) GetLastProcessedBlock(ctx context.Context) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var blockNumber uint64
	err := s.db.View(func(txn *badgerv3.Txn) error {
		item, err := txn.Get([]byte(keyLastBlock))
		if err != nil {
			if errors.Is(err, badgerv3.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt block checkpoint of %d bytes", len(val))
			}
			blockNumber = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to get last processed block: %w", err)
	}
	return blockNumber, nil
}

func (s *BadgerAggregatorStore) SaveLastProcessedBlock(ctx context.Context, blockNumber uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, blockNumber)
	return s.db.Update(func(txn *badgerv3.Txn) error {
		return txn.Set([]byte(keyLastBlock), value)
	})
}

func (s *BadgerAggregatorStore) SaveTask(ctx context.Context, task *types.Task) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if task == nil {
		return errors.New("task is nil")
	}

	now := time.Now()
	record := &storage.TaskRecord{
		Task:      task,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.Update(func(txn *badgerv3.Txn) error {
		key := taskKey(task.TaskId)
		_, err := txn.Get(key)
		if err == nil {
			return storage.ErrAlreadyExists
		}
		if !errors.Is(err, badgerv3.ErrKeyNotFound) {
			return err
		}

		if err := setJson(txn, key, record); err != nil {
			return err
		}
		return txn.Set(statusKey(task.Status, task.TaskId), []byte{})
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *BadgerAggregatorStore) GetTask(ctx context.Context, taskId types.TaskId) (*types.Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var record storage.TaskRecord
	err := s.db.View(func(txn *badgerv3.Txn) error {
		return getJson(txn, taskKey(taskId), &record)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return record.Task, nil
}

func (s *BadgerAggregatorStore) UpdateTaskStatus(ctx context.Context, taskId types.TaskId, status types.TaskStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerv3.Txn) error {
		var record storage.TaskRecord
		if err := getJson(txn, taskKey(taskId), &record); err != nil {
			return err
		}

		previous := record.Task.Status
		if err := storage.ValidateStatusTransition(previous, status); err != nil {
			return err
		}

		if err := txn.Delete(statusKey(previous, taskId)); err != nil {
			return err
		}

		record.Task.Status = status
		record.UpdatedAt = time.Now()
		if err := setJson(txn, taskKey(taskId), &record); err != nil {
			return err
		}
		return txn.Set(statusKey(status, taskId), []byte{})
	})
}

func (s *BadgerAggregatorStore) ListTasksByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var tasks []*types.Task
	prefix := fmt.Sprintf(prefixTaskByStatus, status, "")

	err := s.db.View(func(txn *badgerv3.Txn) error {
		opts := badgerv3.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			taskId, err := types.TaskIdFromHex(key[len(prefix):])
			if err != nil {
				continue
			}

			var record storage.TaskRecord
			if err := getJson(txn, taskKey(taskId), &record); err != nil {
				continue
			}
			tasks = append(tasks, record.Task)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return tasks, nil
}

func (s *BadgerAggregatorStore) SaveVerdict(ctx context.Context, verdict *types.Verdict) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if verdict == nil {
		return errors.New("verdict is nil")
	}

	record := &storage.VerdictRecord{
		Verdict:   verdict,
		CreatedAt: time.Now(),
	}

	err := s.db.Update(func(txn *badgerv3.Txn) error {
		key := verdictKey(verdict.TaskId)
		_, err := txn.Get(key)
		if err == nil {
			return storage.ErrAlreadyExists
		}
		if !errors.Is(err, badgerv3.ErrKeyNotFound) {
			return err
		}

		if err := setJson(txn, key, record); err != nil {
			return err
		}
		return txn.Set(verdictPendingKey(verdict.TaskId), []byte{})
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	return nil
}

func (s *BadgerAggregatorStore) GetVerdict(ctx context.Context, taskId types.TaskId) (*storage.VerdictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var record storage.VerdictRecord
	err := s.db.View(func(txn *badgerv3.Txn) error {
		return getJson(txn, verdictKey(taskId), &record)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get verdict: %w", err)
	}
	return &record, nil
}

func (s *BadgerAggregatorStore) MarkVerdictFinalized(ctx context.Context, taskId types.TaskId, txHash string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerv3.Txn) error {
		var record storage.VerdictRecord
		if err := getJson(txn, verdictKey(taskId), &record); err != nil {
			return err
		}

		record.Finalized = true
		record.TxHash = txHash
		record.FinalizedAt = time.Now()
		if err := setJson(txn, verdictKey(taskId), &record); err != nil {
			return err
		}
		return txn.Delete(verdictPendingKey(taskId))
	})
}

func (s *BadgerAggregatorStore) ListUnfinalizedVerdicts(ctx context.Context) ([]*storage.VerdictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var records []*storage.VerdictRecord
	prefix := fmt.Sprintf(prefixVerdictPending, "")

	err := s.db.View(func(txn *badgerv3.Txn) error {
		opts := badgerv3.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			taskId, err := types.TaskIdFromHex(key[len(prefix):])
			if err != nil {
				continue
			}

			var record storage.VerdictRecord
			if err := getJson(txn, verdictKey(taskId), &record); err != nil {
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinalized verdicts: %w", err)
	}
	return records, nil
}

// Close closes the store and stops the GC goroutine
func (s *BadgerAggregatorStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
	s.gcTicker.Stop()

	return s.db.Close()
}
