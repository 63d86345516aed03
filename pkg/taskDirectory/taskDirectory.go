// Package taskDirectory tracks the lifecycle of every task the aggregator has
// seen. Statuses only move forward: Empty -> Pending -> Completed | Failed.
package taskDirectory

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/storage"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/gizatechxyz/avsthon/pkg/util/shardedMap"
	"go.uber.org/zap"
)

var ErrInvalidTransition = errors.New("invalid task status transition")

type TaskDirectory struct {
	entries *shardedMap.ShardedMap[types.TaskId, *types.Task]
	store   storage.AggregatorStore
	logger  *zap.Logger
}

// NewTaskDirectory creates an empty directory. store may be nil, in which case
// the directory lives only in memory.
func NewTaskDirectory(store storage.AggregatorStore, logger *zap.Logger) *TaskDirectory {
	return &TaskDirectory{
		entries: shardedMap.NewShardedMap[types.TaskId, *types.Task](shardedMap.DefaultShardCount, func(id types.TaskId) []byte {
			return id[:]
		}),
		store:  store,
		logger: logger,
	}
}

// Get returns the status of a task. Unknown tasks are Empty.
func (d *TaskDirectory) Get(taskId types.TaskId) types.TaskStatus {
	task, ok := d.entries.Get(taskId)
	if !ok {
		return types.TaskStatus_Empty
	}
	return task.Status
}

func (d *TaskDirectory) GetTask(taskId types.TaskId) (*types.Task, bool) {
	var out *types.Task
	d.entries.Compute(taskId, func(current *types.Task, exists bool) (*types.Task, bool) {
		if exists {
			out = current.Clone()
		}
		return current, exists
	})
	return out, out != nil
}

func (d *TaskDirectory) Len() int {
	return d.entries.Len()
}

// Seed records a task status learned from ledger history. A terminal entry is
// never overwritten and an Empty status is ignored. Reports whether the entry
// changed.
func (d *TaskDirectory) Seed(ctx context.Context, task *types.Task) bool {
	if task == nil || task.Status == types.TaskStatus_Empty {
		return false
	}

	var applied, existed bool
	var previous types.TaskStatus
	d.entries.Compute(task.TaskId, func(current *types.Task, exists bool) (*types.Task, bool) {
		if exists && (current.Status.IsTerminal() || current.Status == task.Status) {
			return current, true
		}
		applied, existed = true, exists
		if exists {
			previous = current.Status
		}
		return task.Clone(), true
	})

	if applied {
		d.persist(ctx, task, previous, existed)
	}
	return applied
}

// MarkPending registers a newly requested task. Only an Empty task can become
// Pending; reports whether the transition happened.
func (d *TaskDirectory) MarkPending(ctx context.Context, taskId types.TaskId, appId common.Hash, blockNumber uint64) bool {
	task := &types.Task{
		TaskId:      taskId,
		AppId:       appId,
		Status:      types.TaskStatus_Pending,
		BlockNumber: blockNumber,
	}

	var applied, existed bool
	d.entries.Compute(taskId, func(current *types.Task, exists bool) (*types.Task, bool) {
		if exists && current.Status != types.TaskStatus_Empty {
			return current, true
		}
		applied, existed = true, exists
		return task.Clone(), true
	})

	if applied {
		d.persist(ctx, task, types.TaskStatus_Empty, existed)
	}
	return applied
}

// MarkFinal moves a Pending task to the verdict's terminal status and records
// the value and participating operators. Any other transition fails with
// ErrInvalidTransition, which makes a second verdict for the same task a no-op.
func (d *TaskDirectory) MarkFinal(ctx context.Context, verdict *types.Verdict) error {
	if verdict == nil || !verdict.Status.IsTerminal() {
		return fmt.Errorf("%w: verdict must carry a terminal status", ErrInvalidTransition)
	}

	var updated *types.Task
	var current types.TaskStatus
	d.entries.Compute(verdict.TaskId, func(task *types.Task, exists bool) (*types.Task, bool) {
		if !exists {
			current = types.TaskStatus_Empty
			return task, false
		}
		current = task.Status
		if !current.CanTransitionTo(verdict.Status) {
			return task, true
		}
		next := task.Clone()
		next.Status = verdict.Status
		if verdict.Value != nil {
			next.Result = new(big.Int).Set(verdict.Value)
		}
		next.Executors = append([]common.Address(nil), verdict.Operators...)
		updated = next
		return next, true
	})

	if updated == nil {
		return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, verdict.TaskId, current, verdict.Status)
	}
	d.persist(ctx, updated, current, true)
	return nil
}

// Load restores the directory from the backing store.
func (d *TaskDirectory) Load(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	loaded := 0
	for _, status := range []types.TaskStatus{types.TaskStatus_Pending, types.TaskStatus_Completed, types.TaskStatus_Failed} {
		tasks, err := d.store.ListTasksByStatus(ctx, status)
		if err != nil {
			return loaded, fmt.Errorf("failed to load %s tasks: %w", status, err)
		}
		for _, task := range tasks {
			d.entries.Compute(task.TaskId, func(current *types.Task, exists bool) (*types.Task, bool) {
				if exists && current.Status.IsTerminal() {
					return current, true
				}
				loaded++
				return task, true
			})
		}
	}
	return loaded, nil
}

// persist writes a change through to the store. The in-memory directory stays
// authoritative; store failures are logged.
func (d *TaskDirectory) persist(ctx context.Context, task *types.Task, previous types.TaskStatus, existed bool) {
	if d.store == nil {
		return
	}

	var err error
	if !existed {
		err = d.store.SaveTask(ctx, task)
		if errors.Is(err, storage.ErrAlreadyExists) {
			err = d.store.UpdateTaskStatus(ctx, task.TaskId, task.Status)
		}
	} else if previous != task.Status {
		err = d.store.UpdateTaskStatus(ctx, task.TaskId, task.Status)
		if errors.Is(err, storage.ErrNotFound) {
			err = d.store.SaveTask(ctx, task)
		}
	}
	if err != nil {
		d.logger.Sugar().Warnw("Failed to persist task status",
			"taskId", task.TaskId.Hex(),
			"status", task.Status.String(),
			"error", err,
		)
	}
}
