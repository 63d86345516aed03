// Package claimAccumulator collects admitted claims per task and detects the
// moment a task reaches full participation.
package claimAccumulator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/membership"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/gizatechxyz/avsthon/pkg/util/shardedMap"
	"go.uber.org/zap"
)

var (
	ErrNilClaim = errors.New("claim is nil")
	// ErrOperatorNotInSnapshot is returned when the claimant is not part of the
	// membership snapshot pinned for the task.
	ErrOperatorNotInSnapshot = errors.New("operator is not part of the task's membership snapshot")
)

type Config struct {
	// FinalizedTtl is how long a finalized task's claims are retained. Zero
	// removes them as soon as the task is finalized.
	FinalizedTtl time.Duration
	// PendingTtl evicts tasks that never reached full participation. Zero keeps
	// them until finalized.
	PendingTtl time.Duration
	// SweepInterval is the janitor period. Zero disables the janitor.
	SweepInterval time.Duration
}

type entry struct {
	snapshot    *membership.Snapshot
	claims      map[common.Address]*types.Claim
	triggered   bool
	finalized   bool
	createdAt   time.Time
	finalizedAt time.Time
}

type ClaimAccumulator struct {
	entries *shardedMap.ShardedMap[types.TaskId, *entry]
	config  *Config
	logger  *zap.Logger
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClaimAccumulator(cfg *Config, logger *zap.Logger) *ClaimAccumulator {
	if cfg == nil {
		cfg = &Config{}
	}
	return &ClaimAccumulator{
		entries: shardedMap.NewShardedMap[types.TaskId, *entry](shardedMap.DefaultShardCount, func(id types.TaskId) []byte {
			return id[:]
		}),
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Add records claim for its task, overwriting any earlier claim by the same
// operator. The first claim for a task pins snapshot as the task's membership.
// When the number of distinct claimants first equals the pinned membership
// size, Add returns a copy of the claim set; every other call returns nil.
func (a *ClaimAccumulator) Add(claim *types.Claim, snapshot *membership.Snapshot) ([]*types.Claim, error) {
	if claim == nil || claim.SignedClaim == nil {
		return nil, ErrNilClaim
	}

	var complete []*types.Claim
	var addErr error

	a.entries.Compute(claim.TaskId, func(current *entry, exists bool) (*entry, bool) {
		if !exists {
			current = &entry{
				snapshot:  snapshot,
				claims:    make(map[common.Address]*types.Claim),
				createdAt: a.now(),
			}
		}
		if !current.snapshot.Contains(claim.Operator) {
			addErr = ErrOperatorNotInSnapshot
			return current, exists
		}

		current.claims[claim.Operator] = claim

		if !current.triggered && len(current.claims) == current.snapshot.Size() {
			current.triggered = true
			complete = make([]*types.Claim, 0, len(current.claims))
			for _, c := range current.claims {
				complete = append(complete, c)
			}
		}
		return current, true
	})

	if addErr != nil {
		return nil, addErr
	}
	return complete, nil
}

// Len returns how many distinct operators have claimed for a task.
func (a *ClaimAccumulator) Len(taskId types.TaskId) int {
	n := 0
	a.entries.Compute(taskId, func(current *entry, exists bool) (*entry, bool) {
		if exists {
			n = len(current.claims)
		}
		return current, exists
	})
	return n
}

// Snapshot returns the membership snapshot pinned for a task, or nil when the
// task holds no claims.
func (a *ClaimAccumulator) Snapshot(taskId types.TaskId) *membership.Snapshot {
	var snapshot *membership.Snapshot
	a.entries.Compute(taskId, func(current *entry, exists bool) (*entry, bool) {
		if exists {
			snapshot = current.snapshot
		}
		return current, exists
	})
	return snapshot
}

// Tasks returns the number of tasks currently held.
func (a *ClaimAccumulator) Tasks() int {
	return a.entries.Len()
}

// MarkFinalized records that a task's verdict has been committed, removing its
// claims immediately when no finalized retention is configured.
func (a *ClaimAccumulator) MarkFinalized(taskId types.TaskId) {
	a.entries.Compute(taskId, func(current *entry, exists bool) (*entry, bool) {
		if !exists {
			return current, false
		}
		if a.config.FinalizedTtl <= 0 {
			return current, false
		}
		current.finalized = true
		current.finalizedAt = a.now()
		return current, true
	})
}

// Prune evicts finalized entries older than FinalizedTtl and, when PendingTtl is
// set, entries that never finalized within it.
func (a *ClaimAccumulator) Prune(now time.Time) int {
	return a.entries.DeleteIf(func(_ types.TaskId, e *entry) bool {
		if e.finalized {
			return now.Sub(e.finalizedAt) >= a.config.FinalizedTtl
		}
		return a.config.PendingTtl > 0 && now.Sub(e.createdAt) >= a.config.PendingTtl
	})
}

func (a *ClaimAccumulator) Start(ctx context.Context) error {
	if a.config.SweepInterval <= 0 {
		return nil
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := a.Prune(a.now()); removed > 0 {
					a.logger.Sugar().Debugw("Pruned claim accumulator", "removed", removed, "remaining", a.entries.Len())
				}
			}
		}
	}()
	return nil
}

func (a *ClaimAccumulator) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return nil
}
