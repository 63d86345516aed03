package storage

import (
	"context"
	"time"

	"github.com/gizatechxyz/avsthon/pkg/types"
)

// AggregatorStore persists aggregator state so a restarted aggregator can
// restore its task directory and re-drive verdicts that were never finalized.
type AggregatorStore interface {
	SaveTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskId types.TaskId) (*types.Task, error)
	UpdateTaskStatus(ctx context.Context, taskId types.TaskId, status types.TaskStatus) error
	ListTasksByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error)

	SaveVerdict(ctx context.Context, verdict *types.Verdict) error
	GetVerdict(ctx context.Context, taskId types.TaskId) (*VerdictRecord, error)
	MarkVerdictFinalized(ctx context.Context, taskId types.TaskId, txHash string) error
	ListUnfinalizedVerdicts(ctx context.Context) ([]*VerdictRecord, error)

	SaveLastProcessedBlock(ctx context.Context, blockNumber uint64) error
	GetLastProcessedBlock(ctx context.Context) (uint64, error)

	Close() error
}

// TaskRecord wraps a task with storage metadata
type TaskRecord struct {
	Task      *types.Task `json:"task"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// VerdictRecord tracks whether a verdict has been committed to the ledger
type VerdictRecord struct {
	Verdict     *types.Verdict `json:"verdict"`
	Finalized   bool           `json:"finalized"`
	TxHash      string         `json:"txHash,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	FinalizedAt time.Time      `json:"finalizedAt,omitempty"`
}

// ValidateStatusTransition returns ErrInvalidTaskStatus unless from -> to is allowed.
func ValidateStatusTransition(from, to types.TaskStatus) error {
	if !to.IsValid() || !from.CanTransitionTo(to) {
		return &StatusTransitionError{From: from, To: to}
	}
	return nil
}
