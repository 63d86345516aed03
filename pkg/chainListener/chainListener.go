package chainListener

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/gizatechxyz/avsthon/pkg/workQueue"
)

// TaskRequestedEvent is a decoded TaskRequested log.
type TaskRequestedEvent struct {
	TaskId      types.TaskId `json:"taskId"`
	AppId       common.Hash  `json:"appId"`
	BlockNumber uint64       `json:"blockNumber"`
	TxHash      common.Hash  `json:"txHash"`
	LogIndex    uint         `json:"logIndex"`
}

type EventSink = workQueue.IInputQueue[TaskRequestedEvent]

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(ctx context.Context, event *TaskRequestedEvent) error

func (f SinkFunc) Enqueue(ctx context.Context, event *TaskRequestedEvent) error {
	return f(ctx, event)
}

// IChainListener is an interface whose implementation reads task announcements
// from the ledger, both historically and as a live stream.
type IChainListener interface {
	// FetchHistory returns every TaskRequested event from fromBlock to the head.
	FetchHistory(ctx context.Context, fromBlock uint64) ([]*TaskRequestedEvent, error)

	// Subscribe delivers live events to sink until ctx is done. It returns a
	// non-nil error only when the stream cannot be kept alive, which callers
	// treat as fatal.
	Subscribe(ctx context.Context, sink EventSink) error

	// TaskStatus reads the ledger's view of a task's status.
	TaskStatus(ctx context.Context, taskId types.TaskId) (types.TaskStatus, error)
}
