package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gizatechxyz/avsthon/pkg/types"
)

const (
	Event_TaskRequested = "TaskRequested"

	method_tasks         = "tasks"
	method_respondToTask = "respondToTask"
)

// TaskRequest is the tuple emitted alongside a TaskRequested event.
type TaskRequest struct {
	AppId [32]byte
}

type TaskRequested struct {
	TaskId      [32]byte
	TaskRequest TaskRequest
	Raw         ethTypes.Log
}

type TaskRegistry struct {
	*boundContract
}

func NewTaskRegistry(address common.Address, backend bind.ContractBackend) (*TaskRegistry, error) {
	bc, err := newBoundContract(ContractName_TaskRegistry, address, backend)
	if err != nil {
		return nil, err
	}
	return &TaskRegistry{boundContract: bc}, nil
}

// GetTaskStatus reads the on-chain status of a task. Unknown tasks are Empty.
func (tr *TaskRegistry) GetTaskStatus(ctx context.Context, taskId types.TaskId) (types.TaskStatus, error) {
	out, err := tr.call(ctx, method_tasks, [32]byte(taskId))
	if err != nil {
		return types.TaskStatus_Empty, err
	}
	status := *abi.ConvertType(out[0], new(uint8)).(*uint8)
	if !types.TaskStatus(status).IsValid() {
		return types.TaskStatus_Empty, fmt.Errorf("unknown on-chain task status %d", status)
	}
	return types.TaskStatus(status), nil
}

func (tr *TaskRegistry) RespondToTask(opts *bind.TransactOpts, taskId types.TaskId, status types.TaskStatus, result *big.Int) (*ethTypes.Transaction, error) {
	if result == nil {
		result = big.NewInt(0)
	}
	return tr.transact(opts, method_respondToTask, [32]byte(taskId), uint8(status), result)
}

func (tr *TaskRegistry) ParseTaskRequested(log ethTypes.Log) (*TaskRequested, error) {
	ev := new(TaskRequested)
	if err := tr.contract.UnpackLog(ev, Event_TaskRequested, log); err != nil {
		return nil, fmt.Errorf("failed to unpack %s log: %w", Event_TaskRequested, err)
	}
	ev.Raw = log
	return ev, nil
}

// FilterTaskRequested returns every TaskRequested event from fromBlock to the
// chain head, in log order.
func (tr *TaskRegistry) FilterTaskRequested(ctx context.Context, fromBlock uint64) ([]*TaskRequested, error) {
	logs, err := tr.filterLogs(ctx, Event_TaskRequested, fromBlock, nil)
	if err != nil {
		return nil, err
	}
	events := make([]*TaskRequested, 0, len(logs))
	for _, log := range logs {
		ev, err := tr.ParseTaskRequested(log)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// WatchTaskRequested streams raw TaskRequested logs until ctx is cancelled or
// the subscription fails.
func (tr *TaskRegistry) WatchTaskRequested(ctx context.Context, fromBlock *uint64) (chan ethTypes.Log, event.Subscription, error) {
	return tr.contract.WatchLogs(&bind.WatchOpts{Context: ctx, Start: fromBlock}, Event_TaskRequested)
}
