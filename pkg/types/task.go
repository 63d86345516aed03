package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TaskId is the 32 byte identifier assigned to a task by the TaskRegistry contract.
type TaskId [32]byte

func TaskIdFromHex(s string) (TaskId, error) {
	var id TaskId
	b, err := hexutil.Decode(s)
	if err != nil {
		return id, fmt.Errorf("invalid task id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid task id %q: expected %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (t TaskId) Hex() string {
	return hexutil.Encode(t[:])
}

func (t TaskId) String() string {
	return t.Hex()
}

func (t TaskId) Bytes() []byte {
	return t[:]
}

func (t TaskId) MarshalText() ([]byte, error) {
	return []byte(t.Hex()), nil
}

func (t *TaskId) UnmarshalText(text []byte) error {
	id, err := TaskIdFromHex(string(text))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// TaskStatus mirrors the TaskRegistry status enum, in the same order.
type TaskStatus uint8

const (
	TaskStatus_Empty TaskStatus = iota
	TaskStatus_Pending
	TaskStatus_Completed
	TaskStatus_Failed
)

var taskStatusNames = map[TaskStatus]string{
	TaskStatus_Empty:     "EMPTY",
	TaskStatus_Pending:   "PENDING",
	TaskStatus_Completed: "COMPLETED",
	TaskStatus_Failed:    "FAILED",
}

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

func (s TaskStatus) IsValid() bool {
	_, ok := taskStatusNames[s]
	return ok
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatus_Completed || s == TaskStatus_Failed
}

// CanTransitionTo encodes Empty -> Pending -> {Completed, Failed}.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatus_Empty:
		return next == TaskStatus_Pending
	case TaskStatus_Pending:
		return next.IsTerminal()
	default:
		return false
	}
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	for status, name := range taskStatusNames {
		if strings.EqualFold(name, s) {
			return status, nil
		}
	}
	return TaskStatus_Empty, fmt.Errorf("unknown task status %q", s)
}

func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var n uint8
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return err
		}
		if !TaskStatus(n).IsValid() {
			return fmt.Errorf("unknown task status %d", n)
		}
		*s = TaskStatus(n)
		return nil
	}
	status, err := ParseTaskStatus(name)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

type Task struct {
	TaskId      TaskId           `json:"taskId"`
	AppId       common.Hash      `json:"appId"`
	Status      TaskStatus       `json:"status"`
	Result      *big.Int         `json:"result,omitempty"`
	Executors   []common.Address `json:"executors,omitempty"`
	BlockNumber uint64           `json:"blockNumber"`
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		c.Result = new(big.Int).Set(t.Result)
	}
	if t.Executors != nil {
		c.Executors = append([]common.Address(nil), t.Executors...)
	}
	return &c
}
