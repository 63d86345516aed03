package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignedClaim is an operator's signed report of a task result. The signer is
// never transmitted; it is recovered from Signature over Result.
type SignedClaim struct {
	TaskId    TaskId        `json:"task_id"`
	Result    string        `json:"result"`
	Signature hexutil.Bytes `json:"signature"`
}

// Claim is a SignedClaim whose signer has been recovered and admitted.
type Claim struct {
	*SignedClaim
	Operator common.Address
}

type Verdict struct {
	TaskId    TaskId           `json:"taskId"`
	Status    TaskStatus       `json:"status"`
	Value     *big.Int         `json:"value"`
	Operators []common.Address `json:"operators"`
}

// FailedVerdict carries the zero sentinel value.
func FailedVerdict(taskId TaskId, operators []common.Address) *Verdict {
	return &Verdict{
		TaskId:    taskId,
		Status:    TaskStatus_Failed,
		Value:     big.NewInt(0),
		Operators: operators,
	}
}

func CompletedVerdict(taskId TaskId, value *big.Int, operators []common.Address) *Verdict {
	return &Verdict{
		TaskId:    taskId,
		Status:    TaskStatus_Completed,
		Value:     new(big.Int).Set(value),
		Operators: operators,
	}
}

func (v *Verdict) Clone() *Verdict {
	if v == nil {
		return nil
	}
	c := *v
	if v.Value != nil {
		c.Value = new(big.Int).Set(v.Value)
	}
	if v.Operators != nil {
		c.Operators = append([]common.Address(nil), v.Operators...)
	}
	return &c
}
