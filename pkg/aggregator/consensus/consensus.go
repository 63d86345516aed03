// Package consensus reduces a completed claim set to a verdict.
package consensus

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/gizatechxyz/avsthon/pkg/types"
)

const (
	Policy_FullAgreement = "full"
	Policy_Quorum        = "quorum"

	MaxBips = 10000
)

// AgreementPolicy decides a verdict from the claims of a task that reached
// full participation. Implementations must be deterministic and must not fail:
// claims that cannot be interpreted simply do not agree with anything.
type AgreementPolicy interface {
	Name() string
	Decide(taskId types.TaskId, claims []*types.Claim, membershipSize int) *types.Verdict
}

// ParseResult parses a claimed result as a base-10 uint256. Surrounding
// whitespace is ignored.
func ParseResult(result string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(result)
	if trimmed == "" {
		return nil, false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || v.Cmp(math.MaxBig256) > 0 {
		return nil, false
	}
	return v, true
}

func sortedOperators(claims []*types.Claim) []common.Address {
	ops := make([]common.Address, 0, len(claims))
	for _, c := range claims {
		ops = append(ops, c.Operator)
	}
	sort.Slice(ops, func(i, j int) bool {
		return bytes.Compare(ops[i][:], ops[j][:]) < 0
	})
	return ops
}

// FullAgreementPolicy completes a task only when every claim parses to the
// same value.
type FullAgreementPolicy struct{}

func (FullAgreementPolicy) Name() string { return Policy_FullAgreement }

func (FullAgreementPolicy) Decide(taskId types.TaskId, claims []*types.Claim, membershipSize int) *types.Verdict {
	ops := sortedOperators(claims)
	if len(claims) == 0 || len(claims) < membershipSize {
		return types.FailedVerdict(taskId, ops)
	}

	var agreed *big.Int
	for _, c := range claims {
		v, ok := ParseResult(c.Result)
		if !ok {
			return types.FailedVerdict(taskId, ops)
		}
		if agreed == nil {
			agreed = v
			continue
		}
		if agreed.Cmp(v) != 0 {
			return types.FailedVerdict(taskId, ops)
		}
	}
	return types.CompletedVerdict(taskId, agreed, ops)
}

// QuorumPolicy completes a task with the most common value when the operators
// backing it make up at least ThresholdBips of the membership.
//
// It only tolerates operators that disagree. Decide still runs once every
// operator in the pinned snapshot has claimed, so an absent operator stalls
// the task exactly as it does under FullAgreementPolicy.
type QuorumPolicy struct {
	ThresholdBips uint32
}

func (QuorumPolicy) Name() string { return Policy_Quorum }

func (q QuorumPolicy) Decide(taskId types.TaskId, claims []*types.Claim, membershipSize int) *types.Verdict {
	if len(claims) == 0 || membershipSize <= 0 {
		return types.FailedVerdict(taskId, sortedOperators(claims))
	}

	type tally struct {
		value     *big.Int
		operators []*types.Claim
	}
	tallies := make(map[string]*tally)
	for _, c := range claims {
		v, ok := ParseResult(c.Result)
		if !ok {
			continue
		}
		key := v.String()
		t, exists := tallies[key]
		if !exists {
			t = &tally{value: v}
			tallies[key] = t
		}
		t.operators = append(t.operators, c)
	}

	var best *tally
	tied := false
	for _, t := range tallies {
		switch {
		case best == nil || len(t.operators) > len(best.operators):
			best = t
			tied = false
		case len(t.operators) == len(best.operators):
			tied = true
		}
	}
	// a tie has no single winning value
	if best == nil || tied {
		return types.FailedVerdict(taskId, sortedOperators(claims))
	}

	if uint64(len(best.operators))*MaxBips < uint64(q.ThresholdBips)*uint64(membershipSize) {
		return types.FailedVerdict(taskId, sortedOperators(claims))
	}
	return types.CompletedVerdict(taskId, best.value, sortedOperators(best.operators))
}

func NewAgreementPolicy(name string, thresholdBips uint32) (AgreementPolicy, error) {
	switch name {
	case "", Policy_FullAgreement:
		return FullAgreementPolicy{}, nil
	case Policy_Quorum:
		if thresholdBips == 0 || thresholdBips > MaxBips {
			return nil, fmt.Errorf("quorum threshold must be in (0, %d] bips, got %d", MaxBips, thresholdBips)
		}
		return QuorumPolicy{ThresholdBips: thresholdBips}, nil
	default:
		return nil, fmt.Errorf("unknown consensus policy '%s'", name)
	}
}
