package chainWriter

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/types"
)

var (
	// ErrAlreadyFinalized means the ledger already holds a terminal status for
	// the task. Callers treat it as success.
	ErrAlreadyFinalized = errors.New("task already finalized on the ledger")
	// ErrTaskNotOnLedger means the ledger has no record of the task; retrying
	// cannot help.
	ErrTaskNotOnLedger = errors.New("task does not exist on the ledger")
)

type FinalizationReceipt struct {
	TaskId           types.TaskId
	TxHash           common.Hash
	BlockNumber      uint64
	AlreadyFinalized bool
}

// IChainWriter is an interface whose implementation commits verdicts to the
// target chain.
type IChainWriter interface {
	FinalizeTask(ctx context.Context, verdict *types.Verdict) (*FinalizationReceipt, error)
}

type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries        uint64
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        5,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (c *RetryConfig) NewBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	if c.BackoffMultiplier > 0 {
		b.Multiplier = c.BackoffMultiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// FinalizeWithRetry calls writer until it succeeds, the retries are exhausted,
// ctx is done or the error is one retrying cannot fix. ErrAlreadyFinalized is
// reported as a successful receipt. It also returns the number of attempts made.
func FinalizeWithRetry(
	ctx context.Context,
	writer IChainWriter,
	verdict *types.Verdict,
	cfg *RetryConfig,
	notify func(err error, delay time.Duration),
) (*FinalizationReceipt, int, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var receipt *FinalizationReceipt
	attempts := 0
	op := func() error {
		attempts++
		r, err := writer.FinalizeTask(ctx, verdict)
		switch {
		case err == nil:
			receipt = r
			return nil
		case errors.Is(err, ErrAlreadyFinalized):
			receipt = &FinalizationReceipt{TaskId: verdict.TaskId, AlreadyFinalized: true}
			return nil
		case errors.Is(err, ErrTaskNotOnLedger):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	err := backoff.RetryNotify(op, cfg.NewBackOff(ctx), notify)
	if err != nil {
		return nil, attempts, err
	}
	return receipt, attempts, nil
}
