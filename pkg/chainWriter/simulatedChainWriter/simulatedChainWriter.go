package simulatedChainWriter

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gizatechxyz/avsthon/pkg/chainWriter"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"go.uber.org/zap"
)

type SimulatedChainWriterConfig struct {
	// Latency is added to every finalization to mimic block inclusion.
	Latency time.Duration
}

// SimulatedChainWriter records finalizations in memory.
type SimulatedChainWriter struct {
	config *SimulatedChainWriterConfig
	logger *zap.SugaredLogger

	mu            sync.Mutex
	finalizations map[types.TaskId]*types.Verdict
	order         []types.TaskId
	failures      []error
	block         uint64
}

func NewSimulatedChainWriter(config *SimulatedChainWriterConfig, logger *zap.Logger) *SimulatedChainWriter {
	if config == nil {
		config = &SimulatedChainWriterConfig{}
	}
	return &SimulatedChainWriter{
		config:        config,
		logger:        logger.Sugar(),
		finalizations: make(map[types.TaskId]*types.Verdict),
	}
}

// FailNext makes the next len(errs) calls to FinalizeTask return errs in order.
func (scw *SimulatedChainWriter) FailNext(errs ...error) {
	scw.mu.Lock()
	defer scw.mu.Unlock()
	scw.failures = append(scw.failures, errs...)
}

func (scw *SimulatedChainWriter) FinalizeTask(ctx context.Context, verdict *types.Verdict) (*chainWriter.FinalizationReceipt, error) {
	if scw.config.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(scw.config.Latency):
		}
	}

	scw.mu.Lock()
	defer scw.mu.Unlock()

	if len(scw.failures) > 0 {
		err := scw.failures[0]
		scw.failures = scw.failures[1:]
		scw.logger.Infow("Simulating finalization failure", "taskId", verdict.TaskId.Hex(), "error", err)
		return nil, err
	}
	if _, ok := scw.finalizations[verdict.TaskId]; ok {
		return nil, chainWriter.ErrAlreadyFinalized
	}

	scw.block++
	scw.finalizations[verdict.TaskId] = verdict.Clone()
	scw.order = append(scw.order, verdict.TaskId)

	scw.logger.Infow("Simulating respondToTask",
		"taskId", verdict.TaskId.Hex(),
		"status", verdict.Status.String(),
		"value", verdict.Value.String(),
		"block", scw.block,
	)
	return &chainWriter.FinalizationReceipt{
		TaskId:      verdict.TaskId,
		TxHash:      crypto.Keccak256Hash(verdict.TaskId[:], []byte{byte(verdict.Status)}),
		BlockNumber: scw.block,
	}, nil
}

func (scw *SimulatedChainWriter) Finalization(taskId types.TaskId) (*types.Verdict, bool) {
	scw.mu.Lock()
	defer scw.mu.Unlock()
	v, ok := scw.finalizations[taskId]
	return v.Clone(), ok
}

// Finalized returns finalized task ids in commit order.
func (scw *SimulatedChainWriter) Finalized() []types.TaskId {
	scw.mu.Lock()
	defer scw.mu.Unlock()
	return append([]types.TaskId(nil), scw.order...)
}

// PendingFailures is how many injected failures have not been returned yet.
func (scw *SimulatedChainWriter) PendingFailures() int {
	scw.mu.Lock()
	defer scw.mu.Unlock()
	return len(scw.failures)
}
