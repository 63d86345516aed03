package ethereumChainWriter

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/chainWriter"
	"github.com/gizatechxyz/avsthon/pkg/contracts"
	"github.com/gizatechxyz/avsthon/pkg/transactionSigner"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"go.uber.org/zap"
)

type EthereumChainWriterConfig struct {
	TaskRegistryAddress common.Address
}

// EthereumChainWriter finalizes verdicts with TaskRegistry.respondToTask.
type EthereumChainWriter struct {
	registry *contracts.TaskRegistry
	signer   transactionSigner.TransactionSigner
	logger   *zap.Logger
}

func NewEthereumChainWriter(
	config *EthereumChainWriterConfig,
	backend bind.ContractBackend,
	signer transactionSigner.TransactionSigner,
	logger *zap.Logger,
) (*EthereumChainWriter, error) {
	registry, err := contracts.NewTaskRegistry(config.TaskRegistryAddress, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to bind task registry: %w", err)
	}
	return &EthereumChainWriter{
		registry: registry,
		signer:   signer,
		logger:   logger,
	}, nil
}

func (ecw *EthereumChainWriter) FinalizeTask(ctx context.Context, verdict *types.Verdict) (*chainWriter.FinalizationReceipt, error) {
	if !verdict.Status.IsTerminal() {
		return nil, fmt.Errorf("cannot finalize task %s with status %s", verdict.TaskId, verdict.Status)
	}

	onChain, err := ecw.registry.GetTaskStatus(ctx, verdict.TaskId)
	if err != nil {
		return nil, fmt.Errorf("failed to read on-chain task status: %w", err)
	}
	switch {
	case onChain.IsTerminal():
		ecw.logger.Sugar().Infow("Task already finalized on chain",
			"taskId", verdict.TaskId.Hex(),
			"onChainStatus", onChain.String(),
		)
		return nil, chainWriter.ErrAlreadyFinalized
	case onChain == types.TaskStatus_Empty:
		return nil, chainWriter.ErrTaskNotOnLedger
	}

	opts, err := ecw.signer.GetTransactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get transact opts: %w", err)
	}
	tx, err := ecw.registry.RespondToTask(opts, verdict.TaskId, verdict.Status, verdict.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to build respondToTask transaction: %w", err)
	}

	ecw.logger.Sugar().Infow("Submitting task finalization",
		"taskId", verdict.TaskId.Hex(),
		"status", verdict.Status.String(),
		"value", verdict.Value.String(),
	)

	receipt, err := ecw.signer.SignAndSendTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to send respondToTask transaction: %w", err)
	}

	out := &chainWriter.FinalizationReceipt{
		TaskId: verdict.TaskId,
		TxHash: receipt.TxHash,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}
