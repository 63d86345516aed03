package membership

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/contracts"
	"go.uber.org/zap"
)

// StaticFetcher serves a fixed operator list, used in simulation mode.
type StaticFetcher struct {
	operators []common.Address
}

func NewStaticFetcher(operators []common.Address) *StaticFetcher {
	return &StaticFetcher{operators: append([]common.Address(nil), operators...)}
}

// NewStaticFetcherFromHex parses 0x-prefixed operator addresses.
func NewStaticFetcherFromHex(operators []string) (*StaticFetcher, error) {
	addrs := make([]common.Address, 0, len(operators))
	for _, op := range operators {
		if !common.IsHexAddress(op) {
			return nil, fmt.Errorf("invalid operator address %q", op)
		}
		addrs = append(addrs, common.HexToAddress(op))
	}
	return NewStaticFetcher(addrs), nil
}

func (f *StaticFetcher) FetchOperators(ctx context.Context) ([]common.Address, error) {
	return append([]common.Address(nil), f.operators...), nil
}

type OperatorRegistry interface {
	FilterOperatorRegistered(ctx context.Context, fromBlock uint64) ([]common.Address, error)
}

type OperatorStatusReader interface {
	AvsOperatorStatus(ctx context.Context, avs common.Address, operator common.Address) (contracts.OperatorAVSRegistrationStatus, error)
}

// ChainFetcher derives the operator set from OperatorRegistered history,
// keeping only operators the AVSDirectory still reports as registered.
type ChainFetcher struct {
	registry   OperatorRegistry
	directory  OperatorStatusReader
	avsAddress common.Address
	fromBlock  uint64
	logger     *zap.Logger
}

func NewChainFetcher(
	registry OperatorRegistry,
	directory OperatorStatusReader,
	avsAddress common.Address,
	fromBlock uint64,
	logger *zap.Logger,
) *ChainFetcher {
	return &ChainFetcher{
		registry:   registry,
		directory:  directory,
		avsAddress: avsAddress,
		fromBlock:  fromBlock,
		logger:     logger,
	}
}

func (f *ChainFetcher) FetchOperators(ctx context.Context) ([]common.Address, error) {
	candidates, err := f.registry.FilterOperatorRegistered(ctx, f.fromBlock)
	if err != nil {
		return nil, err
	}

	operators := make([]common.Address, 0, len(candidates))
	for _, op := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		status, err := f.directory.AvsOperatorStatus(ctx, f.avsAddress, op)
		if err != nil {
			// an unreadable status is treated as not registered
			f.logger.Sugar().Warnw("Failed to read operator status", "operator", op.Hex(), "error", err)
			continue
		}
		if status == contracts.OperatorAVSRegistrationStatus_Unregistered {
			f.logger.Sugar().Debugw("Skipping deregistered operator", "operator", op.Hex())
			continue
		}
		operators = append(operators, op)
	}
	return operators, nil
}
