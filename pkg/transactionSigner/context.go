package transactionSigner

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"go.uber.org/zap"
)

// EthBackend is the subset of *ethclient.Client used to price, send and
// await transactions.
type EthBackend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// SigningContext provides common functionality for transaction signing
type SigningContext struct {
	ethClient EthBackend
	logger    *zap.Logger
	chainID   *big.Int
}

func NewSigningContext(ctx context.Context, ethClient EthBackend, logger *zap.Logger) (*SigningContext, error) {
	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &SigningContext{
		ethClient: ethClient,
		logger:    logger,
		chainID:   chainID,
	}, nil
}

func (sc *SigningContext) ChainID() *big.Int {
	return new(big.Int).Set(sc.chainID)
}
