package transactionSigner

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransactionSigner provides methods for signing Ethereum transactions
type TransactionSigner interface {
	// GetTransactOpts returns transaction options for creating unsigned transactions
	GetTransactOpts(ctx context.Context) (*bind.TransactOpts, error)

	// SignAndSendTransaction reprices a transaction built with GetTransactOpts,
	// signs it, sends it and waits for a successful receipt.
	SignAndSendTransaction(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

	GetFromAddress() common.Address
}
