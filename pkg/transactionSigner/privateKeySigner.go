package transactionSigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var fallbackGasTipCap = big.NewInt(15000000000)

// PrivateKeySigner implements TransactionSigner using a private key
type PrivateKeySigner struct {
	*SigningContext
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
}

func NewPrivateKeySigner(privateKey *ecdsa.PrivateKey, signingContext *SigningContext) (*PrivateKeySigner, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is nil")
	}
	return &PrivateKeySigner{
		SigningContext: signingContext,
		privateKey:     privateKey,
		fromAddress:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

func (pks *PrivateKeySigner) GetTransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(pks.privateKey, pks.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.NoSend = true
	opts.Context = ctx
	return opts, nil
}

func (pks *PrivateKeySigner) SignAndSendTransaction(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return pks.estimateGasPriceAndLimitAndSendTx(ctx, tx, "SignAndSendTransaction")
}

func (pks *PrivateKeySigner) GetFromAddress() common.Address {
	return pks.fromAddress
}

func (pks *PrivateKeySigner) estimateGasPriceAndLimitAndSendTx(ctx context.Context, tx *types.Transaction, tag string) (*types.Receipt, error) {
	if tx.To() == nil {
		return nil, fmt.Errorf("estimateGasPriceAndLimitAndSendTx: contract creation is not supported")
	}

	gasTipCap, err := pks.ethClient.SuggestGasTipCap(ctx)
	if err != nil {
		// backends without eth_maxPriorityFeePerGas fall back to a constant
		pks.logger.Sugar().Debugw("estimateGasPriceAndLimitAndSendTx: cannot get gasTipCap",
			"error", err.Error(),
		)
		gasTipCap = fallbackGasTipCap
	}

	header, err := pks.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if header.BaseFee == nil {
		return nil, fmt.Errorf("estimateGasPriceAndLimitAndSendTx: chain does not report a base fee")
	}
	// basefee * 3/2
	overestimatedBasefee := new(big.Int).Div(new(big.Int).Mul(header.BaseFee, big.NewInt(3)), big.NewInt(2))
	gasFeeCap := new(big.Int).Add(overestimatedBasefee, gasTipCap)

	gasLimit, err := pks.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:      pks.fromAddress,
		To:        tx.To(),
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Data:      tx.Data(),
	})
	if err != nil {
		return nil, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(pks.privateKey, pks.chainID)
	if err != nil {
		return nil, fmt.Errorf("estimateGasPriceAndLimitAndSendTx: cannot create transactOpts: %w", err)
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(tx.Nonce())
	opts.GasTipCap = gasTipCap
	opts.GasFeeCap = gasFeeCap
	opts.GasLimit = addGasBuffer(gasLimit)

	contract := bind.NewBoundContract(*tx.To(), abi.ABI{}, pks.ethClient, pks.ethClient, pks.ethClient)

	pks.logger.Sugar().Infow("Sending transaction",
		"tag", tag,
		"gasTipCap", gasTipCap.String(),
		"gasFeeCap", gasFeeCap.String(),
		"gasLimit", opts.GasLimit,
	)

	tx, err = contract.RawTransact(opts, tx.Data())
	if err != nil {
		return nil, fmt.Errorf("estimateGasPriceAndLimitAndSendTx: failed to send txn (%s): %w", tag, err)
	}

	pks.logger.Sugar().Infow("Sent transaction", "tag", tag, "txHash", tx.Hash().Hex())

	return pks.ensureTransactionEvaled(ctx, tx, tag)
}

func (pks *PrivateKeySigner) ensureTransactionEvaled(ctx context.Context, tx *types.Transaction, tag string) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, pks.ethClient, tx)
	if err != nil {
		return nil, fmt.Errorf("ensureTransactionEvaled: failed to wait for transaction (%s) to mine: %w", tag, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		pks.logger.Sugar().Errorw("Transaction reverted", "tag", tag, "txHash", receipt.TxHash.Hex())
		return nil, fmt.Errorf("transaction %s (%s) reverted", receipt.TxHash.Hex(), tag)
	}
	pks.logger.Sugar().Infow("Transaction succeeded", "tag", tag, "txHash", receipt.TxHash.Hex())
	return receipt, nil
}

// addGasBuffer adds a 20% buffer to the gas limit
func addGasBuffer(gasLimit uint64) uint64 {
	return 6 * gasLimit / 5
}
