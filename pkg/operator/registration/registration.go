// Package registration gates operator start-up on AVS registration and
// client app opt-in.
package registration

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gizatechxyz/avsthon/pkg/contracts"
	"github.com/gizatechxyz/avsthon/pkg/signer"
	"github.com/gizatechxyz/avsthon/pkg/transactionSigner"
	"go.uber.org/zap"
)

var (
	ErrRegistrationNotEffective = errors.New("operator registration did not take effect")
	ErrOptInNotEffective        = errors.New("client app opt-in did not take effect")
)

// AVS is the subset of the GizaAVS contract used during registration.
// *contracts.GizaAVS satisfies it.
type AVS interface {
	IsOperatorRegistered(ctx context.Context, operator common.Address) (bool, error)
	RegisterOperatorToAVS(opts *bind.TransactOpts, operator common.Address, sig contracts.SignatureWithSaltAndExpiry) (*ethTypes.Transaction, error)
	IsOptedInClientApp(ctx context.Context, operator common.Address, clientAppId common.Hash) (bool, error)
	OptInClientAppId(opts *bind.TransactOpts, clientAppId common.Hash) (*ethTypes.Transaction, error)
}

// DigestCalculator is satisfied by *contracts.AVSDirectory.
type DigestCalculator interface {
	CalculateOperatorAVSRegistrationDigestHash(ctx context.Context, operator common.Address, avs common.Address, salt [32]byte, expiry *big.Int) ([32]byte, error)
}

type Config struct {
	AvsAddress   common.Address
	Salt         [32]byte
	Expiry       *big.Int
	ClientAppIds []common.Hash
}

type Registrar struct {
	config    *Config
	avs       AVS
	directory DigestCalculator
	signer    signer.Signer
	txSigner  transactionSigner.TransactionSigner
	logger    *zap.Logger
}

func NewRegistrar(
	config *Config,
	avs AVS,
	directory DigestCalculator,
	s signer.Signer,
	txSigner transactionSigner.TransactionSigner,
	logger *zap.Logger,
) *Registrar {
	return &Registrar{
		config:    config,
		avs:       avs,
		directory: directory,
		signer:    s,
		txSigner:  txSigner,
		logger:    logger,
	}
}

// Register makes sure the operator is registered with the AVS and opted into
// every configured client app. Each step is skipped when already satisfied
// and verified on-chain after it is submitted.
func (r *Registrar) Register(ctx context.Context) error {
	if err := r.registerOperator(ctx); err != nil {
		return err
	}
	for _, appId := range r.config.ClientAppIds {
		if err := r.optIn(ctx, appId); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registrar) registerOperator(ctx context.Context) error {
	operator := r.signer.GetAddress()

	registered, err := r.avs.IsOperatorRegistered(ctx, operator)
	if err != nil {
		return fmt.Errorf("failed to check operator registration: %w", err)
	}
	if registered {
		r.logger.Sugar().Infow("Operator already registered", "operator", operator.Hex())
		return nil
	}

	digest, err := r.directory.CalculateOperatorAVSRegistrationDigestHash(ctx, operator, r.config.AvsAddress, r.config.Salt, r.config.Expiry)
	if err != nil {
		return fmt.Errorf("failed to calculate registration digest: %w", err)
	}
	sig, err := r.signer.SignHash(digest)
	if err != nil {
		return fmt.Errorf("failed to sign registration digest: %w", err)
	}

	opts, err := r.txSigner.GetTransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := r.avs.RegisterOperatorToAVS(opts, operator, contracts.SignatureWithSaltAndExpiry{
		Signature: sig,
		Salt:      r.config.Salt,
		Expiry:    r.config.Expiry,
	})
	if err != nil {
		return fmt.Errorf("failed to build registration transaction: %w", err)
	}
	receipt, err := r.txSigner.SignAndSendTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to send registration transaction: %w", err)
	}
	r.logger.Sugar().Infow("Submitted operator registration",
		"operator", operator.Hex(),
		"avs", r.config.AvsAddress.Hex(),
		"txHash", receipt.TxHash.Hex(),
	)

	registered, err = r.avs.IsOperatorRegistered(ctx, operator)
	if err != nil {
		return fmt.Errorf("failed to verify operator registration: %w", err)
	}
	if !registered {
		return ErrRegistrationNotEffective
	}
	r.logger.Sugar().Infow("Successfully registered operator", "operator", operator.Hex())
	return nil
}

func (r *Registrar) optIn(ctx context.Context, appId common.Hash) error {
	operator := r.signer.GetAddress()

	optedIn, err := r.avs.IsOptedInClientApp(ctx, operator, appId)
	if err != nil {
		return fmt.Errorf("failed to check client app opt-in: %w", err)
	}
	if optedIn {
		r.logger.Sugar().Infow("Client app already opted in", "appId", appId.Hex())
		return nil
	}

	opts, err := r.txSigner.GetTransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := r.avs.OptInClientAppId(opts, appId)
	if err != nil {
		return fmt.Errorf("failed to build opt-in transaction: %w", err)
	}
	if _, err := r.txSigner.SignAndSendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to send opt-in transaction: %w", err)
	}

	optedIn, err = r.avs.IsOptedInClientApp(ctx, operator, appId)
	if err != nil {
		return fmt.Errorf("failed to verify client app opt-in: %w", err)
	}
	if !optedIn {
		return fmt.Errorf("%w: %s", ErrOptInNotEffective, appId.Hex())
	}
	r.logger.Sugar().Infow("Opted into client app", "appId", appId.Hex())
	return nil
}
