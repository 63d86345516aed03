package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	Event_OperatorRegistered = "OperatorRegistered"

	method_isOperatorRegistered                  = "isOperatorRegistered"
	method_registerOperatorToAVS                 = "registerOperatorToAVS"
	method_operatorClientAppIdRegistrationStatus = "operatorClientAppIdRegistrationStatus"
	method_optInClientAppId                      = "optInClientAppId"
)

// SignatureWithSaltAndExpiry is the operator's consent to join the AVS.
type SignatureWithSaltAndExpiry struct {
	Signature []byte
	Salt      [32]byte
	Expiry    *big.Int
}

type GizaAVS struct {
	*boundContract
}

func NewGizaAVS(address common.Address, backend bind.ContractBackend) (*GizaAVS, error) {
	bc, err := newBoundContract(ContractName_GizaAVS, address, backend)
	if err != nil {
		return nil, err
	}
	return &GizaAVS{boundContract: bc}, nil
}

func (g *GizaAVS) IsOperatorRegistered(ctx context.Context, operator common.Address) (bool, error) {
	out, err := g.call(ctx, method_isOperatorRegistered, operator)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (g *GizaAVS) RegisterOperatorToAVS(opts *bind.TransactOpts, operator common.Address, sig SignatureWithSaltAndExpiry) (*ethTypes.Transaction, error) {
	return g.transact(opts, method_registerOperatorToAVS, operator, sig)
}

func (g *GizaAVS) IsOptedInClientApp(ctx context.Context, operator common.Address, clientAppId common.Hash) (bool, error) {
	out, err := g.call(ctx, method_operatorClientAppIdRegistrationStatus, operator, [32]byte(clientAppId))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (g *GizaAVS) OptInClientAppId(opts *bind.TransactOpts, clientAppId common.Hash) (*ethTypes.Transaction, error) {
	return g.transact(opts, method_optInClientAppId, [32]byte(clientAppId))
}

// FilterOperatorRegistered returns the operators named in every
// OperatorRegistered event since fromBlock, deduplicated, first seen first.
func (g *GizaAVS) FilterOperatorRegistered(ctx context.Context, fromBlock uint64) ([]common.Address, error) {
	logs, err := g.filterLogs(ctx, Event_OperatorRegistered, fromBlock, nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[common.Address]struct{}, len(logs))
	operators := make([]common.Address, 0, len(logs))
	for _, log := range logs {
		if len(log.Topics) < 2 {
			return nil, fmt.Errorf("malformed %s log in tx %s", Event_OperatorRegistered, log.TxHash.Hex())
		}
		operator := common.BytesToAddress(log.Topics[1].Bytes())
		if _, ok := seen[operator]; ok {
			continue
		}
		seen[operator] = struct{}{}
		operators = append(operators, operator)
	}
	return operators, nil
}
