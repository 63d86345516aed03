// Package contracts holds the ABIs of the on-chain registries and thin typed
// wrappers over go-ethereum bound contracts.
package contracts

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	ContractName_TaskRegistry      = "TaskRegistry"
	ContractName_GizaAVS           = "GizaAVS"
	ContractName_AVSDirectory      = "AVSDirectory"
	ContractName_ClientAppRegistry = "ClientAppRegistry"
)

//go:embed abi/*.abi.json
var abis embed.FS

func GetContractAbi(contractName string) (*abi.ABI, error) {
	abiFile := fmt.Sprintf("abi/%s.abi.json", contractName)
	abiBytes, err := abis.ReadFile(abiFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded ABI file %s: %w", abiFile, err)
	}

	parsedABI, err := abi.JSON(bytes.NewReader(abiBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return &parsedABI, nil
}

// boundContract carries what every wrapper needs: the parsed ABI, the raw
// backend for log queries and the go-ethereum BoundContract for calls.
type boundContract struct {
	name     string
	address  common.Address
	abi      *abi.ABI
	backend  bind.ContractBackend
	contract *bind.BoundContract
}

func newBoundContract(name string, address common.Address, backend bind.ContractBackend) (*boundContract, error) {
	parsed, err := GetContractAbi(name)
	if err != nil {
		return nil, err
	}
	return &boundContract{
		name:     name,
		address:  address,
		abi:      parsed,
		backend:  backend,
		contract: bind.NewBoundContract(address, *parsed, backend, backend, backend),
	}, nil
}

func (b *boundContract) Address() common.Address {
	return b.address
}

func (b *boundContract) ABI() *abi.ABI {
	return b.abi
}

func (b *boundContract) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("%s.%s call failed: %w", b.name, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s.%s returned no values", b.name, method)
	}
	return out, nil
}

// transact builds a transaction with opts. Callers set NoSend so the
// transaction signer can reprice and submit it.
func (b *boundContract) transact(opts *bind.TransactOpts, method string, params ...interface{}) (*ethTypes.Transaction, error) {
	tx, err := b.contract.Transact(opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s transaction failed: %w", b.name, method, err)
	}
	return tx, nil
}

// filterLogs returns every log of eventName emitted by the contract in
// [fromBlock, toBlock]. A nil toBlock means the chain head. topics are
// matched against the indexed arguments after the event signature.
func (b *boundContract) filterLogs(ctx context.Context, eventName string, fromBlock uint64, toBlock *uint64, topics ...[]common.Hash) ([]ethTypes.Log, error) {
	event, ok := b.abi.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("%s has no event %s", b.name, eventName)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{b.address},
		Topics:    append([][]common.Hash{{event.ID}}, topics...),
	}
	if toBlock != nil {
		query.ToBlock = new(big.Int).SetUint64(*toBlock)
	}

	logs, err := b.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s.%s logs: %w", b.name, eventName, err)
	}
	return logs, nil
}
