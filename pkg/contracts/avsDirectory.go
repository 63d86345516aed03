package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const (
	method_calculateOperatorAVSRegistrationDigestHash = "calculateOperatorAVSRegistrationDigestHash"
	method_avsOperatorStatus                          = "avsOperatorStatus"
)

// OperatorAVSRegistrationStatus mirrors the AVSDirectory enum.
type OperatorAVSRegistrationStatus uint8

const (
	OperatorAVSRegistrationStatus_Unregistered OperatorAVSRegistrationStatus = 0
	OperatorAVSRegistrationStatus_Registered   OperatorAVSRegistrationStatus = 1
)

type AVSDirectory struct {
	*boundContract
}

func NewAVSDirectory(address common.Address, backend bind.ContractBackend) (*AVSDirectory, error) {
	bc, err := newBoundContract(ContractName_AVSDirectory, address, backend)
	if err != nil {
		return nil, err
	}
	return &AVSDirectory{boundContract: bc}, nil
}

// CalculateOperatorAVSRegistrationDigestHash returns the digest an operator
// signs to consent to registration with avs.
func (d *AVSDirectory) CalculateOperatorAVSRegistrationDigestHash(
	ctx context.Context,
	operator common.Address,
	avs common.Address,
	salt [32]byte,
	expiry *big.Int,
) ([32]byte, error) {
	out, err := d.call(ctx, method_calculateOperatorAVSRegistrationDigestHash, operator, avs, salt, expiry)
	if err != nil {
		return [32]byte{}, err
	}
	return *abi.ConvertType(out[0], new([32]byte)).(*[32]byte), nil
}

func (d *AVSDirectory) AvsOperatorStatus(ctx context.Context, avs common.Address, operator common.Address) (OperatorAVSRegistrationStatus, error) {
	out, err := d.call(ctx, method_avsOperatorStatus, avs, operator)
	if err != nil {
		return OperatorAVSRegistrationStatus_Unregistered, err
	}
	return OperatorAVSRegistrationStatus(*abi.ConvertType(out[0], new(uint8)).(*uint8)), nil
}
