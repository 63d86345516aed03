package signer

import (
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidSignature is returned when a signature is malformed or cannot be recovered.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer produces 65 byte [R || S || V] ECDSA signatures with V in {27, 28}.
type Signer interface {
	// SignMessage signs data as an EIP-191 personal message.
	SignMessage(data []byte) ([]byte, error)

	// SignHash signs a precomputed 32 byte digest, e.g. a contract provided registration digest.
	SignHash(hash [32]byte) ([]byte, error)

	GetAddress() common.Address

	PrivateKey() *ecdsa.PrivateKey
}
