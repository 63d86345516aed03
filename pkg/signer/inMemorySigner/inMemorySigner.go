package inMemorySigner

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type InMemorySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func NewInMemorySigner(privateKey *ecdsa.PrivateKey) *InMemorySigner {
	return &InMemorySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

func NewInMemorySignerFromHex(privateKeyHex string) (*InMemorySigner, error) {
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewInMemorySigner(pk), nil
}

func (ims *InMemorySigner) SignMessage(data []byte) ([]byte, error) {
	return ims.sign(accounts.TextHash(data))
}

func (ims *InMemorySigner) SignHash(hash [32]byte) ([]byte, error) {
	return ims.sign(hash[:])
}

func (ims *InMemorySigner) sign(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, ims.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	// contracts and ecrecover expect V in {27, 28}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (ims *InMemorySigner) GetAddress() common.Address {
	return ims.address
}

func (ims *InMemorySigner) PrivateKey() *ecdsa.PrivateKey {
	return ims.privateKey
}
