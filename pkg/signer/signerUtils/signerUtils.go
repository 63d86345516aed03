package signerUtils

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gizatechxyz/avsthon/pkg/config"
	"github.com/gizatechxyz/avsthon/pkg/signer"
	"github.com/gizatechxyz/avsthon/pkg/signer/inMemorySigner"
)

// ParseSignerFromConfig builds a signer from a raw hex key, an inline keystore
// or a keystore file, in that order of precedence.
func ParseSignerFromConfig(key *config.SigningKey) (signer.Signer, error) {
	if key == nil || !key.IsSet() {
		return nil, fmt.Errorf("no signing key configured")
	}
	if key.PrivateKey != "" {
		return inMemorySigner.NewInMemorySignerFromHex(key.PrivateKey)
	}

	keyJson := []byte(key.Keystore)
	if key.Keystore == "" {
		var err error
		keyJson, err = os.ReadFile(key.KeystoreFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read keystore file '%s': %w", key.KeystoreFile, err)
		}
	}
	decrypted, err := keystore.DecryptKey(keyJson, key.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keystore: %w", err)
	}
	return inMemorySigner.NewInMemorySigner(decrypted.PrivateKey), nil
}

// RecoverAddressFromMessage recovers the signer of an EIP-191 personal message
// signature. V may be either {0, 1} or {27, 28}.
func RecoverAddressFromMessage(message []byte, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", signer.ErrInvalidSignature, crypto.SignatureLength, len(signature))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)

	v := sig[crypto.RecoveryIDOffset]
	switch v {
	case 27, 28:
		sig[crypto.RecoveryIDOffset] = v - 27
	case 0, 1:
	default:
		return common.Address{}, fmt.Errorf("%w: bad recovery id %d", signer.ErrInvalidSignature, v)
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", signer.ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
