package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces a 65-byte secp256k1 signature over a transaction id on
// behalf of a custodial address.
type Signer interface {
	Sign(ctx context.Context, address string, digest []byte) ([]byte, error)
}

// KeyRing holds raw private keys in memory. Production deployments put an
// HSM-backed Signer in front of the client instead.
type KeyRing struct {
	keys map[string]*ecdsa.PrivateKey
}

func NewKeyRing(hexKeys []string) (*KeyRing, error) {
	ring := &KeyRing{keys: make(map[string]*ecdsa.PrivateKey, len(hexKeys))}
	for i, raw := range hexKeys {
		trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if trimmed == "" {
			continue
		}
		key, err := crypto.HexToECDSA(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse signing key %d: %w", i, err)
		}
		ring.keys[AddressFromPublicKey(&key.PublicKey)] = key
	}
	return ring, nil
}

// AddressFromPublicKey derives the Tron address controlled by pub.
func AddressFromPublicKey(pub *ecdsa.PublicKey) string {
	return AddressFromEVM(crypto.PubkeyToAddress(*pub))
}

func (k *KeyRing) Sign(_ context.Context, address string, digest []byte) ([]byte, error) {
	key, ok := k.keys[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, address)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, key)
}

func (k *KeyRing) Addresses() []string {
	out := make([]string, 0, len(k.keys))
	for addr := range k.keys {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
