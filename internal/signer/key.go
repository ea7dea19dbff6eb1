// Package signer loads the host wallet key used to sign proofs and transactions.
//
// The key comes either from a raw hex string (development / CI) or from an
// encrypted go-ethereum keystore file.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoKey = errors.New("signer: no host key configured")

// Source says where the host key lives. PrivateKeyHex wins when both are set.
type Source struct {
	PrivateKeyHex    string
	KeystorePath     string
	KeystorePassword string
}

// HostKey is the loaded key and its address.
type HostKey struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

var (
	mu        sync.Mutex
	cachedKey *HostKey
)

// Get loads the host key once per process. Errors are not cached, so a
// caller can retry after fixing the keystore.
func Get(src Source) (*HostKey, error) {
	mu.Lock()
	defer mu.Unlock()
	if cachedKey != nil {
		return cachedKey, nil
	}
	hk, err := src.Load()
	if err != nil {
		return nil, err
	}
	cachedKey = hk
	return hk, nil
}

// Load reads the key without caching.
func (s Source) Load() (*HostKey, error) {
	switch {
	case s.PrivateKeyHex != "":
		return fromHex(s.PrivateKeyHex)
	case s.KeystorePath != "":
		return fromKeystore(s.KeystorePath, s.KeystorePassword)
	default:
		return nil, ErrNoKey
	}
}

func fromHex(raw string) (*HostKey, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("signer: private key must be a 32-byte hex string (got %d chars)", len(keyHex))
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	return &HostKey{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func fromKeystore(path, password string) (*HostKey, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: read keystore: %w", err)
	}
	k, err := keystore.DecryptKey(blob, password)
	if err != nil {
		return nil, fmt.Errorf("signer: decrypt keystore %s: %w", path, err)
	}
	return &HostKey{Key: k.PrivateKey, Address: k.Address}, nil
}
