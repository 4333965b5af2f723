package services

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

// Custody allocates platform-controlled deposit addresses.
type Custody interface {
	NewDepositAddress() (string, error)
}

// KeystoreCustody keeps one encrypted key file per deposit address.
type KeystoreCustody struct {
	ks         *keystore.KeyStore
	passphrase string
}

func NewKeystoreCustody(dir, passphrase string) *KeystoreCustody {
	return &KeystoreCustody{
		ks:         keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP),
		passphrase: passphrase,
	}
}

// newLightKeystoreCustody uses cheap scrypt parameters for tests.
func newLightKeystoreCustody(dir, passphrase string) *KeystoreCustody {
	return &KeystoreCustody{
		ks:         keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP),
		passphrase: passphrase,
	}
}

func (c *KeystoreCustody) NewDepositAddress() (string, error) {
	account, err := c.ks.NewAccount(c.passphrase)
	if err != nil {
		return "", fmt.Errorf("failed to create deposit account: %w", err)
	}
	return account.Address.Hex(), nil
}

// EphemeralCustody derives throwaway addresses from in-memory keys. It is
// used in simulated deposit mode where nothing is ever withdrawn on-chain.
type EphemeralCustody struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewEphemeralCustody() *EphemeralCustody {
	return &EphemeralCustody{seen: make(map[string]struct{})}
}

func (c *EphemeralCustody) NewDepositAddress() (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[strings.ToLower(addr)]; ok {
		return "", fmt.Errorf("address collision: %s", addr)
	}
	c.seen[strings.ToLower(addr)] = struct{}{}
	return addr, nil
}
