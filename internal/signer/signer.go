// Package signer resolves signing capabilities for a chain without handing
// raw key material to callers.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/singleflight"
)

var (
	ErrKeyUnavailable = errors.New("signing key unavailable")
	ErrKeyMalformed   = errors.New("signing key malformed")
)

// Provider resolves a signing capability bound to a chain id.
type Provider interface {
	Resolve(ctx context.Context, chainID int64) (*Capability, error)
}

// Capability is an opaque handle permitting transaction signing on one chain.
type Capability struct {
	chainID int64
	address common.Address
	opts    *bind.TransactOpts
}

func newCapability(chainID int64, opts *bind.TransactOpts) *Capability {
	return &Capability{chainID: chainID, address: opts.From, opts: opts}
}

func (c *Capability) ChainID() int64 { return c.chainID }

func (c *Capability) Address() common.Address { return c.address }

// TransactOpts returns a fresh copy of the transactor options so callers can
// set per-attempt context and value without touching the shared handle.
func (c *Capability) TransactOpts() *bind.TransactOpts {
	opts := *c.opts
	opts.GasLimit = 0
	opts.GasPrice = nil
	opts.Nonce = nil
	opts.Value = nil
	opts.NoSend = false
	return &opts
}

func (c *Capability) String() string {
	return fmt.Sprintf("signer(%s@%d)", c.address.Hex(), c.chainID)
}

func (c *Capability) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("address", c.address.Hex()),
		slog.Int64("chain_id", c.chainID),
	)
}

// KeyProvider signs with a hex-encoded private key handed over at startup.
type KeyProvider struct {
	chainID int64
	keyHex  string
}

func NewKeyProvider(chainID int64, keyHex string) *KeyProvider {
	return &KeyProvider{chainID: chainID, keyHex: keyHex}
}

func (p *KeyProvider) Resolve(_ context.Context, chainID int64) (*Capability, error) {
	if strings.TrimSpace(p.keyHex) == "" {
		return nil, fmt.Errorf("%w: no key configured", ErrKeyUnavailable)
	}
	if chainID != p.chainID {
		return nil, fmt.Errorf("%w: key bound to chain %d, requested %d", ErrKeyUnavailable, p.chainID, chainID)
	}
	pk, err := parsePrivateKey(p.keyHex)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(pk, big.NewInt(chainID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMalformed, err)
	}
	return newCapability(chainID, opts), nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// the crypto error never echoes key bytes
		return nil, fmt.Errorf("%w: %v", ErrKeyMalformed, err)
	}
	return key, nil
}

// KeystoreProvider unlocks an encrypted go-ethereum keystore file.
type KeystoreProvider struct {
	chainID    int64
	open       func() (io.ReadCloser, error)
	passphrase string
}

func NewKeystoreProvider(chainID int64, open func() (io.ReadCloser, error), passphrase string) *KeystoreProvider {
	return &KeystoreProvider{chainID: chainID, open: open, passphrase: passphrase}
}

func (p *KeystoreProvider) Resolve(_ context.Context, chainID int64) (*Capability, error) {
	if p.open == nil {
		return nil, fmt.Errorf("%w: no keystore configured", ErrKeyUnavailable)
	}
	if chainID != p.chainID {
		return nil, fmt.Errorf("%w: keystore bound to chain %d, requested %d", ErrKeyUnavailable, p.chainID, chainID)
	}
	rc, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("%w: open keystore: %v", ErrKeyUnavailable, err)
	}
	defer rc.Close()

	opts, err := bind.NewTransactorWithChainID(rc, p.passphrase, big.NewInt(chainID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMalformed, err)
	}
	return newCapability(chainID, opts), nil
}

// CachingProvider resolves each chain once and serves the cached capability
// afterwards. Failures are not cached. Concurrent cold lookups for one chain
// share a single call to next; other chains are never blocked by it.
type CachingProvider struct {
	next  Provider
	group singleflight.Group

	mu    sync.RWMutex
	cache map[int64]*Capability
}

func NewCachingProvider(next Provider) *CachingProvider {
	return &CachingProvider{next: next, cache: make(map[int64]*Capability)}
}

func (p *CachingProvider) Resolve(ctx context.Context, chainID int64) (*Capability, error) {
	if c, ok := p.cached(chainID); ok {
		return c, nil
	}
	v, err, _ := p.group.Do(strconv.FormatInt(chainID, 10), func() (any, error) {
		if c, ok := p.cached(chainID); ok {
			return c, nil
		}
		c, err := p.next.Resolve(ctx, chainID)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[chainID] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Capability), nil
}

func (p *CachingProvider) cached(chainID int64) (*Capability, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.cache[chainID]
	return c, ok
}
