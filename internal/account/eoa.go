// Package account models externally owned accounts and their deterministic
// derivation from integer key indexes.
package account

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EOA is an externally owned account under the harness's control.
//
// Nonce is advisory: it tracks the value the harness expects the account to
// have and is only authoritative after a resync against the node. An EOA is
// never shared between tests; no locking is needed around Nonce.
type EOA struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
	Nonce   uint64
	Label   string

	// Index is the derivation index this key was generated from, or nil for
	// externally supplied keys (the seed key).
	Index *big.Int
}

// New wraps an existing private key.
func New(key *ecdsa.PrivateKey) *EOA {
	return &EOA{
		Key:     key,
		Address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Generate creates an EOA with a fresh random private key.
func Generate() (*EOA, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return New(key), nil
}

// FromHex creates an EOA from a hex-encoded private key.
func FromHex(hexKey string) (*EOA, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return New(key), nil
}

// FromIndex derives the EOA for a given key index. The same index always
// yields the same key, which is what allows the recovery scanner to re-derive
// accounts funded by an interrupted run.
func FromIndex(index *big.Int) (*EOA, error) {
	if index == nil || index.Sign() < 0 {
		return nil, fmt.Errorf("key index must be non-negative")
	}
	// Map the index into the valid secp256k1 scalar range [1, N-1].
	scalar := new(big.Int).Mod(index, new(big.Int).Sub(crypto.S256().Params().N, big.NewInt(1)))
	scalar.Add(scalar, big.NewInt(1))

	buf := make([]byte, 32)
	scalar.FillBytes(buf)
	key, err := crypto.ToECDSA(buf)
	if err != nil {
		return nil, fmt.Errorf("derive key for index %s: %w", index, err)
	}
	eoa := New(key)
	eoa.Index = new(big.Int).Set(index)
	return eoa, nil
}

// KeyHex returns the hex-encoded private key. Only ever logged as a
// manual-recovery hint when a refund fails.
func (e *EOA) KeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(e.Key))
}

// NextNonce returns the current advisory nonce and increments it.
func (e *EOA) NextNonce() uint64 {
	n := e.Nonce
	e.Nonce++
	return n
}

func (e *EOA) String() string {
	if e.Label != "" {
		return fmt.Sprintf("%s (%s)", e.Address.Hex(), e.Label)
	}
	return e.Address.Hex()
}

// Source hands out previously unused EOAs derived from a strictly increasing
// index. A single Source is created per worker process, seeded from the
// configured start index, so no two tests in a run ever receive the same key.
type Source struct {
	mu   sync.Mutex
	next *big.Int
}

// NewSource creates a source that starts deriving at the given index.
func NewSource(start *big.Int) *Source {
	return &Source{next: new(big.Int).Set(start)}
}

// Next derives the next unused EOA.
func (s *Source) Next() (*EOA, error) {
	s.mu.Lock()
	index := new(big.Int).Set(s.next)
	s.next.Add(s.next, big.NewInt(1))
	s.mu.Unlock()
	return FromIndex(index)
}

// Peek returns the index the next call to Next will use.
func (s *Source) Peek() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.next)
}
