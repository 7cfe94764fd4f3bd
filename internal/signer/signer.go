// Package signer provides the signing capability used by publish.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"relaycast/internal/event"
)

var (
	ErrBadKey      = errors.New("signer: invalid secret key")
	ErrWrongAuthor = errors.New("signer: event author does not match key")
	ErrNotHashed   = errors.New("signer: event is not hashed")
)

// Signer produces a signed copy of a hashed event.
type Signer interface {
	PubKey() string
	Sign(ctx context.Context, e event.Event) (event.Event, error)
}

// Lookup resolves the signer for an author public key.
type Lookup interface {
	SignerFor(pubkey string) (Signer, bool)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(pubkey string) (Signer, bool)

func (f LookupFunc) SignerFor(pubkey string) (Signer, bool) { return f(pubkey) }

// SecretKey signs with an in-memory secp256k1 key.
type SecretKey struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// Generate returns a signer with a fresh random key.
func Generate() (*SecretKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("signer: generate: %w", err)
	}
	return fromPriv(priv), nil
}

// FromHex parses a 32 byte hex secret key.
func FromHex(s string) (*SecretKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) != 32 {
		return nil, ErrBadKey
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, ErrBadKey
	}
	return fromPriv(priv), nil
}

func fromPriv(priv *btcec.PrivateKey) *SecretKey {
	return &SecretKey{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

func (k *SecretKey) PubKey() string { return k.pubHex }

// SecretHex returns the hex secret key.
func (k *SecretKey) SecretHex() string { return hex.EncodeToString(k.priv.Serialize()) }

func (k *SecretKey) Sign(ctx context.Context, e event.Event) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return e, err
	}
	if !e.IsHashed() {
		return e, ErrNotHashed
	}
	if e.PubKey != k.pubHex {
		return e, ErrWrongAuthor
	}
	id, err := hex.DecodeString(e.ID)
	if err != nil {
		return e, fmt.Errorf("signer: id: %w", err)
	}
	sig, err := schnorr.Sign(k.priv, id)
	if err != nil {
		return e, fmt.Errorf("signer: sign: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return e, nil
}

// Keyring is a concurrency-safe Lookup over a set of signers.
type Keyring struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

func NewKeyring(signers ...Signer) *Keyring {
	k := &Keyring{signers: make(map[string]Signer, len(signers))}
	for _, s := range signers {
		k.Add(s)
	}
	return k
}

func (k *Keyring) Add(s Signer) {
	if s == nil {
		return
	}
	k.mu.Lock()
	k.signers[s.PubKey()] = s
	k.mu.Unlock()
}

func (k *Keyring) Remove(pubkey string) {
	k.mu.Lock()
	delete(k.signers, pubkey)
	k.mu.Unlock()
}

func (k *Keyring) SignerFor(pubkey string) (Signer, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[pubkey]
	return s, ok
}
