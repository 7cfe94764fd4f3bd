// Package event models a relay event and the idempotent completion stages
// (stamp, own, hash) it goes through before it can be published.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	ErrNotHashed    = errors.New("event: not hashed")
	ErrNotSigned    = errors.New("event: not signed")
	ErrIDMismatch   = errors.New("event: id does not match content")
	ErrBadSignature = errors.New("event: invalid signature")
)

// Event is a NIP-01 style content record.
//
// Identity (ID) is assigned once by Hash and never changes afterwards. Wrap
// holds the outer envelope of a sealed event and is not part of the wire form.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
	Wrap      *Event     `json:"-"`
}

func (e Event) IsStamped() bool { return e.CreatedAt != 0 }
func (e Event) IsOwned() bool   { return e.PubKey != "" }
func (e Event) IsHashed() bool  { return e.ID != "" }
func (e Event) IsSigned() bool  { return e.Sig != "" }
func (e Event) IsWrapped() bool { return e.Wrap != nil }

// Stamp sets CreatedAt when it is still zero.
func Stamp(e Event, now time.Time) Event {
	if !e.IsStamped() {
		e.CreatedAt = now.Unix()
	}
	return e
}

// Own sets PubKey when it is still empty.
func Own(e Event, pubkey string) Event {
	if !e.IsOwned() {
		e.PubKey = pubkey
	}
	return e
}

// Hash sets ID when it is still empty.
func Hash(e Event) Event {
	if !e.IsHashed() {
		e.ID = hex.EncodeToString(Digest(e))
	}
	return e
}

// Prepare runs Stamp, Own and Hash in order. Stages already satisfied are skipped,
// so Prepare(Prepare(e)) == Prepare(e).
func Prepare(e Event, pubkey string, now time.Time) Event {
	return Hash(Own(Stamp(e, now), pubkey))
}

// Digest returns sha256 over the canonical [0,pubkey,created_at,kind,tags,content] array.
func Digest(e Event) []byte {
	sum := sha256.Sum256(serialize(e))
	return sum[:]
}

// Verify checks that ID matches the content and that Sig is a valid schnorr
// signature of ID by PubKey.
func Verify(e Event) error {
	if !e.IsHashed() {
		return ErrNotHashed
	}
	if !e.IsSigned() {
		return ErrNotSigned
	}
	digest := Digest(e)
	if hex.EncodeToString(digest) != e.ID {
		return ErrIDMismatch
	}
	pkb, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("event: pubkey: %w", err)
	}
	pk, err := schnorr.ParsePubKey(pkb)
	if err != nil {
		return fmt.Errorf("event: pubkey: %w", err)
	}
	sb, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("event: sig: %w", err)
	}
	sig, err := schnorr.ParseSignature(sb)
	if err != nil {
		return fmt.Errorf("event: sig: %w", err)
	}
	if !sig.Verify(digest, pk) {
		return ErrBadSignature
	}
	return nil
}

// MarshalJSON emits the wire form with a non-null tags array.
func (e Event) MarshalJSON() ([]byte, error) {
	return appendWire(make([]byte, 0, 256+len(e.Content)), e), nil
}

// Clone returns a copy that shares no slices with e.
func (e Event) Clone() Event {
	cp := e
	if e.Tags != nil {
		cp.Tags = make([][]string, len(e.Tags))
		for i, t := range e.Tags {
			cp.Tags[i] = append([]string(nil), t...)
		}
	}
	if e.Wrap != nil {
		w := e.Wrap.Clone()
		cp.Wrap = &w
	}
	return cp
}
