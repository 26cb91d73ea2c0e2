// Package crdt implements the replicated text sequence every room edits.
//
// The sequence is an RGA: each character carries a globally unique ID made
// of a Lamport clock and the peer that created it, and remembers the
// character it was inserted after. Concurrent inserts after the same
// character are ordered by ID, highest first, so every replica that has seen
// the same set of operations holds the same text regardless of the order the
// operations arrived in. Deleted characters stay in the sequence as
// tombstones so later inserts can still anchor on them.
package crdt

import (
	"errors"
	"fmt"

	"collabtext/internal/codec"
)

// ErrMalformedUpdate is returned when an update payload cannot be decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// ID is a globally unique identifier for a character, combining a logical
// clock and the ID of the peer that created it.
type ID struct {
	Clock uint64 `cbor:"1,keyasint"`
	Peer  string `cbor:"2,keyasint"`
}

// IsZero reports whether id is the head anchor.
func (id ID) IsZero() bool { return id.Clock == 0 && id.Peer == "" }

// Less orders IDs by clock, then by peer. Concurrent inserts at the same
// position resolve with this order on every replica.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Peer < other.Peer
}

func (id ID) String() string { return fmt.Sprintf("%d@%s", id.Clock, id.Peer) }

// OpKind distinguishes inserts from deletes.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

// Op is one element of an update. For inserts ID names the new character
// and Origin the character it follows (zero for the head of the document).
// For deletes ID names the character to remove.
type Op struct {
	Kind   OpKind `cbor:"1,keyasint"`
	ID     ID     `cbor:"2,keyasint"`
	Origin ID     `cbor:"3,keyasint"`
	Value  string `cbor:"4,keyasint,omitempty"`
}

// Update is the unit exchanged between replicas and appended to the update
// log. Applying the same update twice is a no-op.
type Update struct {
	Ops []Op `cbor:"1,keyasint"`
}

// StateVector maps each peer to the highest clock of its inserts a replica
// has integrated.
type StateVector map[string]uint64

// Covers reports whether the vector already includes id.
func (sv StateVector) Covers(id ID) bool {
	return id.Clock <= sv[id.Peer]
}

// Clone returns an independent copy of sv.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for peer, clock := range sv {
		out[peer] = clock
	}
	return out
}

// EncodeUpdate serializes u.
func EncodeUpdate(u Update) ([]byte, error) {
	return codec.Marshal(u)
}

// DecodeUpdate parses a payload produced by EncodeUpdate.
func DecodeUpdate(payload []byte) (Update, error) {
	var u Update
	if err := codec.Unmarshal(payload, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, op := range u.Ops {
		if op.Kind != OpInsert && op.Kind != OpDelete {
			return Update{}, fmt.Errorf("%w: unknown op kind %d", ErrMalformedUpdate, op.Kind)
		}
		if op.ID.IsZero() {
			return Update{}, fmt.Errorf("%w: op without id", ErrMalformedUpdate)
		}
	}
	return u, nil
}

// MergeUpdates concatenates several encoded updates into one. The result is
// equivalent to applying the inputs one after another.
func MergeUpdates(payloads ...[]byte) ([]byte, error) {
	var merged Update
	for _, p := range payloads {
		u, err := DecodeUpdate(p)
		if err != nil {
			return nil, err
		}
		merged.Ops = append(merged.Ops, u.Ops...)
	}
	return EncodeUpdate(merged)
}
