// SPDX-License-Identifier: AGPL3.0-or-later

// Package peer holds the overlay's data model: peer identities, the
// per-peer record, the membership table, and the routing state carried
// by the local peer.
package peer

import "github.com/google/uuid"

// ID is the 128-bit identifier assigned to a node at startup and held
// for the lifetime of the process.
type ID uuid.UUID

// NewID generates a fresh random 128-bit identifier.
func NewID() ID {
	return ID(uuid.New())
}

// Zero is the distinguished all-zero identifier; it never names a real
// peer and is used as a sentinel in places that need "no peer".
var Zero ID

// String returns the canonical hyphenated representation of the id.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the 16-byte representation of the id, big-endian
// (network) byte order, suitable for wire encoding.
func (id ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// IDFromBytes reconstructs an ID from a 16-byte slice.
func IDFromBytes(b []byte) (id ID, ok bool) {
	if len(b) != 16 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// IsZero reports whether id is the all-zero sentinel.
func (id ID) IsZero() bool {
	return id == Zero
}
