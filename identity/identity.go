// SPDX-License-Identifier: AGPL3.0-or-later

// Package identity implements the type identity facility: a
// stable 64-bit hash computed from an application type's universal
// name, normalized so that whitespace, "::", and trailing ">" do not
// change the hash. The hash is part of the wire compatibility contract
// and must never change without a protocol version bump.
package identity

import "strings"

// Hash is the stable 64-bit identifier of an application-defined type.
type Hash uint64

// SDBM computes the type hash: scan name from
// right to left, skipping '>', ' ', and the two-character sequence
// "::", folding each remaining byte into an SDBM-style rolling hash
// with 64-bit wraparound.
func SDBM(name string) Hash {
	var h uint64
	for i := len(name) - 1; i >= 0; i-- {
		c := name[i]
		switch {
		case c == '>' || c == ' ':
			continue
		case c == ':' && i > 0 && name[i-1] == ':':
			i--
			continue
		}
		h = uint64(c) + (h << 6) + (h << 16) - h
	}
	return Hash(h)
}

// UniversalName composes the deterministic "Outer<Inner1, Inner2, ...>"
// spelling used as the hash input. Template arguments are joined with
// ", " to match the normalization rules (whitespace around separators
// is itself skipped by SDBM, so formatting here is cosmetic only).
func UniversalName(outer string, inner ...string) string {
	if len(inner) == 0 {
		return outer
	}
	return outer + "<" + strings.Join(inner, ", ") + ">"
}

// HashOf is a convenience wrapper hashing UniversalName(outer, inner...).
func HashOf(outer string, inner ...string) Hash {
	return SDBM(UniversalName(outer, inner...))
}
