// SPDX-License-Identifier: AGPL3.0-or-later

package wire

// Neutralize implements the endianness-neutralization preamble used
// for integer and id fields: the sender reverses a big-endian field
// into little-endian transmission order, strips the trailing zero
// bytes that resulted from any leading zero bytes in the original
// value, and prepends a single preamble byte P recording how many
// bytes were stripped. The receiver (Denaturalize) reverses the
// process given the original field width, so integers and ids survive
// the trip regardless of host endianness. This applies to every
// length field and id field carried inside an opcode payload.
func Neutralize(b []byte) []byte {
	n := len(b)
	le := make([]byte, n)
	for i := 0; i < n; i++ {
		le[i] = b[n-1-i]
	}
	// strip trailing zero bytes (introduced by leading zeros in b)
	trimmed := n
	for trimmed > 0 && le[trimmed-1] == 0 {
		trimmed--
	}
	p := n - trimmed
	out := make([]byte, 1+trimmed)
	out[0] = byte(p)
	copy(out[1:], le[:trimmed])
	return out
}

// Denaturalize reverses Neutralize. width is the original (big-endian)
// field width in bytes. It returns the reconstructed big-endian value
// and the number of bytes consumed from data.
func Denaturalize(data []byte, width int) (value []byte, consumed int, ok bool) {
	if len(data) < 1 {
		return nil, 0, false
	}
	p := int(data[0])
	trimmed := width - p
	if trimmed < 0 || len(data) < 1+trimmed {
		return nil, 0, false
	}
	le := make([]byte, width)
	copy(le, data[1:1+trimmed])
	be := make([]byte, width)
	for i := 0; i < width; i++ {
		be[i] = le[width-1-i]
	}
	return be, 1 + trimmed, true
}
