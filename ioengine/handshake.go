// SPDX-License-Identifier: AGPL3.0-or-later

package ioengine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"meshnet/peer"
	"meshnet/wire"
)

// Protocol magics. Bumping either is a breaking wire change,
// same as changing the SDBM normalization rule in identity.
const (
	ProtocolID1 uint32 = 0xB8EEF001
	ProtocolID2 uint32 = 0x6D35482A
)

var (
	ErrBadMagic      = errors.New("ioengine: handshake magic mismatch")
	ErrRefused       = errors.New("ioengine: connection refused by peer predicate")
	ErrBadHandshake  = errors.New("ioengine: malformed handshake blob")
	ErrHandshakeSize = errors.New("ioengine: id blob exceeds maximum size")
)

const maxIDBlob = 64

// answerOpcode is opcode 13 ("connection_accepted /
// connection_refused"), the only opcode the I/O engine itself ever
// interprets; every other opcode is opaque payload to this layer.
const answerOpcode wire.Opcode = 13

// answerKeepAlive is opcode 12 ("keep_alive"), emitted directly by the
// timer loop without involving the overlay dispatch layer.
const answerKeepAlive wire.Opcode = 12

// handshakeBlob is what each side sends immediately after the TCP
// connection opens, before any opcode frame.
type handshakeBlob struct {
	ListenPort uint16
	ID         peer.ID
}

func writeHandshake(w io.Writer, port uint16, id peer.ID) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], ProtocolID1)
	binary.BigEndian.PutUint32(hdr[4:8], ProtocolID2)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	neutralID := wire.Neutralize(id.Bytes())
	if len(neutralID) > maxIDBlob {
		return ErrHandshakeSize
	}
	if _, err := w.Write([]byte{byte(len(neutralID))}); err != nil {
		return err
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	if _, err := w.Write(portBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(neutralID)
	return err
}

func readHandshake(r *bufio.Reader) (handshakeBlob, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return handshakeBlob{}, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != ProtocolID1 ||
		binary.BigEndian.Uint32(hdr[4:8]) != ProtocolID2 {
		return handshakeBlob{}, ErrBadMagic
	}
	idLen, err := r.ReadByte()
	if err != nil {
		return handshakeBlob{}, err
	}
	if int(idLen) > maxIDBlob {
		return handshakeBlob{}, ErrHandshakeSize
	}
	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return handshakeBlob{}, err
	}
	idBlob := make([]byte, idLen)
	if _, err := io.ReadFull(r, idBlob); err != nil {
		return handshakeBlob{}, err
	}
	raw, _, ok := wire.Denaturalize(idBlob, 16)
	if !ok {
		return handshakeBlob{}, ErrBadHandshake
	}
	id, ok := peer.IDFromBytes(raw)
	if !ok {
		return handshakeBlob{}, ErrBadHandshake
	}
	return handshakeBlob{
		ListenPort: binary.BigEndian.Uint16(portBuf[:]),
		ID:         id,
	}, nil
}

// writeAnswer sends the single-byte connection_accepted/refused reply
// the accepting side emits after evaluating the predicate.
func writeAnswer(w io.Writer, accepted bool) error {
	b := byte(0)
	if accepted {
		b = 1
	}
	_, err := w.Write(wire.EncodeFrame(answerOpcode, []byte{b}))
	return err
}

func readAnswer(r *bufio.Reader) (bool, error) {
	f, err := wire.ReadFrame(r)
	if err != nil {
		return false, err
	}
	if f.Op != answerOpcode || len(f.Payload) != 1 {
		return false, ErrBadHandshake
	}
	return f.Payload[0] == 1, nil
}

func tcpAddr(conn net.Conn) (net.IP, uint16) {
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP, uint16(a.Port)
	}
	return nil, 0
}
