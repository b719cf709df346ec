// SPDX-License-Identifier: AGPL3.0-or-later

package overlay

import (
	"bytes"

	"meshnet/peer"
	"meshnet/wire"
)

// Opcode values. Stable across wire-compatible versions.
const (
	OpSendTo            wire.Opcode = 0
	OpSendToAll         wire.Opcode = 1
	OpForwardTo         wire.Opcode = 2
	OpStopForwarding    wire.Opcode = 3
	OpForwardingTo      wire.Opcode = 4
	OpConnectTo         wire.Opcode = 5
	OpCantConnect       wire.Opcode = 6
	OpUpdateDistance    wire.Opcode = 7
	OpRetrieveDistance  wire.Opcode = 8
	OpRetrievePeers     wire.Opcode = 9
	OpPeersList         wire.Opcode = 10
	OpPeerDisconnection wire.Opcode = 11
	OpKeepAlive         wire.Opcode = 12
	OpConnectionAnswer  wire.Opcode = 13
)

// connection answer payload values, carried as the sole payload byte
// of OpConnectionAnswer.
const (
	answerAccepted byte = 1
	answerRefused  byte = 0
)

const idWidth = 16

func putID(buf *bytes.Buffer, id peer.ID) {
	buf.Write(wire.Neutralize(id.Bytes()))
}

func takeID(b []byte) (peer.ID, []byte, bool) {
	raw, n, ok := wire.Denaturalize(b, idWidth)
	if !ok {
		return peer.ID{}, b, false
	}
	id, ok := peer.IDFromBytes(raw)
	if !ok {
		return peer.ID{}, b, false
	}
	return id, b[n:], true
}

func putU16(buf *bytes.Buffer, v uint16) {
	buf.Write(wire.Neutralize([]byte{byte(v >> 8), byte(v)}))
}

func takeU16(b []byte) (uint16, []byte, bool) {
	raw, n, ok := wire.Denaturalize(b, 2)
	if !ok {
		return 0, b, false
	}
	return uint16(raw[0])<<8 | uint16(raw[1]), b[n:], true
}

// encodeSendTo builds the payload for OpSendTo: id-length byte (always
// idWidth, kept for wire self-description), sender id, target id, then
// the raw application bytes.
func encodeSendTo(sender, target peer.ID, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(idWidth)
	putID(&buf, sender)
	putID(&buf, target)
	buf.Write(body)
	return buf.Bytes()
}

func decodeSendTo(payload []byte) (sender, target peer.ID, body []byte, ok bool) {
	if len(payload) < 1 {
		return sender, target, nil, false
	}
	rest := payload[1:]
	sender, rest, ok = takeID(rest)
	if !ok {
		return
	}
	target, rest, ok = takeID(rest)
	if !ok {
		return
	}
	return sender, target, rest, true
}

func encodeForwardRef(q peer.ID) []byte {
	var buf bytes.Buffer
	putID(&buf, q)
	return buf.Bytes()
}

func decodeForwardRef(payload []byte) (peer.ID, bool) {
	id, _, ok := takeID(payload)
	return id, ok
}

func encodeForwardingTo(distance uint8, q peer.ID) []byte {
	var buf bytes.Buffer
	buf.WriteByte(distance)
	putID(&buf, q)
	return buf.Bytes()
}

func decodeForwardingTo(payload []byte) (distance uint8, q peer.ID, ok bool) {
	if len(payload) < 1 {
		return 0, q, false
	}
	distance = payload[0]
	q, _, ok = takeID(payload[1:])
	return
}

func encodeConnectTo(port uint16, id peer.ID, ip []byte) []byte {
	var buf bytes.Buffer
	putU16(&buf, port)
	buf.WriteByte(idWidth)
	putID(&buf, id)
	buf.WriteByte(byte(len(ip)))
	buf.Write(ip)
	return buf.Bytes()
}

func decodeConnectTo(payload []byte) (port uint16, id peer.ID, ip []byte, ok bool) {
	rest := payload
	port, rest, ok = takeU16(rest)
	if !ok || len(rest) < 1 {
		return 0, id, nil, false
	}
	rest = rest[1:] // id-length byte, always idWidth
	id, rest, ok = takeID(rest)
	if !ok || len(rest) < 1 {
		return 0, id, nil, false
	}
	ipLen := int(rest[0])
	rest = rest[1:]
	if len(rest) < ipLen {
		return 0, id, nil, false
	}
	return port, id, rest[:ipLen], true
}

func encodeUpdateDistance(distance uint8, q peer.ID) []byte {
	var buf bytes.Buffer
	buf.WriteByte(distance)
	putID(&buf, q)
	return buf.Bytes()
}

func decodeUpdateDistance(payload []byte) (distance uint8, q peer.ID, ok bool) {
	if len(payload) < 1 {
		return 0, q, false
	}
	distance = payload[0]
	q, _, ok = takeID(payload[1:])
	return
}

type peerListEntry struct {
	Port uint16
	ID   peer.ID
	Addr []byte
}

func encodePeersList(entries []peerListEntry) []byte {
	var buf bytes.Buffer
	putU16(&buf, uint16(len(entries)))
	for _, e := range entries {
		putU16(&buf, e.Port)
		buf.WriteByte(idWidth)
		putID(&buf, e.ID)
		buf.WriteByte(byte(len(e.Addr)))
		buf.Write(e.Addr)
	}
	return buf.Bytes()
}

func decodePeersList(payload []byte) ([]peerListEntry, bool) {
	count, rest, ok := takeU16(payload)
	if !ok {
		return nil, false
	}
	out := make([]peerListEntry, 0, count)
	for i := 0; i < int(count); i++ {
		var port uint16
		port, rest, ok = takeU16(rest)
		if !ok || len(rest) < 1 {
			return nil, false
		}
		rest = rest[1:] // id-length
		var id peer.ID
		id, rest, ok = takeID(rest)
		if !ok || len(rest) < 1 {
			return nil, false
		}
		addrLen := int(rest[0])
		rest = rest[1:]
		if len(rest) < addrLen {
			return nil, false
		}
		out = append(out, peerListEntry{Port: port, ID: id, Addr: rest[:addrLen]})
		rest = rest[addrLen:]
	}
	return out, true
}
