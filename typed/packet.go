// SPDX-License-Identifier: AGPL3.0-or-later

package typed

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/bfix/gospel/logger"

	"meshnet/identity"
	"meshnet/peer"
	"meshnet/wire"
)

// PacketHash is the distinguished type hash marking a batched
// envelope. Its spelling is part of the wire compatibility contract.
var PacketHash = identity.SDBM("packet")

// ErrNestedPacket rejects a packet appended into another packet;
// recursion is not supported.
var ErrNestedPacket = errors.New("typed: packets cannot nest")

// Packet batches several typed values into one frame. Values are
// appended in order and dispatched at each receiver in that order.
// The zero value is an empty packet ready for use.
type Packet struct {
	buf   bytes.Buffer
	count int
}

// Len returns the number of values appended so far.
func (p *Packet) Len() int { return p.count }

// Append serializes v into the packet. Each item carries its own type
// hash and a length prefix, so heterogeneous values share one packet.
func Append[T any](p *Packet, v T) error {
	switch any(v).(type) {
	case Packet, *Packet:
		return ErrNestedPacket
	}
	h := HashOf[T]()
	if h == PacketHash {
		return ErrNestedPacket
	}
	data, err := encodeValue(v)
	if err != nil {
		return err
	}
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(h))
	p.buf.Write(hdr[:])
	p.buf.Write(wire.EncodeLength(len(data)))
	p.buf.Write(data)
	p.count++
	return nil
}

// SendPacket broadcasts the packet to every member of the mesh.
func (n *Network) SendPacket(p *Packet) {
	n.ov.SendToAll(envelope(PacketHash, p.buf.Bytes()))
}

// SendPacketTo delivers the packet to exactly the peer named by target.
func (n *Network) SendPacketTo(target peer.ID, p *Packet) {
	n.ov.Send(target, envelope(PacketHash, p.buf.Bytes()))
}

// dispatchPacket walks a received packet envelope, dispatching each
// item in declaration order until the buffer is exhausted. A nested
// packet item is rejected; a malformed item ends the walk since item
// boundaries can no longer be trusted.
func (n *Network) dispatchPacket(source peer.ID, data []byte, sentToAll bool) {
	pos := 0
	for pos < len(data) {
		if len(data)-pos < 8 {
			logger.Printf(logger.WARN, "[typed] truncated packet item from %s", source)
			return
		}
		hash := identity.Hash(binary.BigEndian.Uint64(data[pos:]))
		pos += 8
		size, used, ok := decodeLength(data[pos:])
		if !ok || len(data)-pos-used < size {
			logger.Printf(logger.WARN, "[typed] malformed packet item from %s", source)
			return
		}
		pos += used
		item := data[pos : pos+size]
		pos += size
		if hash == PacketHash {
			logger.Printf(logger.WARN, "[typed] nested packet from %s rejected", source)
			continue
		}
		n.dispatchOne(source, hash, item, sentToAll)
	}
}

// decodeLength reads one self-describing length prefix: a width byte
// followed by that many big-endian length bytes.
func decodeLength(data []byte) (size, used int, ok bool) {
	if len(data) < 1 {
		return 0, 0, false
	}
	w := int(data[0])
	if w > 8 || len(data) < 1+w {
		return 0, 0, false
	}
	for _, c := range data[1 : 1+w] {
		size = (size << 8) | int(c)
	}
	if size > wire.MaxFrameLength {
		return 0, 0, false
	}
	return size, 1 + w, true
}
