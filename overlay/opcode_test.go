// SPDX-License-Identifier: AGPL3.0-or-later

package overlay

import (
	"bytes"
	"testing"

	"meshnet/peer"
)

func TestSendToRoundTrip(t *testing.T) {
	sender, target := peer.NewID(), peer.NewID()
	body := []byte("payload bytes")

	enc := encodeSendTo(sender, target, body)
	s, tgt, b, ok := decodeSendTo(enc)
	if !ok {
		t.Fatal("decode failed")
	}
	if s != sender || tgt != target || !bytes.Equal(b, body) {
		t.Fatalf("mismatch: %s %s %q", s, tgt, b)
	}
}

func TestSendToEmptyBody(t *testing.T) {
	sender, target := peer.NewID(), peer.NewID()
	_, _, b, ok := decodeSendTo(encodeSendTo(sender, target, nil))
	if !ok || len(b) != 0 {
		t.Fatalf("ok=%v body=%v", ok, b)
	}
}

func TestForwardingToRoundTrip(t *testing.T) {
	q := peer.NewID()
	d, got, ok := decodeForwardingTo(encodeForwardingTo(3, q))
	if !ok || d != 3 || got != q {
		t.Fatalf("ok=%v d=%d got=%s", ok, d, got)
	}

	// unreachable marker survives the trip
	d, _, ok = decodeForwardingTo(encodeForwardingTo(peer.Unreachable, q))
	if !ok || d != peer.Unreachable {
		t.Fatalf("unreachable encoded as %d", d)
	}
}

func TestConnectToRoundTrip(t *testing.T) {
	id := peer.NewID()
	ip := []byte{127, 0, 0, 1}
	port, got, addr, ok := decodeConnectTo(encodeConnectTo(4031, id, ip))
	if !ok || port != 4031 || got != id || !bytes.Equal(addr, ip) {
		t.Fatalf("ok=%v port=%d", ok, port)
	}
}

func TestPeersListRoundTrip(t *testing.T) {
	in := []peerListEntry{
		{Port: 4000, ID: peer.NewID(), Addr: []byte{127, 0, 0, 1}},
		{Port: 4001, ID: peer.NewID(), Addr: []byte{10, 0, 0, 7}},
		{Port: 4002, ID: peer.NewID(), Addr: nil},
	}
	out, ok := decodePeersList(encodePeersList(in))
	if !ok || len(out) != len(in) {
		t.Fatalf("ok=%v len=%d", ok, len(out))
	}
	for i := range in {
		if out[i].Port != in[i].Port || out[i].ID != in[i].ID ||
			!bytes.Equal(out[i].Addr, in[i].Addr) {
			t.Fatalf("entry %d mismatch: %+v", i, out[i])
		}
	}
}

func TestPeersListEmpty(t *testing.T) {
	out, ok := decodePeersList(encodePeersList(nil))
	if !ok || len(out) != 0 {
		t.Fatalf("ok=%v len=%d", ok, len(out))
	}
}

func TestDecodeMalformedPayloads(t *testing.T) {
	if _, _, _, ok := decodeSendTo([]byte{16, 1, 2}); ok {
		t.Fatal("truncated send_to accepted")
	}
	if _, ok := decodeForwardRef(nil); ok {
		t.Fatal("empty forward ref accepted")
	}
	if _, _, ok := decodeUpdateDistance([]byte{1}); ok {
		t.Fatal("distance without id accepted")
	}
	if _, ok := decodePeersList([]byte{0}); ok {
		t.Fatal("truncated peer count accepted")
	}
}
