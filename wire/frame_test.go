// SPDX-License-Identifier: AGPL3.0-or-later

package wire

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"
)

func TestEncodeDecodeLength(t *testing.T) {
	for _, n := range []int{0, 1, 255, 256, 65535, 65536, 1 << 20} {
		lp := EncodeLength(n)
		wid := int(lp[0])
		got := 0
		for _, c := range lp[1 : 1+wid] {
			got = (got << 8) | int(c)
		}
		if got != n {
			t.Fatalf("length %d round-tripped as %d", n, got)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello, mesh")
	enc := EncodeFrame(7, payload)

	r := bufio.NewReader(bytes.NewReader(enc))
	f, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Op != 7 || !bytes.Equal(f.Payload, payload) {
		t.Fatalf("got %+v", f)
	}
}

func TestReassemblerPartialFeed(t *testing.T) {
	payload := []byte("a longer payload that spans multiple reads")
	enc := EncodeFrame(3, payload)

	var got []Frame
	r := NewReassembler()
	// feed one byte at a time to exercise every state transition
	for _, b := range enc {
		if err := r.Feed([]byte{b}, func(f Frame) { got = append(got, f) }); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(got))
	}
	if got[0].Op != 3 || !bytes.Equal(got[0].Payload, payload) {
		t.Fatalf("got %+v", got[0])
	}
}

func TestReassemblerMultipleFrames(t *testing.T) {
	enc := append(EncodeFrame(1, []byte("one")), EncodeFrame(2, []byte("two"))...)

	var got []Frame
	r := NewReassembler()
	if err := r.Feed(enc, func(f Frame) { got = append(got, f) }); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 2 || got[0].Op != 1 || got[1].Op != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestNeutralizeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{0x00, 0x00, 0x01},
		{0x12, 0x34, 0x56, 0x78},
		{0x00, 0x00, 0x00, 0x00},
		{0xFF},
	}
	for _, c := range cases {
		n := Neutralize(c)
		back, consumed, ok := Denaturalize(n, len(c))
		if !ok || consumed != len(n) {
			t.Fatalf("Denaturalize failed for %v", c)
		}
		if !reflect.DeepEqual(back, c) {
			t.Fatalf("round trip mismatch: got %v, want %v", back, c)
		}
	}
}
