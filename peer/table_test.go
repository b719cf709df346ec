// SPDX-License-Identifier: AGPL3.0-or-later

package peer

import "testing"

func TestMembershipTablePutGetDelete(t *testing.T) {
	tbl := NewMembershipTable()
	a := NewPeer(NewID(), nil, 3479)
	tbl.Put(a)

	got, ok := tbl.Get(a.ID)
	if !ok || got != a {
		t.Fatalf("expected to find inserted peer")
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected len 1, got %d", tbl.Len())
	}

	tbl.Delete(a.ID)
	if _, ok := tbl.Get(a.ID); ok {
		t.Fatalf("expected peer to be gone after delete")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected len 0 after delete, got %d", tbl.Len())
	}
}

func TestMembershipTableSnapshotIsolated(t *testing.T) {
	tbl := NewMembershipTable()
	a := NewPeer(NewID(), nil, 3479)
	tbl.Put(a)

	snap := tbl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one entry in snapshot")
	}

	tbl.Delete(a.ID)
	if len(snap) != 1 {
		t.Fatalf("snapshot should be unaffected by later mutation")
	}
}

func TestLocalPeerBridgingSymmetric(t *testing.T) {
	lp := NewLocalPeer(NewID())
	a, b := NewID(), NewID()

	lp.AddBridge(a, b)
	if !lp.BridgingFor[a][b] || !lp.BridgingFor[b][a] {
		t.Fatalf("expected symmetric bridging entries")
	}

	lp.RemoveBridge(a, b)
	if len(lp.BridgingFor[a]) != 0 || len(lp.BridgingFor[b]) != 0 {
		t.Fatalf("expected bridging entries removed on both sides")
	}
}

func TestLocalPeerClearBridgesFor(t *testing.T) {
	lp := NewLocalPeer(NewID())
	a, b, c := NewID(), NewID(), NewID()

	lp.AddBridge(a, b)
	lp.AddBridge(a, c)

	lp.ClearBridgesFor(a)
	if _, ok := lp.BridgingFor[a]; ok {
		t.Fatalf("expected a's bridging set removed")
	}
	if lp.BridgingFor[b][a] || lp.BridgingFor[c][a] {
		t.Fatalf("expected reverse entries for a removed from b and c")
	}
}

func TestLocalPeerPathVia(t *testing.T) {
	lp := NewLocalPeer(NewID())
	neighbor := NewID()
	remote := NewID()

	lp.PathVia[neighbor] = neighbor
	lp.PathVia[remote] = neighbor

	if lp.PathVia[neighbor] != neighbor {
		t.Fatalf("direct neighbor should path via itself")
	}
	if lp.PathVia[remote] != neighbor {
		t.Fatalf("remote peer should path via the neighbor")
	}
}
