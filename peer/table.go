// SPDX-License-Identifier: AGPL3.0-or-later

package peer

import "net"

// MembershipTable maps every peer the local node currently considers
// part of the mesh, excluding the local node itself. Mutation is
// confined to the I/O thread; it carries no internal locking of its
// own, so access is safe only from that thread (listeners invoked on
// it, or reads performed before the engine starts).
type MembershipTable struct {
	byID map[ID]*Peer
}

// NewMembershipTable returns an empty table.
func NewMembershipTable() *MembershipTable {
	return &MembershipTable{byID: make(map[ID]*Peer)}
}

// Put inserts or replaces a peer record.
func (t *MembershipTable) Put(p *Peer) {
	t.byID[p.ID] = p
}

// Get looks up a peer by id.
func (t *MembershipTable) Get(id ID) (*Peer, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// Delete removes a peer from the table.
func (t *MembershipTable) Delete(id ID) {
	delete(t.byID, id)
}

// Len returns the number of members.
func (t *MembershipTable) Len() int {
	return len(t.byID)
}

// Snapshot returns a defensive copy of the current members, safe to
// hand to code running off the I/O thread.
func (t *MembershipTable) Snapshot() []Peer {
	out := make([]Peer, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, *p)
	}
	return out
}

// Range iterates the table; f must not mutate the table.
func (t *MembershipTable) Range(f func(*Peer) bool) {
	for _, p := range t.byID {
		if !f(p) {
			return
		}
	}
}

// LocalPeer is the distinguished representation of the local node
//: its own identity plus the routing state used for distance-
// vector relaying and bridging.
type LocalPeer struct {
	ID      ID
	Address net.IP

	// PathVia maps a non-neighbor peer id to the neighbor id it is
	// reached through. For a direct neighbor, PathVia[id] == id.
	PathVia map[ID]ID

	// BridgingFor maps a peer id A to the set of peer ids that A has
	// asked the local node to relay traffic toward (and, symmetrically,
	// that have A in their own BridgingFor set).
	BridgingFor map[ID]map[ID]bool
}

// NewLocalPeer creates a fresh local identity with loopback address
// and empty routing state.
func NewLocalPeer(id ID) *LocalPeer {
	return &LocalPeer{
		ID:          id,
		Address:     net.IPv4(127, 0, 0, 1),
		PathVia:     make(map[ID]ID),
		BridgingFor: make(map[ID]map[ID]bool),
	}
}

// AddBridge records the symmetric bridging relationship "a asked us to
// relay toward b" (and vice versa).
func (lp *LocalPeer) AddBridge(a, b ID) {
	if lp.BridgingFor[a] == nil {
		lp.BridgingFor[a] = make(map[ID]bool)
	}
	lp.BridgingFor[a][b] = true
	if lp.BridgingFor[b] == nil {
		lp.BridgingFor[b] = make(map[ID]bool)
	}
	lp.BridgingFor[b][a] = true
}

// RemoveBridge removes the symmetric bridging relationship, if present.
func (lp *LocalPeer) RemoveBridge(a, b ID) {
	if s, ok := lp.BridgingFor[a]; ok {
		delete(s, b)
		if len(s) == 0 {
			delete(lp.BridgingFor, a)
		}
	}
	if s, ok := lp.BridgingFor[b]; ok {
		delete(s, a)
		if len(s) == 0 {
			delete(lp.BridgingFor, b)
		}
	}
}

// ClearBridgesFor drops every bridging relationship involving id, e.g.
// on disconnection.
func (lp *LocalPeer) ClearBridgesFor(id ID) {
	for other := range lp.BridgingFor[id] {
		delete(lp.BridgingFor[other], id)
		if len(lp.BridgingFor[other]) == 0 {
			delete(lp.BridgingFor, other)
		}
	}
	delete(lp.BridgingFor, id)
}
