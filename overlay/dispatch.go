// SPDX-License-Identifier: AGPL3.0-or-later

package overlay

import (
	"net"

	"github.com/bfix/gospel/logger"

	"meshnet/ioengine"
	"meshnet/peer"
	"meshnet/wire"
)

// command lets goroutines outside the dispatch loop (connect attempts
// spawned while processing a peers_list, the public Send* API) safely
// schedule work that touches protocol state, without the I/O thread
// ever blocking on user code longer than one callback invocation.
type command func(o *Overlay)

// dispatchLoop is the overlay's single I/O thread: it owns every
// mutation of the membership table and routing state, reading
// transport events from the engine and commands from other
// goroutines.
func (o *Overlay) dispatchLoop() {
	defer func() {
		o.mu.Lock()
		done := o.done
		o.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()
	for {
		o.mu.Lock()
		signals := o.onAwakeSignals
		o.onAwakeSignals = nil
		o.mu.Unlock()
		for _, ch := range signals {
			close(ch)
		}

		select {
		case <-o.quit:
			return
		case ev, ok := <-o.engine.Events():
			if !ok {
				return
			}
			o.handleEngineEvent(ev)
		case cmd, ok := <-o.cmdCh():
			if !ok {
				continue
			}
			cmd(o)
		}
	}
}

// cmdCh lazily allocates the command channel; kept as a method so the
// zero-value Overlay (before Awake) never blocks a send.
func (o *Overlay) cmdCh() chan command {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cmds == nil {
		o.cmds = make(chan command, 64)
	}
	return o.cmds
}

func (o *Overlay) enqueue(cmd command) {
	select {
	case o.cmdCh() <- cmd:
	case <-o.quit:
	}
}

func (o *Overlay) handleEngineEvent(ev ioengine.Event) {
	switch ev.Kind {
	case ioengine.EvConnected:
		o.onPeerConnected(ev)
	case ioengine.EvDisconnected:
		o.onPeerDisconnected(ev.Peer, ev.Reason)
	case ioengine.EvFrame:
		o.onFrame(ev.Peer, ev.Frame)
	}
}

func (o *Overlay) onPeerConnected(ev ioengine.Event) {
	o.mu.Lock()
	p := peer.NewPeer(ev.Peer, ev.Addr, ev.Port)
	p.Distance = 0 // every freshly handshaken socket is a direct neighbor
	o.members.Put(p)
	o.local.PathVia[ev.Peer] = ev.Peer
	o.mu.Unlock()

	logger.Printf(logger.INFO, "[overlay] peer %s connected (outbound=%v)", ev.Peer, ev.Outbound)
	o.connectListeners.each(func(cb ConnectListener) { cb(*p) })
}

func (o *Overlay) onPeerDisconnected(id peer.ID, reason peer.DisconnectReason) {
	o.mu.Lock()
	running := o.running
	p, existed := o.members.Get(id)
	if !existed {
		o.mu.Unlock()
		return
	}
	already := o.seenDisc[id]
	o.seenDisc[id] = true
	o.members.Delete(id)
	delete(o.local.PathVia, id)

	// every peer whose route went via the departed peer is now
	// unreachable until rediscovered.
	var orphaned []peer.ID
	for q, via := range o.local.PathVia {
		if via == id {
			orphaned = append(orphaned, q)
		}
	}
	for _, q := range orphaned {
		delete(o.local.PathVia, q)
		if qp, ok := o.members.Get(q); ok {
			qp.Distance = peer.Unreachable
		}
	}
	o.local.ClearBridgesFor(id)
	neighbors := o.directNeighborsLocked(id)
	o.mu.Unlock()

	if already {
		return
	}

	logger.Printf(logger.INFO, "[overlay] peer %s disconnected (%s)", id, reason)
	o.disconnectListeners.each(func(cb DisconnectListener) { cb(*p, reason) })

	for _, q := range orphaned {
		o.sendToNeighbors(neighbors, OpRetrieveDistance, encodeForwardRef(q))
	}

	// per-peer teardown during orderly shutdown is not announced: the
	// self peer_disconnection broadcast already covered it.
	if reason == peer.ReasonLocal && running {
		o.sendToNeighbors(neighbors, OpPeerDisconnection, encodeForwardRef(id))
	}
}

// directNeighborsLocked returns every current member with distance 0
// except the one named, using already-held o.mu.
func (o *Overlay) directNeighborsLocked(except peer.ID) []peer.ID {
	var out []peer.ID
	o.members.Range(func(p *peer.Peer) bool {
		if p.Neighbor() && p.ID != except {
			out = append(out, p.ID)
		}
		return true
	})
	return out
}

func (o *Overlay) sendToNeighbors(neighbors []peer.ID, op wire.Opcode, payload []byte) {
	for _, n := range neighbors {
		o.engine.Send(n, op, payload)
	}
}

// onFrame is the opcode dispatch table.
func (o *Overlay) onFrame(from peer.ID, f wire.Frame) {
	switch f.Op {
	case OpSendTo:
		o.handleSendTo(from, f.Payload)
	case OpSendToAll:
		o.handleSendToAll(from, f.Payload)
	case OpForwardTo:
		o.handleForwardTo(from, f.Payload)
	case OpStopForwarding:
		o.handleStopForwarding(from, f.Payload)
	case OpForwardingTo:
		o.handleForwardingTo(from, f.Payload)
	case OpConnectTo:
		o.handleConnectTo(from, f.Payload)
	case OpCantConnect:
		o.handleCantConnect(from, f.Payload)
	case OpUpdateDistance:
		o.handleUpdateDistance(from, f.Payload)
	case OpRetrieveDistance:
		o.handleRetrieveDistance(from, f.Payload)
	case OpRetrievePeers:
		o.handleRetrievePeers(from)
	case OpPeersList:
		o.handlePeersList(from, f.Payload)
	case OpPeerDisconnection:
		o.handlePeerDisconnection(from, f.Payload)
	case OpKeepAlive:
		// nothing to do: the reader already stamped lastRecv.
	default:
		// a peer speaking opcodes we do not know is not speaking this
		// protocol; drop it rather than guessing
		logger.Printf(logger.WARN, "[overlay] unknown opcode %d from %s, disconnecting", f.Op, from)
		o.engine.Disconnect(from)
	}
}

func (o *Overlay) sendTo(sender, target peer.ID, body []byte) {
	o.mu.Lock()
	via, ok := o.local.PathVia[target]
	o.mu.Unlock()
	if !ok {
		return // no path: drop silently
	}
	o.engine.Send(via, OpSendTo, encodeSendTo(sender, target, body))
}

func (o *Overlay) handleSendTo(from peer.ID, payload []byte) {
	sender, target, body, ok := decodeSendTo(payload)
	if !ok {
		logger.Printf(logger.WARN, "[overlay] malformed send_to from %s", from)
		return
	}
	if target == o.local.ID {
		o.rawListeners.each(func(cb RawDataListener) { cb(sender, body, false) })
		return
	}
	o.mu.Lock()
	via, ok := o.local.PathVia[target]
	o.mu.Unlock()
	if !ok {
		return
	}
	o.engine.Send(via, OpSendTo, encodeSendTo(sender, target, body))
}

// originateSendToAll broadcasts a message this node is the source of
// to every direct neighbor. Bridged members receive it from their
// bridge: a neighbor relays a broadcast onward only to peers that
// registered it as their bridge toward us, so every member sees the
// message exactly once in a connected mesh. It never invokes the local
// raw-data listeners; explicit self-delivery is a separate primitive.
func (o *Overlay) originateSendToAll(body []byte) {
	o.mu.Lock()
	targets := o.directNeighborsLocked(peer.ID{})
	o.mu.Unlock()
	o.sendToNeighbors(targets, OpSendToAll, body)
}

// handleSendToAll delivers a broadcast locally and relays it onward
// only toward the peers the sender has asked us to bridge for. Direct
// neighbors of the sender got their own copy from the sender itself,
// so forwarding to anyone else would duplicate the message on every
// cycle in the mesh graph.
func (o *Overlay) handleSendToAll(from peer.ID, payload []byte) {
	o.rawListeners.each(func(cb RawDataListener) { cb(from, payload, true) })

	o.mu.Lock()
	var targets []peer.ID
	for n := range o.local.BridgingFor[from] {
		if p, ok := o.members.Get(n); ok && p.Neighbor() {
			targets = append(targets, n)
		}
	}
	o.mu.Unlock()
	o.sendToNeighbors(targets, OpSendToAll, payload)
}

func (o *Overlay) handleForwardTo(from peer.ID, payload []byte) {
	q, ok := decodeForwardRef(payload)
	if !ok {
		return
	}
	o.mu.Lock()
	o.local.AddBridge(from, q)
	d := o.distanceToLocked(q)
	o.mu.Unlock()
	o.engine.Send(from, OpForwardingTo, encodeForwardingTo(d, q))
}

func (o *Overlay) handleStopForwarding(from peer.ID, payload []byte) {
	q, ok := decodeForwardRef(payload)
	if !ok {
		return
	}
	o.mu.Lock()
	o.local.RemoveBridge(from, q)
	o.mu.Unlock()
}

func (o *Overlay) handleForwardingTo(from peer.ID, payload []byte) {
	distance, q, ok := decodeForwardingTo(payload)
	if !ok {
		return
	}
	o.mu.Lock()
	wasBridgeRequest := o.pendingBridge[q] == from
	if wasBridgeRequest {
		delete(o.pendingBridge, q)
	}
	if distance == peer.Unreachable {
		o.mu.Unlock()
		return
	}
	newDist := distance + 1
	cur, exists := o.members.Get(q)
	if !exists || newDist < cur.Distance {
		if !exists {
			cur = peer.NewPeer(q, nil, 0)
			o.members.Put(cur)
		}
		cur.Distance = newDist
		o.local.PathVia[q] = from
	}
	o.mu.Unlock()

	if wasBridgeRequest {
		o.engine.Send(from, OpForwardTo, encodeForwardRef(q))
	}
}

func (o *Overlay) handleConnectTo(from peer.ID, payload []byte) {
	_, target, _, ok := decodeConnectTo(payload)
	if !ok {
		return
	}
	o.mu.Lock()
	d := o.distanceToLocked(target)
	o.mu.Unlock()
	if d == peer.Unreachable {
		o.engine.Send(from, OpCantConnect, encodeForwardRef(target))
		return
	}
	o.mu.Lock()
	o.local.AddBridge(from, target)
	o.mu.Unlock()
	o.engine.Send(from, OpForwardingTo, encodeForwardingTo(d, target))
}

func (o *Overlay) handleCantConnect(from peer.ID, payload []byte) {
	q, ok := decodeForwardRef(payload)
	if !ok {
		return
	}
	o.mu.Lock()
	if o.pendingBridge[q] == from {
		delete(o.pendingBridge, q)
	}
	o.mu.Unlock()
	logger.Printf(logger.INFO, "[overlay] %s reports %s unreachable", from, q)
}

func (o *Overlay) distanceToLocked(q peer.ID) uint8 {
	if q == o.local.ID {
		return 0
	}
	if p, ok := o.members.Get(q); ok {
		return p.Distance
	}
	return peer.Unreachable
}

func (o *Overlay) handleUpdateDistance(from peer.ID, payload []byte) {
	distance, q, ok := decodeUpdateDistance(payload)
	if !ok {
		return
	}
	if distance == peer.Unreachable {
		o.mu.Lock()
		if cur, exists := o.members.Get(q); exists {
			cur.Distance = peer.Unreachable
			delete(o.local.PathVia, q)
		}
		o.mu.Unlock()
		return
	}
	newDist := distance + 1
	o.mu.Lock()
	cur, exists := o.members.Get(q)
	improved := !exists || newDist < cur.Distance
	if improved {
		if !exists {
			cur = peer.NewPeer(q, nil, 0)
			o.members.Put(cur)
		}
		cur.Distance = newDist
		o.local.PathVia[q] = from
	}
	var propagate []peer.ID
	if improved {
		o.members.Range(func(p *peer.Peer) bool {
			if p.Neighbor() && p.ID != from && p.ID != q {
				propagate = append(propagate, p.ID)
			}
			return true
		})
	}
	o.mu.Unlock()
	if improved {
		o.sendToNeighbors(propagate, OpUpdateDistance, encodeUpdateDistance(newDist, q))
	}
}

func (o *Overlay) handleRetrieveDistance(from peer.ID, payload []byte) {
	q, ok := decodeForwardRef(payload)
	if !ok {
		return
	}
	o.mu.Lock()
	d := o.distanceToLocked(q)
	o.mu.Unlock()
	o.engine.Send(from, OpUpdateDistance, encodeUpdateDistance(d, q))
}

func (o *Overlay) handleRetrievePeers(from peer.ID) {
	o.mu.Lock()
	var entries []peerListEntry
	o.members.Range(func(p *peer.Peer) bool {
		if p.ID == from || !p.Connected() {
			return true
		}
		entries = append(entries, peerListEntry{Port: p.ListenPort, ID: p.ID, Addr: addrBytes(p.Address)})
		return true
	})
	o.mu.Unlock()
	o.engine.Send(from, OpPeersList, encodePeersList(entries))
}

func addrBytes(ip net.IP) []byte {
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

func (o *Overlay) handlePeersList(from peer.ID, payload []byte) {
	entries, ok := decodePeersList(payload)
	if !ok {
		logger.Printf(logger.WARN, "[overlay] malformed peers_list from %s", from)
		return
	}
	for _, e := range entries {
		e := e
		if e.ID == o.local.ID {
			continue
		}
		o.mu.Lock()
		_, already := o.members.Get(e.ID)
		o.mu.Unlock()
		if already {
			continue
		}
		go o.tryConnectAdvertised(from, e)
	}
}

// tryConnectAdvertised attempts a direct
// connection to an advertised peer, falling back to asking the
// advertiser to bridge for us.
func (o *Overlay) tryConnectAdvertised(via peer.ID, e peerListEntry) {
	ip := net.IP(e.Addr)
	_, err := o.engine.Connect(ip, e.Port)
	if err == nil {
		return // onPeerConnected will add it as a direct neighbor
	}
	o.enqueue(func(o *Overlay) {
		o.mu.Lock()
		o.pendingBridge[e.ID] = via
		o.mu.Unlock()
		o.engine.Send(via, OpConnectTo, encodeConnectTo(e.Port, e.ID, e.Addr))
	})
}

func (o *Overlay) handlePeerDisconnection(from peer.ID, payload []byte) {
	p, ok := decodeForwardRef(payload)
	if !ok {
		return
	}
	o.mu.Lock()
	_, exists := o.members.Get(p)
	neighbors := o.directNeighborsLocked(from)
	o.mu.Unlock()
	if !exists {
		return
	}
	o.onPeerDisconnected(p, peer.ReasonRemote)
	o.sendToNeighbors(neighbors, OpPeerDisconnection, encodeForwardRef(p))
}
