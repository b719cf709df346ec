// SPDX-License-Identifier: AGPL3.0-or-later

// Package overlay implements the peer manager: mesh membership
// bootstrap, the 14-opcode protocol, distance-vector path
// maintenance, bridged delivery, and the three listener registries.
// A single dispatch goroutine reads a channel of transport events
// (ioengine.Event) and performs every mutation of protocol state.
package overlay

import (
	"errors"
	"net"
	"sync"

	"github.com/bfix/gospel/logger"

	"meshnet/config"
	"meshnet/ioengine"
	"meshnet/peer"
)

// Error codes for the peer manager.
var (
	ErrAlreadyRunning = errors.New("overlay: already running")
	ErrNotRunning     = errors.New("overlay: not running")
)

// ConnectionPredicate decides whether to accept an incoming peer
// after handshake. Returning false answers connection_refused.
type ConnectionPredicate func(id peer.ID, addr net.IP, port uint16) bool

// Overlay is the embeddable peer manager.
type Overlay struct {
	cfg    *config.NetworkConfig
	engine *ioengine.Engine

	mu       sync.Mutex // guards members, local routing state, running
	members  *peer.MembershipTable
	local    *peer.LocalPeer
	running  bool
	quit     chan struct{}
	done     chan struct{}
	seenDisc map[peer.ID]bool

	onAwakeSignals []chan struct{}
	cmds           chan command

	// pendingBridge tracks in-flight connect_to requests sent to a
	// bridge candidate while bootstrapping, keyed by the unreachable
	// peer's id, so the forwarding_to/cant_connect answer can be
	// matched back to the right join sequence.
	pendingBridge map[peer.ID]peer.ID // unreachable peer id -> bridge id asked

	connectListeners    *listenerRegistry[ConnectListener]
	disconnectListeners *listenerRegistry[DisconnectListener]
	rawListeners        *listenerRegistry[RawDataListener]

	predicate ConnectionPredicate
}

// New creates an overlay bound to no socket yet.
func New(cfg *config.NetworkConfig) *Overlay {
	id := peer.NewID()
	o := &Overlay{
		cfg:                 cfg,
		members:             peer.NewMembershipTable(),
		local:               peer.NewLocalPeer(id),
		seenDisc:            make(map[peer.ID]bool),
		pendingBridge:       make(map[peer.ID]peer.ID),
		connectListeners:    newListenerRegistry[ConnectListener](),
		disconnectListeners: newListenerRegistry[DisconnectListener](),
		rawListeners:        newListenerRegistry[RawDataListener](),
	}
	o.engine = ioengine.New(cfg, id, o.acceptPredicate)
	return o
}

// Self returns the local peer's identity.
func (o *Overlay) Self() peer.ID {
	return o.local.ID
}

// SetConnectionPredicate installs pred, consulted for every inbound
// peer after handshake.
func (o *Overlay) SetConnectionPredicate(pred ConnectionPredicate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.predicate = pred
}

func (o *Overlay) acceptPredicate(id peer.ID, addr net.IP, port uint16) bool {
	o.mu.Lock()
	pred := o.predicate
	o.mu.Unlock()
	if pred == nil {
		return true
	}
	return pred(id, addr, port)
}

// IsRunning reports whether Awake has succeeded and Disconnect (all)
// has not yet been called.
func (o *Overlay) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Port returns the configured listen port.
func (o *Overlay) Port() uint16 { return o.engine.Port() }

// SetPort changes the listen port for a future Awake.
func (o *Overlay) SetPort(port uint16) error {
	if err := o.engine.SetPort(port); err != nil {
		return err
	}
	o.cfg.Port = port
	return nil
}

// Awake starts the I/O engine and the dispatch goroutine. Calling it
// twice returns ErrAlreadyRunning.
func (o *Overlay) Awake() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.quit = make(chan struct{})
	o.done = make(chan struct{})
	o.mu.Unlock()

	if err := o.engine.Start(); err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return err
	}
	go o.dispatchLoop()
	return nil
}

// SyncAwake blocks until the dispatch loop has processed its first
// tick, i.e. the engine is demonstrably accepting connections.
func (o *Overlay) SyncAwake() error {
	if err := o.Awake(); err != nil {
		return err
	}
	done := make(chan struct{})
	o.mu.Lock()
	o.onAwakeSignals = append(o.onAwakeSignals, done)
	o.mu.Unlock()
	// wake the loop in case it is already parked in its select
	o.enqueue(func(*Overlay) {})
	<-done
	return nil
}

// IsConnected reports whether id is currently a member.
func (o *Overlay) IsConnected(id peer.ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.members.Get(id)
	return ok && p.Connected()
}

// Peers returns a snapshot of every peer the node currently considers
// part of the mesh, excluding itself.
func (o *Overlay) Peers() []peer.Peer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.members.Snapshot()
}

// AddConnectionListener registers cb, invoked once per peer as it
// completes handshake and joins the membership table.
func (o *Overlay) AddConnectionListener(cb ConnectListener) ListenerID {
	return o.connectListeners.add(cb)
}

// RemoveConnectionListener removes a listener added via
// AddConnectionListener. See the package doc on listenerRegistry for
// the re-entrancy hazard of calling this from within a connect
// callback.
func (o *Overlay) RemoveConnectionListener(id ListenerID) {
	o.connectListeners.remove(id)
}

// AddDisconnectionListener registers cb, invoked exactly once per peer
// per lifetime when it leaves the mesh.
func (o *Overlay) AddDisconnectionListener(cb DisconnectListener) ListenerID {
	return o.disconnectListeners.add(cb)
}

// RemoveDisconnectionListener mirrors RemoveConnectionListener.
func (o *Overlay) RemoveDisconnectionListener(id ListenerID) {
	o.disconnectListeners.remove(id)
}

// AddDataListener registers cb for raw application payload delivered
// via send_to or send_to_all. The typed dispatch layer is built on top
// of this using a single AddDataListener call of its own.
func (o *Overlay) AddDataListener(cb RawDataListener) ListenerID {
	return o.rawListeners.add(cb)
}

// RemoveDataListener mirrors RemoveConnectionListener.
func (o *Overlay) RemoveDataListener(id ListenerID) {
	o.rawListeners.remove(id)
}

// Send hands a raw payload to send_to (targeted) semantics.
func (o *Overlay) Send(target peer.ID, body []byte) {
	o.sendTo(o.local.ID, target, body)
}

// SendToAll hands a raw payload to send_to_all (broadcast) semantics.
// It does not itself invoke the local raw-data listeners: a plain
// broadcast only reaches other members, matching send_object_to_self's
// role as the distinct, explicit self-delivery primitive.
func (o *Overlay) SendToAll(body []byte) {
	o.originateSendToAll(body)
}

// Connect dials addr:port asynchronously and, once the handshake
// resolves, treats the new peer as a bootstrap contact: retrieve_peers
// is sent to it right after the handshake.
func (o *Overlay) Connect(addr net.IP, port uint16) {
	go func() {
		if err := o.connectSync(addr, port); err != nil {
			logger.Printf(logger.WARN, "[overlay] connect to %s:%d failed: %s", addr, port, err)
		}
	}()
}

// SyncConnect is the blocking variant of Connect: it returns only once
// the handshake (and acceptance predicate) have resolved.
func (o *Overlay) SyncConnect(addr net.IP, port uint16) error {
	return o.connectSync(addr, port)
}

func (o *Overlay) connectSync(addr net.IP, port uint16) error {
	if !o.IsRunning() {
		return ErrNotRunning
	}
	id, err := o.engine.Connect(addr, port)
	if err != nil {
		return err
	}
	// ask the first contact for its member list; replies and the
	// connection event itself are serialized by the dispatch loop.
	o.engine.Send(id, OpRetrievePeers, nil)
	return nil
}

// DisconnectPeer closes one peer's connection. The resulting protocol
// teardown (routing cleanup, disconnect listeners, peer_disconnection
// broadcast) happens when the dispatch loop observes the ensuing
// EvDisconnected event.
func (o *Overlay) DisconnectPeer(id peer.ID) {
	o.engine.Disconnect(id)
}

// Disconnect performs the orderly shutdown: broadcast
// peer_disconnection(self) to every neighbor, close every socket and
// the acceptor, and fire one disconnection event per remaining member
// before the dispatch loop exits. Idempotent: calling it while not
// running returns immediately. Use Join to wait for the loop to
// finish.
func (o *Overlay) Disconnect() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	neighbors := o.directNeighborsLocked(peer.ID{})
	quit := o.quit
	o.mu.Unlock()

	o.sendToNeighbors(neighbors, OpPeerDisconnection, encodeForwardRef(o.local.ID))
	o.engine.Stop()

	// teardown runs on the dispatch thread: members whose socket-close
	// event was already processed are gone from the table by now, the
	// rest get their single disconnection event here.
	o.enqueue(func(o *Overlay) {
		o.mu.Lock()
		snap := o.members.Snapshot()
		o.mu.Unlock()
		for _, p := range snap {
			o.onPeerDisconnected(p.ID, peer.ReasonLocal)
		}
		close(quit)
	})
	return nil
}

// Join blocks until the dispatch loop has exited following Disconnect.
func (o *Overlay) Join() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

