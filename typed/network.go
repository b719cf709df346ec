// SPDX-License-Identifier: AGPL3.0-or-later

// Package typed is the dispatch layer on top of the overlay peer
// manager: application values are tagged with a stable 64-bit type
// hash, serialized, and fanned out to listeners registered for that
// type. Listener registration is safe from inside a listener callback;
// mutations queue up and take effect at the next message boundary for
// that type. A packet envelope batches several typed values into one
// underlying frame.
package typed

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bfix/gospel/logger"

	"meshnet/config"
	"meshnet/identity"
	"meshnet/internal/cmap"
	"meshnet/overlay"
	"meshnet/peer"
)

// UnknownTypeListener is the fallback invoked for values whose type
// hash has no registered listener table.
type UnknownTypeListener func(source peer.ID, hash identity.Hash, data []byte, sentToAll bool)

// Network is the embeddable mesh endpoint: an overlay peer manager
// plus the typed dispatch registry. The generic surface (Send,
// AddListener, ...) lives in package-level functions since Go methods
// cannot carry their own type parameters.
type Network struct {
	ov       *overlay.Overlay
	builders *cmap.Map[identity.Hash, builder]
	seq      atomic.Uint64

	mu         sync.Mutex
	unlistened UnknownTypeListener
}

// NewNetwork creates a mesh endpoint with the given configuration.
// Call Awake (or SyncAwake) to bind the listening socket and start the
// dispatch loop, then Connect to join an existing mesh.
func NewNetwork(cfg *config.NetworkConfig) *Network {
	n := &Network{
		ov:       overlay.New(cfg),
		builders: cmap.New[identity.Hash, builder](),
	}
	n.ov.AddDataListener(n.dispatchRaw)
	return n
}

// Overlay exposes the underlying peer manager for callers that need
// raw (untyped) delivery alongside the typed surface.
func (n *Network) Overlay() *overlay.Overlay { return n.ov }

// Self returns the local peer id.
func (n *Network) Self() peer.ID { return n.ov.Self() }

// Peers returns a snapshot of the current membership table.
func (n *Network) Peers() []peer.Peer { return n.ov.Peers() }

// IsRunning reports whether the endpoint is awake.
func (n *Network) IsRunning() bool { return n.ov.IsRunning() }

// Port returns the configured listen port.
func (n *Network) Port() uint16 { return n.ov.Port() }

// SetPort changes the listen port for a future Awake; changing it
// while running is an error.
func (n *Network) SetPort(port uint16) error { return n.ov.SetPort(port) }

// Awake binds the listening socket and starts dispatching.
func (n *Network) Awake() error { return n.ov.Awake() }

// SyncAwake is Awake, blocking until the dispatch loop runs.
func (n *Network) SyncAwake() error { return n.ov.SyncAwake() }

// Connect asynchronously joins the mesh known to addr:port.
func (n *Network) Connect(addr net.IP, port uint16) { n.ov.Connect(addr, port) }

// SyncConnect joins the mesh known to addr:port, blocking until the
// handshake (and the remote acceptance predicate) resolve.
func (n *Network) SyncConnect(addr net.IP, port uint16) error {
	return n.ov.SyncConnect(addr, port)
}

// Disconnect performs an orderly shutdown of the endpoint.
func (n *Network) Disconnect() error { return n.ov.Disconnect() }

// DisconnectPeer closes the connection to one peer.
func (n *Network) DisconnectPeer(id peer.ID) { n.ov.DisconnectPeer(id) }

// Join blocks until the dispatch loop has exited after Disconnect.
func (n *Network) Join() { n.ov.Join() }

// SetConnectionPredicate installs the acceptance filter consulted for
// every inbound peer after handshake.
func (n *Network) SetConnectionPredicate(pred overlay.ConnectionPredicate) {
	n.ov.SetConnectionPredicate(pred)
}

// AddConnectionListener registers cb for new-peer events.
func (n *Network) AddConnectionListener(cb overlay.ConnectListener) overlay.ListenerID {
	return n.ov.AddConnectionListener(cb)
}

// RemoveConnectionListener removes a connection listener.
func (n *Network) RemoveConnectionListener(id overlay.ListenerID) {
	n.ov.RemoveConnectionListener(id)
}

// AddDisconnectionListener registers cb for peer-departure events.
func (n *Network) AddDisconnectionListener(cb overlay.DisconnectListener) overlay.ListenerID {
	return n.ov.AddDisconnectionListener(cb)
}

// RemoveDisconnectionListener removes a disconnection listener.
func (n *Network) RemoveDisconnectionListener(id overlay.ListenerID) {
	n.ov.RemoveDisconnectionListener(id)
}

// SetUnlistenedTypeListener installs the fallback for unknown type
// hashes. Without one, unknown-type values are logged and dropped.
func (n *Network) SetUnlistenedTypeListener(cb UnknownTypeListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unlistened = cb
}

// AddListener registers cb for received values of type T and returns
// the id to remove it with. Safe to call from inside any listener
// callback: the registration becomes active at the next message
// boundary for T.
func AddListener[T any](n *Network, cb Listener[T]) ListenerID {
	b := builderFor[T](n)
	id := ListenerID{hash: HashOf[T](), seq: n.seq.Add(1)}
	b.enqueueAdd(id.seq, cb)
	return id
}

// RemoveListener removes a listener previously returned by
// AddListener[T]. If id was issued for a different type than T, the
// call warns and does nothing.
func RemoveListener[T any](n *Network, id ListenerID) {
	if HashOf[T]() != id.hash {
		logger.Printf(logger.WARN, "[typed] listener id belongs to %#x, not %s; ignored",
			uint64(id.hash), NameOf[T]())
		return
	}
	n.RemoveListenerByID(id)
}

// RemoveListenerByID is the untyped removal path: the subtable is
// located through the hash recorded in the id. Removing an id whose
// type was never registered warns and does nothing.
func (n *Network) RemoveListenerByID(id ListenerID) {
	b, ok := n.builders.Get(id.hash)
	if !ok {
		logger.Printf(logger.WARN, "[typed] no listener table for type %#x; ignored", uint64(id.hash))
		return
	}
	b.enqueueRemove(id.seq)
}

// builderFor returns the dispatch record for T, creating and
// registering it on first use.
func builderFor[T any](n *Network) *objectBuilder[T] {
	b := n.builders.GetOrPut(HashOf[T](), func() builder {
		return newObjectBuilder[T]()
	})
	return b.(*objectBuilder[T])
}

// envelope prepends the 8-byte big-endian type hash to a serialized
// value.
func envelope(h identity.Hash, data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(out, uint64(h))
	copy(out[8:], data)
	return out
}

// Send broadcasts v to every member of the mesh. The local listeners
// for T do not fire; use SendToSelf for explicit loopback delivery.
func Send[T any](n *Network, v T) error {
	data, err := encodeValue(v)
	if err != nil {
		return err
	}
	n.ov.SendToAll(envelope(HashOf[T](), data))
	return nil
}

// SendTo delivers v to exactly the peer named by target, relaying
// through a bridge when no direct connection exists.
func SendTo[T any](n *Network, target peer.ID, v T) error {
	data, err := encodeValue(v)
	if err != nil {
		return err
	}
	n.ov.Send(target, envelope(HashOf[T](), data))
	return nil
}

// SendToSelf short-circuits the network: v is handed directly to the
// local listeners for T, without serialization and without ever
// consulting the unknown-type fallback. private selects whether
// listeners observe the delivery as targeted (true) or broadcast
// (false).
func SendToSelf[T any](n *Network, v T, private bool) {
	b := builderFor[T](n)
	b.flush()
	b.invoke(Event[T]{Source: n.Self(), SentToAll: !private, Value: v})
}

// dispatchRaw is the single raw-data listener the typed layer installs
// on the overlay: it peels the type-hash prefix and routes the value
// bytes to the matching subtable, unpacking packet envelopes into
// their items first.
func (n *Network) dispatchRaw(source peer.ID, body []byte, sentToAll bool) {
	hash, data, ok := splitEnvelope(body)
	if !ok {
		logger.Printf(logger.WARN, "[typed] short payload from %s dropped", source)
		return
	}
	if hash == PacketHash {
		n.dispatchPacket(source, data, sentToAll)
		return
	}
	n.dispatchOne(source, hash, data, sentToAll)
}

func splitEnvelope(body []byte) (identity.Hash, []byte, bool) {
	if len(body) < 8 {
		return 0, nil, false
	}
	return identity.Hash(binary.BigEndian.Uint64(body)), body[8:], true
}

func (n *Network) dispatchOne(source peer.ID, hash identity.Hash, data []byte, sentToAll bool) {
	b, ok := n.builders.Get(hash)
	if !ok {
		n.mu.Lock()
		fallback := n.unlistened
		n.mu.Unlock()
		if fallback != nil {
			fallback(source, hash, data, sentToAll)
			return
		}
		logger.Printf(logger.WARN, "[typed] no listener for type %#x; value from %s dropped",
			uint64(hash), source)
		return
	}
	b.dispatch(source, sentToAll, data)
}
