// SPDX-License-Identifier: AGPL3.0-or-later

package overlay

import (
	"sync"
	"sync/atomic"

	"meshnet/peer"
)

// ListenerID identifies a registered listener for later removal.
type ListenerID uint64

var listenerSeq uint64

func nextListenerID() ListenerID {
	return ListenerID(atomic.AddUint64(&listenerSeq, 1))
}

// DisconnectReason re-exports peer.DisconnectReason for callers that
// only import the overlay package.
type DisconnectReason = peer.DisconnectReason

const (
	ReasonLocal   = peer.ReasonLocal
	ReasonRemote  = peer.ReasonRemote
	ReasonTimeout = peer.ReasonTimeout
)

// ConnectListener is invoked on the I/O thread once a peer's handshake
// completes and it is added to the membership table.
type ConnectListener func(p peer.Peer)

// DisconnectListener is invoked exactly once per peer per lifetime,
// on the I/O thread, when it leaves the mesh for any reason.
type DisconnectListener func(p peer.Peer, reason DisconnectReason)

// RawDataListener receives application payload delivered via send_to
// or send_to_all, before the typed layer (if any) interprets it.
type RawDataListener func(source peer.ID, body []byte, sentToAll bool)

// listenerRegistry is a plain mutex-guarded map of listeners.
// Removing a listener from inside a callback invoked while each holds
// the registry's lock deadlocks; this is a documented hazard of the
// connect/disconnect/raw registries (the typed-dispatch layer's
// ObjectBuilder uses its own pending-add/pending-remove queues
// instead, see meshnet/typed).
type listenerRegistry[T any] struct {
	mu      sync.Mutex
	entries map[ListenerID]T
}

func newListenerRegistry[T any]() *listenerRegistry[T] {
	return &listenerRegistry[T]{entries: make(map[ListenerID]T)}
}

func (r *listenerRegistry[T]) add(cb T) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := nextListenerID()
	r.entries[id] = cb
	return id
}

// remove deletes a listener. Calling it from within a callback that
// this registry is currently invoking (i.e. while each holds the
// lock) deadlocks — see the type doc comment.
func (r *listenerRegistry[T]) remove(id ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *listenerRegistry[T]) each(f func(T)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.entries {
		f(cb)
	}
}
