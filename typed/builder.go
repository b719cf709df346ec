// SPDX-License-Identifier: AGPL3.0-or-later

package typed

import (
	"sort"
	"sync"

	"github.com/bfix/gospel/logger"

	"meshnet/identity"
	"meshnet/peer"
)

// Event carries one received value of type T to its listeners.
type Event[T any] struct {
	// Source is the peer the value arrived from. For bridged broadcast
	// traffic this is the relaying neighbor.
	Source peer.ID

	// SentToAll reports whether the sender used broadcast (true) or
	// targeted (false) delivery.
	SentToAll bool

	Value T
}

// Listener consumes received values of type T. Listeners run on the
// dispatch thread and must not perform long-running work.
type Listener[T any] func(ev Event[T])

// ListenerID identifies one typed listener registration. It records
// the type hash it was issued for, so the untyped removal path can
// find the right subtable.
type ListenerID struct {
	hash identity.Hash
	seq  uint64
}

// Hash returns the type hash the listener was registered under.
func (id ListenerID) Hash() identity.Hash { return id.hash }

// builder is the type-erased face of an objectBuilder, the per-hash
// dispatch record the Network registry stores.
type builder interface {
	dispatch(source peer.ID, sentToAll bool, data []byte)
	enqueueRemove(seq uint64)
	typeName() string
}

// objectBuilder is the per-type dispatch record: the deserializer for
// T plus its listener subtable. The subtable itself is touched only on
// the dispatch thread; registrations from any thread land in the
// pending queues under pendMu and are folded in at the next message
// boundary for this type. Removing a listener that is still pending
// cancels it before it ever fires.
type objectBuilder[T any] struct {
	name string

	pendMu        sync.Mutex
	pendingAdd    map[uint64]Listener[T]
	pendingRemove map[uint64]bool

	listeners map[uint64]Listener[T]
}

func newObjectBuilder[T any]() *objectBuilder[T] {
	return &objectBuilder[T]{
		name:          NameOf[T](),
		pendingAdd:    make(map[uint64]Listener[T]),
		pendingRemove: make(map[uint64]bool),
		listeners:     make(map[uint64]Listener[T]),
	}
}

func (b *objectBuilder[T]) typeName() string { return b.name }

func (b *objectBuilder[T]) enqueueAdd(seq uint64, cb Listener[T]) {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	b.pendingAdd[seq] = cb
}

func (b *objectBuilder[T]) enqueueRemove(seq uint64) {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	if _, ok := b.pendingAdd[seq]; ok {
		delete(b.pendingAdd, seq)
		return
	}
	b.pendingRemove[seq] = true
}

// flush folds the pending queues into the active subtable. Called on
// the dispatch thread at each message boundary, so a listener mutating
// the registration set from inside its callback never invalidates the
// iteration in progress.
func (b *objectBuilder[T]) flush() {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	for seq, cb := range b.pendingAdd {
		b.listeners[seq] = cb
	}
	for seq := range b.pendingRemove {
		delete(b.listeners, seq)
	}
	b.pendingAdd = make(map[uint64]Listener[T])
	b.pendingRemove = make(map[uint64]bool)
}

func (b *objectBuilder[T]) dispatch(source peer.ID, sentToAll bool, data []byte) {
	b.flush()
	var v T
	if err := decodeValue(data, &v); err != nil {
		logger.Printf(logger.WARN, "[typed] cannot decode %s value: %s", b.name, err)
		return
	}
	b.invoke(Event[T]{Source: source, SentToAll: sentToAll, Value: v})
}

// invoke fires every active listener in registration order. A panic in
// one listener is logged and the remaining listeners still fire.
func (b *objectBuilder[T]) invoke(ev Event[T]) {
	seqs := make([]uint64, 0, len(b.listeners))
	for seq := range b.listeners {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		b.safeCall(b.listeners[seq], ev)
	}
}

func (b *objectBuilder[T]) safeCall(cb Listener[T], ev Event[T]) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf(logger.WARN, "[typed] %s listener panicked: %v", b.name, r)
		}
	}()
	cb(ev)
}
