// SPDX-License-Identifier: AGPL3.0-or-later

// Package ioengine is the overlay's transport layer: a dual-stack TCP
// acceptor, a per-peer connection with a serialized send queue,
// keep-alive and timeout-sweep timers, and the handshake that precedes
// every connection's first protocol opcode. It knows nothing about
// routing or opcodes beyond the single connection_accepted/refused
// byte exchanged as part of the handshake; everything else is
// delivered upward as opaque frames for the overlay package to
// interpret.
package ioengine

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bfix/gospel/logger"

	"meshnet/config"
	"meshnet/peer"
	"meshnet/wire"
)

// Error codes for the I/O engine.
var (
	ErrAlreadyRunning = errors.New("ioengine: already running")
	ErrNotRunning     = errors.New("ioengine: not running")
	ErrNoListener     = errors.New("ioengine: could not bind any acceptor")
	ErrPortWhileUp    = errors.New("ioengine: cannot change port while running")
)

// EventKind discriminates the union carried by Event.
type EventKind int

const (
	EvConnected EventKind = iota
	EvDisconnected
	EvFrame
)

// Event is delivered on the Engine's Events() channel for the overlay
// package's dispatch loop to consume; it is the only cross-layer
// communication from ioengine upward.
type Event struct {
	Kind     EventKind
	Peer     peer.ID
	Addr     net.IP
	Port     uint16
	Frame    wire.Frame
	Reason   peer.DisconnectReason
	Outbound bool // true if the local side initiated this connection
}

// AcceptPredicate decides whether to accept an inbound peer after the
// handshake blob has been exchanged.
type AcceptPredicate func(id peer.ID, addr net.IP, port uint16) bool

// Engine runs the TCP acceptor and every peer connection's I/O.
type Engine struct {
	cfg       *config.NetworkConfig
	localID   peer.ID
	predicate AcceptPredicate

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[peer.ID]*conn
	running   bool
	quit      chan struct{}

	events chan Event
}

// New creates an engine bound to no socket yet; call Start to bind and
// Run to pump events.
func New(cfg *config.NetworkConfig, localID peer.ID, predicate AcceptPredicate) *Engine {
	if predicate == nil {
		predicate = func(peer.ID, net.IP, uint16) bool { return true }
	}
	return &Engine{
		cfg:       cfg,
		localID:   localID,
		predicate: predicate,
		conns:     make(map[peer.ID]*conn),
		events:    make(chan Event, 64),
	}
}

// Events returns the channel the overlay dispatch loop reads from.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// IsRunning reports whether Start has succeeded and Stop has not yet
// been called.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Port returns the configured listen port.
func (e *Engine) Port() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Port
}

// SetPort changes the listen port used by a future Start call. It is
// an InvalidState error to change the port while the engine is
// running.
func (e *Engine) SetPort(port uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrPortWhileUp
	}
	e.cfg.Port = port
	return nil
}

// Start binds the acceptor(s) on cfg.Port: a single dual-stack
// listener where the OS supports it, otherwise one IPv4 and one IPv6
// listener. It starts the accept loop and the timer loop but
// does not block.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.mu.Unlock()

	addr := net.JoinHostPort("", strconv.Itoa(int(e.cfg.Port)))
	var listeners []net.Listener
	if l, err := net.Listen("tcp", addr); err == nil {
		// "tcp" already dual-stacks on most platforms when the OS
		// supports an unspecified IPv6 wildcard accepting v4-mapped
		// connections; this is the common case.
		listeners = append(listeners, l)
	} else {
		logger.Printf(logger.WARN, "[ioengine] dual-stack bind failed (%s), falling back to split v4/v6", err)
		v4, err4 := net.Listen("tcp4", addr)
		if err4 == nil {
			listeners = append(listeners, v4)
		}
		v6, err6 := net.Listen("tcp6", addr)
		if err6 == nil {
			listeners = append(listeners, v6)
		}
		if len(listeners) == 0 {
			return ErrNoListener
		}
	}

	e.mu.Lock()
	e.listeners = listeners
	e.running = true
	e.quit = make(chan struct{})
	e.mu.Unlock()

	for _, l := range listeners {
		go e.acceptLoop(l)
	}
	go e.timerLoop()
	logger.Printf(logger.INFO, "[ioengine] listening on %s", addr)
	return nil
}

func (e *Engine) acceptLoop(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-e.quit:
				return
			default:
				logger.Printf(logger.WARN, "[ioengine] accept error: %s", err)
				return
			}
		}
		go e.acceptOne(nc)
	}
}

// acceptOne runs the accepting side of the handshake for one freshly accepted socket.
func (e *Engine) acceptOne(nc net.Conn) {
	br := bufio.NewReader(nc)
	remote, err := readHandshake(br)
	if err != nil {
		logger.Printf(logger.WARN, "[ioengine] handshake read failed from %s: %s", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	if err := writeHandshake(nc, e.cfg.Port, e.localID); err != nil {
		nc.Close()
		return
	}
	addr, _ := tcpAddr(nc)
	accepted := e.predicate(remote.ID, addr, remote.ListenPort)
	if err := writeAnswer(nc, accepted); err != nil {
		nc.Close()
		return
	}
	if !accepted {
		logger.Printf(logger.INFO, "[ioengine] predicate rejected peer %s", remote.ID)
		nc.Close()
		return
	}
	e.adopt(remote.ID, addr, remote.ListenPort, nc, br, false)
}

// Connect dials addr:port, performs the connecting side of the
// handshake, and adopts the resulting connection on acceptance.
// Returns ErrRefused if the remote predicate rejected the connection.
func (e *Engine) Connect(addr net.IP, port uint16) (peer.ID, error) {
	target := net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))
	nc, err := net.Dial("tcp", target)
	if err != nil {
		return peer.ID{}, err
	}
	if err := writeHandshake(nc, e.cfg.Port, e.localID); err != nil {
		nc.Close()
		return peer.ID{}, err
	}
	br := bufio.NewReader(nc)
	remote, err := readHandshake(br)
	if err != nil {
		nc.Close()
		return peer.ID{}, err
	}
	accepted, err := readAnswer(br)
	if err != nil {
		nc.Close()
		return peer.ID{}, err
	}
	if !accepted {
		nc.Close()
		return peer.ID{}, ErrRefused
	}
	e.adopt(remote.ID, addr, remote.ListenPort, nc, br, true)
	return remote.ID, nil
}

func (e *Engine) adopt(id peer.ID, addr net.IP, port uint16, nc net.Conn, br *bufio.Reader, outbound bool) {
	c := newConn(id, nc, 256)
	e.mu.Lock()
	e.conns[id] = c
	e.mu.Unlock()

	c.wg.Add(1)
	go c.writer()

	e.events <- Event{Kind: EvConnected, Peer: id, Addr: addr, Port: port, Outbound: outbound}

	go func() {
		err := c.reader(br, func(f wire.Frame) {
			e.events <- Event{Kind: EvFrame, Peer: id, Frame: f}
		}, e.cfg.BufferSize)
		reason := peer.ReasonRemote
		if err == nil {
			reason = peer.ReasonLocal
		}
		e.removePeer(id, reason)
	}()
}

func (e *Engine) removePeer(id peer.ID, reason peer.DisconnectReason) {
	e.mu.Lock()
	c, ok := e.conns[id]
	if ok {
		delete(e.conns, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	c.wg.Wait()
	e.events <- Event{Kind: EvDisconnected, Peer: id, Reason: reason}
}

// Send enqueues a frame for peer id; per-peer writes are serialized.
func (e *Engine) Send(id peer.ID, op wire.Opcode, payload []byte) {
	e.mu.Lock()
	c, ok := e.conns[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	c.enqueue(wire.Frame{Op: op, Payload: payload})
}

// Disconnect closes one peer's socket; the resulting EvDisconnected
// event is attributed to local initiation.
func (e *Engine) Disconnect(id peer.ID) {
	e.removePeer(id, peer.ReasonLocal)
}

// Stop closes the acceptor(s) and every peer connection. Idempotent:
// calling it while not running returns immediately.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.quit)
	listeners := e.listeners
	ids := make([]peer.ID, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, id := range ids {
		e.removePeer(id, peer.ReasonLocal)
	}
}

// timerLoop drives the keep-alive emission and timeout sweep.
func (e *Engine) timerLoop() {
	ka := time.Duration(e.cfg.KeepAliveMs) * time.Millisecond
	sweep := time.Duration(e.cfg.SweepMs) * time.Millisecond
	timeout := time.Duration(e.cfg.TimeoutMs) * time.Millisecond

	kaTicker := time.NewTicker(ka)
	sweepTicker := time.NewTicker(sweep)
	defer kaTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case <-kaTicker.C:
			e.mu.Lock()
			ids := make([]peer.ID, 0, len(e.conns))
			for id := range e.conns {
				ids = append(ids, id)
			}
			e.mu.Unlock()
			for _, id := range ids {
				e.Send(id, answerKeepAlive, nil)
			}
		case <-sweepTicker.C:
			e.mu.Lock()
			var stale []peer.ID
			for id, c := range e.conns {
				if c.idleSince() > timeout {
					stale = append(stale, id)
				}
			}
			e.mu.Unlock()
			for _, id := range stale {
				logger.Printf(logger.INFO, "[ioengine] timing out idle peer %s", id)
				e.removePeer(id, peer.ReasonTimeout)
			}
		}
	}
}
