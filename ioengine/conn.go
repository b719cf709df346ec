// SPDX-License-Identifier: AGPL3.0-or-later

package ioengine

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"meshnet/peer"
	"meshnet/wire"
)

// conn is the per-peer I/O state: the raw socket, a bounded send
// queue serialized by one writer goroutine, and a reassembler that
// turns the byte stream back into frames. Closing drains the send
// queue first, so frames enqueued just before a disconnect (the
// departure announcement in particular) still reach the wire.
type conn struct {
	id     peer.ID
	nc     net.Conn
	out    chan wire.Frame
	quit   chan struct{}
	closed int32

	lastRecv atomic.Int64 // unix nanos, for the timeout sweep

	wg sync.WaitGroup
}

func newConn(id peer.ID, nc net.Conn, queueDepth int) *conn {
	c := &conn{
		id:   id,
		nc:   nc,
		out:  make(chan wire.Frame, queueDepth),
		quit: make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *conn) touch() {
	c.lastRecv.Store(time.Now().UnixNano())
}

func (c *conn) idleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastRecv.Load()))
}

// enqueue schedules a frame for this peer. Sends on a closing
// connection, or while the queue is full because the peer is not
// draining, are dropped silently rather than blocking the caller.
func (c *conn) enqueue(f wire.Frame) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return
	}
	select {
	case c.out <- f:
	default:
	}
}

// writer drains the send queue onto the socket until the connection
// closes, then flushes whatever is still queued before releasing the
// socket. Runs in its own goroutine so a slow peer cannot stall the
// dispatch thread.
func (c *conn) writer() {
	defer c.wg.Done()
	defer c.nc.Close()
	for {
		select {
		case f := <-c.out:
			if !c.write(f) {
				return
			}
		case <-c.quit:
			for {
				select {
				case f := <-c.out:
					if !c.write(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *conn) write(f wire.Frame) bool {
	_, err := c.nc.Write(wire.EncodeFrame(f.Op, f.Payload))
	return err == nil
}

// reader pumps bytes off the socket into a Reassembler, invoking
// deliver once per completed frame, until EOF or a protocol error.
func (c *conn) reader(br *bufio.Reader, deliver func(wire.Frame), bufSize int) error {
	r := wire.NewReassembler()
	buf := make([]byte, bufSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			c.touch()
			if ferr := r.Feed(buf[:n], func(fr wire.Frame) {
				deliver(fr)
			}); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}

// closeGrace bounds how long a closing connection may keep writing
// queued frames before the socket is torn down regardless.
const closeGrace = 3 * time.Second

// close stops the connection: no new frames are accepted, the writer
// flushes the queue and closes the socket, which in turn unwinds the
// reader. The write deadline keeps a stalled peer from pinning the
// flush indefinitely. Idempotent.
func (c *conn) close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.nc.SetWriteDeadline(time.Now().Add(closeGrace))
	close(c.quit)
}
