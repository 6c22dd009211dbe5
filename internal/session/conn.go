// Package session tracks live WebSocket connections and their outbound
// queues.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// slowClientStrikes is how many consecutive full-buffer enqueues a
// connection gets before it is disconnected. Too low and brief network
// hiccups kill healthy clients; too high and a stuck client holds resources.
const slowClientStrikes = 3

// Conn is one live WebSocket connection. Outbound frames go through the
// buffered send channel so the write pump is the only goroutine touching the
// socket for data frames.
type Conn struct {
	id   uint64
	sock net.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	strikes    int32
	slowWarned int32

	connectedAt time.Time
}

func newConn(id uint64, sock net.Conn, sendBuffer int) *Conn {
	return &Conn{
		id:          id,
		sock:        sock,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// ID returns the registry-assigned connection id.
func (c *Conn) ID() uint64 { return c.id }

// Socket returns the underlying network connection for the pumps.
func (c *Conn) Socket() net.Conn { return c.sock }

// Send is the outbound frame queue consumed by the write pump.
func (c *Conn) Send() <-chan []byte { return c.send }

// Done is closed when the connection is being torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ConnectedAt is when the connection was registered.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// QueueDepth reports current and maximum send-queue occupancy.
func (c *Conn) QueueDepth() (used, capacity int) {
	return len(c.send), cap(c.send)
}

// Enqueue queues a frame without blocking. A full buffer counts as a strike;
// Enqueue reports ok=false for a dropped frame and kicked=true once the
// strike limit is reached, at which point the caller must disconnect the
// client. A successful enqueue resets the strike counter.
func (c *Conn) Enqueue(frame []byte) (ok, kicked bool) {
	select {
	case <-c.done:
		return false, false
	default:
	}

	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.strikes, 0)
		return true, false
	default:
		strikes := atomic.AddInt32(&c.strikes, 1)
		return false, strikes >= slowClientStrikes
	}
}

// EnqueueWait queues a frame, blocking up to timeout. Used for replay
// backlogs where dropping would break ordered delivery.
func (c *Conn) EnqueueWait(frame []byte, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		return false
	}
}

// FirstSlowWarning returns true exactly once per connection, so the slow
// client warning is logged without spam.
func (c *Conn) FirstSlowWarning() bool {
	return atomic.CompareAndSwapInt32(&c.slowWarned, 0, 1)
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.sock != nil {
			c.sock.Close()
		}
	})
}
