package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a
}

func TestRegistryAssignsMonotonicIDs(t *testing.T) {
	r := NewRegistry(4)
	c1 := r.Add(pipeConn(t))
	c2 := r.Add(pipeConn(t))

	assert.Equal(t, uint64(1), c1.ID())
	assert.Equal(t, uint64(2), c2.ID())
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(c1.ID())
	require.True(t, ok)
	assert.Same(t, c1, got)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(4)
	c := r.Add(pipeConn(t))

	assert.True(t, r.Remove(c.ID()))
	assert.False(t, r.Remove(c.ID()))
	_, ok := r.Get(c.ID())
	assert.False(t, ok)

	// Ids are never reused, even after removal.
	c2 := r.Add(pipeConn(t))
	assert.Equal(t, uint64(2), c2.ID())
}

func TestEnqueueStrikes(t *testing.T) {
	r := NewRegistry(1)
	c := r.Add(pipeConn(t))

	ok, kicked := c.Enqueue([]byte("a"))
	assert.True(t, ok)
	assert.False(t, kicked)

	// Buffer is now full; three consecutive failures trip the kick.
	for i := 0; i < slowClientStrikes-1; i++ {
		ok, kicked = c.Enqueue([]byte("x"))
		assert.False(t, ok)
		assert.False(t, kicked)
	}
	ok, kicked = c.Enqueue([]byte("x"))
	assert.False(t, ok)
	assert.True(t, kicked)
}

func TestEnqueueSuccessResetsStrikes(t *testing.T) {
	r := NewRegistry(1)
	c := r.Add(pipeConn(t))

	c.Enqueue([]byte("a"))
	c.Enqueue([]byte("x")) // strike 1
	c.Enqueue([]byte("x")) // strike 2

	<-c.Send() // drain one slot

	ok, kicked := c.Enqueue([]byte("b"))
	assert.True(t, ok)
	assert.False(t, kicked)

	// Counter restarted from zero.
	c.Enqueue([]byte("x"))
	_, kicked = c.Enqueue([]byte("x"))
	assert.False(t, kicked)
}

func TestEnqueueAfterClose(t *testing.T) {
	r := NewRegistry(4)
	c := r.Add(pipeConn(t))
	c.Close()
	c.Close() // safe to repeat

	ok, kicked := c.Enqueue([]byte("a"))
	assert.False(t, ok)
	assert.False(t, kicked)

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestEnqueueWait(t *testing.T) {
	r := NewRegistry(1)
	c := r.Add(pipeConn(t))

	require.True(t, c.EnqueueWait([]byte("a"), 10*time.Millisecond))
	// Full buffer times out.
	assert.False(t, c.EnqueueWait([]byte("b"), 10*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		<-c.Send()
	}()
	assert.True(t, c.EnqueueWait([]byte("c"), 200*time.Millisecond))
}

func TestFirstSlowWarning(t *testing.T) {
	r := NewRegistry(1)
	c := r.Add(pipeConn(t))
	assert.True(t, c.FirstSlowWarning())
	assert.False(t, c.FirstSlowWarning())
}

func TestRegistryRange(t *testing.T) {
	r := NewRegistry(4)
	r.Add(pipeConn(t))
	r.Add(pipeConn(t))
	r.Add(pipeConn(t))

	seen := 0
	r.Range(func(*Conn) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}
