package session

import (
	"net"
	"sync"
	"sync/atomic"
)

// Registry assigns connection ids and tracks live connections. Ids are
// monotonically increasing and never reused for the lifetime of the process,
// so a stale id can never address a newer connection.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uint64]*Conn
	nextID uint64

	sendBuffer int
}

func NewRegistry(sendBuffer int) *Registry {
	return &Registry{
		conns:      make(map[uint64]*Conn),
		sendBuffer: sendBuffer,
	}
}

// Add registers a freshly upgraded socket and returns its Conn.
func (r *Registry) Add(sock net.Conn) *Conn {
	id := atomic.AddUint64(&r.nextID, 1)
	c := newConn(id, sock, r.sendBuffer)

	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
	return c
}

// Remove drops a connection from the registry. Returns whether it was
// present; the second remover sees false and skips teardown.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Get looks a connection up by id.
func (r *Registry) Get(id uint64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len is the live connection count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Range calls fn for a snapshot of live connections. The snapshot is taken
// under the lock; fn runs outside it.
func (r *Registry) Range(fn func(*Conn) bool) {
	r.mu.RLock()
	snapshot := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if !fn(c) {
			return
		}
	}
}
