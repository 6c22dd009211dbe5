// Package subs holds the in-memory subscription indexes consulted on every
// publish: the exact-topic index and the pattern index.
package subs

import "sync"

// ExactIndex is the bidirectional exact-topic index: topic → subscriber
// connections and connection → subscribed topics, mutated together under one
// mutex so the two directions can never drift apart.
type ExactIndex struct {
	mu      sync.Mutex
	byTopic map[string]map[uint64]struct{}
	byConn  map[uint64]map[string]struct{}
}

func NewExactIndex() *ExactIndex {
	return &ExactIndex{
		byTopic: make(map[string]map[uint64]struct{}),
		byConn:  make(map[uint64]map[string]struct{}),
	}
}

// Subscribe records (topic, conn). Returns false when the pair already
// existed; subscribing twice is idempotent.
func (x *ExactIndex) Subscribe(topicName string, connID uint64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	conns := x.byTopic[topicName]
	if conns == nil {
		conns = make(map[uint64]struct{})
		x.byTopic[topicName] = conns
	}
	if _, dup := conns[connID]; dup {
		return false
	}
	conns[connID] = struct{}{}

	topics := x.byConn[connID]
	if topics == nil {
		topics = make(map[string]struct{})
		x.byConn[connID] = topics
	}
	topics[topicName] = struct{}{}
	return true
}

// Unsubscribe removes (topic, conn) from both directions. Returns whether
// the pair was present. Topic keys with no remaining subscribers are erased.
func (x *ExactIndex) Unsubscribe(topicName string, connID uint64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	conns, ok := x.byTopic[topicName]
	if !ok {
		return false
	}
	if _, present := conns[connID]; !present {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(x.byTopic, topicName)
	}
	if topics := x.byConn[connID]; topics != nil {
		delete(topics, topicName)
		if len(topics) == 0 {
			delete(x.byConn, connID)
		}
	}
	return true
}

// Subscribers snapshots the connection ids subscribed to a topic.
func (x *ExactIndex) Subscribers(topicName string) []uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	conns := x.byTopic[topicName]
	if len(conns) == 0 {
		return nil
	}
	out := make([]uint64, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// TopicsOf snapshots the topics a connection is subscribed to.
func (x *ExactIndex) TopicsOf(connID uint64) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	topics := x.byConn[connID]
	if len(topics) == 0 {
		return nil
	}
	out := make([]string, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	return out
}

// RemoveConn deletes every subscription of a connection in O(k) where k is
// the connection's subscription count. Returns k.
func (x *ExactIndex) RemoveConn(connID uint64) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	topics := x.byConn[connID]
	for t := range topics {
		if conns := x.byTopic[t]; conns != nil {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(x.byTopic, t)
			}
		}
	}
	delete(x.byConn, connID)
	return len(topics)
}
