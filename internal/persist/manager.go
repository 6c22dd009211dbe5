// Package persist manages persistent subscriptions: durable cursor state in
// the store plus in-memory bindings saying which connection, if any, is
// currently attached to each subscription id.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wsrpc/internal/store"
	"github.com/adred-codev/wsrpc/pkg/jsonrpc"
	"github.com/adred-codev/wsrpc/pkg/topic"
)

// binding is the in-memory half of an attached subscription. Exclusivity is
// enforced here only; the durable state carries no owner.
type binding struct {
	pattern *topic.Pattern
	connID  uint64
}

// Attachment is the outcome of a successful Register: the cursor position
// resumed from and the backlog the caller must enqueue, in order, before
// replying.
type Attachment struct {
	SubscriptionID string
	Topic          string
	ResumedFrom    uint64
	Backlog        []store.Message
}

// Delivery names a live notification target for a persistent publish.
type Delivery struct {
	SubscriptionID string
	ConnID         uint64
	// Method is the pattern or topic exactly as subscribed; the client
	// demultiplexes on it.
	Method string
}

// Manager owns the subscription bindings. All methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	bindings map[string]binding

	store      *store.Store
	inactivity time.Duration
	logger     zerolog.Logger

	now func() time.Time
}

func NewManager(s *store.Store, inactivity time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		bindings:   make(map[string]binding),
		store:      s,
		inactivity: inactivity,
		logger:     logger.With().Str("component", "persist").Logger(),
		now:        time.Now,
	}
}

// Register attaches connID to subID over patternStr (an exact topic or a
// pattern). First registration creates durable state with cursor 0;
// reattachment resumes from the stored cursor. The returned backlog holds
// every stored message past the cursor, sorted by (topic, sequence).
func (m *Manager) Register(subID, patternStr string, connID uint64) (*Attachment, error) {
	pat, err := topic.Compile(patternStr)
	if err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, attached := m.bindings[subID]; attached && b.connID != connID {
		return nil, jsonrpc.InvalidRequest("subscription " + subID + " is held by another connection")
	}

	state, found, err := m.store.GetSubscription(subID)
	if err != nil {
		return nil, jsonrpc.AsError(err)
	}
	nowUnix := m.now().Unix()
	if !found {
		state = &store.SubscriptionState{
			SubscriptionID: subID,
			CreatedAt:      nowUnix,
		}
	}
	// Reattaching with a different pattern rebinds the subscription; the
	// durable record follows the live binding.
	state.TopicPattern = patternStr
	state.LastActivity = nowUnix
	if err := m.store.PutSubscription(state); err != nil {
		return nil, jsonrpc.AsError(err)
	}

	m.bindings[subID] = binding{pattern: pat, connID: connID}

	backlog, err := m.store.ScanPatternSince(pat, state.LastAckSeq)
	if err != nil {
		return nil, jsonrpc.AsError(err)
	}

	m.logger.Info().
		Str("subscription_id", subID).
		Str("pattern", patternStr).
		Uint64("conn_id", connID).
		Uint64("resumed_from", state.LastAckSeq).
		Int("backlog", len(backlog)).
		Msg("Persistent subscription attached")

	return &Attachment{
		SubscriptionID: subID,
		Topic:          patternStr,
		ResumedFrom:    state.LastAckSeq,
		Backlog:        backlog,
	}, nil
}

// Ack advances subID's cursor to seq. Only the attached connection may ack.
// The cursor never regresses: acking an older sequence after a newer one is
// a no-op. Returns the cursor as stored.
func (m *Manager) Ack(subID string, seq uint64, connID uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, attached := m.bindings[subID]
	if !attached || b.connID != connID {
		return 0, jsonrpc.InvalidRequest("subscription " + subID + " is not held by this connection")
	}

	state, found, err := m.store.GetSubscription(subID)
	if err != nil {
		return 0, jsonrpc.AsError(err)
	}
	if !found {
		return 0, jsonrpc.InvalidRequest("subscription " + subID + " has no durable state")
	}

	if seq > state.LastAckSeq {
		state.LastAckSeq = seq
	}
	state.LastActivity = m.now().Unix()
	if err := m.store.PutSubscription(state); err != nil {
		return 0, jsonrpc.AsError(err)
	}
	return state.LastAckSeq, nil
}

// Detach removes the binding iff connID owns it. Durable state is retained;
// a later Register resumes from the stored cursor. Returns whether a binding
// was removed.
func (m *Manager) Detach(subID string, connID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, attached := m.bindings[subID]
	if !attached || b.connID != connID {
		return false
	}
	delete(m.bindings, subID)
	return true
}

// RemoveConn detaches every binding held by connID. Returns how many.
func (m *Manager) RemoveConn(connID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for subID, b := range m.bindings {
		if b.connID == connID {
			delete(m.bindings, subID)
			n++
		}
	}
	return n
}

// MatchActive returns the live delivery targets for a topic: every attached
// subscription whose pattern matches it.
func (m *Manager) MatchActive(topicName string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Delivery
	for subID, b := range m.bindings {
		if b.pattern.Match(topicName) {
			out = append(out, Delivery{
				SubscriptionID: subID,
				ConnID:         b.connID,
				Method:         b.pattern.String(),
			})
		}
	}
	return out
}

// Attached reports whether subID currently has a live binding.
func (m *Manager) Attached(subID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bindings[subID]
	return ok
}

// CleanupInactive deletes durable state for detached subscriptions whose
// last activity is older than the inactivity timeout. Returns how many were
// deleted.
func (m *Manager) CleanupInactive() (int, error) {
	subs, err := m.store.Subscriptions()
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-m.inactivity).Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, s := range subs {
		if _, attached := m.bindings[s.SubscriptionID]; attached {
			continue
		}
		if s.LastActivity >= cutoff {
			continue
		}
		if err := m.store.DeleteSubscription(s.SubscriptionID); err != nil {
			m.logger.Error().
				Err(err).
				Str("subscription_id", s.SubscriptionID).
				Msg("Failed to delete inactive subscription")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info().Int("deleted", deleted).Msg("Cleaned up inactive subscriptions")
	}
	return deleted, nil
}

// RunCleanup sweeps inactive subscriptions on an interval until ctx ends.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanupInactive(); err != nil {
				m.logger.Error().Err(err).Msg("Inactive subscription sweep failed")
			}
		}
	}
}
