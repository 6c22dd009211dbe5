package server

import (
	"encoding/json"

	"github.com/adred-codev/wsrpc/internal/monitoring"
	"github.com/adred-codev/wsrpc/pkg/jsonrpc"
	"github.com/adred-codev/wsrpc/pkg/topic"
)

// persistentNotification is the params shape shared by live persistent
// delivery and backlog replay; clients need not distinguish the two.
type persistentNotification struct {
	SequenceID uint64          `json:"sequence_id"`
	Topic      string          `json:"topic"`
	Data       json.RawMessage `json:"data"`
}

// patternNotification wraps a transient publish for a pattern subscriber:
// the notification method is the pattern, so the concrete topic rides in
// the params.
type patternNotification struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Publish fans data out to every subscriber of topicName: exact subscribers
// get method=topic params=data, pattern subscribers get method=pattern
// params={topic, data}. Returns how many notifications were queued.
func (s *Server) Publish(topicName string, data any) (int, error) {
	if err := topic.ValidateTopic(topicName); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	monitoring.PublishesTotal.WithLabelValues("transient").Inc()
	return s.fanout(topicName, raw), nil
}

// PublishItem is one (topic, data) pair for PublishBatch.
type PublishItem struct {
	Topic string
	Data  any
}

// PublishBatch publishes many pairs in one call. Each item fans out
// independently; the first error aborts the remainder.
func (s *Server) PublishBatch(items []PublishItem) (int, error) {
	total := 0
	for _, item := range items {
		n, err := s.Publish(item.Topic, item.Data)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Server) fanout(topicName string, raw json.RawMessage) int {
	queued := 0

	// Exact subscribers share one encoded frame.
	exactSubs := s.exact.Subscribers(topicName)
	if len(exactSubs) > 0 {
		notif, err := jsonrpc.NewNotification(topicName, raw)
		if err == nil {
			if frame, err := notif.Encode(); err == nil {
				for _, connID := range exactSubs {
					if c, ok := s.registry.Get(connID); ok && s.enqueueFrame(c, frame) {
						queued++
					}
				}
			}
		}
	}

	// Pattern subscribers get a frame per distinct pattern.
	for _, match := range s.patterns.Resolve(topicName) {
		notif, err := jsonrpc.NewNotification(match.Pattern, patternNotification{
			Topic: topicName,
			Data:  raw,
		})
		if err != nil {
			continue
		}
		frame, err := notif.Encode()
		if err != nil {
			continue
		}
		if c, ok := s.registry.Get(match.ConnID); ok && s.enqueueFrame(c, frame) {
			queued++
		}
	}
	return queued
}

// PublishPersistent appends data to topicName's durable log and notifies
// every attached persistent subscription whose pattern matches. Returns the
// assigned sequence id; the append alone makes the call successful, delivery
// is best-effort (undelivered messages replay on reattach).
func (s *Server) PublishPersistent(topicName string, data any) (uint64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}

	seq, err := s.store.Append(topicName, raw)
	if err != nil {
		return 0, err
	}
	monitoring.PublishesTotal.WithLabelValues("persistent").Inc()
	monitoring.StoredMessages.Inc()

	for _, target := range s.persist.MatchActive(topicName) {
		notif, err := jsonrpc.NewNotification(target.Method, persistentNotification{
			SequenceID: seq,
			Topic:      topicName,
			Data:       raw,
		})
		if err != nil {
			continue
		}
		frame, err := notif.Encode()
		if err != nil {
			continue
		}
		if c, ok := s.registry.Get(target.ConnID); ok {
			s.enqueueFrame(c, frame)
		}
	}
	return seq, nil
}
