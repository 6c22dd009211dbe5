package server

import (
	"context"
	"encoding/json"

	"github.com/adred-codev/wsrpc/internal/monitoring"
	"github.com/adred-codev/wsrpc/internal/persist"
	"github.com/adred-codev/wsrpc/internal/rpc"
	"github.com/adred-codev/wsrpc/internal/session"
	"github.com/adred-codev/wsrpc/pkg/jsonrpc"
	"github.com/adred-codev/wsrpc/pkg/topic"
)

// Built-in pub/sub methods under the reserved rpc.* namespace.
func (s *Server) registerBuiltins() {
	s.router.RegisterReserved("rpc.subscribe", rpc.HandlerFunc(s.rpcSubscribe))
	s.router.RegisterReserved("rpc.unsubscribe", rpc.HandlerFunc(s.rpcUnsubscribe))
	s.router.RegisterReserved("rpc.subscribe_persistent", rpc.HandlerFunc(s.rpcSubscribePersistent))
	s.router.RegisterReserved("rpc.ack_persistent", rpc.HandlerFunc(s.rpcAckPersistent))
	s.router.RegisterReserved("rpc.unsubscribe_persistent", rpc.HandlerFunc(s.rpcUnsubscribePersistent))
	s.router.RegisterReserved("rpc.subscribe_persistent_batch", rpc.HandlerFunc(s.rpcSubscribePersistentBatch))
	s.router.RegisterReserved("rpc.ack_persistent_batch", rpc.HandlerFunc(s.rpcAckPersistentBatch))
	s.router.RegisterReserved("rpc.unsubscribe_persistent_batch", rpc.HandlerFunc(s.rpcUnsubscribePersistentBatch))
}

func callerConn(ctx context.Context, s *Server) (*session.Conn, *jsonrpc.Error) {
	id, ok := rpc.ConnID(ctx)
	if !ok {
		return nil, jsonrpc.InternalError("no connection in dispatch context")
	}
	c, ok := s.registry.Get(id)
	if !ok {
		return nil, jsonrpc.InternalError("connection already closed")
	}
	return c, nil
}

type topicParams struct {
	Topic string `json:"topic"`
}

type subscribeResult struct {
	Subscribed bool   `json:"subscribed"`
	Topic      string `json:"topic"`
	Pattern    bool   `json:"pattern"`
}

func (s *Server) rpcSubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	var p topicParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}

	connID, ok := rpc.ConnID(ctx)
	if !ok {
		return nil, jsonrpc.InternalError("no connection in dispatch context")
	}

	if topic.IsPattern(p.Topic) {
		// Batch dispatch may run elements concurrently; pattern
		// subscriptions are restricted to the single-request path.
		if rpc.InBatch(ctx) {
			return nil, jsonrpc.InvalidParams("pattern subscriptions are not allowed inside a batch")
		}
		pat, err := topic.Compile(p.Topic)
		if err != nil {
			return nil, jsonrpc.InvalidParams(err.Error())
		}
		s.patterns.Subscribe(connID, pat)
		return subscribeResult{Subscribed: true, Topic: p.Topic, Pattern: true}, nil
	}

	if err := topic.ValidateTopic(p.Topic); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}
	s.exact.Subscribe(p.Topic, connID)
	return subscribeResult{Subscribed: true, Topic: p.Topic, Pattern: false}, nil
}

type unsubscribeResult struct {
	Unsubscribed bool   `json:"unsubscribed"`
	Topic        string `json:"topic"`
}

func (s *Server) rpcUnsubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	var p topicParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}

	connID, ok := rpc.ConnID(ctx)
	if !ok {
		return nil, jsonrpc.InternalError("no connection in dispatch context")
	}

	var removed bool
	if topic.IsPattern(p.Topic) {
		removed = s.patterns.Unsubscribe(connID, p.Topic)
	} else {
		removed = s.exact.Unsubscribe(p.Topic, connID)
	}
	return unsubscribeResult{Unsubscribed: removed, Topic: p.Topic}, nil
}

type persistentSubParams struct {
	SubscriptionID string `json:"subscription_id"`
	Topic          string `json:"topic"`
}

type persistentSubResult struct {
	Subscribed       bool   `json:"subscribed"`
	SubscriptionID   string `json:"subscription_id"`
	Topic            string `json:"topic"`
	ResumedFromSeq   uint64 `json:"resumed_from_seq"`
	UndeliveredCount int    `json:"undelivered_count"`
}

func (s *Server) rpcSubscribePersistent(ctx context.Context, params json.RawMessage) (any, error) {
	var p persistentSubParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}
	if p.SubscriptionID == "" {
		return nil, jsonrpc.InvalidParams("subscription_id is required")
	}

	c, rpcErr := callerConn(ctx, s)
	if rpcErr != nil {
		return nil, rpcErr
	}

	att, err := s.persist.Register(p.SubscriptionID, p.Topic, c.ID())
	if err != nil {
		return nil, err
	}
	s.replayBacklog(c, att)

	return persistentSubResult{
		Subscribed:       true,
		SubscriptionID:   att.SubscriptionID,
		Topic:            att.Topic,
		ResumedFromSeq:   att.ResumedFrom,
		UndeliveredCount: len(att.Backlog),
	}, nil
}

// replayBacklog queues the undelivered backlog onto the connection before
// the subscribe reply is built, so the reply always trails the replayed
// notifications on the wire. Replay frames block (bounded) rather than drop:
// dropping would leave silent gaps that only a reattach could heal.
func (s *Server) replayBacklog(c *session.Conn, att *persist.Attachment) {
	for i, m := range att.Backlog {
		notif, err := jsonrpc.NewNotification(att.Topic, persistentNotification{
			SequenceID: m.SequenceID,
			Topic:      m.Topic,
			Data:       m.Payload,
		})
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("subscription_id", att.SubscriptionID).
				Msg("Failed to build replay notification")
			continue
		}
		frame, err := notif.Encode()
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode replay notification")
			continue
		}
		if !c.EnqueueWait(frame, s.cfg.ReplayWriteTimeout) {
			s.logger.Warn().
				Uint64("conn_id", c.ID()).
				Str("subscription_id", att.SubscriptionID).
				Int("sent", i).
				Int("total", len(att.Backlog)).
				Msg("Replay incomplete, client not draining")
			monitoring.NotificationsDropped.WithLabelValues("replay_timeout").Inc()
			return
		}
		monitoring.PersistentReplays.Inc()
	}
}

type ackParams struct {
	SubscriptionID string `json:"subscription_id"`
	SequenceID     uint64 `json:"sequence_id"`
}

type ackResult struct {
	Acknowledged   bool   `json:"acknowledged"`
	SubscriptionID string `json:"subscription_id"`
	SequenceID     uint64 `json:"sequence_id"`
}

func (s *Server) rpcAckPersistent(ctx context.Context, params json.RawMessage) (any, error) {
	var p ackParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}

	connID, ok := rpc.ConnID(ctx)
	if !ok {
		return nil, jsonrpc.InternalError("no connection in dispatch context")
	}
	if _, err := s.persist.Ack(p.SubscriptionID, p.SequenceID, connID); err != nil {
		return nil, err
	}
	monitoring.PersistentAcks.Inc()
	return ackResult{Acknowledged: true, SubscriptionID: p.SubscriptionID, SequenceID: p.SequenceID}, nil
}

type persistentUnsubParams struct {
	SubscriptionID string `json:"subscription_id"`
}

type persistentUnsubResult struct {
	Unsubscribed   bool   `json:"unsubscribed"`
	SubscriptionID string `json:"subscription_id"`
}

func (s *Server) rpcUnsubscribePersistent(ctx context.Context, params json.RawMessage) (any, error) {
	var p persistentUnsubParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}

	connID, ok := rpc.ConnID(ctx)
	if !ok {
		return nil, jsonrpc.InternalError("no connection in dispatch context")
	}
	removed := s.persist.Detach(p.SubscriptionID, connID)
	return persistentUnsubResult{Unsubscribed: removed, SubscriptionID: p.SubscriptionID}, nil
}

// Array forms. Items succeed or fail independently; a failure never fails
// the call, it lands in the item's error field.

type persistentSubItemResult struct {
	SubscriptionID   string `json:"subscription_id"`
	Topic            string `json:"topic"`
	Success          bool   `json:"success"`
	ResumedFromSeq   uint64 `json:"resumed_from_seq"`
	UndeliveredCount int    `json:"undelivered_count"`
	Error            string `json:"error,omitempty"`
}

func (s *Server) rpcSubscribePersistentBatch(ctx context.Context, params json.RawMessage) (any, error) {
	var items []persistentSubParams
	if err := json.Unmarshal(params, &items); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}

	c, rpcErr := callerConn(ctx, s)
	if rpcErr != nil {
		return nil, rpcErr
	}

	out := make([]persistentSubItemResult, 0, len(items))
	for _, item := range items {
		res := persistentSubItemResult{SubscriptionID: item.SubscriptionID, Topic: item.Topic}
		if item.SubscriptionID == "" {
			res.Error = "subscription_id is required"
			out = append(out, res)
			continue
		}
		att, err := s.persist.Register(item.SubscriptionID, item.Topic, c.ID())
		if err != nil {
			res.Error = err.Error()
			out = append(out, res)
			continue
		}
		s.replayBacklog(c, att)
		res.Success = true
		res.ResumedFromSeq = att.ResumedFrom
		res.UndeliveredCount = len(att.Backlog)
		out = append(out, res)
	}
	return out, nil
}

type ackItemResult struct {
	SubscriptionID string `json:"subscription_id"`
	SequenceID     uint64 `json:"sequence_id"`
	Acknowledged   bool   `json:"acknowledged"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) rpcAckPersistentBatch(ctx context.Context, params json.RawMessage) (any, error) {
	var items []ackParams
	if err := json.Unmarshal(params, &items); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}

	connID, ok := rpc.ConnID(ctx)
	if !ok {
		return nil, jsonrpc.InternalError("no connection in dispatch context")
	}

	out := make([]ackItemResult, 0, len(items))
	for _, item := range items {
		res := ackItemResult{SubscriptionID: item.SubscriptionID, SequenceID: item.SequenceID}
		if _, err := s.persist.Ack(item.SubscriptionID, item.SequenceID, connID); err != nil {
			res.Error = err.Error()
		} else {
			res.Acknowledged = true
			monitoring.PersistentAcks.Inc()
		}
		out = append(out, res)
	}
	return out, nil
}

type unsubItemResult struct {
	SubscriptionID string `json:"subscription_id"`
	Unsubscribed   bool   `json:"unsubscribed"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) rpcUnsubscribePersistentBatch(ctx context.Context, params json.RawMessage) (any, error) {
	var ids []string
	if err := json.Unmarshal(params, &ids); err != nil {
		return nil, jsonrpc.InvalidParams(err.Error())
	}

	connID, ok := rpc.ConnID(ctx)
	if !ok {
		return nil, jsonrpc.InternalError("no connection in dispatch context")
	}

	out := make([]unsubItemResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, unsubItemResult{
			SubscriptionID: id,
			Unsubscribed:   s.persist.Detach(id, connID),
		})
	}
	return out, nil
}
