package server

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/adred-codev/wsrpc/internal/monitoring"
	"github.com/adred-codev/wsrpc/internal/rpc"
	"github.com/adred-codev/wsrpc/internal/session"
	"github.com/adred-codev/wsrpc/pkg/jsonrpc"
)

var jsonNull = []byte("null")

// handleFrame decodes one inbound text frame and produces at most one
// outbound frame: a single response, a batch response array, or nothing
// (notifications).
func (s *Server) handleFrame(c *session.Conn, data []byte) {
	frame, rpcErr := jsonrpc.DecodeFrame(data)
	if rpcErr != nil {
		s.sendMessage(c, jsonrpc.NewErrorResponse(nil, rpcErr))
		return
	}

	if frame.Batch {
		s.handleBatch(c, frame.Elems)
		return
	}

	if reply := s.processElement(s.ctx, c, frame.Elems[0]); reply != nil {
		s.sendMessage(c, reply)
	}
}

// processElement parses and dispatches one envelope. The returned message is
// nil when no reply belongs on the wire (notifications, inbound responses).
func (s *Server) processElement(ctx context.Context, c *session.Conn, raw json.RawMessage) *jsonrpc.Message {
	msg, rpcErr := jsonrpc.ParseMessage(raw)
	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(nil, rpcErr)
	}

	switch msg.Kind() {
	case jsonrpc.KindRequest:
		result, dispatchErr := s.dispatch(ctx, c, msg)
		if dispatchErr != nil {
			return jsonrpc.NewErrorResponse(msg.ResponseID(), dispatchErr)
		}
		reply, err := jsonrpc.NewResponse(msg.ResponseID(), result)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("method", msg.Method).
				Msg("Failed to encode result")
			return jsonrpc.NewErrorResponse(msg.ResponseID(), jsonrpc.InternalError("result not serializable"))
		}
		return reply

	case jsonrpc.KindNotification:
		// Fire and forget; errors are logged, never answered.
		if _, dispatchErr := s.dispatch(ctx, c, msg); dispatchErr != nil {
			s.logger.Debug().
				Str("method", msg.Method).
				Int("code", dispatchErr.Code).
				Msg("Notification dispatch failed")
		}
		return nil

	default:
		// This server issues no requests to clients, so an inbound response
		// correlates with nothing.
		s.logger.Debug().Uint64("conn_id", c.ID()).Msg("Dropping uncorrelated response frame")
		return nil
	}
}

func (s *Server) dispatch(ctx context.Context, c *session.Conn, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	params := msg.Params
	// Explicit null params and absent params dispatch identically.
	if bytes.Equal(bytes.TrimSpace(params), jsonNull) {
		params = nil
	}

	ctx = rpc.WithConnID(ctx, c.ID())
	result, rpcErr := s.router.Dispatch(ctx, &rpc.Call{
		Method: msg.Method,
		Params: params,
		ConnID: c.ID(),
	})

	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
	}
	monitoring.RequestsTotal.WithLabelValues(msg.Method, outcome).Inc()
	return result, rpcErr
}

// sendMessage encodes and enqueues one envelope for the connection.
func (s *Server) sendMessage(c *session.Conn, msg *jsonrpc.Message) {
	frame, err := msg.Encode()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode outbound frame")
		return
	}
	s.enqueueFrame(c, frame)
}

// enqueueFrame hands a frame to the connection's writer without blocking.
// Reports whether the frame was queued; a connection that keeps failing is
// kicked.
func (s *Server) enqueueFrame(c *session.Conn, frame []byte) bool {
	ok, kicked := c.Enqueue(frame)
	if ok {
		monitoring.NotificationsEnqueued.Inc()
		return true
	}

	monitoring.NotificationsDropped.WithLabelValues("queue_full").Inc()
	if c.FirstSlowWarning() {
		used, capacity := c.QueueDepth()
		s.logger.Warn().
			Uint64("conn_id", c.ID()).
			Int("queue_used", used).
			Int("queue_cap", capacity).
			Msg("Client send queue full")
	}
	if kicked {
		s.kickSlowClient(c)
	}
	return false
}
