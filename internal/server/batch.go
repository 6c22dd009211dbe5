package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/adred-codev/wsrpc/internal/monitoring"
	"github.com/adred-codev/wsrpc/internal/rpc"
	"github.com/adred-codev/wsrpc/internal/session"
	"github.com/adred-codev/wsrpc/pkg/jsonrpc"
)

// handleBatch processes a JSON-RPC batch. Elements run concurrently or in
// array order depending on configuration; clients correlate by id either
// way. A batch of only notifications sends nothing back.
func (s *Server) handleBatch(c *session.Conn, elems []json.RawMessage) {
	monitoring.BatchSize.Observe(float64(len(elems)))

	if len(elems) > s.cfg.MaxBatchSize {
		rpcErr := jsonrpc.InvalidRequest(
			fmt.Sprintf("batch size %d exceeds limit %d", len(elems), s.cfg.MaxBatchSize))
		s.sendMessage(c, jsonrpc.NewErrorResponse(nil, rpcErr))
		return
	}

	ctx := rpc.WithBatch(s.ctx)
	replies := make([]*jsonrpc.Message, len(elems))

	if s.cfg.BatchMode == "sequential" {
		for i, raw := range elems {
			replies[i] = s.processElement(ctx, c, raw)
		}
	} else {
		var wg sync.WaitGroup
		for i, raw := range elems {
			wg.Add(1)
			go func(i int, raw json.RawMessage) {
				defer wg.Done()
				defer monitoring.RecoverPanic(s.logger, "batch_element")
				replies[i] = s.processElement(ctx, c, raw)
			}(i, raw)
		}
		wg.Wait()
	}

	out := make([]json.RawMessage, 0, len(replies))
	for _, reply := range replies {
		if reply == nil {
			continue
		}
		encoded, err := reply.Encode()
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode batch reply element")
			continue
		}
		out = append(out, encoded)
	}
	if len(out) == 0 {
		return
	}

	frame, err := json.Marshal(out)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode batch reply")
		return
	}
	s.enqueueFrame(c, frame)
}
