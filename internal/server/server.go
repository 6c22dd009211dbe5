// Package server is the engine facade: it accepts WebSocket connections,
// runs the per-connection reader/writer pair, dispatches JSON-RPC frames
// through the router, and exposes the publish operations.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wsrpc/internal/config"
	"github.com/adred-codev/wsrpc/internal/limits"
	"github.com/adred-codev/wsrpc/internal/monitoring"
	"github.com/adred-codev/wsrpc/internal/persist"
	"github.com/adred-codev/wsrpc/internal/rpc"
	"github.com/adred-codev/wsrpc/internal/session"
	"github.com/adred-codev/wsrpc/internal/store"
	"github.com/adred-codev/wsrpc/internal/subs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame from the peer. Client pings (or
	// any traffic) reset it.
	pongWait = 30 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Server wires the engine together. Construct with New, then Start; Publish,
// PublishBatch, and PublishPersistent are safe to call from any goroutine
// once Start returns.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	router   *rpc.Router
	registry *session.Registry
	exact    *subs.ExactIndex
	patterns *subs.PatternIndex
	store    *store.Store
	persist  *persist.Manager
	janitor  *store.Janitor

	guard    *limits.ResourceGuard
	connRate *limits.ConnectionRateLimiter

	listener net.Listener
	httpSrv  *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32

	startTime time.Time
}

func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		router:    rpc.NewRouter(logger),
		registry:  session.NewRegistry(cfg.SendBuffer),
		exact:     subs.NewExactIndex(),
		patterns:  subs.NewPatternIndex(),
		store:     st,
		janitor:   store.NewJanitor(st, cfg.RetentionInterval),
		persist:   persist.NewManager(st, cfg.InactivityTimeout, logger),
		connRate: limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPRate:  cfg.ConnRatePerIP,
			IPBurst: cfg.ConnBurstPerIP,
			Logger:  logger,
		}),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	s.guard = limits.NewResourceGuard(cfg.MaxConnections, cfg.CPULimit, cfg.CPURejectThreshold, s.registry.Len, logger)
	s.registerBuiltins()
	return s, nil
}

// Router exposes the method registry so callers can install handlers and
// middleware before Start.
func (s *Server) Router() *rpc.Router { return s.router }

// Store exposes the durable store (topic registration, scans).
func (s *Server) Store() *store.Store { return s.store }

// Context is cancelled when Shutdown runs; background helpers tied to the
// server's lifetime should watch it.
func (s *Server) Context() context.Context { return s.ctx }

// Start binds the listener and launches the accept loop and background
// tasks. Non-blocking; use Shutdown to stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.Handler())

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.janitor.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.persist.RunCleanup(s.ctx, s.cfg.CleanupInterval)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.guard.Monitor(s.ctx.Done(), s.cfg.MetricsInterval)
	}()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Server listening")
	return nil
}

// Addr is the bound listen address (useful when configured with port 0).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.connRate.Allow(ip) {
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.guard.ShouldAccept(); !accept {
		s.logger.Debug().
			Str("reason", reason).
			Int("current_connections", s.registry.Len()).
			Msg("Connection rejected")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	conn := s.registry.Add(sock)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(s.registry.Len()))

	s.logger.Debug().
		Uint64("conn_id", conn.ID()).
		Str("remote_addr", r.RemoteAddr).
		Msg("Connection established")

	go s.writePump(conn)
	go s.readPump(conn)
}

// disconnect tears a connection down exactly once. Cleanup order is fixed:
// registry first, then the subscription indexes, then persistent bindings.
// A publish racing this sees either a live, fully-indexed connection or none
// at all.
func (s *Server) disconnect(c *session.Conn, reason string) {
	c.Close()
	if !s.registry.Remove(c.ID()) {
		return
	}

	exactRemoved := s.exact.RemoveConn(c.ID())
	patternsRemoved := s.patterns.RemoveConn(c.ID())
	persistDetached := s.persist.RemoveConn(c.ID())

	monitoring.ConnectionsActive.Set(float64(s.registry.Len()))
	monitoring.DisconnectsTotal.WithLabelValues(reason).Inc()

	s.logger.Info().
		Uint64("conn_id", c.ID()).
		Str("reason", reason).
		Dur("connection_duration", time.Since(c.ConnectedAt())).
		Int("exact_subs", exactRemoved).
		Int("pattern_subs", patternsRemoved).
		Int("persistent_bindings", persistDetached).
		Msg("Connection closed")
}

// kickSlowClient sends a policy-violation close frame and disconnects. Used
// when a connection's send queue stays full across consecutive publishes.
func (s *Server) kickSlowClient(c *session.Conn) {
	s.logger.Warn().
		Uint64("conn_id", c.ID()).
		Msg("Disconnecting slow client")
	monitoring.SlowClientsDisconnected.Inc()

	body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "client too slow to process messages")
	ws.WriteFrame(c.Socket(), ws.NewCloseFrame(body))
	s.disconnect(c, "slow_client")
}

func (s *Server) readPump(c *session.Conn) {
	defer s.disconnect(c, "read_error")
	defer monitoring.RecoverPanic(s.logger, "read_pump")

	inbound := limits.NewInboundLimiter(s.cfg.InboundRate, s.cfg.InboundBurst)
	c.Socket().SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.Socket())
		if err != nil {
			return
		}
		c.Socket().SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			monitoring.MessagesReceived.Inc()
			monitoring.BytesReceived.Add(float64(len(msg)))

			if !inbound.Allow() {
				monitoring.RateLimitedFrames.Inc()
				s.logger.Warn().Uint64("conn_id", c.ID()).Msg("Inbound frame rate limited")
				continue
			}
			s.safeHandleFrame(c, msg)

		case ws.OpClose:
			return

		default:
			// Binary frames are ignored; control frames are answered by
			// wsutil.
		}
	}
}

// safeHandleFrame recovers handler panics per frame, matching the per
// element recovery in parallel batches: a panicking handler loses its reply,
// not the connection.
func (s *Server) safeHandleFrame(c *session.Conn, data []byte) {
	defer monitoring.RecoverPanic(s.logger, "handle_frame")
	s.handleFrame(c, data)
}

func (s *Server) writePump(c *session.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.disconnect(c, "write_error")
	}()

	for {
		select {
		case frame := <-c.Send():
			c.Socket().SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.Socket(), ws.OpText, frame); err != nil {
				s.logger.Debug().
					Uint64("conn_id", c.ID()).
					Err(err).
					Int("frame_size", len(frame)).
					Msg("Failed to write frame")
				return
			}
			monitoring.MessagesSent.Inc()
			monitoring.BytesSent.Add(float64(len(frame)))

		case <-ticker.C:
			c.Socket().SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.Socket(), ws.OpPing, nil); err != nil {
				return
			}

		case <-c.Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	topics, err := s.store.Topics()
	status := "healthy"
	code := http.StatusOK
	if err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"connections": map[string]any{
			"current": s.registry.Len(),
			"max":     s.cfg.MaxConnections,
		},
		"store": map[string]any{
			"topics": len(topics),
		},
		"cpu_percent": s.guard.CurrentCPU(),
		"uptime":      time.Since(s.startTime).Seconds(),
	})
}

// Shutdown performs a graceful stop: refuse new connections, drain the live
// ones for the configured grace period, then force-close stragglers and stop
// the background tasks.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	drainTimer := time.NewTimer(s.cfg.DrainGracePeriod)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for s.registry.Len() > 0 {
		select {
		case <-drainTimer.C:
			s.logger.Warn().
				Int("remaining_connections", s.registry.Len()).
				Msg("Grace period expired, force closing remaining connections")
			break drain
		case <-checkTicker.C:
		}
	}

	s.registry.Range(func(c *session.Conn) bool {
		body := ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")
		ws.WriteFrame(c.Socket(), ws.NewCloseFrame(body))
		s.disconnect(c, "server_shutdown")
		return true
	})

	s.cancel()
	s.connRate.Stop()
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
