// Package client is a reconnecting JSON-RPC 2.0 client over WebSocket.
// Outgoing requests are correlated to responses by id; dropped connections
// are redialed per a pluggable strategy, and all subscriptions are re-sent
// after a successful reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wsrpc/pkg/jsonrpc"
)

// ErrClosed is returned for calls against a closed client and for requests
// in flight when the connection drops. Requests are never retried across a
// reconnect; JSON-RPC has no idempotency marker.
var ErrClosed = errors.New("wsrpc client: connection closed")

// NotificationHandler receives server-initiated notifications. method is the
// subscribed topic or pattern; params is the raw payload.
type NotificationHandler func(method string, params json.RawMessage)

// Config configures Dial.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Reconnect governs redial behavior. Nil means no reconnection.
	Reconnect ReconnectStrategy
	// OnNotification is invoked from the read loop for each notification.
	// Handlers must be quick or hand off; they block further reads.
	OnNotification NotificationHandler
	Logger         zerolog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	writeMu sync.Mutex
	sock    net.Conn
	reader  io.Reader

	mu        sync.Mutex
	pending   map[string]chan *jsonrpc.Message
	exactSubs map[string]struct{}
	persist   map[string]string // subscription id -> topic/pattern
	connected bool
	closed    bool

	nextID uint64
	done   chan struct{}
}

// Dial connects and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c := &Client{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "wsrpc_client").Logger(),
		pending:   make(map[string]chan *jsonrpc.Message),
		exactSubs: make(map[string]struct{}),
		persist:   make(map[string]string),
		done:      make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	sock, br, _, err := ws.Dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	var reader io.Reader = sock
	if br != nil {
		// The handshake read may have buffered frame bytes.
		reader = io.MultiReader(br, sock)
	}

	c.mu.Lock()
	c.sock = sock
	c.reader = reader
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Close shuts the client down. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.mu.Unlock()

	close(c.done)
	if sock != nil {
		sock.Close()
	}
	c.failPending()
	return nil
}

// Call sends a request and waits for its response. The result, if non-nil,
// receives the unmarshalled result value. A JSON-RPC error object comes back
// as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := jsonrpc.IntID(int64(atomic.AddUint64(&c.nextID, 1)))
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	waiter := make(chan *jsonrpc.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id.Key()] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id.Key())
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case resp, ok := <-waiter:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode result of %s: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification; no reply is expected.
func (c *Client) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *Client) send(msg *jsonrpc.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	sock, connected := c.sock, c.connected
	c.mu.Unlock()
	if !connected || sock == nil {
		return ErrClosed
	}
	return wsutil.WriteClientMessage(sock, ws.OpText, frame)
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		reader := c.reader
		sock := c.sock
		c.mu.Unlock()

		rw := readWriter{reader, sock}
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			if !c.handleDrop() {
				return
			}
			continue
		}
		c.dispatchFrame(data)
	}
}

// readWriter pairs the buffered-handshake-aware reader with the raw socket
// writer, as wsutil needs both to auto-answer control frames.
type readWriter struct {
	io.Reader
	io.Writer
}

func (c *Client) dispatchFrame(data []byte) {
	frame, rpcErr := jsonrpc.DecodeFrame(data)
	if rpcErr != nil {
		c.logger.Warn().Int("code", rpcErr.Code).Msg("Undecodable inbound frame")
		return
	}
	for _, raw := range frame.Elems {
		msg, rpcErr := jsonrpc.ParseMessage(raw)
		if rpcErr != nil {
			c.logger.Warn().Int("code", rpcErr.Code).Msg("Undecodable frame element")
			continue
		}
		switch msg.Kind() {
		case jsonrpc.KindResponse:
			c.complete(msg)
		case jsonrpc.KindNotification:
			if c.cfg.OnNotification != nil {
				c.cfg.OnNotification(msg.Method, msg.Params)
			}
		default:
			c.logger.Debug().Str("method", msg.Method).Msg("Ignoring unexpected inbound request")
		}
	}
}

func (c *Client) complete(msg *jsonrpc.Message) {
	if msg.ID == nil {
		c.logger.Warn().Msg("Response with null id; dropping")
		return
	}
	c.mu.Lock()
	waiter, ok := c.pending[msg.ID.Key()]
	if ok {
		delete(c.pending, msg.ID.Key())
	}
	c.mu.Unlock()
	if ok {
		waiter <- msg
	}
}

// failPending closes every in-flight waiter. Call observes the closed
// channel as ErrClosed.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *jsonrpc.Message)
	c.mu.Unlock()

	for _, waiter := range pending {
		close(waiter)
	}
}

// handleDrop runs the reconnect strategy after a read failure. Returns false
// when the client is finished (closed, or the strategy gave up).
func (c *Client) handleDrop() bool {
	c.mu.Lock()
	closed := c.closed
	c.connected = false
	sock := c.sock
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	// In-flight requests cannot outlive their connection.
	c.failPending()
	if closed {
		return false
	}
	if c.cfg.Reconnect == nil {
		c.Close()
		return false
	}

	for attempt := 1; ; attempt++ {
		delay, ok := c.cfg.Reconnect.NextDelay(attempt)
		if !ok {
			c.logger.Warn().Int("attempts", attempt-1).Msg("Reconnect strategy gave up")
			c.Close()
			return false
		}

		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			continue
		}

		c.cfg.Reconnect.Reset()
		c.logger.Info().Int("attempt", attempt).Msg("Reconnected")
		// Off the read loop: Call blocks on a response that only the read
		// loop can deliver.
		go c.resubscribe()
		return true
	}
}

// resubscribe replays all recorded subscriptions on a fresh connection.
// Persistent subscriptions trigger server-side backlog replay automatically.
func (c *Client) resubscribe() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.exactSubs))
	for t := range c.exactSubs {
		topics = append(topics, t)
	}
	persistent := make(map[string]string, len(c.persist))
	for id, t := range c.persist {
		persistent[id] = t
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, t := range topics {
		if err := c.Call(ctx, "rpc.subscribe", map[string]string{"topic": t}, nil); err != nil {
			c.logger.Error().Err(err).Str("topic", t).Msg("Resubscribe failed")
		}
	}
	for id, t := range persistent {
		params := map[string]string{"subscription_id": id, "topic": t}
		if err := c.Call(ctx, "rpc.subscribe_persistent", params, nil); err != nil {
			c.logger.Error().Err(err).Str("subscription_id", id).Msg("Persistent resubscribe failed")
		}
	}
}

// SubscribeResult is the reply to Subscribe/Unsubscribe.
type SubscribeResult struct {
	Subscribed   bool   `json:"subscribed"`
	Unsubscribed bool   `json:"unsubscribed"`
	Topic        string `json:"topic"`
	Pattern      bool   `json:"pattern"`
}

// Subscribe adds an exact or pattern subscription and records it for
// replay after reconnect.
func (c *Client) Subscribe(ctx context.Context, topic string) (*SubscribeResult, error) {
	var res SubscribeResult
	if err := c.Call(ctx, "rpc.subscribe", map[string]string{"topic": topic}, &res); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.exactSubs[topic] = struct{}{}
	c.mu.Unlock()
	return &res, nil
}

// Unsubscribe removes a subscription and stops replaying it on reconnect.
func (c *Client) Unsubscribe(ctx context.Context, topic string) (*SubscribeResult, error) {
	var res SubscribeResult
	if err := c.Call(ctx, "rpc.unsubscribe", map[string]string{"topic": topic}, &res); err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.exactSubs, topic)
	c.mu.Unlock()
	return &res, nil
}

// PersistentSubscribeResult is the reply to SubscribePersistent.
type PersistentSubscribeResult struct {
	Subscribed       bool   `json:"subscribed"`
	SubscriptionID   string `json:"subscription_id"`
	Topic            string `json:"topic"`
	ResumedFromSeq   uint64 `json:"resumed_from_seq"`
	UndeliveredCount int    `json:"undelivered_count"`
}

// SubscribePersistent attaches a durable subscription. The server replays
// the backlog before this call returns, so by the time the result is in
// hand every missed notification has already been delivered to
// OnNotification (or is queued behind this response).
func (c *Client) SubscribePersistent(ctx context.Context, subscriptionID, topic string) (*PersistentSubscribeResult, error) {
	params := map[string]string{"subscription_id": subscriptionID, "topic": topic}
	var res PersistentSubscribeResult
	if err := c.Call(ctx, "rpc.subscribe_persistent", params, &res); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.persist[subscriptionID] = topic
	c.mu.Unlock()
	return &res, nil
}

// AckPersistent advances the durable cursor for a subscription.
func (c *Client) AckPersistent(ctx context.Context, subscriptionID string, sequenceID uint64) error {
	params := map[string]any{"subscription_id": subscriptionID, "sequence_id": sequenceID}
	return c.Call(ctx, "rpc.ack_persistent", params, nil)
}

// UnsubscribePersistent detaches the live binding; the durable cursor
// survives for a later SubscribePersistent.
func (c *Client) UnsubscribePersistent(ctx context.Context, subscriptionID string) error {
	params := map[string]string{"subscription_id": subscriptionID}
	err := c.Call(ctx, "rpc.unsubscribe_persistent", params, nil)
	if err == nil {
		c.mu.Lock()
		delete(c.persist, subscriptionID)
		c.mu.Unlock()
	}
	return err
}
