// Package rpc maps JSON-RPC method names to handlers and runs the middleware
// chain around each dispatch.
package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wsrpc/pkg/jsonrpc"
)

// ReservedPrefix is the namespace owned by the engine's built-in methods.
// User handlers may not register under it.
const ReservedPrefix = "rpc."

// Handler processes one call. params is the raw JSON params value; nil when
// the request omitted params or sent an explicit null (the engine treats
// both identically). The returned value is marshalled into the response
// result. Returning a *jsonrpc.Error puts that exact error object on the
// wire; any other error becomes -32603 with the error's message.
type Handler interface {
	ServeRPC(ctx context.Context, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

func (f HandlerFunc) ServeRPC(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// Call carries the dispatch inputs that middleware may inspect.
type Call struct {
	Method string
	Params json.RawMessage
	ConnID uint64
}

// Action is a middleware pre-hook verdict.
type Action int

const (
	// Continue proceeds to the next middleware or the handler.
	Continue Action = iota
	// ShortCircuit skips remaining pre-hooks and the handler; the value
	// returned alongside it becomes the dispatch result. Post-hooks of
	// middlewares that already ran still execute.
	ShortCircuit
)

// Middleware wraps dispatch. Pre-hooks run in registration order, post-hooks
// in reverse. A post-hook error is logged and swallowed so that every
// post-hook of an executed pre-hook gets its turn.
type Middleware interface {
	Name() string
	Pre(ctx context.Context, call *Call) (Action, any, error)
	Post(ctx context.Context, call *Call, result any, err error) error
}

// Router is the method registry. Safe for concurrent use; registration
// typically happens once at startup but nothing prevents runtime additions.
type Router struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
	logger     zerolog.Logger
}

func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Register installs a user handler. Names under the reserved "rpc."
// namespace are rejected.
func (r *Router) Register(method string, h Handler) error {
	if strings.HasPrefix(method, ReservedPrefix) {
		return jsonrpc.InvalidRequest("method name " + method + " is reserved")
	}
	r.register(method, h)
	return nil
}

// RegisterReserved installs an engine built-in under the "rpc." namespace.
func (r *Router) RegisterReserved(method string, h Handler) {
	r.register(method, h)
}

func (r *Router) register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Use appends a middleware to the chain.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// Dispatch resolves and runs the handler for a call, walking the middleware
// chain around it. The returned *jsonrpc.Error is nil on success.
func (r *Router) Dispatch(ctx context.Context, call *Call) (any, *jsonrpc.Error) {
	r.mu.RLock()
	handler := r.handlers[call.Method]
	chain := r.middleware
	r.mu.RUnlock()

	var (
		result   any
		err      error
		executed int
	)

	short := false
	for i, mw := range chain {
		action, shortResult, shortErr := mw.Pre(ctx, call)
		executed = i + 1
		if action == ShortCircuit {
			result, err, short = shortResult, shortErr, true
			break
		}
	}

	if !short {
		if handler == nil {
			result, err = nil, jsonrpc.MethodNotFound(call.Method)
		} else {
			result, err = handler.ServeRPC(ctx, call.Params)
		}
	}

	// Post-hooks run in reverse for every middleware whose pre-hook ran,
	// including the one that short-circuited. Their errors must not mask the
	// dispatch outcome.
	for i := executed - 1; i >= 0; i-- {
		if postErr := chain[i].Post(ctx, call, result, err); postErr != nil {
			r.logger.Warn().
				Err(postErr).
				Str("middleware", chain[i].Name()).
				Str("method", call.Method).
				Msg("Middleware post-hook failed")
		}
	}

	if err != nil {
		return nil, jsonrpc.AsError(err)
	}
	return result, nil
}
