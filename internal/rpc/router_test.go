package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wsrpc/pkg/jsonrpc"
)

func newTestRouter() *Router {
	return NewRouter(zerolog.Nop())
}

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})
}

func TestDispatchKnownMethod(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.Register("add", HandlerFunc(func(_ context.Context, params json.RawMessage) (any, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, jsonrpc.InvalidParams(err.Error())
		}
		return in.A + in.B, nil
	})))

	result, rpcErr := r.Dispatch(context.Background(), &Call{Method: "add", Params: json.RawMessage(`{"a":1,"b":2}`)})
	require.Nil(t, rpcErr)
	assert.Equal(t, 3, result)
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := newTestRouter()
	_, rpcErr := r.Dispatch(context.Background(), &Call{Method: "nope"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, rpcErr.Code)
}

func TestRegisterRejectsReservedNamespace(t *testing.T) {
	r := newTestRouter()
	assert.Error(t, r.Register("rpc.subscribe", echoHandler()))
	assert.NoError(t, r.Register("rpcx", echoHandler()))
	r.RegisterReserved("rpc.subscribe", echoHandler())
	_, rpcErr := r.Dispatch(context.Background(), &Call{Method: "rpc.subscribe"})
	assert.Nil(t, rpcErr)
}

func TestHandlerErrorMapping(t *testing.T) {
	r := newTestRouter()
	custom := jsonrpc.NewError(1234, "domain failure")
	require.NoError(t, r.Register("custom", HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		return nil, custom
	})))
	require.NoError(t, r.Register("plain", HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})))

	_, rpcErr := r.Dispatch(context.Background(), &Call{Method: "custom"})
	require.NotNil(t, rpcErr)
	assert.Same(t, custom, rpcErr)

	_, rpcErr = r.Dispatch(context.Background(), &Call{Method: "plain"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, jsonrpc.CodeInternalError, rpcErr.Code)
	assert.Equal(t, "boom", rpcErr.Message)
}

// traceMW records hook execution order into a shared trace.
type traceMW struct {
	name    string
	trace   *[]string
	verdict Action
	value   any
	postErr error
}

func (m *traceMW) Name() string { return m.name }

func (m *traceMW) Pre(_ context.Context, _ *Call) (Action, any, error) {
	*m.trace = append(*m.trace, "pre:"+m.name)
	return m.verdict, m.value, nil
}

func (m *traceMW) Post(_ context.Context, _ *Call, _ any, _ error) error {
	*m.trace = append(*m.trace, "post:"+m.name)
	return m.postErr
}

func TestMiddlewareOrder(t *testing.T) {
	r := newTestRouter()
	var trace []string
	r.Use(&traceMW{name: "a", trace: &trace})
	r.Use(&traceMW{name: "b", trace: &trace})
	require.NoError(t, r.Register("m", HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		trace = append(trace, "handler")
		return "ok", nil
	})))

	_, rpcErr := r.Dispatch(context.Background(), &Call{Method: "m"})
	require.Nil(t, rpcErr)
	assert.Equal(t, []string{"pre:a", "pre:b", "handler", "post:b", "post:a"}, trace)
}

func TestMiddlewareShortCircuit(t *testing.T) {
	r := newTestRouter()
	var trace []string
	r.Use(&traceMW{name: "a", trace: &trace})
	r.Use(&traceMW{name: "b", trace: &trace, verdict: ShortCircuit, value: "cached"})
	r.Use(&traceMW{name: "c", trace: &trace})
	require.NoError(t, r.Register("m", HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		trace = append(trace, "handler")
		return nil, nil
	})))

	result, rpcErr := r.Dispatch(context.Background(), &Call{Method: "m"})
	require.Nil(t, rpcErr)
	assert.Equal(t, "cached", result)
	// c's pre-hook never ran, the handler never ran, and post-hooks ran in
	// reverse for a and b only.
	assert.Equal(t, []string{"pre:a", "pre:b", "post:b", "post:a"}, trace)
}

func TestMiddlewarePostErrorSwallowed(t *testing.T) {
	r := newTestRouter()
	var trace []string
	r.Use(&traceMW{name: "a", trace: &trace, postErr: fmt.Errorf("post failed")})
	r.Use(&traceMW{name: "b", trace: &trace})
	require.NoError(t, r.Register("m", echoHandler()))

	_, rpcErr := r.Dispatch(context.Background(), &Call{Method: "m", Params: json.RawMessage(`1`)})
	assert.Nil(t, rpcErr)
	assert.Equal(t, []string{"pre:a", "pre:b", "post:b", "post:a"}, trace)
}

func TestConnIDContext(t *testing.T) {
	ctx := WithConnID(context.Background(), 7)
	id, ok := ConnID(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(7), id)

	_, ok = ConnID(context.Background())
	assert.False(t, ok)

	assert.False(t, InBatch(ctx))
	assert.True(t, InBatch(WithBatch(ctx)))
}
