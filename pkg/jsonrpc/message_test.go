package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDRoundTrip(t *testing.T) {
	cases := []struct {
		wire string
		null bool
	}{
		{`1`, false},
		{`"1"`, false},
		{`"abc"`, false},
		{`42`, false},
		{`null`, true},
	}
	for _, tc := range cases {
		var id ID
		require.NoError(t, id.UnmarshalJSON([]byte(tc.wire)), tc.wire)
		assert.Equal(t, tc.null, id.IsNull(), tc.wire)
		out, err := id.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, tc.wire, string(out), tc.wire)
	}
}

func TestIDTypeDistinction(t *testing.T) {
	// The number 1 and the string "1" are different ids.
	num := IntID(1)
	str := StringID("1")
	assert.False(t, num.Equal(str))
	assert.NotEqual(t, num.Key(), str.Key())
	assert.True(t, num.Equal(IntID(1)))
	assert.True(t, NullID().Equal(NullID()))
}

func TestIDRejectsNonScalar(t *testing.T) {
	for _, wire := range []string{`{}`, `[1]`, `true`, `1.5`, `1e3`} {
		var id ID
		assert.Error(t, id.UnmarshalJSON([]byte(wire)), wire)
	}
}

func TestClassification(t *testing.T) {
	cases := []struct {
		wire string
		kind Kind
	}{
		{`{"jsonrpc":"2.0","method":"add","params":{"a":1},"id":1}`, KindRequest},
		{`{"jsonrpc":"2.0","method":"add","id":"x"}`, KindRequest},
		{`{"jsonrpc":"2.0","method":"tick"}`, KindNotification},
		{`{"jsonrpc":"2.0","method":"tick","params":[1,2]}`, KindNotification},
		{`{"jsonrpc":"2.0","result":3,"id":1}`, KindResponse},
		{`{"jsonrpc":"2.0","result":null,"id":1}`, KindResponse},
		{`{"jsonrpc":"2.0","error":{"code":-32601,"message":"nope"},"id":1}`, KindResponse},
		{`{"jsonrpc":"2.0","error":{"code":1,"message":"m"},"id":null}`, KindResponse},
		{`{"jsonrpc":"2.0","id":1}`, KindInvalid},
		{`{"jsonrpc":"2.0"}`, KindInvalid},
		{`{"jsonrpc":"2.0","result":1,"error":{"code":1,"message":"m"},"id":1}`, KindInvalid},
	}
	for _, tc := range cases {
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(tc.wire), &msg), tc.wire)
		assert.Equal(t, tc.kind, msg.Kind(), tc.wire)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	msg, err := NewNotification("orders.new", map[string]int{"x": 1})
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	_, hasID := fields["id"]
	assert.False(t, hasID, "notification must not carry an id field")
}

func TestEncodeOmitsAbsentFields(t *testing.T) {
	msg, err := NewRequest(IntID(7), "ping", nil)
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping","id":7}`, string(data))
}

func TestErrorResponseCarriesNullID(t *testing.T) {
	msg := NewErrorResponse(nil, InvalidRequest("empty batch"))
	data, err := msg.Encode()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	raw, hasID := fields["id"]
	require.True(t, hasID, "error response must carry an id field")
	assert.Equal(t, "null", string(raw))
	_, hasResult := fields["result"]
	assert.False(t, hasResult)
}

func TestResponseEchoesIDType(t *testing.T) {
	var req Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m","id":"1"}`), &req))
	resp, err := NewResponse(req.ResponseID(), "ok")
	require.NoError(t, err)
	data, err := resp.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"1"`)
}

func TestDecodeFrame(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		f, rpcErr := DecodeFrame([]byte(`{"jsonrpc":"2.0","method":"m","id":1}`))
		require.Nil(t, rpcErr)
		assert.False(t, f.Batch)
		assert.Len(t, f.Elems, 1)
	})
	t.Run("batch", func(t *testing.T) {
		f, rpcErr := DecodeFrame([]byte(`[{"jsonrpc":"2.0","method":"m","id":1},{"jsonrpc":"2.0","method":"n"}]`))
		require.Nil(t, rpcErr)
		assert.True(t, f.Batch)
		assert.Len(t, f.Elems, 2)
	})
	t.Run("empty batch", func(t *testing.T) {
		_, rpcErr := DecodeFrame([]byte(`[]`))
		require.NotNil(t, rpcErr)
		assert.Equal(t, CodeInvalidRequest, rpcErr.Code)
	})
	t.Run("garbage", func(t *testing.T) {
		_, rpcErr := DecodeFrame([]byte(`{"jsonrpc":`))
		require.NotNil(t, rpcErr)
		assert.Equal(t, CodeParseError, rpcErr.Code)
	})
}

func TestParseMessage(t *testing.T) {
	t.Run("nested batch", func(t *testing.T) {
		_, rpcErr := ParseMessage([]byte(`[{"jsonrpc":"2.0","method":"m"}]`))
		require.NotNil(t, rpcErr)
		assert.Equal(t, CodeInvalidRequest, rpcErr.Code)
	})
	t.Run("wrong version", func(t *testing.T) {
		_, rpcErr := ParseMessage([]byte(`{"jsonrpc":"1.0","method":"m","id":1}`))
		require.NotNil(t, rpcErr)
		assert.Equal(t, CodeInvalidRequest, rpcErr.Code)
	})
	t.Run("non-object element", func(t *testing.T) {
		_, rpcErr := ParseMessage([]byte(`1`))
		require.NotNil(t, rpcErr)
		assert.Equal(t, CodeInvalidRequest, rpcErr.Code)
	})
}

func TestMissingAndNullParamsAreEquivalent(t *testing.T) {
	var withNull, without Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m","params":null,"id":1}`), &withNull))
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m","id":1}`), &without))

	// Handlers receive params as a raw value; both forms present as "no
	// usable params". "params": null decodes to the literal null.
	assert.True(t, without.Params == nil)
	if withNull.Params != nil {
		assert.Equal(t, "null", string(withNull.Params))
	}
}

func TestAsError(t *testing.T) {
	rpcErr := InvalidParams("bad")
	assert.Same(t, rpcErr, AsError(rpcErr))
	wrapped := AsError(assert.AnError)
	assert.Equal(t, CodeInternalError, wrapped.Code)
	assert.Equal(t, assert.AnError.Error(), wrapped.Message)
}
