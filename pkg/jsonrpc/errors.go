package jsonrpc

import "fmt"

// Reserved JSON-RPC 2.0 error codes (https://www.jsonrpc.org/specification).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a JSON-RPC 2.0 error object. It implements the error interface so
// handlers can return it directly; the router forwards it to the wire
// verbatim instead of wrapping it in a generic internal error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %s (code %d)", e.Message, e.Code)
}

// NewError builds an application-defined error object.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func ParseError(detail string) *Error {
	return &Error{Code: CodeParseError, Message: "parse error", Data: detail}
}

func InvalidRequest(message string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: message}
}

func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "method not found", Data: method}
}

func InvalidParams(message string) *Error {
	return &Error{Code: CodeInvalidParams, Message: message}
}

func InternalError(message string) *Error {
	return &Error{Code: CodeInternalError, Message: message}
}

// AsError coerces any handler failure into a wire error object. A *Error
// passes through untouched; everything else becomes an internal error
// carrying the original message.
func AsError(err error) *Error {
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return InternalError(err.Error())
}
