// Package rpc implements the request/response core of the gateway: wire
// types, the method registry, the middleware chain, and the idempotency
// cache. It is transport-agnostic; the websocket package moves its frames
// and the gateway wires the two together.
package rpc

import (
	"fmt"
	"time"
)

// Error codes carried on failed responses.
const (
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeNotAvailable     = "NOT_AVAILABLE"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeParentNotFound   = "PARENT_NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodeFileError        = "FILE_ERROR"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeBlocked          = "BLOCKED"
)

// Request is one client call.
type Request struct {
	ID             string `json:"id"`
	Method         string `json:"method"`
	Params         Params `json:"params,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Response answers one request. Exactly one of Result and Error is set.
type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Event is a server-to-client push. SessionID is empty for global events.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Error is the wire error payload. It implements error so handlers can
// return it directly to pick their own code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a wire error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a wire error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Succeed builds a success response for a request.
func Succeed(id string, result any) *Response {
	return &Response{ID: id, Success: true, Result: result}
}

// Fail builds a failure response for a request.
func Fail(id string, err *Error) *Response {
	return &Response{ID: id, Success: false, Error: err}
}
