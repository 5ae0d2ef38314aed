package rpc

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Recovery converts handler panics into INTERNAL_ERROR responses so one
// bad method cannot take down the connection's read loop.
func Recovery(log zerolog.Logger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, connID string, req *Request) (resp *Response) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("method", req.Method).
						Str("request", req.ID).
						Bytes("stack", debug.Stack()).
						Msg("rpc handler panicked")
					resp = Fail(req.ID, NewError(CodeInternalError, "internal error"))
				}
			}()
			return next(ctx, connID, req)
		}
	}
}

// Logging records each request with its outcome and latency.
func Logging(log zerolog.Logger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, connID string, req *Request) *Response {
			start := time.Now()
			resp := next(ctx, connID, req)

			evt := log.Debug()
			if resp.Error != nil {
				evt = log.Warn().Str("code", resp.Error.Code).Str("error", resp.Error.Message)
			}
			evt.
				Str("method", req.Method).
				Str("request", req.ID).
				Str("conn", connID).
				Dur("latency", time.Since(start)).
				Msg("rpc request")
			return resp
		}
	}
}

// Idempotency answers repeated requests from the cache. Only requests
// carrying an idempotency key participate; the stored response is
// re-labeled with the retry's request ID.
func Idempotency(cache *IdempotencyCache) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, connID string, req *Request) *Response {
			if req.IdempotencyKey == "" {
				return next(ctx, connID, req)
			}
			if cached, ok := cache.Get(connID, req.IdempotencyKey); ok {
				resp := *cached
				resp.ID = req.ID
				return &resp
			}
			resp := next(ctx, connID, req)
			cache.Put(connID, req.IdempotencyKey, resp)
			return resp
		}
	}
}
