package rpc

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"loom/pkg/logger"
)

// DefaultRequestTimeout bounds one dispatch when the config leaves it
// unset.
const DefaultRequestTimeout = 60 * time.Second

// DispatchFunc handles one request. Middlewares wrap it.
type DispatchFunc func(ctx context.Context, connID string, req *Request) *Response

// Middleware wraps request handling. It may short-circuit by returning a
// response without calling next.
type Middleware func(next DispatchFunc) DispatchFunc

// ErrorMapper resolves a domain error to a wire code. Returning "" falls
// back to INTERNAL_ERROR.
type ErrorMapper func(err error) string

// Dispatcher validates, routes, and answers requests.
type Dispatcher struct {
	registry *Registry
	managers map[string]any
	mapper   ErrorMapper
	timeout  time.Duration
	log      zerolog.Logger

	middlewares []Middleware
	chain       DispatchFunc
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithManager names a dependency handlers may require. Nil managers are
// ignored so optional subsystems simply stay unavailable.
func WithManager(name string, manager any) DispatcherOption {
	return func(d *Dispatcher) {
		if manager == nil || isNilPointer(manager) {
			return
		}
		d.managers[name] = manager
	}
}

// WithErrorMapper installs the domain error to wire code mapping.
func WithErrorMapper(fn ErrorMapper) DispatcherOption {
	return func(d *Dispatcher) { d.mapper = fn }
}

// WithTimeout bounds each request's handler execution.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(log zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher builds a dispatcher over a method registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		managers: make(map[string]any),
		timeout:  DefaultRequestTimeout,
		log:      *logger.Component("rpc"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.chain = d.dispatch
	return d
}

// Use appends middlewares; the first registered runs outermost. Called
// during wiring, before traffic.
func (d *Dispatcher) Use(mws ...Middleware) {
	d.middlewares = append(d.middlewares, mws...)
	chain := DispatchFunc(d.dispatch)
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		chain = d.middlewares[i](chain)
	}
	d.chain = chain
}

// Dispatch answers one request through the middleware chain.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, req *Request) *Response {
	return d.chain(ctx, connID, req)
}

// HasManager reports whether a named dependency is wired.
func (d *Dispatcher) HasManager(name string) bool {
	_, ok := d.managers[name]
	return ok
}

// dispatch is the chain's core: validate, invoke, wrap.
func (d *Dispatcher) dispatch(ctx context.Context, connID string, req *Request) *Response {
	method, ok := d.registry.Get(req.Method)
	if !ok {
		return Fail(req.ID, Errorf(CodeMethodNotFound, "unknown method: %s", req.Method))
	}

	params := req.Params
	if params == nil {
		params = Params{}
	}
	for _, key := range method.RequiredParams {
		if !params.Has(key) {
			return Fail(req.ID, Errorf(CodeInvalidParams, "%s: missing required parameter %q", req.Method, key))
		}
	}
	for _, name := range method.RequiredManagers {
		if _, ok := d.managers[name]; !ok {
			return Fail(req.ID, Errorf(CodeNotAvailable, "%s: %s manager not available", req.Method, name))
		}
	}

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := method.Handler(hctx, &Call{
		ConnectionID: connID,
		Request:      req,
		Params:       params,
	})
	if err != nil {
		return Fail(req.ID, d.wireError(err))
	}
	return Succeed(req.ID, result)
}

// wireError resolves an error to its wire form, preserving the message.
func (d *Dispatcher) wireError(err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	code := ""
	if d.mapper != nil {
		code = d.mapper(err)
	}
	if code == "" {
		code = CodeInternalError
	}
	return NewError(code, err.Error())
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
