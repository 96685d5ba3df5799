package velox

import (
	"context"
	"sync"

	"github.com/albertbausili/velox/internal/features"
)

// Handler defines the interface for request handlers. The same handler
// serves HTTP/1.x and HTTP/2 requests.
type Handler interface {
	ServeHTTP(ctx *Context) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(ctx *Context) error

// ServeHTTP calls f(ctx).
func (f HandlerFunc) ServeHTTP(ctx *Context) error {
	return f(ctx)
}

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// MiddlewareFunc is a function-based middleware that receives the context and next handler.
type MiddlewareFunc func(ctx *Context, next Handler) error

// ToMiddleware converts a MiddlewareFunc to a Middleware.
func (m MiddlewareFunc) ToMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			return m(ctx, next)
		})
	}
}

// Chain combines multiple middlewares into a single middleware.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

var contextPool = sync.Pool{New: func() any { return new(Context) }}

// HandlerApp runs a Handler for every request the engine parses.
type HandlerApp struct {
	handler Handler
}

// NewHandlerApp wraps h.
func NewHandlerApp(h Handler) *HandlerApp {
	return &HandlerApp{handler: h}
}

// CreateContext binds a pooled Context to the request's features.
func (a *HandlerApp) CreateContext(f *features.Collection) any {
	c := contextPool.Get().(*Context)
	c.reset(f)
	return c
}

// ProcessRequest runs the handler. The response is completed when the
// handler returns without error.
func (a *HandlerApp) ProcessRequest(ctx context.Context, state any) error {
	c := state.(*Context)
	c.ctx = ctx
	if err := a.handler.ServeHTTP(c); err != nil {
		return err
	}
	return c.finish()
}

// DisposeContext returns the Context to the pool.
func (a *HandlerApp) DisposeContext(state any, _ error) {
	c := state.(*Context)
	c.release()
	contextPool.Put(c)
}
