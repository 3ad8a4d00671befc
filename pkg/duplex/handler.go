package duplex

import "github.com/albertbausili/duplex/internal/message"

// ServerRequest is a fully aggregated inbound request, whichever protocol
// carried it.
type ServerRequest = message.Message

// ServerResponse sends the single response of one request.
type ServerResponse = message.Responder

// Handler defines the interface for request handlers.
type Handler interface {
	Serve(ctx *Context) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(ctx *Context) error

// Serve calls f(ctx).
func (f HandlerFunc) Serve(ctx *Context) error {
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

// Chain combines multiple middlewares into a single middleware. The first
// one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
