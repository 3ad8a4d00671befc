package duplex

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Router implements request routing with parameters, middleware and groups.
type Router struct {
	mu           sync.RWMutex
	routes       map[string]*routeNode
	middlewares  []Middleware
	notFound     Handler
	errorHandler ErrorHandler
}

// ErrorHandler renders an error returned by a handler.
type ErrorHandler func(ctx *Context, err error) error

type routeNode struct {
	path      string
	handler   Handler
	children  map[string]*routeNode
	isParam   bool
	paramName string
	isWild    bool
}

// NewRouter creates a new Router with the default not-found and error handlers.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]*routeNode),
		notFound: HandlerFunc(func(ctx *Context) error {
			return ctx.Plain(http.StatusNotFound, "Not Found")
		}),
		errorHandler: DefaultErrorHandler,
	}
}

// DefaultErrorHandler renders an HTTPError with its code and anything else as
// a 500, as JSON when the client accepts it.
func DefaultErrorHandler(ctx *Context, err error) error {
	code, msg := http.StatusInternalServerError, "Internal Server Error"
	var details any
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		code, msg, details = httpErr.Code, httpErr.Message, httpErr.Details
	}
	if strings.Contains(ctx.Header().Get("Accept"), "application/json") {
		body := map[string]any{"error": msg, "code": code}
		if details != nil {
			body["details"] = details
		}
		return ctx.JSON(code, body)
	}
	return ctx.Plain(code, msg)
}

// HTTPError represents an HTTP error with status code, message, and optional details.
type HTTPError struct {
	Code    int
	Message string
	Details any
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{Code: code, Message: message}
}

// WithDetails adds additional details to the HTTPError and returns it.
func (e *HTTPError) WithDetails(details any) *HTTPError {
	e.Details = details
	return e
}

// Use adds middleware to every route.
func (r *Router) Use(middlewares ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, middlewares...)
}

// NotFound sets the handler for requests no route matches.
func (r *Router) NotFound(handler Handler) {
	r.notFound = handler
}

// ErrorHandler sets the error handler function for the router.
func (r *Router) ErrorHandler(handler ErrorHandler) {
	r.errorHandler = handler
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, handler HandlerFunc) { r.Handle(http.MethodGet, path, handler) }

// POST registers a handler for POST requests.
func (r *Router) POST(path string, handler HandlerFunc) { r.Handle(http.MethodPost, path, handler) }

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, handler HandlerFunc) { r.Handle(http.MethodPut, path, handler) }

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, handler HandlerFunc) { r.Handle(http.MethodDelete, path, handler) }

// PATCH registers a handler for PATCH requests.
func (r *Router) PATCH(path string, handler HandlerFunc) { r.Handle(http.MethodPatch, path, handler) }

// HEAD registers a handler for HEAD requests.
func (r *Router) HEAD(path string, handler HandlerFunc) { r.Handle(http.MethodHead, path, handler) }

// OPTIONS registers a handler for OPTIONS requests.
func (r *Router) OPTIONS(path string, handler HandlerFunc) {
	r.Handle(http.MethodOptions, path, handler)
}

// Handle registers a handler for method and path. Segments starting with ':'
// capture one segment; a segment starting with '*' captures the rest.
func (r *Router) Handle(method, path string, handler Handler) {
	if path == "" || path[0] != '/' {
		panic("path must begin with '/'")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	root, ok := r.routes[method]
	if !ok {
		root = &routeNode{path: "/", children: make(map[string]*routeNode)}
		r.routes[method] = root
	}

	current := root
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == "" {
			continue
		}
		isParam := strings.HasPrefix(segment, ":")
		isWild := strings.HasPrefix(segment, "*")
		key := segment
		if isParam || isWild {
			key = segment[:1]
		}
		child, ok := current.children[key]
		if !ok {
			child = &routeNode{
				path:     segment,
				children: make(map[string]*routeNode),
				isParam:  isParam,
				isWild:   isWild,
			}
			if isParam || isWild {
				child.paramName = segment[1:]
			}
			current.children[key] = child
		}
		current = child
	}
	current.handler = handler
}

// Serve routes ctx to its handler through the router middleware.
func (r *Router) Serve(ctx *Context) error {
	handler, params := r.FindRoute(ctx.Method(), ctx.Path())
	for k, v := range params {
		ctx.Set(paramKey(k), v)
	}

	r.mu.RLock()
	mws := r.middlewares
	r.mu.RUnlock()
	if len(mws) > 0 {
		handler = Chain(mws...)(handler)
	}

	err := handler.Serve(ctx)
	if err != nil && r.errorHandler != nil {
		return r.errorHandler(ctx, err)
	}
	return err
}

// FindRoute returns the handler for method and path and the captured
// parameters. The query string is ignored.
func (r *Router) FindRoute(method, path string) (Handler, map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, ok := r.routes[method]
	if !ok {
		return r.notFound, nil
	}
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}

	var params map[string]string
	current := root
	trimmed := strings.Trim(path, "/")
	start := 0
	for i := 0; i <= len(trimmed); i++ {
		if i < len(trimmed) && trimmed[i] != '/' {
			continue
		}
		segment := trimmed[start:i]
		segStart := start
		start = i + 1
		if segment == "" {
			continue
		}
		if child, ok := current.children[segment]; ok {
			current = child
			continue
		}
		if params == nil {
			params = make(map[string]string, 2)
		}
		if child, ok := current.children[":"]; ok {
			params[child.paramName] = segment
			current = child
			continue
		}
		if child, ok := current.children["*"]; ok {
			params[child.paramName] = trimmed[segStart:]
			current = child
			break
		}
		return r.notFound, nil
	}

	if current.handler == nil {
		return r.notFound, nil
	}
	return current.handler, params
}

// Routes lists the registered "METHOD /path" patterns, sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	var walk func(method, prefix string, n *routeNode)
	walk = func(method, prefix string, n *routeNode) {
		if n.handler != nil {
			p := prefix
			if p == "" {
				p = "/"
			}
			out = append(out, method+" "+p)
		}
		for _, child := range n.children {
			walk(method, prefix+"/"+child.path, child)
		}
	}
	for method, root := range r.routes {
		walk(method, "", root)
	}
	sort.Strings(out)
	return out
}

// Group organizes routes under a common prefix and middleware stack.
type Group struct {
	router      *Router
	prefix      string
	middlewares []Middleware
}

// Group creates a route group with the given prefix and middleware.
func (r *Router) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{router: r, prefix: prefix, middlewares: middlewares}
}

// Use adds middleware to the group.
func (g *Group) Use(middlewares ...Middleware) {
	g.middlewares = append(g.middlewares, middlewares...)
}

// GET registers a handler for GET requests in the group.
func (g *Group) GET(path string, handler HandlerFunc) { g.Handle(http.MethodGet, path, handler) }

// POST registers a handler for POST requests in the group.
func (g *Group) POST(path string, handler HandlerFunc) { g.Handle(http.MethodPost, path, handler) }

// PUT registers a handler for PUT requests in the group.
func (g *Group) PUT(path string, handler HandlerFunc) { g.Handle(http.MethodPut, path, handler) }

// DELETE registers a handler for DELETE requests in the group.
func (g *Group) DELETE(path string, handler HandlerFunc) { g.Handle(http.MethodDelete, path, handler) }

// Handle registers a handler for method in the group.
func (g *Group) Handle(method, path string, handler Handler) {
	if len(g.middlewares) > 0 {
		handler = Chain(g.middlewares...)(handler)
	}
	g.router.Handle(method, g.prefix+path, handler)
}

// Group creates a nested group with combined prefixes and middleware.
func (g *Group) Group(prefix string, middlewares ...Middleware) *Group {
	mws := make([]Middleware, 0, len(g.middlewares)+len(middlewares))
	mws = append(mws, g.middlewares...)
	return &Group{
		router:      g.router,
		prefix:      g.prefix + prefix,
		middlewares: append(mws, middlewares...),
	}
}

// MustParam retrieves a route parameter or panics if it is empty.
func MustParam(ctx *Context, name string) string {
	v := ctx.Param(name)
	if v == "" {
		panic(fmt.Sprintf("parameter %q not found", name))
	}
	return v
}
