package websocket

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Handler serves one accepted WebSocket. The connection is closed when
// ServeWebSocket returns.
type Handler interface {
	ServeWebSocket(ctx context.Context, conn *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Conn)

// ServeWebSocket calls f.
func (f HandlerFunc) ServeWebSocket(ctx context.Context, conn *Conn) {
	f(ctx, conn)
}

// Registry maps request paths and subprotocols to handlers. It is shared by
// the HTTP/1.1 upgrade path and the HTTP/2 extended CONNECT path.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]map[string]Handler)}
}

// Handle registers h for path. With no subprotocols the handler serves
// requests that ask for none.
func (r *Registry) Handle(path string, h Handler, subprotocols ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byProto, ok := r.routes[path]
	if !ok {
		byProto = make(map[string]Handler)
		r.routes[path] = byProto
	}
	if len(subprotocols) == 0 {
		byProto[""] = h
		return
	}
	for _, p := range subprotocols {
		byProto[p] = h
	}
}

// Lookup selects the handler for path and the first offered subprotocol it
// supports. The returned subprotocol is empty when none was selected.
func (r *Registry) Lookup(path string, offered []string) (Handler, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byProto, ok := r.routes[stripQuery(path)]
	if !ok {
		return nil, "", false
	}
	if len(offered) == 0 {
		h, ok := byProto[""]
		return h, "", ok
	}
	for _, p := range offered {
		if h, ok := byProto[p]; ok {
			return h, p, true
		}
	}
	return nil, "", false
}

// Empty reports whether no handler is registered.
func (r *Registry) Empty() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes) == 0
}

// Paths returns the registered paths in order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.routes))
	for p := range r.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ParseSubprotocols splits a sec-websocket-protocol header value.
func ParseSubprotocols(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
