package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/wsrpc/internal/jsonrpc"
)

// Route identifies which buffer a push was dispatched to.
type Route string

const (
	RouteStream  Route = "stream"
	RouteHandler Route = "handler"
)

// Handler processes a push for one subscription.
type Handler func(ctx context.Context, n *jsonrpc.Notification) error

// Config holds buffer sizes for the Router.
type Config struct {
	StreamBufferSize  int // Default: 500
	HandlerBufferSize int // Default: 500
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		StreamBufferSize:  500,
		HandlerBufferSize: 500,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Handlers      int
	RoutedStream  int64
	RoutedHandler int64
	StreamBuffer  BufferStats
	HandlerBuffer BufferStats
}

// Router dispatches subscription pushes to the message stream or to the
// handler-routed buffer.
type Router struct {
	cfg    Config
	logger *slog.Logger

	stream  *Buffer[*jsonrpc.Notification]
	handled *Buffer[*jsonrpc.Notification]

	mu       sync.RWMutex
	handlers map[string]Handler // subscription id -> handler

	statsMu       sync.Mutex
	routedStream  int64
	routedHandler int64
}

// New creates a Router.
func New(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		logger:   logger,
		stream:   NewBuffer[*jsonrpc.Notification](cfg.StreamBufferSize),
		handled:  NewBuffer[*jsonrpc.Notification](cfg.HandlerBufferSize),
		handlers: make(map[string]Handler),
	}
}

// Register installs h for subscription id. Pushes dispatched afterwards are
// routed to the handler buffer.
func (r *Router) Register(id string, h Handler) {
	r.mu.Lock()
	r.handlers[id] = h
	r.mu.Unlock()
}

// Deregister removes the handler for id and reports whether one existed.
func (r *Router) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[id]
	delete(r.handlers, id)
	return ok
}

// Handler returns the handler registered for id.
func (r *Router) Handler(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// HandlerCount returns the number of registered handlers.
func (r *Router) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch routes n to exactly one buffer. It blocks while that buffer is
// full and returns ErrBufferClosed once the router is closed.
func (r *Router) Dispatch(ctx context.Context, n *jsonrpc.Notification) (Route, error) {
	_, hasHandler := r.Handler(n.Subscription)

	route := RouteStream
	buf := r.stream
	if hasHandler {
		route = RouteHandler
		buf = r.handled
	}

	if err := buf.Send(ctx, n); err != nil {
		return route, err
	}

	r.statsMu.Lock()
	if route == RouteHandler {
		r.routedHandler++
	} else {
		r.routedStream++
	}
	r.statsMu.Unlock()

	r.logger.Debug("notification dispatched",
		"subscription", n.Subscription,
		"route", route,
	)
	return route, nil
}

// Next returns the next push from the message stream.
func (r *Router) Next(ctx context.Context) (*jsonrpc.Notification, error) {
	return r.stream.Receive(ctx)
}

// NextHandled returns the next push from the handler-routed buffer.
func (r *Router) NextHandled(ctx context.Context) (*jsonrpc.Notification, error) {
	return r.handled.Receive(ctx)
}

// Close closes both buffers, waking every blocked producer and consumer.
func (r *Router) Close() {
	r.stream.Close()
	r.handled.Close()
}

// Done is closed once the router has been closed.
func (r *Router) Done() <-chan struct{} {
	return r.stream.Closed()
}

// Clear drops queued pushes and every handler registration.
func (r *Router) Clear() {
	r.stream.Drain()
	r.handled.Drain()

	r.mu.Lock()
	r.handlers = make(map[string]Handler)
	r.mu.Unlock()
}

// Stats returns runtime statistics.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	stream, handler := r.routedStream, r.routedHandler
	r.statsMu.Unlock()

	return Stats{
		Handlers:      r.HandlerCount(),
		RoutedStream:  stream,
		RoutedHandler: handler,
		StreamBuffer:  r.stream.Stats(),
		HandlerBuffer: r.handled.Stats(),
	}
}
