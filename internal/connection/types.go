package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rickgao/wsrpc/internal/jsonrpc"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrRequestIDRequired   = errors.New("request id required outside of a batch")
	ErrUnknownRequest      = errors.New("no pending request with that id")
	ErrUnknownSubscription = errors.New("no active subscription with that id")
	ErrEmptyBatch          = errors.New("empty batch")
	ErrResponseLost        = errors.New("response evicted before it was read")
)

// ProviderConnectionError is returned by Connect once every dial attempt
// has failed.
type ProviderConnectionError struct {
	Endpoint string
	Retries  int
	Err      error
}

func (e *ProviderConnectionError) Error() string {
	return fmt.Sprintf("could not connect to %s after %d attempts: %v", e.Endpoint, e.Retries, e.Err)
}

func (e *ProviderConnectionError) Unwrap() error {
	return e.Err
}

// TimeExhaustedError is returned when no response arrived within the
// request timeout. The request may still have been processed by the server.
type TimeExhaustedError struct {
	ID      string
	Timeout time.Duration
}

func (e *TimeExhaustedError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.ID, e.Timeout)
}

// StrayResponseError ends the reader when an error reply arrives for an id
// nobody sent or is waiting on.
type StrayResponseError struct {
	ID  string
	Err *jsonrpc.Error
}

func (e *StrayResponseError) Error() string {
	return fmt.Sprintf("stray error response for id %q: %v", e.ID, e.Err)
}

func (e *StrayResponseError) Unwrap() error {
	return e.Err
}

// Config configures a Provider.
type Config struct {
	Endpoint              string        // Used in errors and logs
	MaxRetries            int           // Dial attempts before giving up (default 5)
	RetryBaseDelay        time.Duration // Wait after the first failed dial (default 1.75s)
	RetryMultiplier       float64       // Growth per failed dial (default 1.75)
	RetryMaxDelay         time.Duration // Cap on the wait between dials (default 60s)
	RequestTimeout        time.Duration // Per-request response timeout (default 30s)
	CacheSize             int           // Request info and raw response cache capacity (default 500)
	DedupSize             int           // Deduplication index capacity (default 500)
	QueueSize             int           // Capacity of each subscription queue (default 500)
	SilenceListenerErrors bool          // Log reader and handler errors instead of failing
	CacheableMethods      []string      // Methods whose responses are reused for identical requests
	SubscribeMethod       string        // Default "eth_subscribe"
	UnsubscribeMethod     string        // Default "eth_unsubscribe"
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        5,
		RetryBaseDelay:    1750 * time.Millisecond,
		RetryMultiplier:   1.75,
		RetryMaxDelay:     60 * time.Second,
		RequestTimeout:    30 * time.Second,
		CacheSize:         500,
		DedupSize:         500,
		QueueSize:         500,
		CacheableMethods:  []string{"eth_chainId", "net_version", "web3_clientVersion"},
		SubscribeMethod:   "eth_subscribe",
		UnsubscribeMethod: "eth_unsubscribe",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = d.RetryMultiplier
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.DedupSize <= 0 {
		c.DedupSize = d.DedupSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.CacheableMethods == nil {
		c.CacheableMethods = d.CacheableMethods
	}
	if c.SubscribeMethod == "" {
		c.SubscribeMethod = d.SubscribeMethod
	}
	if c.UnsubscribeMethod == "" {
		c.UnsubscribeMethod = d.UnsubscribeMethod
	}
}

// Formatter rewrites a result payload.
type Formatter func(result json.RawMessage) (json.RawMessage, error)

// ErrorFormatter rewrites an RPC error object.
type ErrorFormatter func(e *jsonrpc.Error) *jsonrpc.Error

// Middleware post-processes a whole response before formatters run.
type Middleware func(resp *jsonrpc.Response) (*jsonrpc.Response, error)

// Formatters is the transform pipeline applied to a response. Result runs
// on successful non-null results, NullResult on null results, Error on
// error replies.
type Formatters struct {
	Result     []Formatter
	NullResult []Formatter
	Error      []ErrorFormatter
}

func (f Formatters) clone() Formatters {
	return Formatters{
		Result:     append([]Formatter(nil), f.Result...),
		NullResult: append([]Formatter(nil), f.NullResult...),
		Error:      append([]ErrorFormatter(nil), f.Error...),
	}
}

// RequestInformation is the metadata kept for a request until its response
// is consumed. Subscribe requests are also kept under their subscription id
// until a successful unsubscribe.
type RequestInformation struct {
	ID         string
	Method     string
	Params     json.RawMessage
	Formatters Formatters
	Middleware []Middleware

	SubscriptionID string  // Set once a subscribe request is answered
	Label          string  // Subscribe requests only
	Handler        Handler // Subscribe requests only
	Values         map[string]any
	PushFormatters []Formatter // Applied to every push on the subscription
	UnsubscribeOf  string      // Unsubscribe requests: the target subscription id

	wireID    jsonrpc.ID
	subscribe bool
}

func (ri *RequestInformation) clone() *RequestInformation {
	c := *ri
	c.Formatters = ri.Formatters.clone()
	c.Middleware = append([]Middleware(nil), ri.Middleware...)
	c.PushFormatters = append([]Formatter(nil), ri.PushFormatters...)
	return &c
}

// apply runs middleware, then the formatter pipeline matching the response
// shape. The input response is not modified.
func (ri *RequestInformation) apply(resp *jsonrpc.Response) (*jsonrpc.Response, error) {
	out := *resp
	for _, m := range ri.Middleware {
		next, err := m(&out)
		if err != nil {
			return nil, fmt.Errorf("middleware for %s: %w", ri.Method, err)
		}
		if next != nil {
			out = *next
		}
	}

	switch {
	case out.Error != nil:
		for _, f := range ri.Formatters.Error {
			out.Error = f(out.Error)
		}
	case out.HasNullResult():
		for _, f := range ri.Formatters.NullResult {
			result, err := f(out.Result)
			if err != nil {
				return nil, fmt.Errorf("format null result of %s: %w", ri.Method, err)
			}
			out.Result = result
		}
	default:
		for _, f := range ri.Formatters.Result {
			result, err := f(out.Result)
			if err != nil {
				return nil, fmt.Errorf("format result of %s: %w", ri.Method, err)
			}
			out.Result = result
		}
	}
	return &out, nil
}

// PendingRequest is a sent request whose response has not been read yet.
type PendingRequest struct {
	ID     jsonrpc.ID
	Method string
	Params json.RawMessage

	// Cached is true when an identical earlier response answers this
	// request and nothing was written to the wire.
	Cached bool

	key        string
	sess       *session
	formatters []Formatter  // Cached requests only
	middleware []Middleware // Cached requests only
}

// Key returns the correlation key the response is stored under.
func (pr *PendingRequest) Key() string {
	return pr.key
}

// Handler processes one push on a subscription.
type Handler func(ctx context.Context, hc *HandlerContext) error

// HandlerContext is passed to subscription handlers.
type HandlerContext struct {
	Subscription *Subscription
	Result       json.RawMessage
	Provider     *Provider
	Values       map[string]any
}

// SubscribeRequest describes a subscription to create.
type SubscribeRequest struct {
	Params     []any          // Subscribe params, e.g. ["newHeads"]
	Label      string         // Defaults to method plus params
	Handler    Handler        // nil routes pushes to the message stream
	Values     map[string]any // Copied into every HandlerContext
	Formatters []Formatter    // Applied to every push result
}

// Subscription is an active server-side subscription.
type Subscription struct {
	ID     string
	Label  string
	Params json.RawMessage

	handler  Handler
	values   map[string]any
	calls    atomic.Int64
	provider *Provider
}

// HasHandler reports whether pushes are routed to a handler.
func (s *Subscription) HasHandler() bool {
	return s.handler != nil
}

// HandlerCalls returns how many pushes the handler has processed.
func (s *Subscription) HandlerCalls() int64 {
	return s.calls.Load()
}

// Unsubscribe cancels the subscription. It is safe to call from within the
// subscription's own handler.
func (s *Subscription) Unsubscribe(ctx context.Context) (bool, error) {
	return s.provider.Unsubscribe(ctx, s.ID)
}

// BatchRequest is one entry of a batch.
type BatchRequest struct {
	Method     string
	Params     any
	Formatters Formatters
}

// Stats contains runtime statistics.
type Stats struct {
	Connected         bool
	SessionID         string
	PendingRequests   int
	CachedResponses   int
	DedupEntries      int
	Subscriptions     int
	RequestEvictions  int64
	ResponseEvictions int64
	StreamQueue       int
	HandlerQueue      int
	RoutedStream      int64
	RoutedHandler     int64
}
