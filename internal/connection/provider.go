package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/wsrpc/internal/jsonrpc"
	"github.com/rickgao/wsrpc/internal/metrics"
)

// Provider is a JSON-RPC client over one persistent connection.
type Provider struct {
	cfg     Config
	dial    Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Coalesces concurrent Connect calls.
	connecting singleflight.Group

	mu   sync.RWMutex
	sess *session

	// Only one batch may be outstanding.
	batchMu sync.Mutex
}

// Option configures a Provider.
type Option func(*Provider)

// WithMetrics records client metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) {
		p.metrics = m
	}
}

// NewProvider creates a Provider. It does not connect.
func NewProvider(cfg Config, dial Dialer, logger *slog.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	p := &Provider{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With("endpoint", cfg.Endpoint),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Provider) Config() Config {
	return p.cfg
}

// Connect dials the transport and starts the reader. It is a no-op while
// connected. A session whose reader has stopped is discarded first.
func (p *Provider) Connect(ctx context.Context) error {
	_, err, _ := p.connecting.Do("connect", func() (any, error) {
		return nil, p.connect(ctx)
	})
	return err
}

func (p *Provider) connect(ctx context.Context) error {
	p.mu.Lock()
	old := p.sess
	if old != nil && old.stopped() {
		p.sess = nil
	}
	p.mu.Unlock()

	if old != nil {
		if !old.stopped() {
			return nil
		}
		old.close(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryBaseDelay
	b.Multiplier = p.cfg.RetryMultiplier
	b.MaxInterval = p.cfg.RetryMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var (
		transport Transport
		attempts  int
	)
	operation := func() error {
		attempts++
		p.metrics.ConnectAttempt()

		t, err := p.dial(ctx)
		if err != nil {
			p.logger.Warn("connect attempt failed",
				"attempt", attempts,
				"max_retries", p.cfg.MaxRetries,
				"error", err,
			)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		transport = t
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxRetries-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.metrics.ConnectFailed()
		return &ProviderConnectionError{
			Endpoint: p.cfg.Endpoint,
			Retries:  attempts,
			Err:      err,
		}
	}

	sess := newSession(p, transport)
	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()

	p.metrics.SetConnected(true)
	sess.start()

	sess.logger.Info("connected", "attempts", attempts)
	return nil
}

// Disconnect stops the reader, closes the transport and clears every cache
// and queue. Calling it while disconnected returns nil.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	sess := p.sess
	p.sess = nil
	p.mu.Unlock()

	if sess == nil {
		return nil
	}

	err := sess.close(ctx)
	p.logger.Info("disconnected", "session", sess.id)
	return err
}

// IsConnected reports whether a session is open and its reader running.
func (p *Provider) IsConnected() bool {
	sess := p.current()
	return sess != nil && !sess.stopped()
}

// Err returns the reader's terminal error for the current session.
func (p *Provider) Err() error {
	if sess := p.current(); sess != nil {
		return sess.Err()
	}
	return nil
}

// Done returns a channel closed when the current session's reader stops.
// It is already closed while disconnected.
func (p *Provider) Done() <-chan struct{} {
	if sess := p.current(); sess != nil {
		return sess.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Stats returns runtime statistics.
func (p *Provider) Stats() Stats {
	sess := p.current()
	if sess == nil {
		return Stats{}
	}

	requests := sess.corr.requests.Stats()
	responses := sess.corr.responses.Stats()
	routed := sess.router.Stats()

	sess.subsMu.RLock()
	subs := len(sess.subs)
	sess.subsMu.RUnlock()

	return Stats{
		Connected:         !sess.stopped(),
		SessionID:         sess.id,
		PendingRequests:   requests.Size,
		CachedResponses:   responses.Size,
		DedupEntries:      sess.corr.dedup.Len(),
		Subscriptions:     subs,
		RequestEvictions:  requests.Evictions,
		ResponseEvictions: responses.Evictions,
		StreamQueue:       routed.StreamBuffer.Count,
		HandlerQueue:      routed.HandlerBuffer.Count,
		RoutedStream:      routed.RoutedStream,
		RoutedHandler:     routed.RoutedHandler,
	}
}

// SessionID returns the id of the current session, or "" while
// disconnected.
func (p *Provider) SessionID() string {
	if sess := p.current(); sess != nil {
		return sess.id
	}
	return ""
}

func (p *Provider) current() *session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sess
}

// liveSession returns the current session if its reader is running.
func (p *Provider) liveSession() (*session, error) {
	sess := p.current()
	if sess == nil {
		return nil, ErrNotConnected
	}
	if sess.stopped() {
		return nil, sess.closedErr()
	}
	return sess, nil
}

// newRequestInfo builds request info, marking subscribe and unsubscribe
// requests by method.
func (p *Provider) newRequestInfo(method string, params json.RawMessage) *RequestInformation {
	info := &RequestInformation{
		Method: method,
		Params: params,
	}
	switch method {
	case p.cfg.SubscribeMethod:
		info.subscribe = true
	case p.cfg.UnsubscribeMethod:
		var ids []jsonrpc.ID
		if err := json.Unmarshal(params, &ids); err == nil && len(ids) > 0 {
			info.UnsubscribeOf = ids[0].Key()
		}
	}
	return info
}

// SendRequest writes a request and returns a handle for RecvForRequest.
// Cacheable requests identical to an earlier answered one are not sent.
func (p *Provider) SendRequest(ctx context.Context, method string, params any) (*PendingRequest, error) {
	sess, err := p.liveSession()
	if err != nil {
		return nil, err
	}

	raw, err := jsonrpc.MarshalParams(params)
	if err != nil {
		return nil, err
	}
	return sess.send(ctx, p.newRequestInfo(method, raw))
}

// Send is an alias of SendRequest.
func (p *Provider) Send(ctx context.Context, method string, params any) (*PendingRequest, error) {
	return p.SendRequest(ctx, method, params)
}

// SendRaw writes data to the transport as is. Replies to it are read with
// Recv.
func (p *Provider) SendRaw(ctx context.Context, data []byte) error {
	sess, err := p.liveSession()
	if err != nil {
		return err
	}
	return sess.transport.Write(ctx, data)
}

// RecvForRequest waits for the response to pr and runs its formatters.
func (p *Provider) RecvForRequest(ctx context.Context, pr *PendingRequest) (*jsonrpc.Response, error) {
	if pr == nil || pr.sess == nil {
		return nil, ErrUnknownRequest
	}
	if p.current() != pr.sess {
		return nil, ErrConnectionClosed
	}

	sess := pr.sess
	// A cached request was answered before it was sent; nothing more will
	// arrive for its key.
	if pr.Cached {
		return sess.takeResponse(pr)
	}
	if err := sess.waitForResponse(ctx, pr.key, p.cfg.RequestTimeout); err != nil {
		return nil, err
	}
	return sess.takeResponse(pr)
}

// MakeRequest sends a request and waits for its response. An RPC error is
// returned both in the response and as the error.
func (p *Provider) MakeRequest(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	pr, err := p.SendRequest(ctx, method, params)
	if err != nil {
		return nil, err
	}

	resp, err := p.RecvForRequest(ctx, pr)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return resp, resp.Error
	}
	return resp, nil
}

// Recv returns the next direct reply that no request is waiting for, such
// as a reply to SendRaw.
func (p *Provider) Recv(ctx context.Context) (*jsonrpc.Response, error) {
	sess := p.current()
	if sess == nil {
		return nil, ErrNotConnected
	}

	for {
		resp, arrived, ok := sess.corr.popUnclaimed()
		if ok {
			return resp, nil
		}

		select {
		case <-arrived:
		case <-sess.done:
			if resp, _, ok := sess.corr.popUnclaimed(); ok {
				return resp, nil
			}
			return nil, sess.closedErr()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AppendResultFormatter adds f to the result pipeline of a request whose
// response has not been read yet.
func (p *Provider) AppendResultFormatter(pr *PendingRequest, f Formatter) error {
	if pr == nil || pr.sess == nil {
		return ErrUnknownRequest
	}
	if pr.Cached {
		pr.formatters = append(pr.formatters, f)
		return nil
	}
	return pr.sess.corr.AppendResultFormatter(pr.key, f)
}

// AppendMiddlewareProcessor adds m to the middleware of a request whose
// response has not been read yet.
func (p *Provider) AppendMiddlewareProcessor(pr *PendingRequest, m Middleware) error {
	if pr == nil || pr.sess == nil {
		return ErrUnknownRequest
	}
	if pr.Cached {
		pr.middleware = append(pr.middleware, m)
		return nil
	}
	return pr.sess.corr.AppendMiddlewareProcessor(pr.key, m)
}

// send registers the request and writes it.
func (s *session) send(ctx context.Context, info *RequestInformation) (*PendingRequest, error) {
	if info.ID == "" {
		info.wireID = s.corr.NextID()
		info.ID = info.wireID.Key()
	}

	key, suppressed, err := s.corr.cacheRequestInfo(info)
	if err != nil {
		return nil, err
	}

	pr := &PendingRequest{
		ID:     info.wireID,
		Method: info.Method,
		Params: info.Params,
		key:    key,
		sess:   s,
	}
	if suppressed {
		pr.Cached = true
		s.logger.Debug("request answered from cache", "method", info.Method, "canonical", key)
		return pr, nil
	}

	s.corr.expect(key)

	data, err := json.Marshal(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		ID:             info.wireID,
		Method:         info.Method,
		Params:         info.Params,
	})
	if err == nil {
		err = s.transport.Write(ctx, data)
	}
	if err != nil {
		s.corr.PopRequestInfo(key)
		s.corr.forget(key)
		return nil, fmt.Errorf("send %s: %w", info.Method, err)
	}

	s.metrics.RequestSent(info.Method)
	s.logger.Debug("request sent", "id", key, "method", info.Method)
	return pr, nil
}

// takeResponse pops the cached response for pr and runs its pipeline.
func (s *session) takeResponse(pr *PendingRequest) (*jsonrpc.Response, error) {
	raw, ok := s.corr.PopRawResponse(pr.key)
	if !ok {
		return nil, ErrResponseLost
	}

	resp := raw
	info, ok := s.corr.RequestInfoForResponse(raw)
	if ok {
		var err error
		if pr.Cached {
			info.Middleware = append(info.Middleware, pr.middleware...)
			info.Formatters.Result = append(info.Formatters.Result, pr.formatters...)
		}
		resp, err = info.apply(raw)
		if err != nil {
			return nil, err
		}
		if !pr.Cached {
			s.corr.RememberCacheable(pr.key, info, raw)
		}
	}

	switch {
	case pr.Cached:
		s.metrics.Response(metrics.OutcomeCached)
	case resp.Error != nil:
		s.metrics.Response(metrics.OutcomeError)
	default:
		s.metrics.Response(metrics.OutcomeOK)
	}
	return resp, nil
}
