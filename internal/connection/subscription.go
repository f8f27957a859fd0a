package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/rickgao/wsrpc/internal/jsonrpc"
	"github.com/rickgao/wsrpc/internal/router"
)

// Subscribe creates a subscription and returns its server-assigned id.
// With a Handler, pushes are delivered to it; otherwise they appear on the
// message stream (IterateMessages, NextMessage).
func (p *Provider) Subscribe(ctx context.Context, req SubscribeRequest) (string, error) {
	sess, err := p.liveSession()
	if err != nil {
		return "", err
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	raw, err := jsonrpc.MarshalParams(params)
	if err != nil {
		return "", err
	}

	info := p.newRequestInfo(p.cfg.SubscribeMethod, raw)
	info.Label = req.Label
	if info.Label == "" {
		info.Label = p.cfg.SubscribeMethod + string(raw)
	}
	info.Handler = req.Handler
	info.Values = req.Values
	info.PushFormatters = req.Formatters

	pr, err := sess.send(ctx, info)
	if err != nil {
		return "", err
	}
	resp, err := p.RecvForRequest(ctx, pr)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", resp.Error
	}

	var id jsonrpc.ID
	if err := json.Unmarshal(resp.Result, &id); err != nil || id.IsZero() {
		return "", fmt.Errorf("unexpected subscribe result %s", resp.Result)
	}
	return id.Key(), nil
}

// Unsubscribe cancels subscription id and reports the server's answer. On
// success the subscription's handler and request info are dropped.
func (p *Provider) Unsubscribe(ctx context.Context, id string) (bool, error) {
	sess, err := p.liveSession()
	if err != nil {
		return false, err
	}
	if _, ok := sess.subscription(id); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}

	resp, err := p.MakeRequest(ctx, p.cfg.UnsubscribeMethod, []any{id})
	if err != nil {
		return false, err
	}

	ok := isTrue(resp.Result)
	if ok {
		sess.logger.Info("unsubscribed", "subscription", id)
	}
	return ok, nil
}

// UnsubscribeAll cancels every active subscription.
func (p *Provider) UnsubscribeAll(ctx context.Context) error {
	var errs []error
	for _, sub := range p.Subscriptions() {
		ok, err := p.Unsubscribe(ctx, sub.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			errs = append(errs, fmt.Errorf("server refused to unsubscribe %s", sub.ID))
		}
	}
	return errors.Join(errs...)
}

// Subscriptions returns the active subscriptions ordered by id.
func (p *Provider) Subscriptions() []*Subscription {
	sess := p.current()
	if sess == nil {
		return nil
	}

	sess.subsMu.RLock()
	subs := make([]*Subscription, 0, len(sess.subs))
	for _, sub := range sess.subs {
		subs = append(subs, sub)
	}
	sess.subsMu.RUnlock()

	slices.SortFunc(subs, func(a, b *Subscription) int {
		return strings.Compare(a.ID, b.ID)
	})
	return subs
}

// SubscriptionByID returns the active subscription with the given id.
func (p *Provider) SubscriptionByID(id string) (*Subscription, bool) {
	sess := p.current()
	if sess == nil {
		return nil, false
	}
	return sess.subscription(id)
}

// SubscriptionByLabel returns an active subscription with the given label.
func (p *Provider) SubscriptionByLabel(label string) (*Subscription, bool) {
	for _, sub := range p.Subscriptions() {
		if sub.Label == label {
			return sub, true
		}
	}
	return nil, false
}

// WaitSubscriptions blocks while handler subscriptions are active. It
// returns nil once none remain (unless runForever) or the connection ends
// cleanly, the first handler error unless errors are silenced, the reader's
// terminal error, or ctx.Err().
func (p *Provider) WaitSubscriptions(ctx context.Context, runForever bool) error {
	sess, err := p.liveSession()
	if err != nil {
		return err
	}

	for {
		n, changed := sess.handlerSubscriptions()
		if n == 0 && !runForever {
			// The last handler may have failed before it unsubscribed.
			select {
			case err := <-sess.handlerErrs:
				return err
			default:
				return nil
			}
		}

		select {
		case err := <-sess.handlerErrs:
			return err
		case <-changed:
		case <-sess.done:
			return sess.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NextMessage returns the next push from the message stream. After the
// connection ends it returns the reader's error or ErrConnectionClosed.
func (p *Provider) NextMessage(ctx context.Context) (*jsonrpc.Notification, error) {
	sess := p.current()
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess.nextMessage(ctx)
}

// IterateMessages yields pushes from the message stream in arrival order.
// The sequence belongs to the current connection and ends with it; a clean
// end yields no error.
func (p *Provider) IterateMessages(ctx context.Context) iter.Seq2[*jsonrpc.Notification, error] {
	sess := p.current()
	return func(yield func(*jsonrpc.Notification, error) bool) {
		if sess == nil {
			yield(nil, ErrNotConnected)
			return
		}

		for {
			n, err := sess.nextMessage(ctx)
			if n == nil {
				if !errors.Is(err, ErrConnectionClosed) {
					yield(nil, err)
				}
				return
			}
			// A formatter error still carries the raw push.
			if !yield(n, err) {
				return
			}
		}
	}
}

func (s *session) subscription(id string) (*Subscription, bool) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	sub, ok := s.subs[id]
	return sub, ok
}

// nextMessage returns the next stream push. A non-nil push with an error
// means its formatters failed.
func (s *session) nextMessage(ctx context.Context) (*jsonrpc.Notification, error) {
	n, err := s.router.Next(ctx)
	if err != nil {
		if errors.Is(err, router.ErrBufferClosed) {
			return nil, s.closedErr()
		}
		return nil, err
	}
	s.metrics.SetQueueDepth("stream", s.router.Stats().StreamBuffer.Count)
	return s.formatNotification(n)
}

// formatNotification applies the subscription's push formatters.
func (s *session) formatNotification(n *jsonrpc.Notification) (*jsonrpc.Notification, error) {
	info, ok := s.corr.RequestInfoForNotification(n)
	if !ok || len(info.PushFormatters) == 0 {
		return n, nil
	}

	result := n.Result
	for _, f := range info.PushFormatters {
		var err error
		result, err = f(result)
		if err != nil {
			return n, fmt.Errorf("format push on %s: %w", n.Subscription, err)
		}
	}
	return &jsonrpc.Notification{
		Method:       n.Method,
		Subscription: n.Subscription,
		Result:       result,
	}, nil
}

// handlerFor adapts a subscription handler to the router.
func (s *session) handlerFor(sub *Subscription) router.Handler {
	return func(ctx context.Context, n *jsonrpc.Notification) error {
		formatted, err := s.formatNotification(n)
		if err != nil {
			return err
		}
		sub.calls.Add(1)
		return sub.handler(ctx, &HandlerContext{
			Subscription: sub,
			Result:       formatted.Result,
			Provider:     s.provider,
			Values:       sub.values,
		})
	}
}

// handlerLoop drains the handler-routed queue. A handler that blocks on the
// reply to its own request while the reader waits on a full handler queue
// stalls until that request times out.
func (s *session) handlerLoop() error {
	for {
		if s.ctx.Err() != nil {
			return nil
		}

		n, err := s.router.NextHandled(s.ctx)
		if err != nil {
			return nil
		}
		s.metrics.SetQueueDepth("handler", s.router.Stats().HandlerBuffer.Count)

		h, ok := s.router.Handler(n.Subscription)
		if !ok {
			s.logger.Debug("no handler for push, dropping", "subscription", n.Subscription)
			continue
		}

		s.handlerStarted()
		s.handle(h, n)
		s.handlerFinished()
	}
}

func (s *session) handle(h router.Handler, n *jsonrpc.Notification) {
	err := h(s.ctx, n)
	if err == nil {
		return
	}

	s.metrics.HandlerError()
	if s.cfg.SilenceListenerErrors {
		s.logger.Warn("subscription handler failed", "subscription", n.Subscription, "error", err)
		return
	}
	s.logger.Error("subscription handler failed", "subscription", n.Subscription, "error", err)
	select {
	case s.handlerErrs <- fmt.Errorf("handler for subscription %s: %w", n.Subscription, err):
	default:
	}
}
