package connection

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// subscribeServer answers eth_subscribe with the ids in order, accepts every
// eth_unsubscribe and echoes the rest.
func subscribeServer(ids ...string) func(wireRequest) *string {
	var mu sync.Mutex
	return func(req wireRequest) *string {
		switch req.Method {
		case "eth_subscribe":
			mu.Lock()
			defer mu.Unlock()
			id := ids[0]
			ids = ids[1:]
			return result(req.ID, `"`+id+`"`)
		case "eth_unsubscribe":
			return result(req.ID, "true")
		}
		return echo(req)
	}
}

func TestSubscribe_HandlerAndStreamAreExclusive(t *testing.T) {
	p, ft := connectFake(t, testConfig())
	ft.serve(subscribeServer("0xa", "0xb"))
	ctx := context.Background()

	var (
		mu      sync.Mutex
		handled []string
	)
	idA, err := p.Subscribe(ctx, SubscribeRequest{
		Params: []any{"newHeads"},
		Handler: func(_ context.Context, hc *HandlerContext) error {
			mu.Lock()
			handled = append(handled, string(hc.Result))
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Subscribe with handler failed: %v", err)
	}
	idB, err := p.Subscribe(ctx, SubscribeRequest{Params: []any{"logs"}})
	if err != nil {
		t.Fatalf("Subscribe without handler failed: %v", err)
	}
	if idA != "0xa" || idB != "0xb" {
		t.Fatalf("subscription ids = %s, %s, want 0xa, 0xb", idA, idB)
	}

	ft.push(pushFrame("0xa", "1"))
	ft.push(pushFrame("0xb", "2"))
	ft.push(pushFrame("0xa", "3"))
	ft.push(pushFrame("0xb", "4"))

	for _, want := range []string{"2", "4"} {
		n, err := p.NextMessage(ctx)
		if err != nil {
			t.Fatalf("NextMessage failed: %v", err)
		}
		if n.Subscription != "0xb" || string(n.Result) != want {
			t.Errorf("NextMessage = %s/%s, want 0xb/%s", n.Subscription, n.Result, want)
		}
	}

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	})
	mu.Lock()
	if handled[0] != "1" || handled[1] != "3" {
		t.Errorf("handled = %v, want [1 3]", handled)
	}
	mu.Unlock()

	stats := p.Stats()
	if stats.RoutedStream != 2 || stats.RoutedHandler != 2 {
		t.Errorf("routed stream/handler = %d/%d, want 2/2", stats.RoutedStream, stats.RoutedHandler)
	}
	if stats.StreamQueue != 0 {
		t.Errorf("StreamQueue = %d, want 0", stats.StreamQueue)
	}

	sub, ok := p.SubscriptionByID("0xa")
	if !ok || !sub.HasHandler() || sub.HandlerCalls() != 2 {
		t.Errorf("subscription 0xa = %+v, want handler with 2 calls", sub)
	}
}

func TestSubscribe_Labels(t *testing.T) {
	p, ft := connectFake(t, testConfig())
	ft.serve(subscribeServer("0x1", "0x2"))
	ctx := context.Background()

	if _, err := p.Subscribe(ctx, SubscribeRequest{Params: []any{"newHeads"}, Label: "heads"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := p.Subscribe(ctx, SubscribeRequest{Params: []any{"logs"}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if sub, ok := p.SubscriptionByLabel("heads"); !ok || sub.ID != "0x1" {
		t.Errorf("SubscriptionByLabel(heads) = %v, %v", sub, ok)
	}
	if sub, ok := p.SubscriptionByLabel(`eth_subscribe["logs"]`); !ok || sub.ID != "0x2" {
		t.Errorf("default label lookup = %v, %v", sub, ok)
	}

	subs := p.Subscriptions()
	if len(subs) != 2 || subs[0].ID != "0x1" || subs[1].ID != "0x2" {
		t.Errorf("Subscriptions() = %v, want [0x1 0x2]", subs)
	}
}

func TestSubscribe_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	p, ft := connectFake(t, cfg)
	ft.serve(subscribeServer("0x1"))
	ctx := context.Background()

	if _, err := p.Subscribe(ctx, SubscribeRequest{Params: []any{"newHeads"}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 1; i <= 5; i++ {
		ft.push(pushFrame("0x1", string(rune('0'+i))))
	}

	// Two are queued, one is held by the blocked reader, two stay unread.
	waitUntil(t, func() bool {
		return p.Stats().StreamQueue == 2 && len(ft.incoming) == 2
	})
	time.Sleep(20 * time.Millisecond)
	if got := p.Stats().StreamQueue; got != 2 {
		t.Errorf("StreamQueue = %d, want 2", got)
	}
	if got := len(ft.incoming); got != 2 {
		t.Errorf("unread frames = %d, want 2", got)
	}

	for i := 1; i <= 5; i++ {
		n, err := p.NextMessage(ctx)
		if err != nil {
			t.Fatalf("NextMessage failed: %v", err)
		}
		if want := string(rune('0' + i)); string(n.Result) != want {
			t.Errorf("push %d = %s, want %s", i, n.Result, want)
		}
	}
	if !p.IsConnected() {
		t.Error("backpressure must not drop the connection")
	}
}

func TestSubscribe_PushFormatters(t *testing.T) {
	p, ft := connectFake(t, testConfig())
	ft.serve(subscribeServer("0x1"))
	ctx := context.Background()

	_, err := p.Subscribe(ctx, SubscribeRequest{
		Params: []any{"newHeads"},
		Formatters: []Formatter{func(res json.RawMessage) (json.RawMessage, error) {
			if string(res) == `"bad"` {
				return nil, errors.New("bad push")
			}
			return json.RawMessage(`{"wrapped":` + string(res) + `}`), nil
		}},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ft.push(pushFrame("0x1", `"bad"`))
	ft.push(pushFrame("0x1", "1"))
	ft.remoteClose()

	var (
		results []string
		errs    int
	)
	for n, err := range p.IterateMessages(ctx) {
		if err != nil {
			errs++
			continue
		}
		results = append(results, string(n.Result))
	}

	if errs != 1 {
		t.Errorf("formatter errors = %d, want 1", errs)
	}
	if len(results) != 1 || results[0] != `{"wrapped":1}` {
		t.Errorf("results = %v, want [{\"wrapped\":1}]", results)
	}
}

func TestUnsubscribe(t *testing.T) {
	p, ft := connectFake(t, testConfig())
	ft.serve(subscribeServer("0x1"))
	ctx := context.Background()

	id, err := p.Subscribe(ctx, SubscribeRequest{
		Params:  []any{"newHeads"},
		Handler: func(context.Context, *HandlerContext) error { return nil },
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ok, err := p.Unsubscribe(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Unsubscribe = %v, %v, want true", ok, err)
	}

	if _, found := p.SubscriptionByID(id); found {
		t.Error("subscription should be removed")
	}
	sess := p.current()
	if sess.router.HandlerCount() != 0 {
		t.Error("handler should be deregistered")
	}
	if sess.corr.hasRequest(subscriptionKey(id)) {
		t.Error("subscription request info should be dropped")
	}

	if _, err := p.Unsubscribe(ctx, id); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("second Unsubscribe error = %v, want ErrUnknownSubscription", err)
	}
}

func TestUnsubscribe_RefusedKeepsSubscription(t *testing.T) {
	p, ft := connectFake(t, testConfig())
	ft.serve(func(req wireRequest) *string {
		switch req.Method {
		case "eth_subscribe":
			return result(req.ID, `"0x1"`)
		case "eth_unsubscribe":
			return result(req.ID, "false")
		}
		return echo(req)
	})
	ctx := context.Background()

	if _, err := p.Subscribe(ctx, SubscribeRequest{Params: []any{"newHeads"}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ok, err := p.Unsubscribe(ctx, "0x1")
	if err != nil || ok {
		t.Fatalf("Unsubscribe = %v, %v, want false", ok, err)
	}
	if _, found := p.SubscriptionByID("0x1"); !found {
		t.Error("refused unsubscribe must keep the subscription")
	}

	if err := p.UnsubscribeAll(ctx); err == nil || !strings.Contains(err.Error(), "0x1") {
		t.Errorf("UnsubscribeAll error = %v, want refusal for 0x1", err)
	}
}

func TestWaitSubscriptions_UnsubscribeFromHandler(t *testing.T) {
	p, ft := connectFake(t, testConfig())
	ft.serve(subscribeServer("0x1"))
	ctx := context.Background()

	var seen []string
	_, err := p.Subscribe(ctx, SubscribeRequest{
		Params: []any{"newHeads"},
		Values: map[string]any{"stop_at": "3"},
		Handler: func(ctx context.Context, hc *HandlerContext) error {
			seen = append(seen, string(hc.Result))
			if string(hc.Result) == hc.Values["stop_at"] {
				_, err := hc.Subscription.Unsubscribe(ctx)
				return err
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, r := range []string{"1", "2", "3"} {
		ft.push(pushFrame("0x1", r))
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.WaitSubscriptions(waitCtx, false); err != nil {
		t.Fatalf("WaitSubscriptions = %v, want nil", err)
	}

	if len(seen) != 3 {
		t.Errorf("handler saw %v, want 3 pushes", seen)
	}
	if len(p.Subscriptions()) != 0 {
		t.Error("no subscriptions should remain")
	}
}

func TestWaitSubscriptions_HandlerError(t *testing.T) {
	p, ft := connectFake(t, testConfig())
	ft.serve(subscribeServer("0x1"))
	ctx := context.Background()

	handlerErr := errors.New("handler failed")
	_, err := p.Subscribe(ctx, SubscribeRequest{
		Params:  []any{"newHeads"},
		Handler: func(context.Context, *HandlerContext) error { return handlerErr },
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ft.push(pushFrame("0x1", "1"))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.WaitSubscriptions(waitCtx, true); !errors.Is(err, handlerErr) {
		t.Errorf("WaitSubscriptions = %v, want handler error", err)
	}
	if !p.IsConnected() {
		t.Error("a handler error must not end the reader")
	}
}

func TestWaitSubscriptions_SilencedHandlerError(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceListenerErrors = true
	p, ft := connectFake(t, cfg)
	ft.serve(subscribeServer("0x1"))
	ctx := context.Background()

	calls := make(chan struct{}, 2)
	_, err := p.Subscribe(ctx, SubscribeRequest{
		Params: []any{"newHeads"},
		Handler: func(context.Context, *HandlerContext) error {
			calls <- struct{}{}
			return errors.New("ignored")
		},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ft.push(pushFrame("0x1", "1"))
	ft.push(pushFrame("0x1", "2"))
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called for every push")
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := p.WaitSubscriptions(waitCtx, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitSubscriptions = %v, want deadline exceeded", err)
	}
}

func TestWaitSubscriptions_NoHandlers(t *testing.T) {
	p, ft := connectFake(t, testConfig())
	ft.serve(subscribeServer("0x1"))
	ctx := context.Background()

	if _, err := p.Subscribe(ctx, SubscribeRequest{Params: []any{"newHeads"}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := p.WaitSubscriptions(ctx, false); err != nil {
		t.Errorf("WaitSubscriptions = %v, want nil", err)
	}
}

func TestUnsubscribe_LateReplyDropsSubscription(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	p, ft := connectFake(t, cfg)

	unsubscribeIDs := make(chan json.RawMessage, 1)
	ft.serve(func(req wireRequest) *string {
		switch req.Method {
		case "eth_subscribe":
			return result(req.ID, `"0xb"`)
		case "eth_unsubscribe":
			unsubscribeIDs <- req.ID
			return nil
		}
		return echo(req)
	})
	ctx := context.Background()

	var calls atomic.Int32
	id, err := p.Subscribe(ctx, SubscribeRequest{
		Params: []any{"newHeads"},
		Handler: func(context.Context, *HandlerContext) error {
			calls.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var timeoutErr *TimeExhaustedError
	if _, err := p.Unsubscribe(ctx, id); !errors.As(err, &timeoutErr) {
		t.Fatalf("Unsubscribe error = %v, want *TimeExhaustedError", err)
	}
	if _, found := p.SubscriptionByID(id); !found {
		t.Fatal("subscription should remain until the server answers")
	}

	var reqID json.RawMessage
	select {
	case reqID = <-unsubscribeIDs:
	case <-time.After(2 * time.Second):
		t.Fatal("eth_unsubscribe was not sent")
	}
	ft.push(*result(reqID, "true"))

	waitUntil(t, func() bool {
		_, found := p.SubscriptionByID(id)
		return !found
	})
	sess := p.current()
	if sess.router.HandlerCount() != 0 {
		t.Error("handler should be deregistered")
	}
	if sess.corr.hasRequest(subscriptionKey(id)) {
		t.Error("subscription request info should be dropped")
	}

	// The reader handles frames in order, so the push is routed before the
	// echo reply arrives.
	ft.push(pushFrame(id, "1"))
	if _, err := p.MakeRequest(ctx, "ping", nil); err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("handler called %d times after unsubscribe, want 0", got)
	}
}

func TestWaitSubscriptions_ErrorBeforeSelfUnsubscribe(t *testing.T) {
	p, ft := connectFake(t, testConfig())
	ft.serve(subscribeServer("0x1"))
	ctx := context.Background()

	handlerErr := errors.New("handler failed")
	_, err := p.Subscribe(ctx, SubscribeRequest{
		Params: []any{"newHeads"},
		Handler: func(ctx context.Context, hc *HandlerContext) error {
			if _, err := hc.Subscription.Unsubscribe(ctx); err != nil {
				return err
			}
			return handlerErr
		},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ft.push(pushFrame("0x1", "1"))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.WaitSubscriptions(waitCtx, false); !errors.Is(err, handlerErr) {
		t.Errorf("WaitSubscriptions = %v, want handler error", err)
	}
	if len(p.Subscriptions()) != 0 {
		t.Error("no subscriptions should remain")
	}
}
