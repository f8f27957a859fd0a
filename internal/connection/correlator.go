package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/wsrpc/internal/cache"
	"github.com/rickgao/wsrpc/internal/dedup"
	"github.com/rickgao/wsrpc/internal/jsonrpc"
	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/router"
)

// batchKey is the raw-response slot of the outstanding batch. Request ids
// are numeric, so it never collides with one.
const batchKey = "batch"

// Subscribe-time request info is also stored under the subscription id,
// prefixed so server ids cannot collide with request ids.
func subscriptionKey(id string) string {
	return "sub:" + id
}

// rawResponse is a cached reply: a single response or a whole batch.
type rawResponse struct {
	single *jsonrpc.Response
	batch  []*jsonrpc.Response
}

// Correlator matches replies to the requests that produced them for one
// connection. The reader is its only writer of responses.
type Correlator struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	router    *router.Router
	cacheable map[string]bool

	requests  *cache.Bounded[string, *RequestInformation]
	responses *cache.Bounded[string, rawResponse]
	dedup     *dedup.Index

	nextID atomic.Int64

	mu         sync.Mutex
	signals    map[string]chan struct{} // key -> closed when its response is cached
	arrived    chan struct{}            // closed and replaced whenever a reply is cached
	batching   bool
	batchOrder map[string]int // id -> position in the outstanding batch

	onUnsubscribed func(subID string)
}

func newCorrelator(cfg Config, r *router.Router, m *metrics.Metrics, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Correlator{
		logger:    logger,
		metrics:   m,
		router:    r,
		cacheable: make(map[string]bool, len(cfg.CacheableMethods)),
		signals:   make(map[string]chan struct{}),
		arrived:   make(chan struct{}),
	}
	for _, method := range cfg.CacheableMethods {
		c.cacheable[method] = true
	}

	c.requests = cache.NewBounded[string, *RequestInformation](cfg.CacheSize,
		func(key string, info *RequestInformation) {
			m.CacheEviction("requests")
			logger.Debug("request info evicted", "key", key, "method", info.Method)
		})
	c.responses = cache.NewBounded[string, rawResponse](cfg.CacheSize,
		func(key string, _ rawResponse) {
			m.CacheEviction("responses")
			logger.Debug("response evicted", "key", key)
		})
	c.dedup = dedup.New(cfg.DedupSize, c.forgetCanonical)
	return c
}

// NextID draws the next id from the per-connection counter.
func (c *Correlator) NextID() jsonrpc.ID {
	return jsonrpc.IntID(c.nextID.Add(1))
}

// CacheRequestInfo stores request info under id and returns the key the
// response will be cached under. When an identical request already has a
// retained response, nothing is stored and the canonical id is returned
// with suppressed set.
func (c *Correlator) CacheRequestInfo(id, method string, params json.RawMessage, fm Formatters) (key string, suppressed bool, err error) {
	return c.cacheRequestInfo(&RequestInformation{
		ID:         id,
		Method:     method,
		Params:     params,
		Formatters: fm,
	})
}

func (c *Correlator) cacheRequestInfo(info *RequestInformation) (string, bool, error) {
	c.mu.Lock()
	batching := c.batching
	c.mu.Unlock()

	if info.ID == "" {
		if !batching {
			return "", false, ErrRequestIDRequired
		}
		info.wireID = c.NextID()
		info.ID = info.wireID.Key()
	}

	// Batch entries always go on the wire as part of the array.
	if !batching {
		if canonical, ok := c.dedup.Lookup(dedup.Key(info.Method, info.Params)); ok &&
			c.requests.Contains(canonical) && c.responses.Contains(canonical) {
			return canonical, true, nil
		}
	}

	c.requests.Set(info.ID, info)
	return info.ID, false, nil
}

// PopRequestInfo removes and returns the request info for id.
func (c *Correlator) PopRequestInfo(id string) (*RequestInformation, bool) {
	return c.requests.Pop(id)
}

// RequestInfoForNotification returns the subscribe-time info for a push.
// The entry is retained for later pushes.
func (c *Correlator) RequestInfoForNotification(n *jsonrpc.Notification) (*RequestInformation, bool) {
	info, ok := c.requests.Get(subscriptionKey(n.Subscription))
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return info.clone(), true
}

// RequestInfoForResponse returns the info for a direct reply. Canonical
// dedup entries are retained; every other entry is consumed. A successful
// unsubscribe reply also drops the subscription's info and handler.
func (c *Correlator) RequestInfoForResponse(resp *jsonrpc.Response) (*RequestInformation, bool) {
	key := resp.ID.Key()

	var (
		info *RequestInformation
		ok   bool
	)
	if c.dedup.IsCanonical(key) {
		info, ok = c.requests.Get(key)
	} else {
		info, ok = c.requests.Pop(key)
	}
	if !ok {
		return nil, false
	}

	c.dropSubscription(info, resp)

	c.mu.Lock()
	defer c.mu.Unlock()
	return info.clone(), true
}

// AppendResultFormatter adds f to a pending request's result pipeline.
func (c *Correlator) AppendResultFormatter(id string, f Formatter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.requests.Get(id)
	if !ok {
		return ErrUnknownRequest
	}
	info.Formatters.Result = append(info.Formatters.Result, f)
	return nil
}

// AppendMiddlewareProcessor adds m to a pending request's middleware.
func (c *Correlator) AppendMiddlewareProcessor(id string, m Middleware) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.requests.Get(id)
	if !ok {
		return ErrUnknownRequest
	}
	info.Middleware = append(info.Middleware, m)
	return nil
}

// CacheRawResponse forwards one decoded message. Pushes are dispatched to a
// subscription queue, blocking while it is full. Replies are cached under
// their id; waiting reports whether a caller was waiting on it.
func (c *Correlator) CacheRawResponse(ctx context.Context, msg *jsonrpc.Message, isSubscription bool) (waiting bool, err error) {
	if isSubscription {
		route, err := c.router.Dispatch(ctx, msg.Notification())
		if err != nil {
			return false, err
		}
		c.metrics.Notification(string(route))
		return false, nil
	}

	resp := msg.Response()
	return c.store(resp.ID.Key(), rawResponse{single: resp}), nil
}

// CacheBatchResponse stores an ordered batch reply in the batch slot.
func (c *Correlator) CacheBatchResponse(resps []*jsonrpc.Response) bool {
	return c.store(batchKey, rawResponse{batch: resps})
}

func (c *Correlator) store(key string, raw rawResponse) bool {
	c.responses.Set(key, raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, waiting := c.signals[key]
	if waiting {
		close(ch)
		delete(c.signals, key)
	}
	close(c.arrived)
	c.arrived = make(chan struct{})
	return waiting
}

// PopRawResponse returns the cached reply for key. Canonical dedup replies
// are retained; all others are removed.
func (c *Correlator) PopRawResponse(key string) (*jsonrpc.Response, bool) {
	var (
		raw rawResponse
		ok  bool
	)
	if c.dedup.IsCanonical(key) {
		raw, ok = c.responses.Get(key)
	} else {
		raw, ok = c.responses.Pop(key)
	}
	if !ok || raw.single == nil {
		return nil, false
	}
	return raw.single, true
}

// PopBatchResponse removes and returns the batch reply.
func (c *Correlator) PopBatchResponse() ([]*jsonrpc.Response, bool) {
	raw, ok := c.responses.Pop(batchKey)
	if !ok {
		return nil, false
	}
	return raw.batch, true
}

// RememberCacheable retains a successful response to a cacheable method so
// identical requests are answered without a round trip.
func (c *Correlator) RememberCacheable(id string, info *RequestInformation, resp *jsonrpc.Response) bool {
	if !c.cacheable[info.Method] || resp.Error != nil {
		return false
	}

	key := dedup.Key(info.Method, info.Params)
	if prev, ok := c.dedup.Lookup(key); ok && prev != id {
		c.dedup.Forget(prev)
		c.forgetCanonical(prev)
	}

	c.requests.Set(id, info)
	c.responses.Set(id, rawResponse{single: resp})
	c.dedup.Remember(key, id)
	return true
}

// forgetCanonical drops the entries retained for a dedup mapping.
func (c *Correlator) forgetCanonical(id string) {
	c.requests.Delete(id)
	c.responses.Delete(id)
}

// ClearCaches empties both caches, the dedup index and pending signals.
func (c *Correlator) ClearCaches() {
	c.dedup.Clear()
	c.requests.Clear()
	c.responses.Clear()

	c.mu.Lock()
	c.signals = make(map[string]chan struct{})
	c.batching = false
	c.batchOrder = nil
	c.mu.Unlock()
}

// expect registers the completion signal for key. Called before the request
// is written so the reader always finds it.
func (c *Correlator) expect(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.signals[key]; !ok {
		c.signals[key] = make(chan struct{})
	}
}

// signalFor returns a channel closed once key has a cached response.
func (c *Correlator) signalFor(key string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.responses.Contains(key) {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch, ok := c.signals[key]
	if !ok {
		ch = make(chan struct{})
		c.signals[key] = ch
	}
	return ch
}

// forget drops the signal for key. Its request info is kept so a late reply
// is cached rather than treated as stray.
func (c *Correlator) forget(key string) {
	c.mu.Lock()
	delete(c.signals, key)
	c.mu.Unlock()
}

func (c *Correlator) hasResponse(key string) bool {
	return c.responses.Contains(key)
}

func (c *Correlator) hasRequest(key string) bool {
	return c.requests.Contains(key)
}

// linkSubscription records the subscription id from a subscribe reply and
// stores the request info under it.
func (c *Correlator) linkSubscription(key string, result json.RawMessage) (*RequestInformation, bool) {
	info, ok := c.requests.Get(key)
	if !ok || !info.subscribe {
		return nil, false
	}

	var id jsonrpc.ID
	if err := json.Unmarshal(result, &id); err != nil || id.IsZero() {
		return nil, false
	}

	c.mu.Lock()
	info.SubscriptionID = id.Key()
	snapshot := info.clone()
	c.mu.Unlock()

	c.requests.Set(subscriptionKey(snapshot.SubscriptionID), info)
	return snapshot, true
}

// unlinkSubscription applies an unsubscribe reply as it arrives, whether or
// not a caller still waits for it. The request info is left in place.
func (c *Correlator) unlinkSubscription(resp *jsonrpc.Response) (string, bool) {
	info, ok := c.requests.Get(resp.ID.Key())
	if !ok {
		return "", false
	}
	return c.dropSubscription(info, resp)
}

// dropSubscription removes the info and handler of the subscription a
// successful unsubscribe reply cancelled. Repeated calls are harmless.
func (c *Correlator) dropSubscription(info *RequestInformation, resp *jsonrpc.Response) (string, bool) {
	if info.UnsubscribeOf == "" || resp.Error != nil || !isTrue(resp.Result) {
		return "", false
	}
	c.requests.Delete(subscriptionKey(info.UnsubscribeOf))
	c.router.Deregister(info.UnsubscribeOf)
	if c.onUnsubscribed != nil {
		c.onUnsubscribed(info.UnsubscribeOf)
	}
	return info.UnsubscribeOf, true
}

// popUnclaimed removes the oldest cached reply nobody sent or waits for.
// When none exists it returns a channel closed on the next arrival.
func (c *Correlator) popUnclaimed() (*jsonrpc.Response, <-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, raw, ok := c.responses.PopFirst(func(key string, raw rawResponse) bool {
		if raw.single == nil {
			return false
		}
		if _, waiting := c.signals[key]; waiting {
			return false
		}
		return !c.requests.Contains(key) && !c.dedup.IsCanonical(key)
	})
	if ok {
		return raw.single, nil, true
	}
	return nil, c.arrived, false
}

// beginBatch switches id allocation to batch mode.
func (c *Correlator) beginBatch() {
	c.mu.Lock()
	c.batching = true
	c.batchOrder = nil
	c.mu.Unlock()
}

// sealBatch leaves batch mode and records the send order of ids.
func (c *Correlator) sealBatch(ids []string) {
	order := make(map[string]int, len(ids))
	for i, id := range ids {
		order[id] = i
	}

	c.mu.Lock()
	c.batching = false
	c.batchOrder = order
	c.signals[batchKey] = make(chan struct{})
	c.mu.Unlock()
}

// endBatch forgets the outstanding batch.
func (c *Correlator) endBatch() {
	c.mu.Lock()
	c.batching = false
	c.batchOrder = nil
	delete(c.signals, batchKey)
	c.mu.Unlock()
}

// orderBatch sorts a batch reply into the send order of the outstanding
// batch. It fails when the reply does not answer exactly that batch.
func (c *Correlator) orderBatch(resps []*jsonrpc.Response) ([]*jsonrpc.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batchOrder == nil || len(resps) != len(c.batchOrder) {
		return nil, false
	}

	ordered := make([]*jsonrpc.Response, len(resps))
	for _, resp := range resps {
		pos, ok := c.batchOrder[resp.ID.Key()]
		if !ok || ordered[pos] != nil {
			return nil, false
		}
		ordered[pos] = resp
	}
	return ordered, true
}

func isTrue(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("true"))
}
