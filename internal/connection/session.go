package connection

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/router"
)

// session is the state of one live connection. Everything in it is
// discarded on disconnect.
type session struct {
	id        string
	cfg       Config
	provider  *Provider
	logger    *slog.Logger
	metrics   *metrics.Metrics
	transport Transport
	corr      *Correlator
	router    *router.Router

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once

	subsMu      sync.RWMutex
	subs        map[string]*Subscription
	subsChanged chan struct{} // closed and replaced on every change
	running     int           // handler calls in progress

	handlerErrs chan error
}

func newSession(p *Provider, t Transport) *session {
	id := uuid.NewString()
	logger := p.logger.With("session", id)

	r := router.New(router.Config{
		StreamBufferSize:  p.cfg.QueueSize,
		HandlerBufferSize: p.cfg.QueueSize,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          id,
		cfg:         p.cfg,
		provider:    p,
		logger:      logger,
		metrics:     p.metrics,
		transport:   t,
		router:      r,
		corr:        newCorrelator(p.cfg, r, p.metrics, logger),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		subs:        make(map[string]*Subscription),
		subsChanged: make(chan struct{}),
		handlerErrs: make(chan error, 1),
	}
	s.corr.onUnsubscribed = s.removeSubscription
	return s
}

// start spawns the reader and the handler loop.
func (s *session) start() {
	s.group.Go(func() error {
		err := s.readLoop(s.ctx)
		s.finish(err)
		return err
	})
	s.group.Go(s.handlerLoop)
}

// finish records the reader's terminal state, then wakes every waiter and
// queue consumer.
func (s *session) finish(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()

	close(s.done)
	s.router.Close()
	s.metrics.SetConnected(false)

	if err != nil {
		s.logger.Error("reader stopped", "error", err)
	} else {
		s.logger.Info("reader stopped")
	}
}

// Err returns the reader's terminal error. It is nil while the reader runs
// and after a clean end.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// closedErr is returned to callers once the reader has ended.
func (s *session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

// close tears the session down. Safe to call more than once.
func (s *session) close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if cerr := s.transport.Close(); cerr != nil {
			s.logger.Debug("transport close failed", "error", cerr)
		}

		waitDone := make(chan error, 1)
		go func() {
			waitDone <- s.group.Wait()
		}()

		select {
		case werr := <-waitDone:
			if werr != nil {
				s.logger.Debug("reader ended with error", "error", werr)
			}
		case <-ctx.Done():
			s.logger.Warn("shutdown timeout, abandoning session goroutines")
			err = ctx.Err()
		}

		s.corr.ClearCaches()
		s.router.Clear()
		s.router.Close()
		s.clearSubscriptions()
	})
	return err
}

func (s *session) addSubscription(sub *Subscription) {
	s.subsMu.Lock()
	s.subs[sub.ID] = sub
	close(s.subsChanged)
	s.subsChanged = make(chan struct{})
	s.subsMu.Unlock()
}

func (s *session) removeSubscription(id string) {
	s.subsMu.Lock()
	delete(s.subs, id)
	close(s.subsChanged)
	s.subsChanged = make(chan struct{})
	s.subsMu.Unlock()
}

func (s *session) clearSubscriptions() {
	s.subsMu.Lock()
	s.subs = make(map[string]*Subscription)
	close(s.subsChanged)
	s.subsChanged = make(chan struct{})
	s.subsMu.Unlock()
}

// handlerSubscriptions returns the number of subscriptions with a handler
// plus handler calls still running, and a channel closed on the next change.
func (s *session) handlerSubscriptions() (int, <-chan struct{}) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	n := s.running
	for _, sub := range s.subs {
		if sub.handler != nil {
			n++
		}
	}
	return n, s.subsChanged
}

func (s *session) handlerStarted() {
	s.subsMu.Lock()
	s.running++
	s.subsMu.Unlock()
}

// handlerFinished runs after every handler call, once its error is queued.
func (s *session) handlerFinished() {
	s.subsMu.Lock()
	s.running--
	close(s.subsChanged)
	s.subsChanged = make(chan struct{})
	s.subsMu.Unlock()
}
