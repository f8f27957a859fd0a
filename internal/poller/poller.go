package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/wsrpc/internal/jsonrpc"
)

// Requester sends a request and waits for its response.
type Requester interface {
	MakeRequest(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
}

// Call is one polled method.
type Call struct {
	Method string
	Params []any
}

// ResultHandler receives successful responses.
type ResultHandler interface {
	HandleResult(call Call, resp *jsonrpc.Response) error
}

// ResultHandlerFunc is a function adapter for ResultHandler.
type ResultHandlerFunc func(Call, *jsonrpc.Response) error

func (f ResultHandlerFunc) HandleResult(c Call, resp *jsonrpc.Response) error {
	return f(c, resp)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 15s)
	Concurrency int           // Max concurrent requests (default: 10)
	Timeout     time.Duration // Per-request timeout (default: 10s)
	Calls       []Call
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Second,
		Concurrency: 10,
		Timeout:     10 * time.Second,
	}
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Calls    int
	Fetched  int64
	Errors   int64
	Duration time.Duration
}

// Poller periodically issues the configured calls.
type Poller struct {
	cfg       Config
	requester Requester
	handler   ResultHandler
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, requester Requester, handler ResultHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	return &Poller{
		cfg:       cfg,
		requester: requester,
		handler:   handler,
		logger:    logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
		"calls", len(p.cfg.Calls),
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.PollOnce(p.ctx)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce issues every call concurrently and waits for all of them.
func (p *Poller) PollOnce(ctx context.Context) CycleStats {
	start := time.Now()

	if len(p.cfg.Calls) == 0 {
		p.logger.Debug("no calls to poll")
		return CycleStats{}
	}

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var fetched, errors atomic.Int64

	for _, call := range p.cfg.Calls {
		wg.Add(1)
		go func(call Call) {
			defer wg.Done()

			// Acquire semaphore slot.
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if err := p.poll(ctx, call); err != nil {
				p.logger.Warn("poll call failed",
					"method", call.Method,
					"err", err,
				)
				errors.Add(1)
				return
			}

			fetched.Add(1)
		}(call)
	}

	wg.Wait()

	stats := CycleStats{
		Calls:    len(p.cfg.Calls),
		Fetched:  fetched.Load(),
		Errors:   errors.Load(),
		Duration: time.Since(start),
	}
	p.logger.Info("poll cycle complete",
		"calls", stats.Calls,
		"fetched", stats.Fetched,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)
	return stats
}

// poll issues a single call and handles its response.
func (p *Poller) poll(ctx context.Context, call Call) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var params any
	if len(call.Params) > 0 {
		params = call.Params
	}
	resp, err := p.requester.MakeRequest(ctx, call.Method, params)
	if err != nil {
		return err
	}

	if p.handler != nil {
		if err := p.handler.HandleResult(call, resp); err != nil {
			return err
		}
	}

	return nil
}
