package connection

import (
	"context"
	"time"

	"github.com/rickgao/wsrpc/internal/metrics"
)

// waitForResponse blocks until a response is cached under key, the reader
// stops, timeout elapses or ctx is done.
func (s *session) waitForResponse(ctx context.Context, key string, timeout time.Duration) error {
	signal := s.corr.signalFor(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-signal:
		return nil
	case <-s.done:
		if s.corr.hasResponse(key) {
			return nil
		}
		s.corr.forget(key)
		return s.closedErr()
	case <-timer.C:
		s.corr.forget(key)
		s.metrics.Response(metrics.OutcomeTimeout)
		s.logger.Warn("request timed out", "id", key, "timeout", timeout)
		return &TimeExhaustedError{ID: key, Timeout: timeout}
	case <-ctx.Done():
		s.corr.forget(key)
		return ctx.Err()
	}
}
