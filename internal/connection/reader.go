package connection

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rickgao/wsrpc/internal/jsonrpc"
	"github.com/rickgao/wsrpc/internal/router"
)

// readLoop is the only reader of the transport. It returns nil on a
// graceful remote close or when the session is cancelled.
func (s *session) readLoop(ctx context.Context) error {
	for {
		data, err := s.transport.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("connection closed by remote")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if err := s.handleFrame(ctx, data); err != nil {
			if ctx.Err() != nil || errors.Is(err, router.ErrBufferClosed) {
				return nil
			}
			if !s.cfg.SilenceListenerErrors {
				return err
			}
			s.logger.Warn("listener error silenced", "error", err)
		}
	}
}

func (s *session) handleFrame(ctx context.Context, data []byte) error {
	msgs, isBatch, err := jsonrpc.DecodeFrame(data)
	if err != nil {
		return err
	}
	if isBatch {
		return s.handleBatch(ctx, msgs)
	}
	return s.handleMessage(ctx, msgs[0])
}

func (s *session) handleMessage(ctx context.Context, msg *jsonrpc.Message) error {
	if msg.IsSubscription() {
		_, err := s.corr.CacheRawResponse(ctx, msg, true)
		s.metrics.SetQueueDepth("stream", s.router.Stats().StreamBuffer.Count)
		return err
	}

	resp := msg.Response()
	key := resp.ID.Key()

	// Link before the next frame is read so the first push already finds
	// its handler.
	if resp.Error == nil {
		s.linkSubscription(key, resp)
		if id, ok := s.corr.unlinkSubscription(resp); ok {
			s.logger.Info("subscription removed", "subscription", id)
		}
	}

	waiting, err := s.corr.CacheRawResponse(ctx, msg, false)
	if err != nil {
		return err
	}

	if resp.Error != nil && !waiting && !s.corr.hasRequest(key) {
		s.corr.PopRawResponse(key)
		s.metrics.StrayError()
		return &StrayResponseError{ID: key, Err: resp.Error}
	}

	s.logger.Debug("response cached", "id", key, "waiting", waiting)
	return nil
}

func (s *session) handleBatch(ctx context.Context, msgs []*jsonrpc.Message) error {
	replies := make([]*jsonrpc.Response, 0, len(msgs))
	for _, msg := range msgs {
		if msg.IsSubscription() {
			if _, err := s.corr.CacheRawResponse(ctx, msg, true); err != nil {
				return err
			}
			continue
		}
		replies = append(replies, msg.Response())
	}
	if len(replies) == 0 {
		return nil
	}

	ordered, ok := s.corr.orderBatch(replies)
	if !ok {
		// No outstanding batch claims the array, so each entry is handled
		// as a single reply and error entries get the stray check.
		s.logger.Warn("batch response matches no outstanding batch", "size", len(replies))
		var first error
		for _, msg := range msgs {
			if msg.IsSubscription() {
				continue
			}
			if err := s.handleMessage(ctx, msg); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	s.corr.CacheBatchResponse(ordered)
	s.logger.Debug("batch response cached", "size", len(ordered))
	return nil
}

// linkSubscription registers the subscription created by a subscribe reply.
func (s *session) linkSubscription(key string, resp *jsonrpc.Response) {
	info, ok := s.corr.linkSubscription(key, resp.Result)
	if !ok {
		return
	}

	sub := &Subscription{
		ID:       info.SubscriptionID,
		Label:    info.Label,
		Params:   info.Params,
		handler:  info.Handler,
		values:   info.Values,
		provider: s.provider,
	}
	if sub.handler != nil {
		s.router.Register(sub.ID, s.handlerFor(sub))
	}
	s.addSubscription(sub)

	s.logger.Info("subscribed",
		"subscription", sub.ID,
		"label", sub.Label,
		"handler", sub.handler != nil,
	)
}
