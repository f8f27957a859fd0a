package connection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rickgao/wsrpc/internal/jsonrpc"
)

// MakeBatchRequest sends reqs as one array frame and returns the responses
// in request order. Per-entry RPC errors are returned inside the responses.
// A second batch waits until the first has finished.
func (p *Provider) MakeBatchRequest(ctx context.Context, reqs []BatchRequest) ([]*jsonrpc.Response, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}

	sess, err := p.liveSession()
	if err != nil {
		return nil, err
	}

	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	return sess.batch(ctx, reqs)
}

func (s *session) batch(ctx context.Context, reqs []BatchRequest) ([]*jsonrpc.Response, error) {
	keys := make([]string, 0, len(reqs))
	abort := func() {
		for _, key := range keys {
			s.corr.PopRequestInfo(key)
		}
		s.corr.endBatch()
	}

	s.corr.beginBatch()
	wire := make([]*jsonrpc.Request, 0, len(reqs))
	for i, r := range reqs {
		raw, err := jsonrpc.MarshalParams(r.Params)
		if err != nil {
			abort()
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}

		info := s.provider.newRequestInfo(r.Method, raw)
		info.Formatters = r.Formatters

		// Empty id: drawn from the counter while batching.
		key, _, err := s.corr.cacheRequestInfo(info)
		if err != nil {
			abort()
			return nil, err
		}
		keys = append(keys, key)
		wire = append(wire, &jsonrpc.Request{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			ID:             info.wireID,
			Method:         r.Method,
			Params:         raw,
		})
	}
	s.corr.sealBatch(keys)

	data, err := json.Marshal(wire)
	if err == nil {
		err = s.transport.Write(ctx, data)
	}
	if err != nil {
		abort()
		return nil, fmt.Errorf("send batch: %w", err)
	}
	for _, r := range reqs {
		s.metrics.RequestSent(r.Method)
	}
	s.logger.Debug("batch sent", "size", len(reqs))

	if err := s.waitForResponse(ctx, batchKey, s.cfg.RequestTimeout); err != nil {
		// A late reply no longer matches and is dropped by the reader.
		abort()
		return nil, err
	}
	s.corr.endBatch()

	replies, ok := s.corr.PopBatchResponse()
	if !ok {
		return nil, ErrResponseLost
	}

	out := make([]*jsonrpc.Response, len(replies))
	for i, raw := range replies {
		info, ok := s.corr.RequestInfoForResponse(raw)
		if !ok {
			out[i] = raw
			continue
		}
		resp, err := info.apply(raw)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		out[i] = resp
	}
	return out, nil
}
