package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport. Frames pushed to incoming are
// read in order; everything written lands in writes.
type fakeTransport struct {
	incoming chan []byte
	writes   chan []byte

	eof       chan struct{}
	closed    chan struct{}
	eofOnce   sync.Once
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 100),
		writes:   make(chan []byte, 100),
		eof:      make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	// Queued frames are delivered before a close is observed.
	select {
	case data := <-f.incoming:
		return data, nil
	default:
	}

	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.eof:
	case <-f.closed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case data := <-f.incoming:
		return data, nil
	default:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case f.writes <- append([]byte(nil), data...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// remoteClose simulates the peer closing the connection.
func (f *fakeTransport) remoteClose() {
	f.eofOnce.Do(func() { close(f.eof) })
}

func (f *fakeTransport) push(frame string) {
	f.incoming <- []byte(frame)
}

// wireRequest is a request as seen by the fake server.
type wireRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// serve answers every single request with respond until the transport
// closes. A nil reply sends nothing.
func (f *fakeTransport) serve(respond func(req wireRequest) *string) {
	go func() {
		for {
			select {
			case <-f.closed:
				return
			case data := <-f.writes:
				var req wireRequest
				if err := json.Unmarshal(data, &req); err != nil {
					continue
				}
				if reply := respond(req); reply != nil {
					f.incoming <- []byte(*reply)
				}
			}
		}
	}()
}

func nextWrite(t *testing.T, f *fakeTransport) []byte {
	t.Helper()
	select {
	case data := <-f.writes:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for a write")
		return nil
	}
}

func result(id json.RawMessage, res string) *string {
	s := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, res)
	return &s
}

func rpcError(id json.RawMessage, code int, msg string) *string {
	s := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`, id, code, msg)
	return &s
}

func pushFrame(sub string, res string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":%q,"result":%s}}`, sub, res)
}

// echo answers with the first param, or "0x1" without params. Requests for
// eth_blackhole are never answered.
func echo(req wireRequest) *string {
	if req.Method == "eth_blackhole" {
		return nil
	}
	if len(req.Params) == 0 {
		return result(req.ID, `"0x1"`)
	}
	return result(req.ID, string(req.Params[0]))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = "fake://node"
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func connectFake(t *testing.T, cfg Config) (*Provider, *fakeTransport) {
	t.Helper()

	ft := newFakeTransport()
	p := NewProvider(cfg, func(context.Context) (Transport, error) {
		return ft, nil
	}, nil)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() {
		p.Disconnect(context.Background())
	})
	return p, ft
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
