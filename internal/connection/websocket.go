package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/wsrpc/internal/auth"
)

// ErrStaleConnection is returned by Read when no pong arrived within the
// ping timeout.
var ErrStaleConnection = errors.New("connection stale (no pong)")

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	URL              string        // ws:// or wss:// endpoint
	Header           http.Header   // Extra handshake headers
	Signer           auth.Signer   // nil = no auth
	HandshakeTimeout time.Duration // Default 10s
	WriteTimeout     time.Duration // Write deadline for sends (default 5s)
	PingInterval     time.Duration // 0 disables client pings
	PingTimeout      time.Duration // Max time without pong before the connection is stale
	ReadLimit        int64         // Max frame size in bytes (0 = unlimited)
}

// DefaultWebSocketConfig returns sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
	}
}

// NewWebSocketDialer returns a Dialer that opens WebSocket connections.
func NewWebSocketDialer(cfg WebSocketConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) (Transport, error) {
		return dialWebSocket(ctx, cfg, logger)
	}
}

// wsTransport implements Transport over a gorilla/websocket connection.
type wsTransport struct {
	cfg    WebSocketConfig
	logger *slog.Logger
	conn   *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	lastPongAt time.Time
	stale      bool
}

func dialWebSocket(ctx context.Context, cfg WebSocketConfig, logger *slog.Logger) (*wsTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	header := http.Header{}
	for k, v := range cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	if cfg.Signer != nil {
		signed, err := cfg.Signer.HandshakeHeaders(u)
		if err != nil {
			return nil, fmt.Errorf("sign handshake: %w", err)
		}
		for k, v := range signed {
			header[k] = v
		}
	}

	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, err
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}

	t := &wsTransport{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		done:       make(chan struct{}),
		lastPongAt: time.Now(),
	}

	// Server pings are answered by the default handler; pongs to our own
	// pings keep the connection fresh.
	conn.SetPongHandler(func(string) error {
		t.mu.Lock()
		t.lastPongAt = time.Now()
		t.mu.Unlock()
		return nil
	})

	if cfg.PingInterval > 0 {
		go t.heartbeatLoop()
	}

	logger.Debug("websocket connected", "url", cfg.URL)
	return t, nil
}

// Read returns the next text or binary frame.
func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err == nil {
		return data, nil
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil, io.EOF
	}

	t.mu.Lock()
	stale := t.stale
	t.mu.Unlock()
	if stale {
		return nil, ErrStaleConnection
	}

	select {
	case <-t.done:
		return nil, io.EOF
	default:
	}
	return nil, err
}

// Write sends data as one text frame.
func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return ErrConnectionClosed
	default:
	}

	deadline := time.Now().Add(t.writeTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket, unblocking Read.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) writeTimeout() time.Duration {
	if t.cfg.WriteTimeout > 0 {
		return t.cfg.WriteTimeout
	}
	return 5 * time.Second
}

// heartbeatLoop pings the server and closes the socket once it goes stale.
func (t *wsTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.writeTimeout())
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline)
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			if t.cfg.PingTimeout <= 0 {
				continue
			}

			t.mu.Lock()
			lastPong := t.lastPongAt
			stale := time.Since(lastPong) > t.cfg.PingTimeout
			if stale {
				t.stale = true
			}
			t.mu.Unlock()

			if stale {
				t.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", t.cfg.PingTimeout,
				)
				// Unblocks the pending Read, which reports ErrStaleConnection.
				t.conn.Close()
				return
			}
		}
	}
}
