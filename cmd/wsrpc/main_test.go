package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/wsrpc/internal/config"
	"github.com/rickgao/wsrpc/internal/connection"
	"github.com/rickgao/wsrpc/internal/jsonrpc"
	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/poller"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty", in: "", want: ""},
		{name: "array", in: `["0xabc", "latest"]`, want: `["0xabc", "latest"]`},
		{name: "object", in: `{"to": "0x0"}`, want: `{"to": "0x0"}`},
		{name: "scalar", in: `42`, wantErr: true},
		{name: "invalid", in: `[1,`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseParams(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseParams(%q) failed: %v", tt.in, err)
			}
			if tt.want == "" {
				if got != nil {
					t.Errorf("parseParams(%q) = %v, want nil", tt.in, got)
				}
				return
			}
			if raw, ok := got.(json.RawMessage); !ok || string(raw) != tt.want {
				t.Errorf("parseParams(%q) = %v, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestReadBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	content := `[{"method": "eth_blockNumber"}, {"method": "eth_getBalance", "params": ["0xabc", "latest"]}]`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write batch file: %v", err)
	}

	reqs, err := readBatch(nil, path)
	if err != nil {
		t.Fatalf("readBatch failed: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("len(reqs) = %d, want 2", len(reqs))
	}
	if reqs[1].Method != "eth_getBalance" {
		t.Errorf("reqs[1].Method = %s, want eth_getBalance", reqs[1].Method)
	}

	// Stdin
	reqs, err = readBatch(strings.NewReader(`[{"method": "net_version"}]`), "-")
	if err != nil || len(reqs) != 1 {
		t.Errorf("readBatch(stdin) = %v, %v", reqs, err)
	}

	if _, err := readBatch(strings.NewReader(`[]`), "-"); !errors.Is(err, connection.ErrEmptyBatch) {
		t.Errorf("empty batch error = %v, want ErrEmptyBatch", err)
	}
	if _, err := readBatch(strings.NewReader(`[{"params": []}]`), "-"); err == nil {
		t.Error("missing method should fail")
	}
}

func TestProviderConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Endpoint = "ws://localhost:8546"
	cfg.Provider.SilenceListenerErrors = true

	got := providerConfig(cfg.Provider)

	if got.Endpoint != "ws://localhost:8546" {
		t.Errorf("Endpoint = %q", got.Endpoint)
	}
	if got.MaxRetries != config.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", got.MaxRetries, config.DefaultMaxRetries)
	}
	if got.RequestTimeout != config.DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %v, want %v", got.RequestTimeout, config.DefaultRequestTimeout)
	}
	if !got.SilenceListenerErrors {
		t.Error("SilenceListenerErrors not carried over")
	}
	if got.SubscribeMethod != "eth_subscribe" || got.UnsubscribeMethod != "eth_unsubscribe" {
		t.Errorf("subscribe methods = %s/%s", got.SubscribeMethod, got.UnsubscribeMethod)
	}
}

func TestWebSocketConfig_Auth(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Endpoint = "wss://node.example.com"
	cfg.Auth.BearerToken = "token"

	ws, err := webSocketConfig(cfg)
	if err != nil {
		t.Fatalf("webSocketConfig failed: %v", err)
	}
	if ws.URL != "wss://node.example.com" {
		t.Errorf("URL = %q", ws.URL)
	}
	if ws.Signer == nil {
		t.Fatal("expected a signer for a bearer token")
	}
	if ws.PingInterval != config.DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", ws.PingInterval, config.DefaultPingInterval)
	}

	cfg.Auth = config.AuthConfig{KeyID: "key", PrivateKeyPath: filepath.Join(t.TempDir(), "missing.pem")}
	if _, err := webSocketConfig(cfg); err == nil {
		t.Error("missing private key should fail")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

type stubStatus struct {
	stats connection.Stats
	err   error
}

func (s stubStatus) Stats() connection.Stats { return s.stats }
func (s stubStatus) Err() error              { return s.err }

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestServerHandler_Health(t *testing.T) {
	tests := []struct {
		name       string
		status     stubStatus
		db         pinger
		wantCode   int
		wantStatus string
	}{
		{
			name:       "connected",
			status:     stubStatus{stats: connection.Stats{Connected: true, SessionID: "abc"}},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "disconnected",
			status:     stubStatus{err: errors.New("stray error response")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name:       "database down",
			status:     stubStatus{stats: connection.Stats{Connected: true}},
			db:         stubPinger{err: errors.New("connection refused")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name:       "database up",
			status:     stubStatus{stats: connection.Stats{Connected: true}},
			db:         stubPinger{},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServerHandler("/metrics", prometheus.NewRegistry(), tt.status, tt.db)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body struct {
				Status     string         `json:"status"`
				Components map[string]any `json:"components"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if _, ok := body.Components["connection"]; !ok {
				t.Error("missing connection component")
			}
		})
	}
}

func TestServerHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.StrayError()

	h := newServerHandler("/metrics", reg, stubStatus{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "wsrpc_stray_errors_total 1") {
		t.Error("metrics output missing wsrpc_stray_errors_total")
	}
}

func TestResultPrinter(t *testing.T) {
	var buf bytes.Buffer
	h := resultPrinter(&buf)

	err := h.HandleResult(poller.Call{Method: "eth_blockNumber"}, &jsonrpc.Response{Result: json.RawMessage(`"0x10"`)})
	if err != nil {
		t.Fatalf("HandleResult failed: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != `{"method":"eth_blockNumber","result":"0x10"}` {
		t.Errorf("output = %s", got)
	}
}

func TestRootCmd_RequiresEndpoint(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"call", "eth_blockNumber"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "provider.endpoint is required") {
		t.Errorf("Execute() error = %v, want missing endpoint", err)
	}
}

func TestRootCmd_Version(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(&out)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !strings.Contains(out.String(), " built ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestServeUntil_StopsOnCancel(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- serveUntil(ctx, srv, slog.Default()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serveUntil = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serveUntil did not return")
	}
}
