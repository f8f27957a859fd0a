package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rickgao/wsrpc/internal/auth"
	"github.com/rickgao/wsrpc/internal/config"
	"github.com/rickgao/wsrpc/internal/connection"
	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/version"
)

// app is the state shared by every subcommand.
type app struct {
	configPath string
	endpoint   string
	logLevel   string

	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "wsrpc",
		Short:         "JSON-RPC client over a persistent WebSocket connection",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to YAML config file")
	flags.StringVar(&a.endpoint, "endpoint", "", "WebSocket endpoint (overrides provider.endpoint)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")

	root.AddCommand(
		newCallCmd(a),
		newBatchCmd(a),
		newSubscribeCmd(a),
		newPollCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadWithDefaults(a.configPath)
		if err != nil {
			return err
		}
	} else {
		a.cfg = config.Default()
	}

	if a.endpoint != "" {
		a.cfg.Provider.Endpoint = a.endpoint
	}
	if a.logLevel != "" {
		a.cfg.Log.Level = a.logLevel
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(a.cfg.Log.Level),
	})).With("instance", a.cfg.Instance.ID)
	slog.SetDefault(a.logger)

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// providerConfig maps the provider section onto a connection.Config.
func providerConfig(c config.ProviderConfig) connection.Config {
	return connection.Config{
		Endpoint:              c.Endpoint,
		MaxRetries:            c.MaxRetries,
		RetryBaseDelay:        c.RetryBaseDelay,
		RetryMultiplier:       c.RetryMultiplier,
		RetryMaxDelay:         c.RetryMaxDelay,
		RequestTimeout:        c.RequestTimeout,
		CacheSize:             c.CacheSize,
		DedupSize:             c.DedupSize,
		QueueSize:             c.QueueSize,
		SilenceListenerErrors: c.SilenceListenerErrors,
		CacheableMethods:      c.CacheableMethods,
		SubscribeMethod:       c.SubscribeMethod,
		UnsubscribeMethod:     c.UnsubscribeMethod,
	}
}

// webSocketConfig builds the transport configuration, including the
// handshake signer.
func webSocketConfig(cfg *config.Config) (connection.WebSocketConfig, error) {
	signer, err := auth.FromConfig(cfg.Auth.BearerToken, cfg.Auth.KeyID, cfg.Auth.PrivateKeyPath)
	if err != nil {
		return connection.WebSocketConfig{}, fmt.Errorf("load auth: %w", err)
	}

	ws := cfg.WebSocket
	return connection.WebSocketConfig{
		URL:              cfg.Provider.Endpoint,
		Signer:           signer,
		HandshakeTimeout: ws.HandshakeTimeout,
		WriteTimeout:     ws.WriteTimeout,
		PingInterval:     ws.PingInterval,
		PingTimeout:      ws.PingTimeout,
		ReadLimit:        ws.ReadLimit,
	}, nil
}

// connect builds a provider from the loaded config and connects it.
func (a *app) connect(ctx context.Context) (*connection.Provider, error) {
	wsCfg, err := webSocketConfig(a.cfg)
	if err != nil {
		return nil, err
	}

	p := connection.NewProvider(
		providerConfig(a.cfg.Provider),
		connection.NewWebSocketDialer(wsCfg, a.logger),
		a.logger,
		connection.WithMetrics(a.metrics),
	)
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
