package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "wsrpc"
	DefaultMaxRetries        = 5
	DefaultRetryBaseDelay    = 1750 * time.Millisecond
	DefaultRetryMultiplier   = 1.75
	DefaultRetryMaxDelay     = 60 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultCacheSize         = 500
	DefaultDedupSize         = 500
	DefaultQueueSize         = 500
	DefaultSubscribeMethod   = "eth_subscribe"
	DefaultUnsubscribeMethod = "eth_unsubscribe"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultPingTimeout       = 90 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultBatchSize         = 1000
	DefaultFlushInterval     = 1 * time.Second
	DefaultPollInterval      = 15 * time.Second
	DefaultPollConcurrency   = 10
	DefaultPollTimeout       = 10 * time.Second
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
)

// DefaultCacheableMethods are answered from the response cache when an
// identical request was already answered on the connection.
var DefaultCacheableMethods = []string{"eth_chainId", "net_version", "web3_clientVersion"}

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Provider defaults
	p := &c.Provider
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.RetryBaseDelay == 0 {
		p.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if p.RetryMultiplier == 0 {
		p.RetryMultiplier = DefaultRetryMultiplier
	}
	if p.RetryMaxDelay == 0 {
		p.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}
	if p.CacheSize == 0 {
		p.CacheSize = DefaultCacheSize
	}
	if p.DedupSize == 0 {
		p.DedupSize = DefaultDedupSize
	}
	if p.QueueSize == 0 {
		p.QueueSize = DefaultQueueSize
	}
	if p.CacheableMethods == nil {
		p.CacheableMethods = append([]string(nil), DefaultCacheableMethods...)
	}
	if p.SubscribeMethod == "" {
		p.SubscribeMethod = DefaultSubscribeMethod
	}
	if p.UnsubscribeMethod == "" {
		p.UnsubscribeMethod = DefaultUnsubscribeMethod
	}

	// WebSocket defaults
	ws := &c.WebSocket
	if ws.HandshakeTimeout == 0 {
		ws.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if ws.WriteTimeout == 0 {
		ws.WriteTimeout = DefaultWriteTimeout
	}
	if ws.PingInterval == 0 {
		ws.PingInterval = DefaultPingInterval
	}
	if ws.PingTimeout == 0 {
		ws.PingTimeout = DefaultPingTimeout
	}

	applyDBDefaults(&c.Database.Postgres)

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
