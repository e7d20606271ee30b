package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr                 = ":8080"
	DefaultReadHeaderTimeout    = 10 * time.Second
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultKeepAlive            = 15 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultRateLimit            = 20.0
	DefaultRateBurst            = 40
	DefaultMaxSubscriptions     = 100
	DefaultIssuer               = "eventfeed"
	DefaultTokenTTL             = time.Hour
	DefaultTokenSkew            = 30 * time.Second
	DefaultDriver               = "postgres"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultFlushConcurrency     = 4
	DefaultQueueSize            = 256
	DefaultOverflow             = "disconnect"
	DefaultClientURL            = "ws://localhost:8080/subscriptions"
	DefaultReconnectBaseWait    = 500 * time.Millisecond
	DefaultReconnectMaxWait     = 30 * time.Second
	DefaultJitterFactor         = 0.25
	DefaultMaxReconnectAttempts = 10
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Server.KeepAlive == 0 {
		c.Server.KeepAlive = DefaultKeepAlive
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = DefaultRateLimit
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = DefaultRateBurst
	}
	if c.Server.MaxSubscriptions == 0 {
		c.Server.MaxSubscriptions = DefaultMaxSubscriptions
	}

	// Auth defaults
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Auth.TTL == 0 {
		c.Auth.TTL = DefaultTokenTTL
	}
	if c.Auth.Skew == 0 {
		c.Auth.Skew = DefaultTokenSkew
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	applyDBDefaults(&c.Database.Postgres)

	// Loader defaults
	if c.Loader.FlushConcurrency == 0 {
		c.Loader.FlushConcurrency = DefaultFlushConcurrency
	}

	// Router defaults
	if c.Router.QueueSize == 0 {
		c.Router.QueueSize = DefaultQueueSize
	}
	if c.Router.Overflow == "" {
		c.Router.Overflow = DefaultOverflow
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
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

func (c *WatchConfig) applyDefaults() {
	cl := &c.Client
	if cl.URL == "" {
		cl.URL = DefaultClientURL
	}
	if cl.ReconnectBaseWait == 0 {
		cl.ReconnectBaseWait = DefaultReconnectBaseWait
	}
	if cl.ReconnectMaxWait == 0 {
		cl.ReconnectMaxWait = DefaultReconnectMaxWait
	}
	if cl.JitterFactor == 0 {
		cl.JitterFactor = DefaultJitterFactor
	}
	if cl.MaxReconnectAttempts == 0 {
		cl.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cl.HandshakeTimeout == 0 {
		cl.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cl.HeartbeatInterval == 0 {
		cl.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cl.StaleAfter == 0 {
		cl.StaleAfter = 3 * cl.HeartbeatInterval
	}
}
