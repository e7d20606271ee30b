package config

import "time"

// Config is the root configuration for an eventfeed server.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Loader   LoaderConfig   `yaml:"loader"`
	Router   RouterConfig   `yaml:"router"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this server.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds HTTP and subscription endpoint settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"` // connection_init must arrive within this
	KeepAlive         time.Duration `yaml:"keep_alive"`        // "ka" frame interval
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	RateLimit         float64       `yaml:"rate_limit"` // inbound frames per second per connection
	RateBurst         int           `yaml:"rate_burst"`
	MaxSubscriptions  int           `yaml:"max_subscriptions"` // per connection
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	Issuer         string        `yaml:"issuer"`
	KeyID          string        `yaml:"key_id"`
	PrivateKeyPath string        `yaml:"private_key_path"` // Path to RSA private key PEM file
	TTL            time.Duration `yaml:"ttl"`
	Skew           time.Duration `yaml:"skew"`
}

// DatabaseConfig holds the PostgreSQL connection that backs the loaders.
type DatabaseConfig struct {
	Driver   string   `yaml:"driver"` // postgres, memory
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LoaderConfig holds batched fetch settings applied to every request scope.
type LoaderConfig struct {
	Wait             time.Duration `yaml:"wait"`      // 0 = explicit flush only
	MaxBatch         int           `yaml:"max_batch"` // 0 = unbounded
	FlushConcurrency int           `yaml:"flush_concurrency"`
}

// RouterConfig holds publication router settings.
type RouterConfig struct {
	QueueSize int    `yaml:"queue_size"`
	Overflow  string `yaml:"overflow"` // disconnect, drop_oldest
}

// ClientConfig holds settings for eventfeed-watch.
type ClientConfig struct {
	URL                  string        `yaml:"url"`
	Token                string        `yaml:"token"`
	ReconnectBaseWait    time.Duration `yaml:"reconnect_base_wait"`
	ReconnectMaxWait     time.Duration `yaml:"reconnect_max_wait"`
	JitterFactor         float64       `yaml:"jitter_factor"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // negative = unlimited
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	StaleAfter           time.Duration `yaml:"stale_after"`
}

// WatchConfig is the root configuration for eventfeed-watch.
type WatchConfig struct {
	Client ClientConfig `yaml:"client"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
