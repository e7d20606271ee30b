package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: feed-1
server:
  addr: ":9000"
  keep_alive: 5s
auth:
  key_id: k1
  private_key_path: /etc/eventfeed/key.pem
database:
  postgres:
    host: localhost
    port: 5432
    name: events
    user: feed
    password: feedpass
loader:
  wait: 2ms
  max_batch: 100
router:
  queue_size: 64
  overflow: drop_oldest
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "feed-1" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "feed-1")
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9000")
	}
	if cfg.Server.KeepAlive != 5*time.Second {
		t.Errorf("Server.KeepAlive = %v, want 5s", cfg.Server.KeepAlive)
	}
	if cfg.Loader.Wait != 2*time.Millisecond {
		t.Errorf("Loader.Wait = %v, want 2ms", cfg.Loader.Wait)
	}
	if cfg.Loader.MaxBatch != 100 {
		t.Errorf("Loader.MaxBatch = %d, want 100", cfg.Loader.MaxBatch)
	}
	if cfg.Router.Overflow != "drop_oldest" {
		t.Errorf("Router.Overflow = %q, want drop_oldest", cfg.Router.Overflow)
	}
	if cfg.Database.Postgres.Host != "localhost" {
		t.Errorf("Database.Postgres.Host = %q, want %q", cfg.Database.Postgres.Host, "localhost")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")

	yaml := `
instance:
  id: feed-1
database:
  postgres:
    host: localhost
    name: events
    user: feed
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Postgres.Password != "secret123" {
		t.Errorf("Database.Postgres.Password = %q, want %q", cfg.Database.Postgres.Password, "secret123")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeTempFile(t, "server: [unclosed")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: feed-1
database:
  postgres:
    host: localhost
    name: events
    user: feed
    password: feedpass
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Server.Addr = %q, want default %q", cfg.Server.Addr, DefaultAddr)
	}
	if cfg.Server.KeepAlive != DefaultKeepAlive {
		t.Errorf("Server.KeepAlive = %v, want default %v", cfg.Server.KeepAlive, DefaultKeepAlive)
	}
	if cfg.Auth.Issuer != DefaultIssuer {
		t.Errorf("Auth.Issuer = %q, want default %q", cfg.Auth.Issuer, DefaultIssuer)
	}
	if cfg.Database.Postgres.Port != DefaultDBPort {
		t.Errorf("Database.Postgres.Port = %d, want default %d", cfg.Database.Postgres.Port, DefaultDBPort)
	}
	if cfg.Database.Postgres.MaxConns != DefaultMaxConns {
		t.Errorf("Database.Postgres.MaxConns = %d, want default %d", cfg.Database.Postgres.MaxConns, DefaultMaxConns)
	}
	if cfg.Loader.Wait != 0 {
		t.Errorf("Loader.Wait = %v, want 0 (explicit flush)", cfg.Loader.Wait)
	}
	if cfg.Router.QueueSize != DefaultQueueSize {
		t.Errorf("Router.QueueSize = %d, want default %d", cfg.Router.QueueSize, DefaultQueueSize)
	}
	if cfg.Router.Overflow != DefaultOverflow {
		t.Errorf("Router.Overflow = %q, want default %q", cfg.Router.Overflow, DefaultOverflow)
	}
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Metrics.Port = %d, want default %d", cfg.Metrics.Port, DefaultMetricsPort)
	}
}

func TestLoadAndValidate(t *testing.T) {
	valid := `
instance:
  id: feed-1
auth:
  private_key_path: /tmp/key.pem
database:
  postgres:
    host: localhost
    name: events
    user: feed
    password: feedpass
`
	if _, err := LoadAndValidate(writeTempFile(t, valid)); err != nil {
		t.Errorf("LoadAndValidate failed: %v", err)
	}

	if _, err := LoadAndValidate(writeTempFile(t, "instance:\n  id: feed-1\n")); err == nil {
		t.Error("expected validation error for missing auth and database")
	}
}

func validConfig() Config {
	cfg := Config{
		Instance: InstanceConfig{ID: "feed-1"},
		Auth:     AuthConfig{PrivateKeyPath: "/tmp/key.pem"},
		Database: DatabaseConfig{
			Postgres: DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "missing private key",
			mutate:  func(c *Config) { c.Auth.PrivateKeyPath = "" },
			wantErr: "auth.private_key_path is required",
		},
		{
			name:    "missing postgres host",
			mutate:  func(c *Config) { c.Database.Postgres.Host = "" },
			wantErr: "database.postgres.host is required",
		},
		{
			name:    "missing postgres password",
			mutate:  func(c *Config) { c.Database.Postgres.Password = "" },
			wantErr: "database.postgres.password is required",
		},
		{
			name: "memory driver skips postgres",
			mutate: func(c *Config) {
				c.Database.Driver = "memory"
				c.Database.Postgres = DBConfig{}
			},
			wantErr: "",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "sqlite" },
			wantErr: `database.driver must be postgres or memory, got "sqlite"`,
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Database.Postgres.MaxConns = 5
				c.Database.Postgres.MinConns = 10
			},
			wantErr: "database.postgres.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "negative loader wait",
			mutate:  func(c *Config) { c.Loader.Wait = -time.Millisecond },
			wantErr: "loader.wait must be >= 0",
		},
		{
			name:    "unknown overflow policy",
			mutate:  func(c *Config) { c.Router.Overflow = "block" },
			wantErr: `router.overflow must be disconnect or drop_oldest, got "block"`,
		},
		{
			name:    "metrics port out of range",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "metrics.port must be between 1 and 65535, got 70000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestLoadWatch(t *testing.T) {
	t.Setenv("TEST_FEED_TOKEN", "tok")

	yaml := `
client:
  url: ws://feed.example.com/subscriptions
  token: ${TEST_FEED_TOKEN}
  heartbeat_interval: 5s
`
	cfg, err := LoadWatch(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadWatch failed: %v", err)
	}
	if cfg.Client.Token != "tok" {
		t.Errorf("Client.Token = %q, want tok", cfg.Client.Token)
	}
	if cfg.Client.StaleAfter != 15*time.Second {
		t.Errorf("Client.StaleAfter = %v, want 3x heartbeat (15s)", cfg.Client.StaleAfter)
	}
	if cfg.Client.ReconnectBaseWait != DefaultReconnectBaseWait {
		t.Errorf("Client.ReconnectBaseWait = %v, want default", cfg.Client.ReconnectBaseWait)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	defaults, err := LoadWatch("")
	if err != nil {
		t.Fatalf("LoadWatch(\"\") failed: %v", err)
	}
	if defaults.Client.URL != DefaultClientURL {
		t.Errorf("Client.URL = %q, want default", defaults.Client.URL)
	}
	if err := defaults.Validate(); err == nil || err.Error() != "client.token is required" {
		t.Errorf("Validate() error = %v, want missing token", err)
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestExampleConfigs(t *testing.T) {
	t.Setenv("EVENTFEED_PRIVATE_KEY_PATH", "/etc/eventfeed/key.pem")
	t.Setenv("EVENTFEED_DB_PASSWORD", "secret")
	t.Setenv("EVENTFEED_TOKEN", "tok")

	cfg, err := LoadAndValidate("../../configs/eventfeed.example.yaml")
	if err != nil {
		t.Fatalf("eventfeed.example.yaml: %v", err)
	}
	if cfg.Database.Postgres.Password != "secret" {
		t.Errorf("password = %q, want expanded value", cfg.Database.Postgres.Password)
	}

	watch, err := LoadWatch("../../configs/watch.example.yaml")
	if err != nil {
		t.Fatalf("watch.example.yaml: %v", err)
	}
	if err := watch.Validate(); err != nil {
		t.Errorf("watch.example.yaml: %v", err)
	}
	if watch.Client.MaxReconnectAttempts != -1 {
		t.Errorf("max_reconnect_attempts = %d, want -1", watch.Client.MaxReconnectAttempts)
	}
}
