package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Walletsync WalletsyncConfig `yaml:"walletsync"`
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Prices     PricesConfig     `yaml:"prices"`
	Transport  TransportConfig  `yaml:"transport"`
	Cache      CacheConfig      `yaml:"cache"`
	Session    SessionConfig    `yaml:"session"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type WalletsyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	SendBuffer      int           `yaml:"send_buffer"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ProviderConfig struct {
	URL            string               `yaml:"url"`
	APIKey         string               `yaml:"api_key"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type MonitorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	TransactionLimit int           `yaml:"transaction_limit"`
}

type PricesConfig struct {
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	Symbols           []string      `yaml:"symbols"`
}

type TransportConfig struct {
	URL                  string        `yaml:"url"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
}

type CacheConfig struct {
	WalletTTL            time.Duration `yaml:"wallet_ttl"`
	TransactionTTL       time.Duration `yaml:"transaction_ttl"`
	RevalidationInterval time.Duration `yaml:"revalidation_interval"`
}

type SessionConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	RecordPath        string        `yaml:"record_path"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// DefaultConfigPath is where the server and agent look for their
// configuration when no -config flag is given.
const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets come from the environment, never from the file on disk.
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		config.Provider.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("PROVIDER_URL"); v != "" {
		config.Provider.URL = strings.TrimSpace(v)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in the reference timings for anything the file does
// not set explicitly.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.SendBuffer <= 0 {
		cfg.Server.SendBuffer = 64
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.PongTimeout <= 0 {
		cfg.Server.PongTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Provider.Timeout <= 0 {
		cfg.Provider.Timeout = 15 * time.Second
	}
	if cfg.Provider.ConnectionPool.MaxIdleConns <= 0 {
		cfg.Provider.ConnectionPool.MaxIdleConns = 32
	}
	if cfg.Provider.ConnectionPool.MaxConnsPerHost <= 0 {
		cfg.Provider.ConnectionPool.MaxConnsPerHost = 32
	}
	if cfg.Provider.ConnectionPool.IdleConnTimeout <= 0 {
		cfg.Provider.ConnectionPool.IdleConnTimeout = 90 * time.Second
	}
	if cfg.Provider.RateLimit.RequestsPerSecond <= 0 {
		cfg.Provider.RateLimit.RequestsPerSecond = 10
	}
	if cfg.Provider.RateLimit.BurstSize <= 0 {
		cfg.Provider.RateLimit.BurstSize = 20
	}
	if cfg.Monitor.PollInterval <= 0 {
		cfg.Monitor.PollInterval = 30 * time.Second
	}
	if cfg.Monitor.TransactionLimit <= 0 {
		cfg.Monitor.TransactionLimit = 10
	}
	if cfg.Prices.BroadcastInterval <= 0 {
		cfg.Prices.BroadcastInterval = 5 * time.Second
	}
	if len(cfg.Prices.Symbols) == 0 {
		cfg.Prices.Symbols = []string{"BTC", "ETH", "SOL", "MATIC", "USDC"}
	}
	if cfg.Transport.ReconnectBaseDelay <= 0 {
		cfg.Transport.ReconnectBaseDelay = time.Second
	}
	if cfg.Transport.MaxReconnectAttempts <= 0 {
		cfg.Transport.MaxReconnectAttempts = 5
	}
	if cfg.Transport.HandshakeTimeout <= 0 {
		cfg.Transport.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Cache.WalletTTL <= 0 {
		cfg.Cache.WalletTTL = 5 * time.Minute
	}
	if cfg.Cache.TransactionTTL <= 0 {
		cfg.Cache.TransactionTTL = 2 * time.Minute
	}
	if cfg.Cache.RevalidationInterval <= 0 {
		cfg.Cache.RevalidationInterval = time.Minute
	}
	if cfg.Session.InactivityTimeout <= 0 {
		cfg.Session.InactivityTimeout = 30 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Walletsync.Name == "" {
		return fmt.Errorf("walletsync.name is required")
	}

	if cfg.Walletsync.Version == "" {
		return fmt.Errorf("walletsync.version is required")
	}

	if cfg.Provider.URL == "" {
		return fmt.Errorf("provider.url is required")
	}

	if cfg.Transport.MaxReconnectAttempts < 1 {
		return fmt.Errorf("transport.max_reconnect_attempts must be at least 1")
	}

	if cfg.Session.InactivityTimeout < time.Minute {
		return fmt.Errorf("session.inactivity_timeout must be at least one minute")
	}

	return nil
}
