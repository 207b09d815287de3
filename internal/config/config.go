// Package config defines the top-level configuration for the settlement
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by SECRETPRED_* environment
// variables.
type Config struct {
	Market   MarketConfig   `toml:"market"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	FHE      FHEConfig      `toml:"fhe"`
	Server   ServerConfig   `toml:"server"`
	Worker   WorkerConfig   `toml:"worker"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// MarketConfig holds market parameters shared by every deployment surface.
type MarketConfig struct {
	// InstanceID scopes signed attestations and lifecycle actions to this
	// deployment. Signatures produced for one instance are rejected by
	// every other.
	InstanceID string `toml:"instance_id"`

	// AdminAddress is the only address allowed to cancel markets. While
	// unset, cancellation is disabled.
	AdminAddress string `toml:"admin_address"`

	// FeeBps is the protocol fee in basis points, taken from winnings
	// only. Capped at 300.
	FeeBps uint64 `toml:"fee_bps"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the
// cold-storage archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FHEConfig holds parameters of the homomorphic co-processor.
type FHEConfig struct {
	// RevealDelay simulates the gateway round-trip between a public reveal
	// request and the plaintext becoming available.
	RevealDelay duration `toml:"reveal_delay"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects mutating endpoints. Empty disables authentication.
	APIKey string `toml:"api_key"`
	// RateLimitPerMin is the per-client request budget. Zero disables
	// limiting.
	RateLimitPerMin int `toml:"rate_limit_per_min"`
}

// WorkerConfig holds background loop parameters.
type WorkerConfig struct {
	Enabled              bool     `toml:"enabled"`
	SweepInterval        duration `toml:"sweep_interval"`
	RevealPollInterval   duration `toml:"reveal_poll_interval"`
	ArchiveInterval      duration `toml:"archive_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	BatchSize            int      `toml:"batch_size"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			InstanceID: "secretpredictions-dev",
			FeeBps:     0,
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "secretpredictions-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		FHE: FHEConfig{
			RevealDelay: duration{30 * time.Second},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 120,
		},
		Worker: WorkerConfig{
			Enabled:              true,
			SweepInterval:        duration{15 * time.Second},
			RevealPollInterval:   duration{10 * time.Second},
			ArchiveInterval:      duration{24 * time.Hour},
			ArchiveRetentionDays: 90,
			BatchSize:            100,
		},
		Notify: NotifyConfig{
			Events: []string{"market_resolved", "market_cancelled", "pool_revealed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Market
	if strings.TrimSpace(c.Market.InstanceID) == "" {
		errs = append(errs, "market: instance_id must not be empty")
	}
	if c.Market.AdminAddress != "" && !common.IsHexAddress(c.Market.AdminAddress) {
		errs = append(errs, fmt.Sprintf("market: admin_address %q is not a valid address", c.Market.AdminAddress))
	}
	if c.Market.FeeBps > 300 {
		errs = append(errs, fmt.Sprintf("market: fee_bps must not exceed 300, got %d", c.Market.FeeBps))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only checked when the archiver is on.
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	// FHE
	if c.FHE.RevealDelay.Duration < 0 {
		errs = append(errs, "fhe: reveal_delay must not be negative")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must be >= 0")
		}
	}

	// Worker
	if c.Worker.Enabled {
		if c.Worker.SweepInterval.Duration <= 0 {
			errs = append(errs, "worker: sweep_interval must be > 0")
		}
		if c.Worker.RevealPollInterval.Duration <= 0 {
			errs = append(errs, "worker: reveal_poll_interval must be > 0")
		}
		if c.Worker.ArchiveInterval.Duration < 0 {
			errs = append(errs, "worker: archive_interval must not be negative")
		}
		if c.Worker.ArchiveRetentionDays < 0 {
			errs = append(errs, "worker: archive_retention_days must be >= 0")
		}
		if c.Worker.BatchSize < 1 {
			errs = append(errs, "worker: batch_size must be >= 1")
		}
	}

	// A deployment that serves nothing is a misconfiguration.
	if !c.Server.Enabled && !c.Worker.Enabled {
		errs = append(errs, "at least one of server or worker must be enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
