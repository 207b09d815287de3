package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SECRETPRED_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SECRETPRED_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setStr(&cfg.Market.InstanceID, "SECRETPRED_MARKET_INSTANCE_ID")
	setStr(&cfg.Market.AdminAddress, "SECRETPRED_MARKET_ADMIN_ADDRESS")
	setUint64(&cfg.Market.FeeBps, "SECRETPRED_MARKET_FEE_BPS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SECRETPRED_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SECRETPRED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SECRETPRED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SECRETPRED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SECRETPRED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SECRETPRED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SECRETPRED_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SECRETPRED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SECRETPRED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SECRETPRED_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SECRETPRED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SECRETPRED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SECRETPRED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SECRETPRED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SECRETPRED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SECRETPRED_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SECRETPRED_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SECRETPRED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SECRETPRED_S3_REGION")
	setStr(&cfg.S3.Bucket, "SECRETPRED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SECRETPRED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SECRETPRED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SECRETPRED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SECRETPRED_S3_FORCE_PATH_STYLE")

	// ── FHE ──
	setDuration(&cfg.FHE.RevealDelay, "SECRETPRED_FHE_REVEAL_DELAY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SECRETPRED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SECRETPRED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SECRETPRED_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SECRETPRED_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "SECRETPRED_SERVER_RATE_LIMIT_PER_MIN")

	// ── Worker ──
	setBool(&cfg.Worker.Enabled, "SECRETPRED_WORKER_ENABLED")
	setDuration(&cfg.Worker.SweepInterval, "SECRETPRED_WORKER_SWEEP_INTERVAL")
	setDuration(&cfg.Worker.RevealPollInterval, "SECRETPRED_WORKER_REVEAL_POLL_INTERVAL")
	setDuration(&cfg.Worker.ArchiveInterval, "SECRETPRED_WORKER_ARCHIVE_INTERVAL")
	setInt(&cfg.Worker.ArchiveRetentionDays, "SECRETPRED_WORKER_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Worker.BatchSize, "SECRETPRED_WORKER_BATCH_SIZE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SECRETPRED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SECRETPRED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SECRETPRED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SECRETPRED_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SECRETPRED_MODE")
	setStr(&cfg.LogLevel, "SECRETPRED_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
