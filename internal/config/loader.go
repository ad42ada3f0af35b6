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
// built-in defaults, applies PROTECTBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known PROTECTBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "PROTECTBOT_CHAIN_RPC_URL")
	setStr(&cfg.Chain.WSURL, "PROTECTBOT_CHAIN_WS_URL")
	setInt64(&cfg.Chain.ChainID, "PROTECTBOT_CHAIN_ID")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "PROTECTBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "PROTECTBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "PROTECTBOT_WALLET_KEY_PASSWORD")

	// ── Contracts ──
	setStr(&cfg.Contracts.Rescue, "PROTECTBOT_CONTRACTS_RESCUE")
	setStr(&cfg.Contracts.Pool, "PROTECTBOT_CONTRACTS_POOL")

	// ── Planner ──
	setInt64(&cfg.Planner.SafetyMarginBps, "PROTECTBOT_PLANNER_SAFETY_MARGIN_BPS")
	setInt64(&cfg.Planner.SlippageBps, "PROTECTBOT_PLANNER_SLIPPAGE_BPS")
	setBool(&cfg.Planner.PauseWhenDegraded, "PROTECTBOT_PLANNER_PAUSE_WHEN_DEGRADED")

	// ── Executor ──
	setInt(&cfg.Executor.MaxConcurrent, "PROTECTBOT_EXECUTOR_MAX_CONCURRENT")
	setStr(&cfg.Executor.MaxFeeGwei, "PROTECTBOT_EXECUTOR_MAX_FEE_GWEI")
	setStr(&cfg.Executor.TipGwei, "PROTECTBOT_EXECUTOR_TIP_GWEI")

	// ── Aggregator ──
	setStr(&cfg.Aggregator.BaseURL, "PROTECTBOT_AGGREGATOR_BASE_URL")
	setStr(&cfg.Aggregator.APIKey, "PROTECTBOT_AGGREGATOR_API_KEY")
	setFloat64(&cfg.Aggregator.RequestsPerSecond, "PROTECTBOT_AGGREGATOR_REQUESTS_PER_SECOND")

	// ── Postgres ──
	setStr(&cfg.Postgres.Driver, "PROTECTBOT_POSTGRES_DRIVER")
	setStr(&cfg.Postgres.DSN, "PROTECTBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "PROTECTBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PROTECTBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PROTECTBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PROTECTBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PROTECTBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PROTECTBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PROTECTBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PROTECTBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PROTECTBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PROTECTBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PROTECTBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PROTECTBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PROTECTBOT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "PROTECTBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PROTECTBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PROTECTBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PROTECTBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PROTECTBOT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PROTECTBOT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PROTECTBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PROTECTBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PROTECTBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PROTECTBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PROTECTBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "PROTECTBOT_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "PROTECTBOT_ARCHIVE_RETENTION")
	setBool(&cfg.Archive.Prune, "PROTECTBOT_ARCHIVE_PRUNE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PROTECTBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PROTECTBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PROTECTBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PROTECTBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PROTECTBOT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PROTECTBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PROTECTBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PROTECTBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PROTECTBOT_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.QuietPeriod, "PROTECTBOT_NOTIFY_QUIET_PERIOD")

	// ── Top-level ──
	setStr(&cfg.Mode, "PROTECTBOT_MODE")
	setStr(&cfg.LogLevel, "PROTECTBOT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
