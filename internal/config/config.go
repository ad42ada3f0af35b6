// Package config defines the top-level configuration for the protection bot
// and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PROTECTBOT_* environment variables.
type Config struct {
	Chain        ChainConfig        `toml:"chain"`
	Wallet       WalletConfig       `toml:"wallet"`
	Contracts    ContractsConfig    `toml:"contracts"`
	Assets       []AssetConfig      `toml:"assets"`
	Feed         FeedConfig         `toml:"feed"`
	Planner      PlannerConfig      `toml:"planner"`
	Executor     ExecutorConfig     `toml:"executor"`
	Registration RegistrationConfig `toml:"registration"`
	Aggregator   AggregatorConfig   `toml:"aggregator"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Archive      ArchiveConfig      `toml:"archive"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// ChainConfig holds node endpoints. WSURL carries the oracle log
// subscriptions; RPCURL serves reads and transaction submission.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	WSURL   string `toml:"ws_url"`
	ChainID int64  `toml:"chain_id"`
}

// WalletConfig holds the operator key that signs rescue transactions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ContractsConfig holds on-chain addresses.
type ContractsConfig struct {
	Rescue string `toml:"rescue"`
	Pool   string `toml:"pool"`
}

// AssetConfig describes one collateral or debt token.
type AssetConfig struct {
	Symbol     string `toml:"symbol"`
	Address    string `toml:"address"`
	Decimals   uint8  `toml:"decimals"`
	Pair       string `toml:"pair"`
	Aggregator string `toml:"aggregator"`
	// PeggedPrice is a decimal quote-currency price, e.g. "1.00".
	PeggedPrice string `toml:"pegged_price"`
}

// FeedConfig holds oracle listener parameters.
type FeedConfig struct {
	ReconnectMin      duration `toml:"reconnect_min"`
	ReconnectMax      duration `toml:"reconnect_max"`
	MaxBackfillRounds uint64   `toml:"max_backfill_rounds"`
}

// PlannerConfig holds rescue trigger and quoting parameters.
type PlannerConfig struct {
	SafetyMarginBps    int64    `toml:"safety_margin_bps"`
	DegradedMarginBps  int64    `toml:"degraded_margin_bps"`
	PauseWhenDegraded  bool     `toml:"pause_when_degraded"`
	SlippageBps        int64    `toml:"slippage_bps"`
	QuoteTimeout       duration `toml:"quote_timeout"`
	QuoteRetries       int      `toml:"quote_retries"`
	RetryBudget        int      `toml:"retry_budget"`
	ReevaluateInterval duration `toml:"reevaluate_interval"`
}

// ExecutorConfig holds rescue submission parameters.
type ExecutorConfig struct {
	MaxConcurrent       int      `toml:"max_concurrent"`
	ConfirmPollInterval duration `toml:"confirm_poll_interval"`
	ConfirmRetries      int      `toml:"confirm_retries"`
	BackgroundFactor    int      `toml:"background_factor"`
	LockTTL             duration `toml:"lock_ttl"`
	GasBufferPct        uint64   `toml:"gas_buffer_pct"`
	// MaxFeeGwei and TipGwei are decimal gwei amounts; empty means use the
	// node's suggestion.
	MaxFeeGwei string `toml:"max_fee_gwei"`
	TipGwei    string `toml:"tip_gwei"`
}

// RegistrationConfig holds delegation and allowance parameters.
type RegistrationConfig struct {
	DomainName    string   `toml:"domain_name"`
	DomainVersion string   `toml:"domain_version"`
	ChallengeTTL  duration `toml:"challenge_ttl"`

	// MinAllowance is the allowance, in base units of the collateral's
	// aToken, the owner must grant the rescue contract. Empty requires an
	// unlimited approval.
	MinAllowance          string   `toml:"min_allowance"`
	AllowancePolls        int      `toml:"allowance_polls"`
	AllowancePollInterval duration `toml:"allowance_poll_interval"`
	AuditInterval         duration `toml:"audit_interval"`
}

// AggregatorConfig holds swap quote API parameters.
type AggregatorConfig struct {
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	QuoteTTL          duration `toml:"quote_ttl"`
	MaxRetries        int      `toml:"max_retries"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	Timeout           duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters. Driver "memory"
// keeps every record in process, for local chains and tests.
type PostgresConfig struct {
	Driver            string   `toml:"driver"`
	DSN               string   `toml:"dsn"`
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	Database          string   `toml:"database"`
	User              string   `toml:"user"`
	Password          string   `toml:"password"`
	SSLMode           string   `toml:"ssl_mode"`
	PoolMaxConns      int      `toml:"pool_max_conns"`
	PoolMinConns      int      `toml:"pool_min_conns"`
	HealthCheckPeriod duration `toml:"health_check_period"`
	RunMigrations     bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Empty Addr disables Redis
// and falls back to in-process locks and signals.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	DialTimeout duration `toml:"dial_timeout"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	KeyPrefix   string   `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls exporting resolved attempts and audit entries to S3.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
	Prune     bool     `toml:"prune"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards operator routes; empty disables them.
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QuietPeriod       duration `toml:"quiet_period"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:  "http://localhost:8545",
			WSURL:   "ws://localhost:8546",
			ChainID: 1,
		},
		Contracts: ContractsConfig{
			Pool: "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2",
		},
		Feed: FeedConfig{
			ReconnectMin:      duration{time.Second},
			ReconnectMax:      duration{30 * time.Second},
			MaxBackfillRounds: 50,
		},
		Planner: PlannerConfig{
			SafetyMarginBps:    10_000,
			DegradedMarginBps:  500,
			SlippageBps:        50,
			QuoteTimeout:       duration{5 * time.Second},
			QuoteRetries:       2,
			RetryBudget:        5,
			ReevaluateInterval: duration{time.Minute},
		},
		Executor: ExecutorConfig{
			MaxConcurrent:       4,
			ConfirmPollInterval: duration{3 * time.Second},
			ConfirmRetries:      40,
			BackgroundFactor:    10,
			LockTTL:             duration{10 * time.Minute},
			GasBufferPct:        20,
		},
		Registration: RegistrationConfig{
			DomainName:            "AAVE Liquidation Protection",
			DomainVersion:         "1",
			ChallengeTTL:          duration{10 * time.Minute},
			AllowancePolls:        5,
			AllowancePollInterval: duration{3 * time.Second},
			AuditInterval:         duration{10 * time.Minute},
		},
		Aggregator: AggregatorConfig{
			BaseURL:           "https://api.1inch.io/v5.0/1",
			QuoteTTL:          duration{30 * time.Second},
			MaxRetries:        3,
			RequestsPerSecond: 1,
			Burst:             1,
			Timeout:           duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Driver:            "postgres",
			Host:              "localhost",
			Port:              5432,
			Database:          "protectionbot",
			User:              "postgres",
			SSLMode:           "disable",
			PoolMaxConns:      10,
			PoolMinConns:      2,
			HealthCheckPeriod: duration{30 * time.Second},
			RunMigrations:     true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
			KeyPrefix:   "protectbot:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "protectionbot-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:  duration{24 * time.Hour},
			Retention: duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimit:       60,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{
				"feed_degraded", "retry_budget_exhausted", "rescue_executed",
				"execution_reverted", "confirmation_timeout", "transition_failed",
			},
			QuietPeriod: duration{5 * time.Minute},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":       true,
	"monitor":   true,
	"server":    true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, monitor, server, reconcile)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if (mode == "run" || mode == "monitor") && c.Chain.WSURL == "" {
		errs = append(errs, "chain: ws_url is required for mode "+c.Mode)
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}

	// Wallet: only submitting modes sign transactions.
	if mode == "run" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Contracts
	if !common.IsHexAddress(c.Contracts.Rescue) {
		errs = append(errs, fmt.Sprintf("contracts: rescue %q is not an address", c.Contracts.Rescue))
	}
	if !common.IsHexAddress(c.Contracts.Pool) {
		errs = append(errs, fmt.Sprintf("contracts: pool %q is not an address", c.Contracts.Pool))
	}

	// Assets
	if len(c.Assets) == 0 {
		errs = append(errs, "assets: at least one asset must be configured")
	}
	seen := make(map[string]bool, len(c.Assets))
	for i, a := range c.Assets {
		errs = append(errs, a.problems(i)...)
		key := strings.ToLower(a.Address)
		if seen[key] {
			errs = append(errs, fmt.Sprintf("assets[%d]: duplicate address %s", i, a.Address))
		}
		seen[key] = true
	}

	// Feed
	if c.Feed.ReconnectMin.Duration <= 0 || c.Feed.ReconnectMax.Duration < c.Feed.ReconnectMin.Duration {
		errs = append(errs, "feed: reconnect_min must be > 0 and not exceed reconnect_max")
	}

	// Planner
	if c.Planner.SafetyMarginBps < domain.BasisPoints {
		errs = append(errs, fmt.Sprintf("planner: safety_margin_bps must be >= %d", domain.BasisPoints))
	}
	if c.Planner.DegradedMarginBps < 0 {
		errs = append(errs, "planner: degraded_margin_bps must be >= 0")
	}
	if c.Planner.SlippageBps <= 0 || c.Planner.SlippageBps >= domain.BasisPoints {
		errs = append(errs, fmt.Sprintf("planner: slippage_bps must be in (0, %d)", domain.BasisPoints))
	}
	if c.Planner.RetryBudget < 1 {
		errs = append(errs, "planner: retry_budget must be >= 1")
	}

	// Executor
	if c.Executor.MaxConcurrent < 1 {
		errs = append(errs, "executor: max_concurrent must be >= 1")
	}
	if c.Executor.ConfirmRetries < 1 {
		errs = append(errs, "executor: confirm_retries must be >= 1")
	}
	if _, err := c.Executor.MaxFeePerGas(); err != nil {
		errs = append(errs, "executor: "+err.Error())
	}
	if _, err := c.Executor.TipCap(); err != nil {
		errs = append(errs, "executor: "+err.Error())
	}

	// Registration
	if c.Registration.ChallengeTTL.Duration <= 0 {
		errs = append(errs, "registration: challenge_ttl must be > 0")
	}
	if _, err := c.Registration.MinAllowanceAmount(); err != nil {
		errs = append(errs, "registration: "+err.Error())
	}

	// Aggregator
	if c.Aggregator.BaseURL == "" {
		errs = append(errs, "aggregator: base_url must not be empty")
	}
	if c.Aggregator.RequestsPerSecond <= 0 {
		errs = append(errs, "aggregator: requests_per_second must be > 0")
	}

	// Postgres
	switch c.Postgres.Driver {
	case "memory":
	case "postgres":
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	default:
		errs = append(errs, fmt.Sprintf("postgres: unknown driver %q (valid: postgres, memory)", c.Postgres.Driver))
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0")
		}
		if c.Postgres.Driver == "memory" && c.Archive.Prune {
			errs = append(errs, "archive: prune requires the postgres driver")
		}
	}

	// Server
	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (a AssetConfig) problems(i int) []string {
	var errs []string
	if a.Symbol == "" {
		errs = append(errs, fmt.Sprintf("assets[%d]: symbol must not be empty", i))
	}
	if !common.IsHexAddress(a.Address) {
		errs = append(errs, fmt.Sprintf("assets[%d]: address %q is not an address", i, a.Address))
	}
	if a.Decimals > 36 {
		errs = append(errs, fmt.Sprintf("assets[%d]: decimals %d out of range", i, a.Decimals))
	}
	if a.PeggedPrice != "" {
		if _, err := a.pegged(); err != nil {
			errs = append(errs, fmt.Sprintf("assets[%d]: %v", i, err))
		}
		return errs
	}
	if a.Pair == "" {
		errs = append(errs, fmt.Sprintf("assets[%d]: pair must be set unless pegged_price is", i))
	}
	if !common.IsHexAddress(a.Aggregator) {
		errs = append(errs, fmt.Sprintf("assets[%d]: aggregator %q is not an address", i, a.Aggregator))
	}
	return errs
}

func (a AssetConfig) pegged() (*big.Int, error) {
	d, err := decimal.NewFromString(a.PeggedPrice)
	if err != nil {
		return nil, fmt.Errorf("pegged_price %q: %w", a.PeggedPrice, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("pegged_price %q must be positive", a.PeggedPrice)
	}
	return d.Shift(domain.PriceDecimals).BigInt(), nil
}

// DomainAssets converts the asset table into domain.Assets.
func (c *Config) DomainAssets() (domain.Assets, error) {
	out := make(domain.Assets, len(c.Assets))
	for i, a := range c.Assets {
		asset := domain.Asset{
			Symbol:   a.Symbol,
			Address:  common.HexToAddress(a.Address),
			Decimals: a.Decimals,
			Pair:     domain.AssetPair(a.Pair),
		}
		if a.PeggedPrice != "" {
			p, err := a.pegged()
			if err != nil {
				return nil, fmt.Errorf("config: assets[%d]: %w", i, err)
			}
			asset.PeggedPrice = p
		} else {
			asset.Aggregator = common.HexToAddress(a.Aggregator)
		}
		out[asset.Address] = asset
	}
	return out, nil
}

// MaxFeePerGas returns the configured fee cap in wei, or nil.
func (e ExecutorConfig) MaxFeePerGas() (*big.Int, error) { return gwei("max_fee_gwei", e.MaxFeeGwei) }

// TipCap returns the configured priority fee in wei, or nil.
func (e ExecutorConfig) TipCap() (*big.Int, error) { return gwei("tip_gwei", e.TipGwei) }

func gwei(name, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", name, s, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%s %q must be positive", name, s)
	}
	return d.Shift(9).BigInt(), nil
}

// MinAllowanceAmount parses MinAllowance, returning nil when unset.
func (r RegistrationConfig) MinAllowanceAmount() (*big.Int, error) {
	if r.MinAllowance == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(r.MinAllowance, 10)
	if !ok || n.Sign() <= 0 {
		return nil, fmt.Errorf("min_allowance %q must be a positive integer", r.MinAllowance)
	}
	return n, nil
}
