package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/blob/s3"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/cache/redis"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/config"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/crypto"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/metrics"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/notify"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/platform/aave"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/platform/chainlink"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/platform/erc20"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/platform/oneinch"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/platform/rescue"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/server/handler"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/store/memory"
	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	Assets  domain.Assets
	Rescue  common.Address
	Pool    common.Address
	ChainID *big.Int

	// Stores
	Authorizations domain.AuthorizationStore
	Challenges     domain.ChallengeStore
	Attempts       domain.AttemptStore
	Observations   domain.ObservationStore
	Audit          domain.AuditStore

	// Caches. PriceCache and RateLimiter are nil without Redis.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Archiver is nil unless archive.enabled is set.
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Chain clients. Oracle is nil in modes that do not follow prices.
	Lending  *aave.Pool
	Tokens   *erc20.Reader
	Quoter   *oneinch.Client
	Ledger   *rescue.Contract
	Oracle   *chainlink.Client
	Operator common.Address

	// HealthChecks are probed by GET /api/health.
	HealthChecks map[string]handler.Check
}

// followsPrices returns true for modes that subscribe to the oracles.
func followsPrices(mode string) bool {
	switch mode {
	case "run", "monitor":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	assets, err := cfg.DomainAssets()
	if err != nil {
		return fail("assets", err)
	}
	deps := &Dependencies{
		Assets:       assets,
		Rescue:       common.HexToAddress(cfg.Contracts.Rescue),
		Pool:         common.HexToAddress(cfg.Contracts.Pool),
		ChainID:      big.NewInt(cfg.Chain.ChainID),
		Metrics:      metrics.Bot(),
		HealthChecks: make(map[string]handler.Check),
	}

	// --- Stores ---
	if cfg.Postgres.Driver == "memory" {
		logger.Warn("using in-memory stores; state is lost on restart")
		deps.Authorizations = memory.NewAuthorizationStore()
		deps.Challenges = memory.NewChallengeStore()
		deps.Attempts = memory.NewAttemptStore()
		deps.Observations = memory.NewObservationStore()
		deps.Audit = memory.NewAuditStore()
	} else {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:               cfg.Postgres.DSN,
			Host:              cfg.Postgres.Host,
			Port:              cfg.Postgres.Port,
			Database:          cfg.Postgres.Database,
			User:              cfg.Postgres.User,
			Password:          cfg.Postgres.Password,
			SSLMode:           cfg.Postgres.SSLMode,
			MaxConns:          cfg.Postgres.PoolMaxConns,
			MinConns:          cfg.Postgres.PoolMinConns,
			HealthCheckPeriod: cfg.Postgres.HealthCheckPeriod.Duration,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		stores := pgClient.Stores()
		deps.Authorizations = stores.Authorizations
		deps.Challenges = stores.Challenges
		deps.Attempts = stores.Attempts
		deps.Observations = stores.Observations
		deps.Audit = stores.Audit
		deps.HealthChecks["postgres"] = func(ctx context.Context) error { return pgClient.Pool().Ping(ctx) }
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			KeyPrefix:   cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		// Wait paces aggregator quotes across instances; Allow serves the API.
		deps.RateLimiter = redis.NewRateLimiter(redisClient, quoteBurst(cfg), quoteWindow(cfg))
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		logger.Warn("redis disabled; locks and signals are process-local")
		bus := memory.NewBus()
		deps.LockManager = bus
		deps.SignalBus = bus
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Attempts, deps.Audit, cfg.Archive.Prune, logger)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) == 0 {
		senders = append(senders, notify.LogSender{Logger: logger})
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.QuietPeriod.Duration, logger)

	// --- Chain ---
	rpc, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fail("dial rpc", err)
	}
	closers = append(closers, rpc.Close)
	deps.HealthChecks["rpc"] = func(ctx context.Context) error {
		_, err := rpc.BlockNumber(ctx)
		return err
	}

	if followsPrices(mode) {
		ws, err := ethclient.DialContext(ctx, cfg.Chain.WSURL)
		if err != nil {
			return fail("dial ws", err)
		}
		closers = append(closers, ws.Close)
		deps.Oracle = chainlink.New(ws, assets.Pairs(), logger)
	}

	deps.Lending = aave.NewPool(rpc, deps.Pool, assets)
	deps.Tokens = erc20.NewReader(rpc)
	var quoterOpts []oneinch.Option
	if deps.RateLimiter != nil {
		quoterOpts = append(quoterOpts, oneinch.WithSharedLimiter(deps.RateLimiter))
	}
	deps.Quoter = oneinch.New(oneinch.Config{
		BaseURL:           cfg.Aggregator.BaseURL,
		APIKey:            cfg.Aggregator.APIKey,
		QuoteTTL:          cfg.Aggregator.QuoteTTL.Duration,
		MaxRetries:        cfg.Aggregator.MaxRetries,
		RequestsPerSecond: cfg.Aggregator.RequestsPerSecond,
		Burst:             cfg.Aggregator.Burst,
		Timeout:           cfg.Aggregator.Timeout.Duration,
	}, logger, quoterOpts...)

	// Only run mode signs. Other modes build a read-only ledger so the
	// engine can still reconcile.
	var signer rescue.TxSigner
	if mode == "run" {
		key, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail("operator key", err)
		}
		signer = key
		deps.Operator = key.Address()
	}
	maxFee, err := cfg.Executor.MaxFeePerGas()
	if err != nil {
		return fail("executor", err)
	}
	tip, err := cfg.Executor.TipCap()
	if err != nil {
		return fail("executor", err)
	}
	deps.Ledger = rescue.New(rescue.Config{
		Address:        deps.Rescue,
		ChainID:        deps.ChainID,
		GasBufferPct:   cfg.Executor.GasBufferPct,
		MaxFeePerGas:   maxFee,
		TipCapOverride: tip,
	}, rpc, signer, logger)

	return deps, cleanup, nil
}

func quoteBurst(cfg *config.Config) int {
	if cfg.Aggregator.Burst < 1 {
		return 1
	}
	return cfg.Aggregator.Burst
}

// quoteWindow is the period in which quoteBurst requests fit at the
// configured rate.
func quoteWindow(cfg *config.Config) time.Duration {
	if cfg.Aggregator.RequestsPerSecond <= 0 {
		return time.Second
	}
	return time.Duration(float64(quoteBurst(cfg)) / cfg.Aggregator.RequestsPerSecond * float64(time.Second))
}
