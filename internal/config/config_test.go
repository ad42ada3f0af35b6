package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "monitor"

[chain]
ws_url = "wss://node.example/ws"

[contracts]
rescue = "0x9999999999999999999999999999999999999999"

[[assets]]
symbol = "WETH"
address = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
decimals = 18
pair = "ETH/USD"
aggregator = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

[[assets]]
symbol = "DAI"
address = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
decimals = 18
pegged_price = "1.00"

[planner]
quote_timeout = "2s"

[postgres]
driver = "memory"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "monitor", cfg.Mode)
	require.Equal(t, 2*time.Second, cfg.Planner.QuoteTimeout.Duration)
	require.Equal(t, int64(50), cfg.Planner.SlippageBps)
	require.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
	require.Len(t, cfg.Assets, 2)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROTECTBOT_MODE", "server")
	t.Setenv("PROTECTBOT_SERVER_PORT", "9100")
	t.Setenv("PROTECTBOT_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PROTECTBOT_ARCHIVE_INTERVAL", "90m")
	t.Setenv("PROTECTBOT_EXECUTOR_MAX_CONCURRENT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.Equal(t, "server", cfg.Mode)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	require.Equal(t, 90*time.Minute, cfg.Archive.Interval.Duration)
	require.Equal(t, 4, cfg.Executor.MaxConcurrent)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Planner.SafetyMarginBps = 9000
	cfg.Postgres.Driver = "sqlite"
	cfg.Assets = []AssetConfig{{Symbol: "X", Address: "nope"}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"contracts: rescue",
		"assets[0]: address",
		"assets[0]: pair must be set",
		"planner: safety_margin_bps",
		`postgres: unknown driver "sqlite"`,
	} {
		require.Contains(t, err.Error(), want)
	}
}

func TestRunModeNeedsOperatorKey(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	cfg.Mode = "run"
	require.ErrorContains(t, cfg.Validate(), "wallet: either private_key or encrypted_key_path")

	cfg.Wallet.EncryptedKeyPath = "/keys/operator.json"
	require.ErrorContains(t, cfg.Validate(), "key_password is required")

	cfg.Wallet.KeyPassword = "pw"
	require.NoError(t, cfg.Validate())
}

func TestDomainAssets(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assets, err := cfg.DomainAssets()
	require.NoError(t, err)

	dai, ok := assets.Lookup(common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"))
	require.True(t, ok)
	require.Equal(t, big.NewInt(100_000_000), dai.PeggedPrice)

	pairs := assets.Pairs()
	require.Len(t, pairs, 1)
	require.Equal(t, common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"), pairs["ETH/USD"])
}

func TestAmountParsing(t *testing.T) {
	e := ExecutorConfig{MaxFeeGwei: "1.5"}
	fee, err := e.MaxFeePerGas()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_500_000_000), fee)

	tip, err := e.TipCap()
	require.NoError(t, err)
	require.Nil(t, tip)

	_, err = ExecutorConfig{TipGwei: "-1"}.TipCap()
	require.Error(t, err)

	_, err = RegistrationConfig{MinAllowance: "1e18"}.MinAllowanceAmount()
	require.Error(t, err)
	n, err := RegistrationConfig{MinAllowance: "1000"}.MinAllowanceAmount()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), n)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Server.APIKey = "operator"

	out := RedactedConfig(&cfg)
	require.Equal(t, redacted, out.Wallet.PrivateKey)
	require.Equal(t, redacted, out.Postgres.DSN)
	require.Equal(t, redacted, out.Server.APIKey)
	require.Empty(t, out.Notify.TelegramToken)

	out.Notify.Events[0] = "changed"
	require.Equal(t, "feed_degraded", cfg.Notify.Events[0])
	require.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
}
