package postgres

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

func TestDSN(t *testing.T) {
	require.Equal(t, "postgres://bot:pw@db:5432/protect?sslmode=disable",
		DSN(ClientConfig{User: "bot", Password: "pw", Host: "db", Database: "protect"}))
	require.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestWithListOpts(t *testing.T) {
	since := time.Unix(1_700_000_000, 0)
	q, args := withListOpts("SELECT * FROM t WHERE pair = $1", []any{"ETH/USD"},
		"observed_at", "round DESC", domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	require.Equal(t, "SELECT * FROM t WHERE pair = $1 AND observed_at >= $2 ORDER BY round DESC LIMIT $3 OFFSET $4", q)
	require.Equal(t, []any{"ETH/USD", since, 10, 20}, args)

	q, args = withListOpts("SELECT 1 WHERE 1=1", nil, "created_at", "created_at DESC", domain.ListOpts{})
	require.Equal(t, "SELECT 1 WHERE 1=1 ORDER BY created_at DESC", q)
	require.Empty(t, args)
}

func TestMigrationsAreEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.Equal(t, []string{"001_init.sql"}, names)

	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"authorizations", "challenges", "rescue_attempts", "price_observations", "audit_log"} {
		require.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestTxHashColumn(t *testing.T) {
	require.Nil(t, txHashColumn(common.Hash{}))
	h := common.HexToHash("0xabc")
	require.Equal(t, h.Hex(), *txHashColumn(h))
}
