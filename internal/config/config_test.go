package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func baseEnv() map[string]string {
	return map[string]string{
		"PRIVATE_KEY":           "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291",
		"RPC_URL":               "http://localhost:8545",
		"CHAIN_ID":              "137",
		"VAULT_ADDRESS":         "0x1111111111111111111111111111111111111111",
		"BOT_DIRECTORY_ADDRESS": "0x2222222222222222222222222222222222222222",
		"ORACLE_URL":            "http://localhost:9000",
		"P2P_ENDPOINT":          "http://10.0.0.1:8080",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(envMap(baseEnv()))
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.P2PPort)
	require.Equal(t, 10, cfg.RateLimitPerSecond)
	require.Equal(t, 50, cfg.NumAssets)
	require.Equal(t, 5, cfg.MaxActiveBets)
	require.Equal(t, 1000, cfg.FastHashThreshold)
	require.Equal(t, 1000, cfg.CompressionThreshold)
	require.Equal(t, time.Minute, cfg.DiscoveryInterval)
	require.Equal(t, 30*time.Second, cfg.SettlementCheckInterval)
	require.Equal(t, 2*time.Minute, cfg.TradingInterval)
	require.Equal(t, time.Minute, cfg.PendingProposalTTL)
	require.Equal(t, 30*time.Second, cfg.DeadlineOffset)
	require.Equal(t, RoleTaker, cfg.Role)
	require.Equal(t, "up:0", cfg.DefaultMethod)
	require.Equal(t, float64(4), cfg.MaxMemoryGB)
	require.Equal(t, uint64(137), cfg.ChainID)

	// 0.1 token = 1e17 base units.
	require.Zero(t, cfg.StakeAmount.Cmp(big.NewInt(1e17)))
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["ROLE"] = "maker"
	env["STAKE_AMOUNT"] = "2.5"
	env["TRADING_INTERVAL_MS"] = "5000"
	env["P2P_PORT"] = "9090"

	cfg, err := Load(envMap(env))
	require.NoError(t, err)
	require.Equal(t, RoleMaker, cfg.Role)
	require.Equal(t, 9090, cfg.P2PPort)
	require.Equal(t, 5*time.Second, cfg.TradingInterval)

	want, _ := new(big.Int).SetString("2500000000000000000", 10)
	require.Zero(t, cfg.StakeAmount.Cmp(want))
}

func TestLoadMissingRequired(t *testing.T) {
	for _, key := range []string{"RPC_URL", "CHAIN_ID", "VAULT_ADDRESS", "BOT_DIRECTORY_ADDRESS", "ORACLE_URL", "P2P_ENDPOINT"} {
		env := baseEnv()
		delete(env, key)
		_, err := Load(envMap(env))
		require.Error(t, err, "expected error without %s", key)
	}

	env := baseEnv()
	delete(env, "PRIVATE_KEY")
	_, err := Load(envMap(env))
	require.ErrorIs(t, err, ErrMissing)
}

func TestKeystoreNeedsPassphrase(t *testing.T) {
	env := baseEnv()
	delete(env, "PRIVATE_KEY")
	env["KEYSTORE_PATH"] = "/tmp/key.json"
	_, err := Load(envMap(env))
	require.ErrorIs(t, err, ErrMissing)

	env["KEYSTORE_PASSPHRASE"] = "hunter2"
	_, err = Load(envMap(env))
	require.NoError(t, err)
}

func TestBadValues(t *testing.T) {
	env := baseEnv()
	env["ROLE"] = "arbitrageur"
	_, err := Load(envMap(env))
	require.Error(t, err)

	env = baseEnv()
	env["VAULT_ADDRESS"] = "not-an-address"
	_, err = Load(envMap(env))
	require.Error(t, err)

	env = baseEnv()
	env["STAKE_AMOUNT"] = "-1"
	_, err = Load(envMap(env))
	require.Error(t, err)

	env = baseEnv()
	env["STAKE_AMOUNT"] = "0.0000000000000000001"
	_, err = Load(envMap(env))
	require.Error(t, err)
}
