// Package config loads the agent's environment-keyed configuration. Missing
// required keys are fatal at startup; tunables fall back to documented
// defaults.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Roles. A taker never initiates bets; both roles settle.
const (
	RoleMaker = "maker"
	RoleTaker = "taker"
)

// ErrMissing is wrapped around every absent required variable.
var ErrMissing = errors.New("config: missing required variable")

// Config is the agent's full runtime configuration.
type Config struct {
	// Signer. PrivateKey (hex) takes precedence; otherwise KeystorePath is
	// unlocked with KeystorePassphrase.
	PrivateKey         string
	KeystorePath       string
	KeystorePassphrase string

	// Chain.
	RPCURL           string
	ChainID          uint64
	VaultAddress     common.Address
	DirectoryAddress common.Address

	// Oracle.
	OracleURL  string
	DataSource string
	NumAssets  int

	// P2P.
	P2PPort            int
	P2PEndpoint        string
	RateLimitPerSecond int

	// Loops.
	DiscoveryInterval       time.Duration
	SettlementCheckInterval time.Duration
	TradingInterval         time.Duration
	DeadlineOffset          time.Duration

	// Trading.
	Role          string
	DefaultMethod string
	StakeAmount   *big.Int // token base units
	Odds          string

	// Resource limits.
	MaxMemoryGB        float64
	MaxActiveBets      int
	PendingProposalTTL time.Duration

	// Hashing / storage.
	FastHashThreshold    int
	CompressionThreshold int
	TradeStorageDir      string

	// Logging.
	LogLevel string
}

// FromEnv loads configuration from the process environment.
func FromEnv() (*Config, error) {
	return Load(os.Getenv)
}

// Load reads configuration through getenv, for injection in tests.
func Load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		PrivateKey:         getenv("PRIVATE_KEY"),
		KeystorePath:       getenv("KEYSTORE_PATH"),
		KeystorePassphrase: getenv("KEYSTORE_PASSPHRASE"),
		RPCURL:             getenv("RPC_URL"),
		OracleURL:          getenv("ORACLE_URL"),
		DataSource:         withDefault(getenv("DATA_SOURCE"), "spot"),
		P2PEndpoint:        getenv("P2P_ENDPOINT"),
		Role:               withDefault(getenv("ROLE"), RoleTaker),
		DefaultMethod:      withDefault(getenv("DEFAULT_METHOD"), "up:0"),
		Odds:               getenv("ODDS"),
		TradeStorageDir:    withDefault(getenv("TRADE_STORAGE_DIR"), "./trade-storage"),
		LogLevel:           withDefault(getenv("LOG_LEVEL"), "info"),
	}

	if cfg.PrivateKey == "" && cfg.KeystorePath == "" {
		return nil, fmt.Errorf("%w: PRIVATE_KEY or KEYSTORE_PATH", ErrMissing)
	}
	if cfg.KeystorePath != "" && cfg.PrivateKey == "" && cfg.KeystorePassphrase == "" {
		return nil, fmt.Errorf("%w: KEYSTORE_PASSPHRASE", ErrMissing)
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC_URL", ErrMissing)
	}
	if cfg.OracleURL == "" {
		return nil, fmt.Errorf("%w: ORACLE_URL", ErrMissing)
	}
	if cfg.P2PEndpoint == "" {
		return nil, fmt.Errorf("%w: P2P_ENDPOINT", ErrMissing)
	}
	if cfg.Role != RoleMaker && cfg.Role != RoleTaker {
		return nil, fmt.Errorf("config: ROLE must be %q or %q, got %q", RoleMaker, RoleTaker, cfg.Role)
	}

	var err error
	if cfg.ChainID, err = requiredUint(getenv, "CHAIN_ID"); err != nil {
		return nil, err
	}
	if cfg.VaultAddress, err = requiredAddress(getenv, "VAULT_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.DirectoryAddress, err = requiredAddress(getenv, "BOT_DIRECTORY_ADDRESS"); err != nil {
		return nil, err
	}

	cfg.P2PPort = intVar(getenv, "P2P_PORT", 8080)
	cfg.RateLimitPerSecond = intVar(getenv, "RATE_LIMIT_PER_SECOND", 10)
	cfg.NumAssets = intVar(getenv, "NUM_ASSETS", 50)
	cfg.MaxActiveBets = intVar(getenv, "MAX_ACTIVE_BETS", 5)
	cfg.FastHashThreshold = intVar(getenv, "FAST_HASH_THRESHOLD", 1000)
	cfg.CompressionThreshold = intVar(getenv, "COMPRESSION_THRESHOLD", 1000)

	cfg.DiscoveryInterval = msVar(getenv, "DISCOVERY_INTERVAL_MS", 60_000)
	cfg.SettlementCheckInterval = msVar(getenv, "SETTLEMENT_CHECK_INTERVAL_MS", 30_000)
	cfg.TradingInterval = msVar(getenv, "TRADING_INTERVAL_MS", 120_000)
	cfg.PendingProposalTTL = msVar(getenv, "PENDING_PROPOSAL_TTL_MS", 60_000)
	cfg.DeadlineOffset = time.Duration(intVar(getenv, "DEADLINE_OFFSET_SECS", 30)) * time.Second

	cfg.MaxMemoryGB = floatVar(getenv, "MAX_MEMORY_GB", 4)

	stake := withDefault(getenv("STAKE_AMOUNT"), "0.1")
	if cfg.StakeAmount, err = parseTokenAmount(stake); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseTokenAmount converts a decimal token amount ("0.1") into 1e18 base
// units, rejecting values that do not divide evenly.
func parseTokenAmount(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() <= 0 {
		return nil, fmt.Errorf("config: bad STAKE_AMOUNT %q", s)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt64(1e18))
	if !scaled.IsInt() {
		return nil, fmt.Errorf("config: STAKE_AMOUNT %q has more than 18 decimals", s)
	}
	return scaled.Num(), nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func requiredUint(getenv func(string) string, key string) (uint64, error) {
	v := getenv(key)
	if v == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: bad %s %q: %w", key, v, err)
	}
	return n, nil
}

func requiredAddress(getenv func(string) string, key string) (common.Address, error) {
	v := getenv(key)
	if v == "" {
		return common.Address{}, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("config: bad %s %q", key, v)
	}
	return common.HexToAddress(v), nil
}

func intVar(getenv func(string) string, key string, def int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatVar(getenv func(string) string, key string, def float64) float64 {
	v := getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func msVar(getenv func(string) string, key string, defMs int) time.Duration {
	return time.Duration(intVar(getenv, key, defMs)) * time.Millisecond
}
