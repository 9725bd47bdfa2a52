package main

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"adledger/crypto"
	"adledger/gateway/auth"
)

// APIKeyConfig describes one API key accepted by the daemon. Identity is the
// bech32 ledger address the key acts as.
type APIKeyConfig struct {
	Key      string `toml:"key"`
	Secret   string `toml:"secret"`
	Identity string `toml:"identity"`
}

// GenesisAccountConfig seeds an account balance the first time the daemon
// boots against a fresh ledger database. Without at least one allocation no
// depositor can ever fund an escrow.
type GenesisAccountConfig struct {
	Address string `toml:"address"`
	Balance string `toml:"balance"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
	Headers  string `toml:"headers"`
	Traces   bool   `toml:"traces"`
	Metrics  bool   `toml:"metrics"`
}

type fileConfig struct {
	Listen         string          `toml:"listen"`
	Environment    string          `toml:"environment"`
	LedgerDBPath   string          `toml:"ledger_db"`
	GatewayDBPath  string          `toml:"gateway_db"`
	NonceDBPath    string          `toml:"nonce_db"`
	TimestampSkew  string          `toml:"timestamp_skew"`
	NonceTTL       string          `toml:"nonce_ttl"`
	NonceCapacity  int             `toml:"nonce_capacity"`
	AdminJWTSecret string          `toml:"admin_jwt_secret"`
	GenesisAdmin   string          `toml:"genesis_admin"`
	APIKeys        []APIKeyConfig  `toml:"api_keys"`

	GenesisAccounts []GenesisAccountConfig `toml:"genesis_accounts"`
	Telemetry       TelemetryConfig        `toml:"telemetry"`
}

// GenesisAllocation is a parsed starting balance for one ledger account.
type GenesisAllocation struct {
	Address [20]byte
	Balance *big.Int
}

// Config captures runtime configuration for the escrow daemon.
type Config struct {
	ListenAddress   string
	Environment     string
	LedgerDBPath    string
	GatewayDBPath   string
	NonceDBPath     string
	TimestampSkew   time.Duration
	NonceTTL        time.Duration
	NonceCapacity   int
	AdminJWTSecret  string
	GenesisAdmin    [20]byte
	GenesisAccounts []GenesisAllocation
	Credentials     map[string]auth.Credential
	Telemetry       TelemetryConfig
}

// LoadConfig reads the TOML file at path and applies environment overrides.
// Environment variables win so deployments can keep secrets out of the file.
func LoadConfig(path string) (Config, error) {
	fc := fileConfig{
		Listen:        ":8090",
		LedgerDBPath:  "escrowd-ledger",
		GatewayDBPath: "escrowd.db",
		TimestampSkew: "2m",
		NonceTTL:      "10m",
		NonceCapacity: 4096,
	}
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	fc.Listen = getenvDefault("ESCROWD_LISTEN", fc.Listen)
	fc.Environment = getenvDefault("ESCROWD_ENV", fc.Environment)
	fc.LedgerDBPath = getenvDefault("ESCROWD_LEDGER_DB", fc.LedgerDBPath)
	fc.GatewayDBPath = getenvDefault("ESCROWD_GATEWAY_DB", fc.GatewayDBPath)
	fc.NonceDBPath = getenvDefault("ESCROWD_NONCE_DB", fc.NonceDBPath)
	fc.AdminJWTSecret = getenvDefault("ESCROWD_ADMIN_JWT_SECRET", fc.AdminJWTSecret)
	fc.GenesisAdmin = getenvDefault("ESCROWD_GENESIS_ADMIN", fc.GenesisAdmin)
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROWD_NONCE_CAP: %w", err)
		}
		fc.NonceCapacity = val
	}

	cfg := Config{
		ListenAddress:  strings.TrimSpace(fc.Listen),
		Environment:    strings.TrimSpace(fc.Environment),
		LedgerDBPath:   strings.TrimSpace(fc.LedgerDBPath),
		GatewayDBPath:  strings.TrimSpace(fc.GatewayDBPath),
		NonceDBPath:    strings.TrimSpace(fc.NonceDBPath),
		NonceCapacity:  fc.NonceCapacity,
		AdminJWTSecret: strings.TrimSpace(fc.AdminJWTSecret),
		Telemetry:      fc.Telemetry,
	}

	skew, err := parsePositiveDuration("timestamp_skew", fc.TimestampSkew)
	if err != nil {
		return Config{}, err
	}
	cfg.TimestampSkew = skew

	ttl, err := parsePositiveDuration("nonce_ttl", fc.NonceTTL)
	if err != nil {
		return Config{}, err
	}
	if ttl < cfg.TimestampSkew {
		ttl = cfg.TimestampSkew
	}
	cfg.NonceTTL = ttl

	if cfg.NonceCapacity <= 0 {
		return Config{}, errors.New("nonce_capacity must be positive")
	}
	if cfg.AdminJWTSecret == "" {
		return Config{}, errors.New("admin_jwt_secret is required")
	}

	genesis := strings.TrimSpace(fc.GenesisAdmin)
	if genesis == "" {
		return Config{}, errors.New("genesis_admin is required")
	}
	adminAddr, err := crypto.DecodeAddress(genesis)
	if err != nil {
		return Config{}, fmt.Errorf("decode genesis_admin: %w", err)
	}
	cfg.GenesisAdmin = adminAddr.Raw()

	if len(fc.APIKeys) == 0 {
		return Config{}, errors.New("at least one api key is required")
	}
	cfg.Credentials = make(map[string]auth.Credential, len(fc.APIKeys))
	for _, entry := range fc.APIKeys {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		identity := strings.TrimSpace(entry.Identity)
		if key == "" || secret == "" || identity == "" {
			return Config{}, errors.New("api key entries must include key, secret and identity")
		}
		addr, err := crypto.DecodeAddress(identity)
		if err != nil {
			return Config{}, fmt.Errorf("decode identity for api key %s: %w", key, err)
		}
		if _, dup := cfg.Credentials[key]; dup {
			return Config{}, fmt.Errorf("duplicate api key %s", key)
		}
		cfg.Credentials[key] = auth.Credential{Secret: secret, Identity: addr.Raw()}
	}

	for _, entry := range fc.GenesisAccounts {
		addrStr := strings.TrimSpace(entry.Address)
		balanceStr := strings.TrimSpace(entry.Balance)
		if addrStr == "" || balanceStr == "" {
			return Config{}, errors.New("genesis account entries must include address and balance")
		}
		addr, err := crypto.DecodeAddress(addrStr)
		if err != nil {
			return Config{}, fmt.Errorf("decode genesis account %s: %w", addrStr, err)
		}
		balance, ok := new(big.Int).SetString(balanceStr, 10)
		if !ok || balance.Sign() <= 0 {
			return Config{}, fmt.Errorf("genesis balance for %s must be a positive base-10 integer", addrStr)
		}
		cfg.GenesisAccounts = append(cfg.GenesisAccounts, GenesisAllocation{Address: addr.Raw(), Balance: balance})
	}

	return cfg, nil
}

func parsePositiveDuration(name, raw string) (time.Duration, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return dur, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
