package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"jobescrow/internal/escrow"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		JobEscrow string `json:"JobEscrow"`
	} `json:"contracts"`
}

// AppConfig ties together deployment info, environment and derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Retry      RetryConfig
	Store      StoreConfig
	Log        LogConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	IdempotencyPurge  time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
	ShutdownTimeout   time.Duration
}

type ChainConfig struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	PrivateKey      string
	KeystorePath    string
	KeystorePass    string
	DryRun          bool
	ReceiptTimeout  time.Duration
	ReceiptPoll     time.Duration
}

// Endpoint returns the RPC endpoint settings validated at dial time.
func (c ChainConfig) Endpoint() escrow.EndpointConfig {
	return escrow.EndpointConfig{
		RPCURL:          c.RPCURL,
		ChainID:         c.ChainID,
		ContractAddress: c.ContractAddress,
	}
}

type RetryConfig struct {
	ReleaseMaxAttempts int
	ReleaseBackoff     time.Duration
}

type StoreConfig struct {
	// Driver is one of memory, file, sqlite, postgres, redis.
	Driver      string
	Path        string
	DatabaseURL string
	RedisURL    string
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	defaultDeploymentsPath = "../deployments.json"
	defaultChainID         = 80001
)

// Load aggregates configuration from .env, deployments.json and environment.
func Load() (*AppConfig, error) {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(envOr("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	deployCfg, err := loadDeployments(envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath))
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	chainID := deployCfg.ChainID
	if chainID == 0 {
		chainID = defaultChainID
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service: ServiceConfig{
			HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
			HMACSecret:        envOr("HMAC_SECRET", ""),
			HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			IdempotencyWindow: time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
			IdempotencyPurge:  time.Duration(envOrInt("IDEMPOTENCY_PURGE_SECONDS", 600)) * time.Second,
			RateLimitRPS:      envOrFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst:    envOrInt("RATE_LIMIT_BURST", 40),
			ShutdownTimeout:   time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:          envOr("POLYGON_RPC_URL", ""),
			ChainID:         int64(envOrInt("CHAIN_ID", int(chainID))),
			ContractAddress: envOr("ESCROW_CONTRACT_ADDRESS", deployCfg.Contracts.JobEscrow),
			PrivateKey:      envOr("PRIVATE_KEY", ""),
			KeystorePath:    envOr("KEYSTORE_PATH", ""),
			KeystorePass:    envOr("KEYSTORE_PASSPHRASE", ""),
			DryRun:          envOrBool("CHAIN_DRY_RUN", false),
			ReceiptTimeout:  time.Duration(envOrInt("RECEIPT_TIMEOUT_SECONDS", 120)) * time.Second,
			ReceiptPoll:     time.Duration(envOrInt("RECEIPT_POLL_MS", 2000)) * time.Millisecond,
		},
		Retry: RetryConfig{
			ReleaseMaxAttempts: envOrInt("RELEASE_MAX_ATTEMPTS", 3),
			ReleaseBackoff:     time.Duration(envOrInt("RELEASE_BACKOFF_MS", 2000)) * time.Millisecond,
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(envOr("IDEMPOTENCY_STORE", "memory")),
			Path:        envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "jobescrow-idem.json")),
			DatabaseURL: envOr("DATABASE_URL", ""),
			RedisURL:    envOr("REDIS_URL", ""),
		},
		Log: LogConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "text"),
		},
	}
	return cfg, nil
}

// Validate checks the settings every command needs. Chain settings are only
// required when not in dry-run mode.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("CHAIN_ID must be positive"))
	}
	if _, err := escrow.ParseAddress(c.Chain.ContractAddress); err != nil {
		errs = append(errs, fmt.Errorf("ESCROW_CONTRACT_ADDRESS: %w", err))
	}
	if !c.Chain.DryRun && c.Chain.RPCURL == "" {
		errs = append(errs, fmt.Errorf("POLYGON_RPC_URL is required"))
	}
	if c.Chain.ReceiptPoll <= 0 || c.Chain.ReceiptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("receipt timeout and poll interval must be positive"))
	}
	if c.Retry.ReleaseMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RELEASE_MAX_ATTEMPTS must be at least 1"))
	}
	switch c.Store.Driver {
	case "memory", "file", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres store"))
		}
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown IDEMPOTENCY_STORE %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}
