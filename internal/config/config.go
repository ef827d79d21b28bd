package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/neuralcloud/deployd/internal/domain"
)

// Store backends
const (
	StoreBackendMemory   = "memory"
	StoreBackendPostgres = "postgres"
	StoreBackendBadger   = "badger"
)

// Chain modes
const (
	ChainModeSimulated = "simulated"
	ChainModeEthereum  = "ethereum"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // memory, postgres or badger
}

// BadgerConfig holds the embedded key-value store configuration
type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	StreamName     string        `mapstructure:"stream_name"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectionName string        `mapstructure:"connection_name"`
}

// EthereumConfig holds Ethereum-specific configuration
type EthereumConfig struct {
	RPCURL        string        `mapstructure:"rpc_url"`
	ChainID       domain.Chain  `mapstructure:"chain_id"`
	SignerKeys    []string      `mapstructure:"signer_keys"` // hex encoded private keys of custodial payer wallets
	Confirmations uint64        `mapstructure:"confirmations"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	GasLimit      uint64        `mapstructure:"gas_limit"`
}

// ChainConfig selects and tunes the wallet implementation
type ChainConfig struct {
	Mode            string        `mapstructure:"mode"` // simulated or ethereum
	PlatformWallet  string        `mapstructure:"platform_wallet"`
	SimulatedDelay  time.Duration `mapstructure:"simulated_delay"`
	SimulatedManual bool          `mapstructure:"simulated_manual"` // leave outcomes to ConfirmDeployment
}

// DeploymentConfig holds coordinator tuning and account seeding amounts
type DeploymentConfig struct {
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	PersistRetries      uint64        `mapstructure:"persist_retries"`
	PromoCreditUSDC     string        `mapstructure:"promo_credit_usdc"`
	PromoCreditETH      string        `mapstructure:"promo_credit_eth"`
	SimulatedBalanceETH string        `mapstructure:"simulated_balance_eth"`
	SimulatedBalanceUSD string        `mapstructure:"simulated_balance_usdc"`
	SimulatedBalanceUST string        `mapstructure:"simulated_balance_usdt"`
}

// PricingConfig holds the exchange-rate configuration
type PricingConfig struct {
	ETHPriceUSD string `mapstructure:"eth_price_usd"`
}

// WorkerConfig holds worker configuration
type WorkerConfig struct {
	WorkerPoolSize  int `mapstructure:"pool_size"`
	WorkerQueueSize int `mapstructure:"queue_size"`
}

// SweeperConfig holds configuration for the pending payment reconciler
type SweeperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	StaleAfter time.Duration `mapstructure:"stale_after"` // payments untouched for less are left to their watch
	Worker     WorkerConfig  `mapstructure:"worker"`
}

// WebhookEndpointConfig describes one receiver of signed change events
type WebhookEndpointConfig struct {
	ID         string   `mapstructure:"id"`
	URL        string   `mapstructure:"url"`
	Secret     string   `mapstructure:"secret"`
	EventTypes []string `mapstructure:"event_types"` // empty or "*" for every type
	Accounts   []string `mapstructure:"accounts"`    // empty for every account
}

// WebhookConfig holds webhook delivery configuration
type WebhookConfig struct {
	Endpoints     []WebhookEndpointConfig `mapstructure:"endpoints"`
	MaxAttempts   int                     `mapstructure:"max_attempts"`
	Timeout       time.Duration           `mapstructure:"timeout"`
	RetryInterval time.Duration           `mapstructure:"retry_interval"`
	Worker        WorkerConfig            `mapstructure:"worker"`
}

// RateLimitConfig holds per-account API rate limiting configuration
type RateLimitConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	RedisURL            string `mapstructure:"redis_url"` // empty limits per process
	RequestsPerSecond   int    `mapstructure:"requests_per_second"`
	Burst               int    `mapstructure:"burst"`
	KeyPrefix           string `mapstructure:"key_prefix"`
	EnableLocalFallback bool   `mapstructure:"local_fallback"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int      `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int      `mapstructure:"idle_timeout"`  // in seconds
	MetricsPath  string   `mapstructure:"metrics_path"`
	CORSOrigins  []string `mapstructure:"cors_origins"` // empty allows every origin
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTPublicKey string   `mapstructure:"jwt_public_key"`
	APIKeys      []string `mapstructure:"api_keys"`
}

// DeploydConfig holds configuration for the deployd service
type DeploydConfig struct {
	BaseConfig `mapstructure:",squash"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Store      StoreConfig      `mapstructure:"store"`
	Badger     BadgerConfig     `mapstructure:"badger"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// CtlConfig holds configuration for the deployctl command line client
type CtlConfig struct {
	BaseConfig `mapstructure:",squash"`
	ServerURL  string        `mapstructure:"server_url"`
	APIKey     string        `mapstructure:"api_key"`
	Account    string        `mapstructure:"account"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoadDeploydConfig loads configuration for the deployd service
func LoadDeploydConfig(configFile string, envPath string) (*DeploydConfig, error) {
	v := configureViper("deployd", configFile, envPath)

	// Set defaults
	v.SetDefault("debug", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("store.backend", StoreBackendMemory)
	v.SetDefault("badger.dir", "data/badger")
	v.SetDefault("nats.stream_name", "DEPLOYD_EVENTS")
	v.SetDefault("nats.subject_prefix", "deployd")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connection_name", "deployd")
	v.SetDefault("ethereum.chain_id", string(domain.ChainEthereumSepolia))
	v.SetDefault("ethereum.confirmations", 1)
	v.SetDefault("ethereum.poll_interval", "4s")
	v.SetDefault("ethereum.gas_limit", 21000)
	v.SetDefault("chain.mode", ChainModeSimulated)
	v.SetDefault("chain.platform_wallet", domain.DEFAULT_PLATFORM_WALLET)
	v.SetDefault("chain.simulated_delay", "3s")
	v.SetDefault("deployment.confirmation_timeout", "10m")
	v.SetDefault("deployment.persist_retries", 5)
	v.SetDefault("deployment.promo_credit_usdc", "100")
	v.SetDefault("deployment.promo_credit_eth", "0.1")
	v.SetDefault("deployment.simulated_balance_eth", "2.5")
	v.SetDefault("deployment.simulated_balance_usdc", "1500")
	v.SetDefault("deployment.simulated_balance_usdt", "800")
	v.SetDefault("pricing.eth_price_usd", "2000")
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "1m")
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("sweeper.stale_after", "2m")
	v.SetDefault("sweeper.worker.pool_size", 8)
	v.SetDefault("sweeper.worker.queue_size", 256)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.retry_interval", "5s")
	v.SetDefault("webhook.worker.pool_size", 4)
	v.SetDefault("webhook.worker.queue_size", 1024)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("rate_limit.key_prefix", "deployd:limiter:")
	v.SetDefault("rate_limit.local_fallback", true)

	if err := readInConfig(v); err != nil {
		return nil, err
	}

	var cfg DeploydConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot express
func (c *DeploydConfig) Validate() error {
	switch c.Store.Backend {
	case StoreBackendMemory, StoreBackendBadger:
	case StoreBackendPostgres:
		if c.Database.Host == "" {
			return errors.New("database.host is required for the postgres store")
		}
		if c.Database.DBName == "" {
			return errors.New("database.dbname is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Chain.Mode {
	case ChainModeSimulated:
	case ChainModeEthereum:
		if c.Ethereum.RPCURL == "" {
			return errors.New("ethereum.rpc_url is required in ethereum chain mode")
		}
		if !domain.IsValidChain(c.Ethereum.ChainID) {
			return fmt.Errorf("unsupported ethereum.chain_id %q", c.Ethereum.ChainID)
		}
	default:
		return fmt.Errorf("unknown chain.mode %q", c.Chain.Mode)
	}

	if _, err := domain.NormalizeAccount(c.Chain.PlatformWallet); err != nil {
		return fmt.Errorf("chain.platform_wallet: %w", err)
	}
	if c.Deployment.ConfirmationTimeout <= 0 {
		return errors.New("deployment.confirmation_timeout must be positive")
	}

	price, err := decimal.NewFromString(c.Pricing.ETHPriceUSD)
	if err != nil || !price.IsPositive() {
		return fmt.Errorf("pricing.eth_price_usd must be a positive number, got %q", c.Pricing.ETHPriceUSD)
	}

	for i, endpoint := range c.Webhook.Endpoints {
		if endpoint.URL == "" {
			return fmt.Errorf("webhook.endpoints[%d].url is required", i)
		}
		if endpoint.Secret == "" {
			return fmt.Errorf("webhook.endpoints[%d].secret is required", i)
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return errors.New("rate_limit.requests_per_second must be positive")
	}

	if _, err := c.Deployment.PromoCredits(); err != nil {
		return err
	}
	if _, err := c.Deployment.SimulatedBalances(); err != nil {
		return err
	}

	return nil
}

// ETHPrice returns the configured native asset price in USD
func (c *PricingConfig) ETHPrice() decimal.Decimal {
	return decimal.RequireFromString(c.ETHPriceUSD)
}

// PromoCredits returns the promotional credit amounts per asset
func (c *DeploymentConfig) PromoCredits() (map[domain.Asset]decimal.Decimal, error) {
	return parseAmounts("deployment.promo_credit", map[domain.Asset]string{
		domain.AssetUSDC: c.PromoCreditUSDC,
		domain.AssetETH:  c.PromoCreditETH,
	})
}

// SimulatedBalances returns the external balances seeded for new accounts when no chain is attached
func (c *DeploymentConfig) SimulatedBalances() (map[domain.Asset]decimal.Decimal, error) {
	return parseAmounts("deployment.simulated_balance", map[domain.Asset]string{
		domain.AssetETH:  c.SimulatedBalanceETH,
		domain.AssetUSDC: c.SimulatedBalanceUSD,
		domain.AssetUSDT: c.SimulatedBalanceUST,
	})
}

func parseAmounts(key string, raw map[domain.Asset]string) (map[domain.Asset]decimal.Decimal, error) {
	amounts := make(map[domain.Asset]decimal.Decimal, len(raw))
	for asset, s := range raw {
		if strings.TrimSpace(s) == "" {
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("%s_%s: %w", key, asset, err)
		}
		if d.IsZero() {
			continue
		}
		if err := domain.ValidateAmount(asset, d); err != nil {
			return nil, fmt.Errorf("%s_%s: %w", key, asset, err)
		}
		amounts[asset] = d
	}
	return amounts, nil
}

// LoadCtlConfig loads configuration for deployctl
func LoadCtlConfig(configFile string, envPath string) (*CtlConfig, error) {
	v := configureViper("deployctl", configFile, envPath)

	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("timeout", "30s")

	if err := readInConfig(v); err != nil {
		return nil, err
	}

	var cfg CtlConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// readInConfig reads the config file, tolerating its absence
func readInConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			// Config file not found, use environment variables
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	// Load environment variables
	loadEnv(envPath, service)

	// Set config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// Search for config.yaml in multiple locations:
		// 1. Current directory
		v.AddConfigPath(".")
		// 2. Service-specific directory (e.g., cmd/deployd/)
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		// 3. Config directory
		v.AddConfigPath("config/")
	}

	// Set environment variables
	v.SetEnvPrefix("DEPLOYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind all environment variables
	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables
// This is required for viper to map env vars to config struct fields when no config file exists
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.metrics_path",
		"server.cors_origins",
		// Auth
		"auth.jwt_public_key",
		"auth.api_keys",
		// Database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// Store
		"store.backend",
		"badger.dir",
		"badger.in_memory",
		// NATS
		"nats.url",
		"nats.stream_name",
		"nats.subject_prefix",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		"nats.connection_name",
		// Ethereum
		"ethereum.rpc_url",
		"ethereum.chain_id",
		"ethereum.signer_keys",
		"ethereum.confirmations",
		"ethereum.poll_interval",
		"ethereum.gas_limit",
		// Chain
		"chain.mode",
		"chain.platform_wallet",
		"chain.simulated_delay",
		"chain.simulated_manual",
		// Deployment
		"deployment.confirmation_timeout",
		"deployment.persist_retries",
		"deployment.promo_credit_usdc",
		"deployment.promo_credit_eth",
		"deployment.simulated_balance_eth",
		"deployment.simulated_balance_usdc",
		"deployment.simulated_balance_usdt",
		// Pricing
		"pricing.eth_price_usd",
		// Sweeper
		"sweeper.enabled",
		"sweeper.interval",
		"sweeper.batch_size",
		"sweeper.stale_after",
		"sweeper.worker.pool_size",
		"sweeper.worker.queue_size",
		// Webhook (endpoints are only read from the config file)
		"webhook.max_attempts",
		"webhook.timeout",
		"webhook.retry_interval",
		"webhook.worker.pool_size",
		"webhook.worker.queue_size",
		// Rate limit
		"rate_limit.enabled",
		"rate_limit.redis_url",
		"rate_limit.requests_per_second",
		"rate_limit.burst",
		"rate_limit.key_prefix",
		"rate_limit.local_fallback",
		// deployctl
		"server_url",
		"api_key",
		"account",
		"timeout",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	// Always try shared base first, then local, then optional per-service local.
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	// Default to config directory
	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

// ChdirRepoRoot changes the current working directory to the repository root
func ChdirRepoRoot() {
	cwd, _ := os.Getwd()
	for range 5 {
		if _, err := os.Stat(filepath.Join(cwd, "config")); err == nil {
			_ = os.Chdir(cwd)
			return
		}
		cwd = filepath.Dir(cwd)
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
