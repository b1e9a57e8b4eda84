package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

// Config holds all configuration for the relayer
type Config struct {
	Database  Database  `yaml:"database" envconfig:"DB"`
	Store     Store     `yaml:"store" envconfig:"STORE"`
	Redis     Redis     `yaml:"redis" envconfig:"REDIS"`
	API       API       `yaml:"api" envconfig:"API"`
	Relayer   Relayer   `yaml:"relayer" envconfig:"RELAYER"`
	Consensus Consensus `yaml:"consensus" envconfig:"CONSENSUS"`
	Fees      Fees      `yaml:"fees" envconfig:"FEES"`
	Health    Health    `yaml:"health" envconfig:"HEALTH"`
	Primary   EVMChain  `yaml:"primary" envconfig:"PRIMARY"`
	Monitor   RPCChain  `yaml:"monitor" envconfig:"MONITOR"`
	Backup    RPCChain  `yaml:"backup" envconfig:"BACKUP"`
}

// Database configuration
type Database struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT"`
	User     string `yaml:"user" envconfig:"USER"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DBName   string `yaml:"name" envconfig:"NAME"`
	SSLMode  string `yaml:"ssl_mode" envconfig:"SSL_MODE"`
}

// DSN returns the lib/pq connection string
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// Store selects the persistence backends
type Store struct {
	Type       string `yaml:"type" envconfig:"TYPE"`               // postgres or badger
	StatusType string `yaml:"status_type" envconfig:"STATUS_TYPE"` // postgres, badger or redis
	Dir        string `yaml:"dir" envconfig:"DIR"`                 // badger directory, empty means in-memory
}

// Redis configuration
type Redis struct {
	Enabled       bool   `yaml:"enabled" envconfig:"ENABLED"`
	Host          string `yaml:"host" envconfig:"HOST"`
	Port          int    `yaml:"port" envconfig:"PORT"`
	Password      string `yaml:"password" envconfig:"PASSWORD"`
	KeyPrefix     string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	StatusChannel string `yaml:"status_channel" envconfig:"STATUS_CHANNEL"`
	EventsChannel string `yaml:"events_channel" envconfig:"EVENTS_CHANNEL"`
}

// Addr returns host:port
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// API configuration
type API struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	Host            string        `yaml:"host" envconfig:"HOST"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Relayer configuration
type Relayer struct {
	PollInterval           time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	AttemptTimeout         time.Duration `yaml:"attempt_timeout" envconfig:"ATTEMPT_TIMEOUT"`
	RetryInterval          time.Duration `yaml:"retry_interval" envconfig:"RETRY_INTERVAL"`
	MaxBackoff             time.Duration `yaml:"max_backoff" envconfig:"MAX_BACKOFF"`
	SweepInterval          time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	DefaultTimelock        time.Duration `yaml:"default_timelock" envconfig:"DEFAULT_TIMELOCK"`
	EventWatcherBufferSize int           `yaml:"event_buffer_size" envconfig:"EVENT_BUFFER_SIZE"`
	LogLevel               string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Consensus configuration
type Consensus struct {
	DeadlockTimeout time.Duration `yaml:"deadlock_timeout" envconfig:"DEADLOCK_TIMEOUT"`
	ExpiryGrace     time.Duration `yaml:"expiry_grace" envconfig:"EXPIRY_GRACE"`
}

// Fees configuration
type Fees struct {
	BridgeFeePercent   float64            `yaml:"bridge_fee_percent" envconfig:"BRIDGE_FEE_PERCENT"`
	MaxDiscountPercent float64            `yaml:"max_discount_percent" envconfig:"MAX_DISCOUNT_PERCENT"`
	QuoteTTL           time.Duration      `yaml:"quote_ttl" envconfig:"QUOTE_TTL"`
	BridgeOverhead     time.Duration      `yaml:"bridge_overhead" envconfig:"BRIDGE_OVERHEAD"`
	NetworkFees        map[string]float64 `yaml:"network_fees" envconfig:"NETWORK_FEES"`
	Prices             map[string]float64 `yaml:"prices" envconfig:"PRICES"`
	Tiers              []DiscountTier     `yaml:"tiers" ignored:"true"`
}

// DiscountTier grants Percent discount from MinStake staked tokens upwards
type DiscountTier struct {
	Name     string  `yaml:"name"`
	MinStake float64 `yaml:"min_stake"`
	Percent  float64 `yaml:"percent"`
}

// Health monitor configuration
type Health struct {
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT"`
	ErrorWindow  int           `yaml:"error_window" envconfig:"ERROR_WINDOW"`
}

// EVMChain configures the primary validator, an EVM chain watched through ethclient
type EVMChain struct {
	RPCURL           string `yaml:"rpc_url" envconfig:"RPC_URL"`
	RelayURL         string `yaml:"relay_url" envconfig:"RELAY_URL"`
	HTLCAddress      string `yaml:"htlc_address" envconfig:"HTLC_ADDRESS"`
	ChainID          int64  `yaml:"chain_id" envconfig:"CHAIN_ID"`
	StartBlock       uint64 `yaml:"start_block" envconfig:"START_BLOCK"`
	Confirmations    uint64 `yaml:"confirmations" envconfig:"CONFIRMATIONS"`
	BlockBatch       uint64 `yaml:"block_batch" envconfig:"BLOCK_BATCH"`
	ValidatorKey     string `yaml:"validator_key" envconfig:"VALIDATOR_KEY"`
	ValidatorAddress string `yaml:"validator_address" envconfig:"VALIDATOR_ADDRESS"`
	ClaimMethod      string `yaml:"claim_method" envconfig:"CLAIM_METHOD"`
	RefundMethod     string `yaml:"refund_method" envconfig:"REFUND_METHOD"`
}

// RPCChain configures a validator reached through a JSON-RPC HTLC indexer
type RPCChain struct {
	RPCURL           string `yaml:"rpc_url" envconfig:"RPC_URL"`
	ProgramAddress   string `yaml:"program_address" envconfig:"PROGRAM_ADDRESS"`
	HeadMethod       string `yaml:"head_method" envconfig:"HEAD_METHOD"`
	EventsMethod     string `yaml:"events_method" envconfig:"EVENTS_METHOD"`
	ClaimMethod      string `yaml:"claim_method" envconfig:"CLAIM_METHOD"`
	RefundMethod     string `yaml:"refund_method" envconfig:"REFUND_METHOD"`
	ValidatorKey     string `yaml:"validator_key" envconfig:"VALIDATOR_KEY"`
	ValidatorAddress string `yaml:"validator_address" envconfig:"VALIDATOR_ADDRESS"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Database: Database{
			Host:    "localhost",
			Port:    5432,
			User:    "trinity",
			DBName:  "trinity_relayer",
			SSLMode: "disable",
		},
		Store: Store{
			Type:       "postgres",
			StatusType: "postgres",
		},
		Redis: Redis{
			Host:          "localhost",
			Port:          6379,
			KeyPrefix:     "trinity:",
			StatusChannel: "trinity:chain-status",
			EventsChannel: "trinity:swap-events",
		},
		API: API{
			Port:            8080,
			Host:            "localhost",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Relayer: Relayer{
			PollInterval:           5 * time.Second,
			AttemptTimeout:         10 * time.Second,
			RetryInterval:          2 * time.Second,
			MaxBackoff:             time.Minute,
			SweepInterval:          30 * time.Second,
			DefaultTimelock:        24 * time.Hour,
			EventWatcherBufferSize: 100,
			LogLevel:               "info",
		},
		Consensus: Consensus{
			DeadlockTimeout: 10 * time.Minute,
			ExpiryGrace:     time.Hour,
		},
		Fees: Fees{
			BridgeFeePercent:   0.1,
			MaxDiscountPercent: 100,
			QuoteTTL:           time.Minute,
			BridgeOverhead:     180 * time.Second,
			NetworkFees: map[string]float64{
				"arbitrum": 0.0005,
				"solana":   0.000005,
				"ton":      0.01,
			},
			Prices: map[string]float64{
				"ETH": 2850,
				"SOL": 145,
				"TON": 6.75,
			},
			Tiers: []DiscountTier{
				{Name: "Vault Guardian", MinStake: 1000, Percent: 75},
				{Name: "Vault Architect", MinStake: 10000, Percent: 90},
				{Name: "Vault Sovereign", MinStake: 100000, Percent: 100},
			},
		},
		Health: Health{
			PollInterval: 30 * time.Second,
			ProbeTimeout: 5 * time.Second,
			ErrorWindow:  20,
		},
		Primary: EVMChain{
			ChainID:       42161,
			Confirmations: 1,
			BlockBatch:    2000,
			ClaimMethod:   "trinity_submitClaim",
			RefundMethod:  "trinity_submitRefund",
		},
		Monitor: RPCChain{
			HeadMethod:   "getSlot",
			EventsMethod: "trinity_getHTLCEvents",
			ClaimMethod:  "trinity_submitClaim",
			RefundMethod: "trinity_submitRefund",
		},
		Backup: RPCChain{
			HeadMethod:   "getMasterchainInfo",
			EventsMethod: "trinity_getHTLCEvents",
			ClaimMethod:  "trinity_submitClaim",
			RefundMethod: "trinity_submitRefund",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and the process environment, in that order.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

func loadEnvFile(envFile string) error {
	if envFile == "" {
		// a missing default .env is not an error
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	return nil
}

// Validate checks required settings
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Type {
	case "postgres", "badger":
	default:
		errs = append(errs, fmt.Errorf("unsupported store type %q", c.Store.Type))
	}
	switch c.Store.StatusType {
	case "postgres", "badger", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported status store type %q", c.Store.StatusType))
	}
	if c.Store.StatusType == "redis" && !c.Redis.Enabled {
		errs = append(errs, errors.New("redis status store requires REDIS_ENABLED"))
	}
	if c.Store.Type == "postgres" || c.Store.StatusType == "postgres" {
		if c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD is required for the postgres store"))
		}
	}

	if c.Primary.RPCURL == "" {
		errs = append(errs, errors.New("PRIMARY_RPC_URL is required"))
	}
	if c.Primary.HTLCAddress == "" {
		errs = append(errs, errors.New("PRIMARY_HTLC_ADDRESS is required"))
	}
	if c.Monitor.RPCURL == "" {
		errs = append(errs, errors.New("MONITOR_RPC_URL is required"))
	}
	if c.Backup.RPCURL == "" {
		errs = append(errs, errors.New("BACKUP_RPC_URL is required"))
	}
	for name, key := range map[string]string{
		"PRIMARY_VALIDATOR_KEY": c.Primary.ValidatorKey,
		"MONITOR_VALIDATOR_KEY": c.Monitor.ValidatorKey,
		"BACKUP_VALIDATOR_KEY":  c.Backup.ValidatorKey,
	} {
		if key == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	if c.Fees.MaxDiscountPercent < 0 || c.Fees.MaxDiscountPercent > 100 {
		errs = append(errs, errors.New("FEES_MAX_DISCOUNT_PERCENT must be within 0..100"))
	}
	if c.Fees.QuoteTTL <= 0 {
		errs = append(errs, errors.New("FEES_QUOTE_TTL must be positive"))
	}
	if c.Consensus.DeadlockTimeout <= 0 {
		errs = append(errs, errors.New("CONSENSUS_DEADLOCK_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}
