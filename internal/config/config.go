// Package config loads the daemon configuration from YAML, with environment
// overrides for secrets so credential material stays out of config files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10m" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Provider  ProviderConfig  `yaml:"provider"`
	Chain     ChainConfig     `yaml:"chain"`
	Invoice   InvoiceConfig   `yaml:"invoice"`
	Billing   BillingConfig   `yaml:"billing"`
	Orders    OrdersConfig    `yaml:"orders"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Ops       OpsConfig       `yaml:"ops"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DatabaseConfig configures the postgres connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	// Migrate runs pending schema migrations on startup.
	Migrate bool `yaml:"migrate"`
}

// RedisConfig configures the shared cache. An empty address selects the
// in-process cache.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ProviderConfig configures the VPS procurement provider.
type ProviderConfig struct {
	BaseURL           string   `yaml:"base_url"`
	Token             string   `yaml:"token"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	PollTimeout       Duration `yaml:"poll_timeout"`
	CacheTTL          Duration `yaml:"cache_ttl"`
	// FailOpenAvailability treats provider errors during availability
	// probes as "available". Default is fail-closed.
	FailOpenAvailability bool `yaml:"fail_open_availability"`
}

// ChainConfig configures the on-chain deposit channel. An empty RPC URL
// disables the channel.
type ChainConfig struct {
	RPCURL           string         `yaml:"rpc_url"`
	ReceivingAddress string         `yaml:"receiving_address"`
	AssetDecimals    map[string]int `yaml:"asset_decimals"`
}

// InvoiceConfig configures the hosted invoice channel. An empty base URL
// disables the channel.
type InvoiceConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	CreatePath  string   `yaml:"create_path"`
	StatusPath  string   `yaml:"status_path"`
	IDField     string   `yaml:"id_field"`
	URLField    string   `yaml:"url_field"`
	StatusField string   `yaml:"status_field"`
	PaidValues  []string `yaml:"paid_values"`
}

// BillingConfig configures bonus and referral policy.
type BillingConfig struct {
	ReferralRate float64     `yaml:"referral_rate"`
	BonusTiers   []BonusTier `yaml:"bonus_tiers"`
}

// BonusTier mirrors billing.BonusTier in config form.
type BonusTier struct {
	Threshold  int64   `yaml:"threshold"`
	FixedBonus int64   `yaml:"fixed_bonus"`
	Multiplier float64 `yaml:"multiplier"`
}

// OrdersConfig configures pricing and the rental term.
type OrdersConfig struct {
	BasePrice    int64 `yaml:"base_price"`
	PricePerPeer int64 `yaml:"price_per_peer"`
	TermDays     int   `yaml:"term_days"`
	SSHPort      int   `yaml:"ssh_port"`
}

// ReconcileConfig configures deposit reconciliation.
type ReconcileConfig struct {
	SuffixRange     int64    `yaml:"suffix_range"`
	IntentTTL       Duration `yaml:"intent_ttl"`
	ChainLookback   Duration `yaml:"chain_lookback"`
	AccountDecimals int      `yaml:"account_decimals"`
	InvoiceCurrency string   `yaml:"invoice_currency"`
}

// SweepConfig configures the background job schedules.
type SweepConfig struct {
	DepositSchedule string `yaml:"deposit_schedule"`
	ExpirySchedule  string `yaml:"expiry_schedule"`
	ReapSchedule    string `yaml:"reap_schedule"`
}

// OpsConfig configures the operator HTTP surface.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// LimitsConfig bounds concurrent remote work.
type LimitsConfig struct {
	MaxProvisioning int `yaml:"max_provisioning"`
	MaxPeerOps      int `yaml:"max_peer_ops"`
	// LockReapThreshold is the lock-registry size below which reaping is a
	// no-op.
	LockReapThreshold int `yaml:"lock_reap_threshold"`
}

// Load reads configuration from the given path and applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config/tunneld.yaml, falling back to defaults when the
// file does not exist.
func LoadOrDefault() (*Config, error) {
	cfg, err := Load(filepath.Join("config", "tunneld.yaml"))
	if os.IsNotExist(errUnwrapAll(err)) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, nil
	}
	return cfg, err
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json", Output: "stdout"},
		Provider: ProviderConfig{
			RequestsPerSecond: 5,
			PollTimeout:       Duration(10 * time.Minute),
			CacheTTL:          Duration(5 * time.Minute),
		},
		Billing: BillingConfig{ReferralRate: 0.05},
		Orders: OrdersConfig{
			BasePrice:    500,
			PricePerPeer: 100,
			TermDays:     30,
			SSHPort:      22,
		},
		Reconcile: ReconcileConfig{
			SuffixRange:     100,
			IntentTTL:       Duration(24 * time.Hour),
			ChainLookback:   Duration(time.Hour),
			AccountDecimals: 2,
			InvoiceCurrency: "USD",
		},
		Sweep: SweepConfig{
			DepositSchedule: "@every 1m",
			ExpirySchedule:  "@every 10m",
			ReapSchedule:    "@every 30m",
		},
		Ops: OpsConfig{Addr: "127.0.0.1:9090"},
		Limits: LimitsConfig{
			MaxProvisioning:   4,
			MaxPeerOps:        32,
			LockReapThreshold: 1024,
		},
	}
}

// applyEnv overrides secret-bearing fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("TUNNELBAY_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("TUNNELBAY_PROVIDER_TOKEN"); v != "" {
		c.Provider.Token = v
	}
	if v := os.Getenv("TUNNELBAY_INVOICE_API_KEY"); v != "" {
		c.Invoice.APIKey = v
	}
	if v := os.Getenv("TUNNELBAY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("config: provider.base_url is required")
	}
	if c.Chain.RPCURL != "" && c.Chain.ReceivingAddress == "" {
		return fmt.Errorf("config: chain.receiving_address is required when chain.rpc_url is set")
	}
	if c.Orders.TermDays <= 0 {
		return fmt.Errorf("config: orders.term_days must be positive")
	}
	if c.Reconcile.SuffixRange <= 0 {
		return fmt.Errorf("config: reconcile.suffix_range must be positive")
	}
	return nil
}

func errUnwrapAll(err error) error {
	for err != nil {
		next, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = next.Unwrap()
	}
	return err
}
