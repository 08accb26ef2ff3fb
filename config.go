package metarelay

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml"
)

// Store backends
const (
	StoreLevelDB = "leveldb"
	StoreMemory  = "memory"
	StoreRedis   = "redis"
)

// Config is the TOML configuration of a relay process.
type Config struct {
	RPCURL        string   `toml:"rpc_url"`
	Forwarder     string   `toml:"forwarder"`
	AccessControl string   `toml:"access_control"`
	DomainName    string   `toml:"domain_name"`
	DomainVersion string   `toml:"domain_version"`
	FeePayerRole  string   `toml:"fee_payer_role"`
	KnownRelayers []string `toml:"known_relayers"`

	Relay RelayConfig `toml:"relay"`
	Fees  FeeConfig   `toml:"fees"`
	Store StoreConfig `toml:"store"`

	MetricsAddr string `toml:"metrics_addr"`
}

// RelayConfig tunes request building, relayer selection and confirmation.
type RelayConfig struct {
	GasCeiling          uint64 `toml:"gas_ceiling"`
	OuterGasLimit       uint64 `toml:"outer_gas_limit"`
	MinRelayerBalance   string `toml:"min_relayer_balance"` // ether
	Confirmations       uint64 `toml:"confirmations"`
	ConfirmationTimeout string `toml:"confirmation_timeout"`
	PollInterval        string `toml:"poll_interval"`
	StaleAfter          string `toml:"stale_after"`
	NonceReadAttempts   int    `toml:"nonce_read_attempts"`
	NonceReadBackoff    string `toml:"nonce_read_backoff"`
}

// FeeConfig holds fee bump percentages; 150 means ×1.5.
type FeeConfig struct {
	PriorityFeePercent uint64 `toml:"priority_fee_percent"`
	MaxFeePercent      uint64 `toml:"max_fee_percent"`
	GasPricePercent    uint64 `toml:"gas_price_percent"`
}

// StoreConfig selects where the recovery record lives.
type StoreConfig struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
}

// Settings are the validated, typed values of a Config.
type Settings struct {
	GasCeiling          uint64
	OuterGasLimit       uint64
	MinRelayerBalance   *big.Int
	Confirmations       uint64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	StaleAfter          time.Duration
	NonceReadAttempts   int
	NonceReadBackoff    time.Duration
	PriorityFeePercent  uint64
	MaxFeePercent       uint64
	GasPricePercent     uint64
}

// DefaultConfig returns the configuration the municipal deployment runs with
func DefaultConfig() *Config {
	return &Config{
		DomainName:    DefaultForwarderName,
		DomainVersion: DefaultForwarderVersion,
		FeePayerRole:  RoleTxPayer,
		Relay: RelayConfig{
			GasCeiling:          DefaultGasCeiling,
			OuterGasLimit:       DefaultOuterGasLimit,
			MinRelayerBalance:   "0.01",
			Confirmations:       2,
			ConfirmationTimeout: "2m",
			PollInterval:        "2s",
			StaleAfter:          DefaultStaleAfter.String(),
			NonceReadAttempts:   3,
			NonceReadBackoff:    "250ms",
		},
		Fees: FeeConfig{
			PriorityFeePercent: 150,
			MaxFeePercent:      120,
			GasPricePercent:    120,
		},
		Store: StoreConfig{
			Backend:     StoreLevelDB,
			Path:        "metarelay-state",
			RedisPrefix: "metarelay:",
		},
	}
}

// LoadConfig reads a TOML file; keys it omits keep their default values
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML data over the defaults
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(d *Config) {
	setString := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	setUint := func(dst *uint64, def uint64) {
		if *dst == 0 {
			*dst = def
		}
	}

	setString(&c.DomainName, d.DomainName)
	setString(&c.DomainVersion, d.DomainVersion)
	setString(&c.FeePayerRole, d.FeePayerRole)

	setUint(&c.Relay.GasCeiling, d.Relay.GasCeiling)
	setUint(&c.Relay.OuterGasLimit, d.Relay.OuterGasLimit)
	setString(&c.Relay.MinRelayerBalance, d.Relay.MinRelayerBalance)
	setUint(&c.Relay.Confirmations, d.Relay.Confirmations)
	setString(&c.Relay.ConfirmationTimeout, d.Relay.ConfirmationTimeout)
	setString(&c.Relay.PollInterval, d.Relay.PollInterval)
	setString(&c.Relay.StaleAfter, d.Relay.StaleAfter)
	if c.Relay.NonceReadAttempts == 0 {
		c.Relay.NonceReadAttempts = d.Relay.NonceReadAttempts
	}
	setString(&c.Relay.NonceReadBackoff, d.Relay.NonceReadBackoff)

	setUint(&c.Fees.PriorityFeePercent, d.Fees.PriorityFeePercent)
	setUint(&c.Fees.MaxFeePercent, d.Fees.MaxFeePercent)
	setUint(&c.Fees.GasPricePercent, d.Fees.GasPricePercent)

	setString(&c.Store.Backend, d.Store.Backend)
	setString(&c.Store.Path, d.Store.Path)
	setString(&c.Store.RedisPrefix, d.Store.RedisPrefix)
}

// Validate checks every value is usable
func (c *Config) Validate() error {
	_, err := c.Settings()
	return err
}

// Settings parses and validates the tunable values
func (c *Config) Settings() (*Settings, error) {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	duration := func(name, s string) (time.Duration, error) {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return 0, invalid("%s %q is not a positive duration", name, s)
		}
		return d, nil
	}

	for name, addr := range map[string]string{"forwarder": c.Forwarder, "access_control": c.AccessControl} {
		if addr != "" && !common.IsHexAddress(addr) {
			return nil, invalid("%s %q is not an address", name, addr)
		}
	}
	for _, addr := range c.KnownRelayers {
		if !common.IsHexAddress(addr) {
			return nil, invalid("known relayer %q is not an address", addr)
		}
	}
	if _, err := DefaultRoleRegistry.ID(c.FeePayerRole); err != nil {
		return nil, invalid("fee_payer_role: %v", err)
	}

	s := &Settings{
		GasCeiling:         c.Relay.GasCeiling,
		OuterGasLimit:      c.Relay.OuterGasLimit,
		Confirmations:      c.Relay.Confirmations,
		NonceReadAttempts:  c.Relay.NonceReadAttempts,
		PriorityFeePercent: c.Fees.PriorityFeePercent,
		MaxFeePercent:      c.Fees.MaxFeePercent,
		GasPricePercent:    c.Fees.GasPricePercent,
	}
	if s.GasCeiling == 0 {
		return nil, invalid("gas_ceiling must be positive")
	}
	if s.OuterGasLimit <= s.GasCeiling {
		return nil, invalid("outer_gas_limit must exceed gas_ceiling")
	}
	if s.Confirmations == 0 {
		return nil, invalid("confirmations must be at least 1")
	}
	if s.NonceReadAttempts < 1 {
		return nil, invalid("nonce_read_attempts must be at least 1")
	}
	if s.PriorityFeePercent < 100 || s.MaxFeePercent < 100 || s.GasPricePercent < 100 {
		return nil, invalid("fee percentages must be at least 100")
	}

	minBalance, err := ParseEther(c.Relay.MinRelayerBalance)
	if err != nil {
		return nil, invalid("min_relayer_balance: %v", err)
	}
	s.MinRelayerBalance = minBalance

	if s.ConfirmationTimeout, err = duration("confirmation_timeout", c.Relay.ConfirmationTimeout); err != nil {
		return nil, err
	}
	if s.PollInterval, err = duration("poll_interval", c.Relay.PollInterval); err != nil {
		return nil, err
	}
	if s.StaleAfter, err = duration("stale_after", c.Relay.StaleAfter); err != nil {
		return nil, err
	}
	if s.NonceReadBackoff, err = duration("nonce_read_backoff", c.Relay.NonceReadBackoff); err != nil {
		return nil, err
	}

	switch c.Store.Backend {
	case StoreLevelDB, StoreMemory:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return nil, invalid("redis store needs redis_addr")
		}
	default:
		return nil, invalid("unknown store backend %q", c.Store.Backend)
	}
	return s, nil
}

// KnownRelayerAddresses returns the configured fallback fee-payer addresses
func (c *Config) KnownRelayerAddresses() []common.Address {
	out := make([]common.Address, len(c.KnownRelayers))
	for i, a := range c.KnownRelayers {
		out[i] = common.HexToAddress(a)
	}
	return out
}
