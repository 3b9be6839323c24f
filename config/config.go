package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level node configuration decoded from TOML.
type Config struct {
	Service  string `toml:"Service"`
	Env      string `toml:"Env"`
	LogLevel string `toml:"LogLevel"`
	DataDir  string `toml:"DataDir"`

	MetricsAddress string `toml:"MetricsAddress"`

	Admin            string `toml:"Admin"`
	Guardian         string `toml:"Guardian"`
	ReserveRecipient string `toml:"ReserveRecipient"`

	Risk    RiskConfig     `toml:"Risk"`
	Margin  MarginConfig   `toml:"Margin"`
	Rewards RewardsConfig  `toml:"Rewards"`
	Markets []MarketConfig `toml:"Markets"`
}

// RiskConfig carries the cross-market risk parameters, all scaled 1e6.
type RiskConfig struct {
	CloseFactor          uint64 `toml:"CloseFactor"`
	LiquidationIncentive uint64 `toml:"LiquidationIncentive"`
	LiquidationFee       uint64 `toml:"LiquidationFee"`
	OracleMaxAgeMult     uint64 `toml:"OracleMaxAgeMult"`
}

// MarginConfig bounds leveraged trading.
type MarginConfig struct {
	MaxLeverage        uint64 `toml:"MaxLeverage"`
	MaxOpensPerEpoch   uint32 `toml:"MaxOpensPerEpoch"`
	MaxNotionalPerTerm uint64 `toml:"MaxNotionalPerTerm"`
	EpochSeconds       uint32 `toml:"EpochSeconds"`
}

// RewardsConfig names the reward token minted on claims.
type RewardsConfig struct {
	Token string `toml:"Token"`
}

// MarketConfig describes one money market. Factors and rates are scaled 1e6;
// caps are base unit amounts with zero meaning uncapped.
type MarketConfig struct {
	Asset            string `toml:"Asset"`
	CollateralFactor uint64 `toml:"CollateralFactor"`
	ReserveFactor    uint64 `toml:"ReserveFactor"`
	AdminFeeFactor   uint64 `toml:"AdminFeeFactor"`
	FlashLoanFee     uint64 `toml:"FlashLoanFee"`
	SupplyCap        uint64 `toml:"SupplyCap"`
	BorrowCap        uint64 `toml:"BorrowCap"`

	SupplyYearlyRate uint64 `toml:"SupplyYearlyRate"`
	BorrowYearlyRate uint64 `toml:"BorrowYearlyRate"`

	// FallbackPrice is an optional USD price scaled 1e6 used when no oracle
	// feed is wired. Zero leaves the market without a fallback quote.
	FallbackPrice uint64 `toml:"FallbackPrice"`

	RateModel *RateModelConfig `toml:"RateModel"`
}

// RateModelConfig parameterizes a jump rate curve, all values scaled 1e6.
type RateModelConfig struct {
	BaseRate   uint64 `toml:"BaseRate"`
	Multiplier uint64 `toml:"Multiplier"`
	Jump       uint64 `toml:"Jump"`
	Kink       uint64 `toml:"Kink"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
