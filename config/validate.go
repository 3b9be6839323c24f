package config

import (
	"errors"
	"fmt"
)

const (
	factorScale   = 1_000_000
	maxYearlyRate = 10_000_000
	maxSlope      = 10_000_000
	maxLeverage   = 10
)

var (
	errNoMarkets      = errors.New("config: at least one market required")
	errDuplicateAsset = errors.New("config: duplicate market asset")
)

// Validate checks every bound the native engines enforce at runtime so a bad
// file fails at startup instead of on the first transaction.
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return errNoMarkets
	}
	seen := make(map[string]struct{}, len(c.Markets))
	for i := range c.Markets {
		m := &c.Markets[i]
		if m.Asset == "" {
			return fmt.Errorf("config: market %d missing asset", i)
		}
		if _, ok := seen[m.Asset]; ok {
			return fmt.Errorf("%w: %s", errDuplicateAsset, m.Asset)
		}
		seen[m.Asset] = struct{}{}
		if m.CollateralFactor > factorScale {
			return fmt.Errorf("config: market %s collateral factor above %d", m.Asset, factorScale)
		}
		if m.ReserveFactor+m.AdminFeeFactor > factorScale {
			return fmt.Errorf("config: market %s reserve and admin fee factors exceed %d combined", m.Asset, factorScale)
		}
		if m.FlashLoanFee > factorScale {
			return fmt.Errorf("config: market %s flash loan fee above %d", m.Asset, factorScale)
		}
		if m.SupplyYearlyRate > maxYearlyRate || m.BorrowYearlyRate > maxYearlyRate {
			return fmt.Errorf("config: market %s yearly rate above %d", m.Asset, maxYearlyRate)
		}
		if rm := m.RateModel; rm != nil {
			if rm.Kink > factorScale {
				return fmt.Errorf("config: market %s rate model kink above %d", m.Asset, factorScale)
			}
			if rm.Multiplier > maxSlope || rm.Jump > maxSlope {
				return fmt.Errorf("config: market %s rate model slope above %d", m.Asset, maxSlope)
			}
			if rm.BaseRate > maxYearlyRate {
				return fmt.Errorf("config: market %s rate model base above %d", m.Asset, maxYearlyRate)
			}
		}
	}
	if c.Risk.CloseFactor > factorScale {
		return fmt.Errorf("config: close factor above %d", factorScale)
	}
	if c.Risk.LiquidationIncentive != 0 && c.Risk.LiquidationIncentive < factorScale {
		return fmt.Errorf("config: liquidation incentive below %d", factorScale)
	}
	if c.Risk.LiquidationFee > factorScale {
		return fmt.Errorf("config: liquidation fee above %d", factorScale)
	}
	if c.Margin.MaxLeverage == 0 || c.Margin.MaxLeverage > maxLeverage {
		return fmt.Errorf("config: max leverage must be between 1 and %d", maxLeverage)
	}
	if c.Margin.MaxNotionalPerTerm != 0 && c.Margin.EpochSeconds == 0 {
		return errors.New("config: notional quota requires a nonzero epoch")
	}
	return nil
}
