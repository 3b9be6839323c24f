package lending

import "math/big"

// Parameter updates accrue interest up to the change point so the old values
// apply to the elapsed span and the new values only going forward.

func (e *Engine) updateMarket(mutate func(*Market) error) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	market, err := e.ensureMarket()
	if err != nil {
		return err
	}
	if err := e.accrueInterest(market); err != nil {
		return err
	}
	if err := mutate(market); err != nil {
		return err
	}
	return e.state.PutMarket(e.asset, market)
}

// SetCollateralFactor updates the local loan-to-value limit, scaled 1e6.
func (e *Engine) SetCollateralFactor(factor uint64) error {
	return e.updateMarket(func(m *Market) error {
		if factor > scale.Uint64() {
			return errFactorTooHigh
		}
		m.CollateralFactor = factor
		return nil
	})
}

// SetReserveFactor updates the reserve slice of borrow interest, scaled 1e6.
func (e *Engine) SetReserveFactor(factor uint64) error {
	return e.updateMarket(func(m *Market) error {
		if factor+m.AdminFeeFactor > scale.Uint64() {
			return errFactorTooHigh
		}
		m.ReserveFactor = factor
		return nil
	})
}

// SetAdminFeeFactor updates the admin slice of borrow interest, scaled 1e6.
// Reserve and admin factors may not claim more than the whole together.
func (e *Engine) SetAdminFeeFactor(factor uint64) error {
	return e.updateMarket(func(m *Market) error {
		if factor+m.ReserveFactor > scale.Uint64() {
			return errFactorTooHigh
		}
		m.AdminFeeFactor = factor
		return nil
	})
}

// SetFlashLoanFee updates the flash loan fee rate, scaled 1e6.
func (e *Engine) SetFlashLoanFee(fee uint64) error {
	return e.updateMarket(func(m *Market) error {
		if fee > scale.Uint64() {
			return errFactorTooHigh
		}
		m.FlashLoanFee = fee
		return nil
	})
}

// SetSupplyCap bounds post-deposit total underlying. Zero clears the cap.
func (e *Engine) SetSupplyCap(cap *big.Int) error {
	return e.updateMarket(func(m *Market) error {
		if cap == nil || cap.Sign() < 0 {
			m.SupplyCap = big.NewInt(0)
			return nil
		}
		m.SupplyCap = new(big.Int).Set(cap)
		return nil
	})
}

// SetBorrowCap bounds post-borrow total borrows. Zero clears the cap.
func (e *Engine) SetBorrowCap(cap *big.Int) error {
	return e.updateMarket(func(m *Market) error {
		if cap == nil || cap.Sign() < 0 {
			m.BorrowCap = big.NewInt(0)
			return nil
		}
		m.BorrowCap = new(big.Int).Set(cap)
		return nil
	})
}

// SetYearlyRates updates the static rates used by markets without a model.
// Both rates are capped at ten times the rate scale.
func (e *Engine) SetYearlyRates(supplyRate, borrowRate uint64) error {
	return e.updateMarket(func(m *Market) error {
		if new(big.Int).SetUint64(supplyRate).Cmp(maxYearlyRate) > 0 {
			return errRateTooHigh
		}
		if new(big.Int).SetUint64(borrowRate).Cmp(maxYearlyRate) > 0 {
			return errRateTooHigh
		}
		m.SupplyYearlyRate = supplyRate
		m.BorrowYearlyRate = borrowRate
		return nil
	})
}
