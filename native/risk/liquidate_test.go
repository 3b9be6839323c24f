package risk

import (
	"errors"
	"math/big"
	"testing"
)

// liquidationScenario lists USDC (debt) and COLL (collateral) markets with an
// underwater borrower: 200 COLL shares at 0.40 USD backing 100 USDC of debt.
func liquidationScenario(t *testing.T) (*Engine, *mockMarket, *mockMarket, *mockRiskState) {
	t.Helper()
	engine, state, oracle, _ := newTestRiskEngine(t)
	usdc := newMockMarket("USDC")
	coll := newMockMarket("COLL")
	if err := engine.ListMarket(usdc, 800_000); err != nil {
		t.Fatalf("list usdc: %v", err)
	}
	if err := engine.ListMarket(coll, 500_000); err != nil {
		t.Fatalf("list coll: %v", err)
	}
	oracle.quotes["USDC"] = pinnedQuote(1_000_000)
	oracle.quotes["COLL"] = pinnedQuote(400_000)

	borrower := makeAddress(0x01)
	state.entered[borrower] = []string{"COLL", "USDC"}
	coll.shares[borrower] = big.NewInt(200)
	usdc.debts[borrower] = big.NewInt(100)
	return engine, usdc, coll, state
}

func TestLiquidateCapsAtCloseFactor(t *testing.T) {
	engine, usdc, coll, _ := liquidationScenario(t)
	borrower := makeAddress(0x01)
	liquidator := makeAddress(0x02)

	// 80 requested against 100 of debt, close factor 0.5 caps at 50. The
	// 1.08 incentive converts 50 USD into 135 collateral shares at 0.40.
	repaid, seized, err := engine.Liquidate(liquidator, borrower, "USDC", "COLL", big.NewInt(80))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected repaid: %s", repaid)
	}
	if seized.Cmp(big.NewInt(135)) != 0 {
		t.Fatalf("unexpected seized shares: %s", seized)
	}
	if usdc.debts[borrower].Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("debt not reduced: %s", usdc.debts[borrower])
	}
	if coll.shares[borrower].Cmp(big.NewInt(65)) != 0 {
		t.Fatalf("collateral not seized: %s", coll.shares[borrower])
	}
	if coll.shares[liquidator].Cmp(big.NewInt(135)) != 0 {
		t.Fatalf("liquidator did not receive shares: %s", coll.shares[liquidator])
	}
	ctx := coll.lastSeizeCtx
	if ctx == nil || ctx.Shortfall.Sign() <= 0 {
		t.Fatalf("seize context missing shortfall: %+v", ctx)
	}
	if ctx.ExpiresAt != 1_000_000+300 {
		t.Fatalf("unexpected context expiry: %d", ctx.ExpiresAt)
	}
}

func TestLiquidateBoundaryRepayNotReduced(t *testing.T) {
	engine, usdc, _, _ := liquidationScenario(t)
	borrower := makeAddress(0x01)

	// A repay exactly at the close-factor bound passes through untouched.
	repaid, _, err := engine.Liquidate(makeAddress(0x02), borrower, "USDC", "COLL", big.NewInt(50))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("boundary repay altered: %s", repaid)
	}
	if usdc.debts[borrower].Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected remaining debt: %s", usdc.debts[borrower])
	}
}

func TestLiquidateSeizureClampedToBalance(t *testing.T) {
	engine, _, coll, _ := liquidationScenario(t)
	coll.shares[makeAddress(0x01)] = big.NewInt(100)

	_, seized, err := engine.Liquidate(makeAddress(0x02), makeAddress(0x01), "USDC", "COLL", big.NewInt(50))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if seized.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seizure not clamped: %s", seized)
	}
}

func TestLiquidateFeeShareToReserveRecipient(t *testing.T) {
	engine, _, coll, _ := liquidationScenario(t)
	recipient := makeAddress(0xFE)
	engine.SetReserveRecipient(recipient)
	if err := engine.SetLiquidationFee(20_000); err != nil {
		t.Fatalf("set fee: %v", err)
	}

	_, seized, err := engine.Liquidate(makeAddress(0x02), makeAddress(0x01), "USDC", "COLL", big.NewInt(50))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if seized.Cmp(big.NewInt(135)) != 0 {
		t.Fatalf("unexpected seized: %s", seized)
	}
	// 2% of 135 floors to 2 shares for the protocol.
	if coll.shares[recipient].Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("fee shares not routed: %s", coll.shares[recipient])
	}
	if coll.shares[makeAddress(0x02)].Cmp(big.NewInt(133)) != 0 {
		t.Fatalf("liquidator share wrong: %s", coll.shares[makeAddress(0x02)])
	}
}

func TestLiquidateFeeWithoutRecipientRejected(t *testing.T) {
	engine, _, _, _ := liquidationScenario(t)
	if err := engine.SetLiquidationFee(20_000); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	_, _, err := engine.Liquidate(makeAddress(0x02), makeAddress(0x01), "USDC", "COLL", big.NewInt(50))
	if !errors.Is(err, errInvalidRecipient) {
		t.Fatalf("expected errInvalidRecipient, got %v", err)
	}
}

func TestLiquidateRejectsSelfAndSameMarket(t *testing.T) {
	engine, _, _, _ := liquidationScenario(t)
	borrower := makeAddress(0x01)
	if _, _, err := engine.Liquidate(borrower, borrower, "USDC", "COLL", big.NewInt(10)); !errors.Is(err, errSelfLiquidation) {
		t.Fatalf("expected errSelfLiquidation, got %v", err)
	}
	if _, _, err := engine.Liquidate(makeAddress(0x02), borrower, "USDC", "USDC", big.NewInt(10)); !errors.Is(err, errSameMarket) {
		t.Fatalf("expected errSameMarket, got %v", err)
	}
}

func TestLiquidateRequiresShortfall(t *testing.T) {
	engine, usdc, _, _ := liquidationScenario(t)
	usdc.debts[makeAddress(0x01)] = big.NewInt(10)
	_, _, err := engine.Liquidate(makeAddress(0x02), makeAddress(0x01), "USDC", "COLL", big.NewInt(5))
	if !errors.Is(err, errNoShortfall) {
		t.Fatalf("expected errNoShortfall, got %v", err)
	}
}

func TestLiquidatePauseGuard(t *testing.T) {
	engine, _, _, _ := liquidationScenario(t)
	admin := makeAddress(0xAA)
	engine.SetAdmin(admin)
	if err := engine.SetPause(admin, "COLL", "liquidate", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, _, err := engine.Liquidate(makeAddress(0x02), makeAddress(0x01), "USDC", "COLL", big.NewInt(50))
	if err == nil {
		t.Fatalf("expected paused liquidation to fail")
	}
}
