package lending

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendcore/core/events"
	nativecommon "lendcore/native/common"
)

var (
	errNilState              = errors.New("lending engine: state not configured")
	errNilLedger             = errors.New("lending engine: token ledger not configured")
	errNoAsset               = errors.New("lending engine: asset not configured")
	errInvalidAmount         = errors.New("lending engine: amount must be positive")
	errAmountBelowMinimum    = errors.New("lending engine: amount below minimum")
	errSupplyCapExceeded     = errors.New("lending engine: supply cap exceeded")
	errBorrowCapExceeded     = errors.New("lending engine: borrow cap exceeded")
	errInsufficientShares    = errors.New("lending engine: insufficient share balance")
	errInsufficientLiquidity = errors.New("lending engine: insufficient market liquidity")
	errShortfall             = errors.New("lending engine: account would fall below collateral requirement")
	errNoDebtToRepay         = errors.New("lending engine: no outstanding debt to repay")
	errFactorTooHigh         = errors.New("lending engine: factor exceeds 100%")
	errReservesTooLow        = errors.New("lending engine: reserves below requested amount")
	errAdminFeesTooLow       = errors.New("lending engine: admin fees below requested amount")
	errFlashNotRepaid        = errors.New("lending engine: flash loan not repaid with fee")
	errNotAdmin              = errors.New("lending engine: caller is not the admin")
	errSeizeRejected         = errors.New("lending engine: seize context rejected")
)

// Seize rejection reasons carried on the invalid-seize audit event.
const (
	seizeReasonNoRisk       = "no_risk_engine"
	seizeReasonZeroAmount   = "zero_amt"
	seizeReasonMissingCtx   = "missing_ctx"
	seizeReasonCtxMismatch  = "ctx_mismatch"
	seizeReasonFeeGtTotal   = "fee_gt_total"
	seizeReasonFeeRecipient = "fee_missing_recipient"
	seizeReasonSolvent      = "solvent"
	seizeReasonVoluntary    = "voluntary"
	seizeReasonStaleCtx     = "stale_ctx"
	seizeReasonInsufficient = "insufficient"
)

// TokenLedger moves underlying tokens between accounts. Share balances are
// tracked inside the market state, not on the ledger.
type TokenLedger interface {
	BalanceOf(addr common.Address, symbol string) (*big.Int, error)
	Transfer(from, to common.Address, symbol string, amount *big.Int) error
}

// RiskOracle is the cross-market view a market consults before releasing
// collateral or extending debt. The hint carries the calling market's own
// mid-transition figures so the risk engine never reads them back from state.
type RiskOracle interface {
	nativecommon.PauseView
	HypotheticalLiquidity(user common.Address, hint *MarketHint, redeemShares, borrowAmount *big.Int) (liquidity, shortfall *big.Int, err error)
	AccrueRewards(asset string, user common.Address) error
}

// FlashBorrower receives a flash loan and must return principal plus fee to
// the market module account before OnFlashLoan returns.
type FlashBorrower interface {
	ReceiverAddress() common.Address
	OnFlashLoan(asset string, amount, fee *big.Int) error
}

type engineState interface {
	GetMarket(asset string) (*Market, error)
	PutMarket(asset string, market *Market) error
	GetBorrowSnapshot(asset string, addr common.Address) (*BorrowSnapshot, error)
	PutBorrowSnapshot(asset string, addr common.Address, snapshot *BorrowSnapshot) error
	DeleteBorrowSnapshot(asset string, addr common.Address) error
	GetShareBalance(asset string, addr common.Address) (*big.Int, error)
	PutShareBalance(asset string, addr common.Address, amount *big.Int) error
}

// Engine orchestrates the state transitions for a single asset money market.
// Every mutating operation accrues interest before touching balances.
type Engine struct {
	asset     string
	moduleAcc common.Address
	state     engineState
	ledger    TokenLedger
	risk      RiskOracle
	model     RateModel
	emitter   events.Emitter
	nowFn     func() uint64
	admin     common.Address
}

// ModuleAddress derives the deterministic treasury address holding a market's
// underlying cash.
func ModuleAddress(asset string) common.Address {
	hash := ethcrypto.Keccak256([]byte("lending/module/" + strings.ToUpper(strings.TrimSpace(asset))))
	return common.BytesToAddress(hash[12:])
}

// NewEngine constructs a market engine for the given underlying asset symbol.
func NewEngine(asset string) *Engine {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	return &Engine{
		asset:     normalized,
		moduleAcc: ModuleAddress(normalized),
		emitter:   events.NoopEmitter{},
		nowFn:     func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger wires the underlying token ledger.
func (e *Engine) SetLedger(ledger TokenLedger) { e.ledger = ledger }

// SetRiskOracle wires the cross-market risk engine. Markets without one fall
// back to local collateral factor checks.
func (e *Engine) SetRiskOracle(risk RiskOracle) {
	if e == nil {
		return
	}
	e.risk = risk
}

// SetRateModel configures the interest rate model. Markets without a model
// accrue at their static yearly rates.
func (e *Engine) SetRateModel(model RateModel) {
	if e == nil {
		return
	}
	e.model = model
}

// SetAdmin records the address allowed to skim reserves and admin fees.
func (e *Engine) SetAdmin(addr common.Address) {
	if e == nil {
		return
	}
	e.admin = addr
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// Asset returns the underlying token symbol served by this market.
func (e *Engine) Asset() string {
	if e == nil {
		return ""
	}
	return e.asset
}

// ModuleAccount returns the treasury address holding the market's cash.
func (e *Engine) ModuleAccount() common.Address {
	if e == nil {
		return common.Address{}
	}
	return e.moduleAcc
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) checkReady() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if e.asset == "" {
		return errNoAsset
	}
	return nil
}

func (e *Engine) ensureMarket() (*Market, error) {
	market, err := e.state.GetMarket(e.asset)
	if err != nil {
		return nil, err
	}
	if market == nil {
		market = &Market{Asset: e.asset, LastAccrualTime: e.now()}
	} else {
		market = market.Clone()
	}
	market.ensureDefaults()
	return market, nil
}

func (e *Engine) shareBalance(addr common.Address) (*big.Int, error) {
	balance, err := e.state.GetShareBalance(e.asset, addr)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

// totalUnderlying is the supplier-owned value backing the share supply:
// cash + borrows + accumulated interest - reserves - admin fees.
func totalUnderlying(market *Market) *big.Int {
	total := new(big.Int).Add(market.Cash, market.TotalBorrows)
	total.Add(total, market.AccumulatedInterest)
	total.Sub(total, market.Reserves)
	total.Sub(total, market.AdminFees)
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	return total
}

// exchangeRate is totalUnderlying * 1e6 / totalShares, defaulting to 1e6 for
// an empty market.
func exchangeRate(market *Market) *big.Int {
	if market.TotalShares.Sign() == 0 {
		return new(big.Int).Set(scale)
	}
	return mulDiv(totalUnderlying(market), scale, market.TotalShares)
}

// ExchangeRate reports the live share price after accruing interest.
func (e *Engine) ExchangeRate() (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(market); err != nil {
		return nil, err
	}
	return exchangeRate(market), nil
}

// TotalUnderlying reports the supplier-owned value after accruing interest.
func (e *Engine) TotalUnderlying() (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(market); err != nil {
		return nil, err
	}
	return totalUnderlying(market), nil
}

// AvailableLiquidity reports the cash on hand for borrows and withdrawals.
func (e *Engine) AvailableLiquidity() (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(market.Cash), nil
}

// TotalShares reports the outstanding receipt share supply.
func (e *Engine) TotalShares() (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(market.TotalShares), nil
}

// TotalBorrows reports the outstanding borrowed amount.
func (e *Engine) TotalBorrows() (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(market.TotalBorrows), nil
}

// ShareBalance reports the receipt shares held by addr.
func (e *Engine) ShareBalance(addr common.Address) (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	return e.shareBalance(addr)
}

// CollateralValue reports the underlying value of addr's shares at the live
// exchange rate, after accruing interest.
func (e *Engine) CollateralValue(addr common.Address) (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(market); err != nil {
		return nil, err
	}
	held, err := e.shareBalance(addr)
	if err != nil {
		return nil, err
	}
	return mulDiv(held, exchangeRate(market), scale), nil
}

// BorrowBalance reports addr's current debt including accrued interest.
func (e *Engine) BorrowBalance(addr common.Address) (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(market); err != nil {
		return nil, err
	}
	snapshot, err := e.state.GetBorrowSnapshot(e.asset, addr)
	if err != nil {
		return nil, err
	}
	return debtFromSnapshot(snapshot, market.BorrowIndex), nil
}

// Hint packages addr's live figures for a cross-market liquidity check.
func (e *Engine) Hint(addr common.Address) (*MarketHint, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(market); err != nil {
		return nil, err
	}
	shares, err := e.shareBalance(addr)
	if err != nil {
		return nil, err
	}
	snapshot, err := e.state.GetBorrowSnapshot(e.asset, addr)
	if err != nil {
		return nil, err
	}
	return &MarketHint{
		Asset:                e.asset,
		ShareBalance:         shares,
		BorrowedWithInterest: debtFromSnapshot(snapshot, market.BorrowIndex),
		ExchangeRate:         exchangeRate(market),
	}, nil
}

func debtFromSnapshot(snapshot *BorrowSnapshot, borrowIndex *big.Int) *big.Int {
	if snapshot == nil || snapshot.Principal == nil || snapshot.Principal.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(snapshot.Principal, borrowIndex, snapshot.InterestIndex)
}

// accrueInterest advances the market to the current timestamp. Borrow interest
// is split between reserves, admin fees and the supplier pool by folding it
// into the borrow index. Statically rated markets additionally credit supply
// interest to the accumulated interest bucket.
func (e *Engine) accrueInterest(market *Market) error {
	now := e.now()
	if now <= market.LastAccrualTime {
		return nil
	}
	elapsed := now - market.LastAccrualTime
	market.LastAccrualTime = now

	if e.model == nil && market.SupplyYearlyRate > 0 {
		supplyInterest, err := interestProduct(market.TotalDeposited, market.SupplyYearlyRate, elapsed)
		if err != nil {
			return err
		}
		market.AccumulatedInterest.Add(market.AccumulatedInterest, supplyInterest)
	}

	if market.TotalBorrows.Sign() == 0 {
		return nil
	}
	borrowRate := market.BorrowYearlyRate
	if e.model != nil {
		rate, err := e.model.BorrowRate(market.Cash, market.TotalBorrows, market.Reserves)
		if err != nil {
			return err
		}
		borrowRate = rate
	}
	borrowInterest, err := interestProduct(market.TotalBorrows, borrowRate, elapsed)
	if err != nil {
		return err
	}
	if borrowInterest.Sign() == 0 {
		return nil
	}

	reserveCut := mulDiv(borrowInterest, new(big.Int).SetUint64(market.ReserveFactor), scale)
	adminCut := mulDiv(borrowInterest, new(big.Int).SetUint64(market.AdminFeeFactor), scale)
	market.Reserves.Add(market.Reserves, reserveCut)
	market.AdminFees.Add(market.AdminFees, adminCut)

	// delta = index * interest / borrowsBefore keeps the index consistent with
	// snapshot scaling even under flooring division.
	borrowsBefore := new(big.Int).Set(market.TotalBorrows)
	market.TotalBorrows.Add(market.TotalBorrows, borrowInterest)
	delta := mulDiv(market.BorrowIndex, borrowInterest, borrowsBefore)
	market.BorrowIndex.Add(market.BorrowIndex, delta)
	return nil
}

// AccrueInterest advances the market clock and persists the result.
func (e *Engine) AccrueInterest() error {
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
	return e.state.PutMarket(e.asset, market)
}

// accrueRewards notifies the risk engine that balances in this market are
// about to change. Reward bookkeeping failures are not financial failures, so
// they are surfaced to the emitter and skipped.
func (e *Engine) accrueRewards(user common.Address) {
	if e.risk == nil {
		return
	}
	if err := e.risk.AccrueRewards(e.asset, user); err != nil {
		e.emit(&events.ExternalCallFailed{
			Module:      "lending",
			Target:      "rewards",
			Recoverable: true,
			Detail:      err.Error(),
		})
	}
}

func (e *Engine) guard(action string) error {
	if e.risk == nil {
		return nil
	}
	return nativecommon.Guard(e.risk, e.asset, action)
}

// Deposit moves underlying from the supplier into the market and mints shares
// at the live exchange rate.
func (e *Engine) Deposit(supplier common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if err := e.guard(nativecommon.ActionDeposit); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(market); err != nil {
		return nil, err
	}
	e.accrueRewards(supplier)

	if market.SupplyCap.Sign() > 0 {
		projected := new(big.Int).Add(totalUnderlying(market), amount)
		if projected.Cmp(market.SupplyCap) > 0 {
			return nil, errSupplyCapExceeded
		}
	}

	rate := exchangeRate(market)
	minted := mulDiv(amount, scale, rate)
	if minted.Sign() == 0 {
		return nil, errAmountBelowMinimum
	}

	shares, err := e.shareBalance(supplier)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(supplier, e.moduleAcc, e.asset, amount); err != nil {
		return nil, err
	}

	market.Cash.Add(market.Cash, amount)
	market.TotalDeposited.Add(market.TotalDeposited, amount)
	market.TotalShares.Add(market.TotalShares, minted)
	if err := e.state.PutShareBalance(e.asset, supplier, shares.Add(shares, minted)); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(e.asset, market); err != nil {
		return nil, err
	}

	e.emit(&events.MarketDeposit{Asset: e.asset, Supplier: supplier, Amount: amount, Shares: minted})
	return minted, nil
}

// Withdraw burns shares and releases the matching underlying, provided the
// supplier stays solvent across all entered markets.
func (e *Engine) Withdraw(supplier common.Address, sharesRequested *big.Int) (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if err := e.guard(nativecommon.ActionRedeem); err != nil {
		return nil, err
	}
	if sharesRequested == nil || sharesRequested.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(market); err != nil {
		return nil, err
	}
	e.accrueRewards(supplier)

	held, err := e.shareBalance(supplier)
	if err != nil {
		return nil, err
	}
	if held.Cmp(sharesRequested) < 0 {
		return nil, errInsufficientShares
	}

	rate := exchangeRate(market)
	amount := mulDiv(sharesRequested, rate, scale)
	if amount.Sign() == 0 {
		return nil, errAmountBelowMinimum
	}
	if market.Cash.Cmp(amount) < 0 {
		return nil, errInsufficientLiquidity
	}

	snapshot, err := e.state.GetBorrowSnapshot(e.asset, supplier)
	if err != nil {
		return nil, err
	}
	debt := debtFromSnapshot(snapshot, market.BorrowIndex)
	if err := e.checkRedeemAllowed(supplier, market, held, debt, sharesRequested, rate); err != nil {
		return nil, err
	}

	if err := e.ledger.Transfer(e.moduleAcc, supplier, e.asset, amount); err != nil {
		return nil, err
	}

	market.Cash.Sub(market.Cash, amount)
	// Withdrawals draw down supplier principal before touching credited
	// interest.
	if amount.Cmp(market.TotalDeposited) <= 0 {
		market.TotalDeposited.Sub(market.TotalDeposited, amount)
	} else {
		remainder := new(big.Int).Sub(amount, market.TotalDeposited)
		market.TotalDeposited.SetInt64(0)
		market.AccumulatedInterest.Sub(market.AccumulatedInterest, remainder)
		if market.AccumulatedInterest.Sign() < 0 {
			market.AccumulatedInterest.SetInt64(0)
		}
	}
	market.TotalShares.Sub(market.TotalShares, sharesRequested)
	if err := e.state.PutShareBalance(e.asset, supplier, new(big.Int).Sub(held, sharesRequested)); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(e.asset, market); err != nil {
		return nil, err
	}

	e.emit(&events.MarketWithdraw{Asset: e.asset, Supplier: supplier, Amount: amount, Shares: sharesRequested})
	return amount, nil
}

// checkRedeemAllowed gates a collateral release. With a risk engine wired the
// check spans every entered market via a hinted hypothetical; otherwise the
// local collateral factor bounds this market's own debt.
func (e *Engine) checkRedeemAllowed(user common.Address, market *Market, held, debt, redeemShares, rate *big.Int) error {
	if e.risk != nil {
		hint := &MarketHint{
			Asset:                e.asset,
			ShareBalance:         held,
			BorrowedWithInterest: debt,
			ExchangeRate:         rate,
		}
		_, shortfall, err := e.risk.HypotheticalLiquidity(user, hint, redeemShares, nil)
		if err != nil {
			return err
		}
		if shortfall.Sign() > 0 {
			return errShortfall
		}
		return nil
	}
	if debt.Sign() == 0 {
		return nil
	}
	remaining := new(big.Int).Sub(held, redeemShares)
	collateral := mulDiv(remaining, rate, scale)
	capacity := mulDiv(collateral, new(big.Int).SetUint64(market.CollateralFactor), scale)
	if capacity.Cmp(debt) < 0 {
		return errShortfall
	}
	return nil
}

// Borrow draws underlying against the borrower's collateral. The borrower's
// snapshot is rewritten to the live index so interest compounds correctly.
func (e *Engine) Borrow(borrower common.Address, amount *big.Int) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if err := e.guard(nativecommon.ActionBorrow); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}

	market, err := e.ensureMarket()
	if err != nil {
		return err
	}
	if err := e.accrueInterest(market); err != nil {
		return err
	}
	e.accrueRewards(borrower)

	if market.Cash.Cmp(amount) < 0 {
		return errInsufficientLiquidity
	}
	if market.BorrowCap.Sign() > 0 {
		projected := new(big.Int).Add(market.TotalBorrows, amount)
		if projected.Cmp(market.BorrowCap) > 0 {
			return errBorrowCapExceeded
		}
	}

	snapshot, err := e.state.GetBorrowSnapshot(e.asset, borrower)
	if err != nil {
		return err
	}
	debt := debtFromSnapshot(snapshot, market.BorrowIndex)
	held, err := e.shareBalance(borrower)
	if err != nil {
		return err
	}
	rate := exchangeRate(market)
	if e.risk != nil {
		hint := &MarketHint{
			Asset:                e.asset,
			ShareBalance:         held,
			BorrowedWithInterest: debt,
			ExchangeRate:         rate,
		}
		_, shortfall, err := e.risk.HypotheticalLiquidity(borrower, hint, nil, amount)
		if err != nil {
			return err
		}
		if shortfall.Sign() > 0 {
			return errShortfall
		}
	} else {
		collateral := mulDiv(held, rate, scale)
		capacity := mulDiv(collateral, new(big.Int).SetUint64(market.CollateralFactor), scale)
		projected := new(big.Int).Add(debt, amount)
		if capacity.Cmp(projected) < 0 {
			return errShortfall
		}
	}

	if err := e.ledger.Transfer(e.moduleAcc, borrower, e.asset, amount); err != nil {
		return err
	}

	market.Cash.Sub(market.Cash, amount)
	market.TotalBorrows.Add(market.TotalBorrows, amount)
	newPrincipal := new(big.Int).Add(debt, amount)
	if err := e.state.PutBorrowSnapshot(e.asset, borrower, &BorrowSnapshot{
		Principal:     newPrincipal,
		InterestIndex: new(big.Int).Set(market.BorrowIndex),
	}); err != nil {
		return err
	}
	if err := e.state.PutMarket(e.asset, market); err != nil {
		return err
	}

	e.emit(&events.MarketBorrow{Asset: e.asset, Borrower: borrower, Amount: amount, Debt: newPrincipal})
	return nil
}

// Repay settles the payer's own debt. The paid amount is clamped at the
// outstanding balance.
func (e *Engine) Repay(payer common.Address, amount *big.Int) (*big.Int, error) {
	return e.RepayBehalf(payer, payer, amount)
}

// RepayBehalf settles the borrower's debt with funds from the payer. A zero
// principal result removes the snapshot entirely.
func (e *Engine) RepayBehalf(payer, borrower common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(market); err != nil {
		return nil, err
	}
	e.accrueRewards(borrower)

	snapshot, err := e.state.GetBorrowSnapshot(e.asset, borrower)
	if err != nil {
		return nil, err
	}
	debt := debtFromSnapshot(snapshot, market.BorrowIndex)
	if debt.Sign() == 0 {
		return nil, errNoDebtToRepay
	}
	paid := minBig(new(big.Int).Set(amount), debt)

	if err := e.ledger.Transfer(payer, e.moduleAcc, e.asset, paid); err != nil {
		return nil, err
	}

	market.Cash.Add(market.Cash, paid)
	market.TotalBorrows.Sub(market.TotalBorrows, paid)
	if market.TotalBorrows.Sign() < 0 {
		market.TotalBorrows.SetInt64(0)
	}
	remaining := new(big.Int).Sub(debt, paid)
	if remaining.Sign() == 0 {
		if err := e.state.DeleteBorrowSnapshot(e.asset, borrower); err != nil {
			return nil, err
		}
	} else {
		if err := e.state.PutBorrowSnapshot(e.asset, borrower, &BorrowSnapshot{
			Principal:     remaining,
			InterestIndex: new(big.Int).Set(market.BorrowIndex),
		}); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutMarket(e.asset, market); err != nil {
		return nil, err
	}

	e.emit(&events.MarketRepay{Asset: e.asset, Payer: payer, Borrower: borrower, Amount: paid, Remaining: remaining})
	return paid, nil
}

// FlashLoan lends cash for the duration of the borrower callback. The module
// balance must come back with the fee on top; the fee accrues to reserves.
func (e *Engine) FlashLoan(borrower FlashBorrower, amount *big.Int) (*big.Int, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if err := e.guard(nativecommon.ActionBorrow); err != nil {
		return nil, err
	}
	if borrower == nil || amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	market, err := e.ensureMarket()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(market); err != nil {
		return nil, err
	}
	if market.Cash.Cmp(amount) < 0 {
		return nil, errInsufficientLiquidity
	}

	fee := mulDiv(amount, new(big.Int).SetUint64(market.FlashLoanFee), scale)
	before, err := e.ledger.BalanceOf(e.moduleAcc, e.asset)
	if err != nil {
		return nil, err
	}
	receiver := borrower.ReceiverAddress()
	if err := e.ledger.Transfer(e.moduleAcc, receiver, e.asset, amount); err != nil {
		return nil, err
	}
	if err := borrower.OnFlashLoan(e.asset, amount, fee); err != nil {
		return nil, fmt.Errorf("lending engine: flash borrower: %w", err)
	}
	after, err := e.ledger.BalanceOf(e.moduleAcc, e.asset)
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Add(before, fee)
	if after.Cmp(required) < 0 {
		return nil, errFlashNotRepaid
	}
	feePaid := new(big.Int).Sub(after, before)

	market.Cash.Add(market.Cash, feePaid)
	market.Reserves.Add(market.Reserves, feePaid)
	if err := e.state.PutMarket(e.asset, market); err != nil {
		return nil, err
	}

	e.emit(&events.FlashLoan{Asset: e.asset, Receiver: receiver, Amount: amount, Fee: feePaid})
	return feePaid, nil
}

// TransferShares moves receipt shares between accounts, gated like a
// withdrawal so collateral cannot walk away from an unhealthy account.
func (e *Engine) TransferShares(from, to common.Address, shares *big.Int) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if err := e.guard(nativecommon.ActionRedeem); err != nil {
		return err
	}
	if shares == nil || shares.Sign() <= 0 {
		return errInvalidAmount
	}

	market, err := e.ensureMarket()
	if err != nil {
		return err
	}
	if err := e.accrueInterest(market); err != nil {
		return err
	}
	e.accrueRewards(from)
	e.accrueRewards(to)

	held, err := e.shareBalance(from)
	if err != nil {
		return err
	}
	if held.Cmp(shares) < 0 {
		return errInsufficientShares
	}
	snapshot, err := e.state.GetBorrowSnapshot(e.asset, from)
	if err != nil {
		return err
	}
	debt := debtFromSnapshot(snapshot, market.BorrowIndex)
	rate := exchangeRate(market)
	if err := e.checkRedeemAllowed(from, market, held, debt, shares, rate); err != nil {
		return err
	}

	toBalance, err := e.shareBalance(to)
	if err != nil {
		return err
	}
	if err := e.state.PutShareBalance(e.asset, from, new(big.Int).Sub(held, shares)); err != nil {
		return err
	}
	if err := e.state.PutShareBalance(e.asset, to, toBalance.Add(toBalance, shares)); err != nil {
		return err
	}
	if err := e.state.PutMarket(e.asset, market); err != nil {
		return err
	}
	return nil
}

// Seize forcibly moves collateral shares from the borrower to the liquidator.
// The context produced by the risk engine is re-validated field by field; any
// inconsistency aborts the seizure and leaves an audit event behind.
func (e *Engine) Seize(ctx *SeizeContext, borrower, liquidator common.Address, shares *big.Int) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if e.risk == nil {
		return e.abortSeize(borrower, liquidator, seizeReasonNoRisk)
	}
	if shares == nil || shares.Sign() <= 0 {
		return e.abortSeize(borrower, liquidator, seizeReasonZeroAmount)
	}
	if ctx == nil {
		return e.abortSeize(borrower, liquidator, seizeReasonMissingCtx)
	}
	if ctx.SeizeShares == nil || ctx.SeizeShares.Cmp(shares) != 0 {
		return e.abortSeize(borrower, liquidator, seizeReasonCtxMismatch)
	}
	if ctx.FeeShares != nil && ctx.FeeShares.Cmp(shares) > 0 {
		return e.abortSeize(borrower, liquidator, seizeReasonFeeGtTotal)
	}
	if ctx.FeeShares != nil && ctx.FeeShares.Sign() > 0 && ctx.FeeRecipient == (common.Address{}) {
		return e.abortSeize(borrower, liquidator, seizeReasonFeeRecipient)
	}
	if ctx.Shortfall == nil || ctx.Shortfall.Sign() == 0 {
		return e.abortSeize(borrower, liquidator, seizeReasonSolvent)
	}
	if ctx.MaxRedeemShares != nil && ctx.MaxRedeemShares.Cmp(shares) >= 0 {
		return e.abortSeize(borrower, liquidator, seizeReasonVoluntary)
	}
	if ctx.ExpiresAt < e.now() {
		return e.abortSeize(borrower, liquidator, seizeReasonStaleCtx)
	}

	market, err := e.ensureMarket()
	if err != nil {
		return err
	}
	if err := e.accrueInterest(market); err != nil {
		return err
	}
	e.accrueRewards(borrower)
	e.accrueRewards(liquidator)

	held, err := e.shareBalance(borrower)
	if err != nil {
		return err
	}
	if held.Cmp(shares) < 0 {
		return e.abortSeize(borrower, liquidator, seizeReasonInsufficient)
	}

	fee := big.NewInt(0)
	if ctx.FeeShares != nil {
		fee.Set(ctx.FeeShares)
	}
	toLiquidator := new(big.Int).Sub(shares, fee)

	if err := e.state.PutShareBalance(e.asset, borrower, new(big.Int).Sub(held, shares)); err != nil {
		return err
	}
	liquidatorShares, err := e.shareBalance(liquidator)
	if err != nil {
		return err
	}
	if err := e.state.PutShareBalance(e.asset, liquidator, liquidatorShares.Add(liquidatorShares, toLiquidator)); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		recipientShares, err := e.shareBalance(ctx.FeeRecipient)
		if err != nil {
			return err
		}
		if err := e.state.PutShareBalance(e.asset, ctx.FeeRecipient, recipientShares.Add(recipientShares, fee)); err != nil {
			return err
		}
	}
	if err := e.state.PutMarket(e.asset, market); err != nil {
		return err
	}

	e.emit(&events.CollateralSeized{
		Asset:      e.asset,
		Borrower:   borrower,
		Liquidator: liquidator,
		Shares:     shares,
		FeeShares:  fee,
	})
	return nil
}

func (e *Engine) abortSeize(borrower, liquidator common.Address, reason string) error {
	e.emit(&events.InvalidSeizeAttempt{
		Asset:      e.asset,
		Borrower:   borrower,
		Liquidator: liquidator,
		Reason:     reason,
	})
	return fmt.Errorf("%w: %s", errSeizeRejected, reason)
}

// ReduceReserves pays accumulated reserves out to the recipient. Only the
// configured admin may skim.
func (e *Engine) ReduceReserves(caller, recipient common.Address, amount *big.Int) error {
	return e.reduceBucket(caller, recipient, amount, true)
}

// ReduceAdminFees pays accumulated admin fees out to the recipient. Only the
// configured admin may skim.
func (e *Engine) ReduceAdminFees(caller, recipient common.Address, amount *big.Int) error {
	return e.reduceBucket(caller, recipient, amount, false)
}

func (e *Engine) reduceBucket(caller, recipient common.Address, amount *big.Int, reserves bool) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if caller != e.admin || e.admin == (common.Address{}) {
		return errNotAdmin
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	market, err := e.ensureMarket()
	if err != nil {
		return err
	}
	if err := e.accrueInterest(market); err != nil {
		return err
	}
	bucket := market.AdminFees
	tooLow := errAdminFeesTooLow
	if reserves {
		bucket = market.Reserves
		tooLow = errReservesTooLow
	}
	if bucket.Cmp(amount) < 0 {
		return tooLow
	}
	if market.Cash.Cmp(amount) < 0 {
		return errInsufficientLiquidity
	}
	if err := e.ledger.Transfer(e.moduleAcc, recipient, e.asset, amount); err != nil {
		return err
	}
	bucket.Sub(bucket, amount)
	market.Cash.Sub(market.Cash, amount)
	return e.state.PutMarket(e.asset, market)
}
