package margin

import (
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/core/events"
	nativecommon "lendcore/native/common"
)

var (
	errNilState        = errors.New("margin controller: state not configured")
	errNilRisk         = errors.New("margin controller: risk engine not configured")
	errNilSwapper      = errors.New("margin controller: swap executor not configured")
	errMarketUnknown   = errors.New("margin controller: market not registered")
	errBadLeverage     = errors.New("margin controller: leverage out of range")
	errBadAmount       = errors.New("margin controller: amount must be positive")
	errBadSwapPath     = errors.New("margin controller: invalid swap path")
	errZeroBorrow      = errors.New("margin controller: computed borrow is zero")
	errBorrowTooLarge  = errors.New("margin controller: borrow exceeds leverage target")
	errNoSharesMinted  = errors.New("margin controller: no collateral shares minted")
	errSwapShort       = errors.New("margin controller: insufficient swap output")
	errPositionMissing = errors.New("margin controller: position not found")
	errNotOwner        = errors.New("margin controller: caller does not own position")
	errNotOpen         = errors.New("margin controller: position not open")
	errZeroDebt        = errors.New("margin controller: position debt is zero")
	errSelfLiquidation = errors.New("margin controller: owner cannot liquidate own position")
	errNotLiquidatable = errors.New("margin controller: account has no shortfall")
	errTooManyOpen     = errors.New("margin controller: too many open positions")
)

var (
	scale = big.NewInt(1_000_000)
	// maxHealth is the sentinel health factor for debt-free positions.
	maxHealth = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

const (
	maxUserPositions = 64
	maxSwapPathLen   = 5
	maxLeverageCap   = 10
)

// MarketHandle is the money market surface the controller drives on behalf of
// position owners. *lending.Engine satisfies it.
type MarketHandle interface {
	Asset() string
	ExchangeRate() (*big.Int, error)
	Deposit(user common.Address, amount *big.Int) (*big.Int, error)
	Withdraw(user common.Address, shares *big.Int) (*big.Int, error)
	Borrow(user common.Address, amount *big.Int) error
	Repay(payer common.Address, amount *big.Int) (*big.Int, error)
	BorrowBalance(addr common.Address) (*big.Int, error)
	ShareBalance(addr common.Address) (*big.Int, error)
}

// RiskView is the slice of the risk engine the controller depends on.
type RiskView interface {
	PriceUSD(asset string) (*big.Int, error)
	AccountLiquidity(addr common.Address) (*big.Int, *big.Int, error)
	EnterMarket(caller common.Address, asset string) error
	Liquidate(liquidator, borrower common.Address, repayAsset, collateralAsset string, repayAmount *big.Int) (*big.Int, *big.Int, error)
}

// SwapExecutor performs an exact-in swap of the user's funds along the path
// and enforces the minimum output.
type SwapExecutor interface {
	SwapExactIn(user common.Address, assetIn string, amountIn, minOut *big.Int, path []string, deadline uint64) (*big.Int, error)
}

type engineState interface {
	GetPosition(id uint64) (*Position, error)
	PutPosition(position *Position) error
	GetUserPositions(addr common.Address) ([]uint64, error)
	PutUserPositions(addr common.Address, ids []uint64) error
	NextPositionID() (uint64, error)
	GetDebtShares(addr common.Address, asset string) (*big.Int, error)
	PutDebtShares(addr common.Address, asset string, shares *big.Int) error
	GetOpenQuota(addr common.Address) (nativecommon.QuotaNow, error)
	PutOpenQuota(addr common.Address, usage nativecommon.QuotaNow) error
}

// Controller composes borrow, swap and deposit legs into leveraged positions.
// Every market call runs on behalf of the position owner, so the markets'
// own collateral checks stay in force.
type Controller struct {
	state       engineState
	risk        RiskView
	swapper     SwapExecutor
	markets     map[string]MarketHandle
	emitter     events.Emitter
	nowFn       func() uint64
	maxLeverage uint64
	openQuota   nativecommon.Quota
}

// NewController constructs a margin controller with the default leverage cap.
func NewController() *Controller {
	return &Controller{
		markets:     make(map[string]MarketHandle),
		emitter:     events.NoopEmitter{},
		nowFn:       func() uint64 { return uint64(time.Now().Unix()) },
		maxLeverage: maxLeverageCap,
	}
}

// SetState wires the controller to the external persistence layer.
func (c *Controller) SetState(state engineState) { c.state = state }

// SetRisk wires the cross-market risk engine.
func (c *Controller) SetRisk(risk RiskView) { c.risk = risk }

// SetSwapExecutor wires the swap venue used to convert between legs.
func (c *Controller) SetSwapExecutor(swapper SwapExecutor) { c.swapper = swapper }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (c *Controller) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (c *Controller) SetNowFunc(now func() uint64) {
	if now == nil {
		c.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	c.nowFn = now
}

// SetMaxLeverage updates the leverage bound, hard-capped at 10x.
func (c *Controller) SetMaxLeverage(leverage uint64) error {
	if leverage < 1 || leverage > maxLeverageCap {
		return errBadLeverage
	}
	c.maxLeverage = leverage
	return nil
}

// SetOpenQuota bounds how many positions and how much notional (whole USD)
// a user may open per epoch. A zero quota disables the bound.
func (c *Controller) SetOpenQuota(quota nativecommon.Quota) { c.openQuota = quota }

// RegisterMarket adds a money market the controller may trade through.
func (c *Controller) RegisterMarket(handle MarketHandle) error {
	if handle == nil {
		return errMarketUnknown
	}
	asset := strings.ToUpper(strings.TrimSpace(handle.Asset()))
	if asset == "" {
		return errMarketUnknown
	}
	c.markets[asset] = handle
	return nil
}

func (c *Controller) market(asset string) (MarketHandle, string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	handle, ok := c.markets[normalized]
	if !ok {
		return nil, normalized, errMarketUnknown
	}
	return handle, normalized, nil
}

func (c *Controller) now() uint64 {
	if c == nil || c.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return c.nowFn()
}

func (c *Controller) emit(evt events.Event) {
	if c == nil || c.emitter == nil || evt == nil {
		return
	}
	c.emitter.Emit(evt)
}

func (c *Controller) checkReady() error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if c.risk == nil {
		return errNilRisk
	}
	return nil
}

func validateSwapPath(path []string, assetIn, assetOut string) error {
	if len(path) < 2 || len(path) > maxSwapPathLen {
		return errBadSwapPath
	}
	if !strings.EqualFold(path[0], assetIn) || !strings.EqualFold(path[len(path)-1], assetOut) {
		return errBadSwapPath
	}
	return nil
}

// usdValue converts a base unit amount into 1e6-scaled USD.
func usdValue(amount, price *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, price)
	return out.Quo(out, scale)
}

// debtForShares values a share stake against the owner's live borrow balance
// in the debt market. It returns the debt amount, the pool total and the
// owner's total debt.
func (c *Controller) debtForShares(owner common.Address, debtAsset string, shares *big.Int) (*big.Int, *big.Int, *big.Int, error) {
	totalShares, err := c.state.GetDebtShares(owner, debtAsset)
	if err != nil {
		return nil, nil, nil, err
	}
	if totalShares == nil {
		totalShares = big.NewInt(0)
	}
	if totalShares.Sign() == 0 || shares == nil || shares.Sign() == 0 {
		return big.NewInt(0), totalShares, big.NewInt(0), nil
	}
	handle, _, err := c.market(debtAsset)
	if err != nil {
		return nil, nil, nil, err
	}
	totalDebt, err := handle.BorrowBalance(owner)
	if err != nil {
		return nil, nil, nil, err
	}
	debt := new(big.Int).Mul(shares, totalDebt)
	debt.Quo(debt, totalShares)
	return debt, totalShares, totalDebt, nil
}

// newDebtShares sizes the share stake for a fresh borrow against the existing
// pool. An empty pool prices shares one to one with the borrow; a non-empty
// pool keeps stakes proportional to outstanding debt, with a one share floor
// so dust borrows stay claimable.
func newDebtShares(borrow, poolShares, poolDebt *big.Int) *big.Int {
	if poolShares.Sign() == 0 || poolDebt.Sign() == 0 {
		return new(big.Int).Set(borrow)
	}
	numerator := new(big.Int).Mul(borrow, poolShares)
	shares := new(big.Int).Quo(numerator, poolDebt)
	if numerator.Sign() > 0 && shares.Sign() == 0 {
		shares.SetInt64(1)
	}
	return shares
}

func (c *Controller) consumeOpenQuota(owner common.Address, notionalUSD *big.Int) error {
	quota := c.openQuota
	if quota.MaxRequestsPerMin == 0 && quota.MaxNotionalPerEpoch == 0 {
		return nil
	}
	epochSeconds := uint64(quota.EpochSeconds)
	if epochSeconds == 0 {
		epochSeconds = 60
	}
	usage, err := c.state.GetOpenQuota(owner)
	if err != nil {
		return err
	}
	wholeUSD := new(big.Int).Quo(notionalUSD, scale)
	next, err := nativecommon.CheckQuota(quota, c.now()/epochSeconds, usage, 1, wholeUSD.Uint64())
	if err != nil {
		return err
	}
	return c.state.PutOpenQuota(owner, next)
}

func (c *Controller) pushPosition(position *Position) error {
	ids, err := c.state.GetUserPositions(position.Owner)
	if err != nil {
		return err
	}
	if len(ids) >= maxUserPositions {
		return errTooManyOpen
	}
	if err := c.state.PutPosition(position); err != nil {
		return err
	}
	return c.state.PutUserPositions(position.Owner, append(ids, position.ID))
}

func (c *Controller) removeUserPosition(owner common.Address, id uint64) error {
	ids, err := c.state.GetUserPositions(owner)
	if err != nil {
		return err
	}
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return c.state.PutUserPositions(owner, filtered)
}

// OpenPosition creates a leveraged position: the posted collateral is
// deposited, the debt leg is borrowed against it, swapped along the path into
// the position asset and deposited as the position's collateral. For a long
// the debt leg is the posted asset itself; for a short it is the base asset.
func (c *Controller) OpenPosition(owner common.Address, side Side, postedAsset, baseAsset string, postedAmount *big.Int, leverage uint64, swapPath []string, minOut *big.Int, deadline uint64) (uint64, error) {
	if err := c.checkReady(); err != nil {
		return 0, err
	}
	if c.swapper == nil {
		return 0, errNilSwapper
	}
	if leverage < 1 || leverage > c.maxLeverage {
		return 0, errBadLeverage
	}
	if postedAmount == nil || postedAmount.Sign() <= 0 {
		return 0, errBadAmount
	}

	var debtAsset, positionAsset string
	switch side {
	case SideLong:
		debtAsset, positionAsset = postedAsset, baseAsset
	case SideShort:
		debtAsset, positionAsset = baseAsset, postedAsset
	default:
		return 0, errBadAmount
	}
	postedMarket, postedNorm, err := c.market(postedAsset)
	if err != nil {
		return 0, err
	}
	debtMarket, debtNorm, err := c.market(debtAsset)
	if err != nil {
		return 0, err
	}
	positionMarket, positionNorm, err := c.market(positionAsset)
	if err != nil {
		return 0, err
	}
	if err := validateSwapPath(swapPath, debtNorm, positionNorm); err != nil {
		return 0, err
	}

	postedPrice, err := c.risk.PriceUSD(postedNorm)
	if err != nil {
		return 0, err
	}
	debtPrice, err := c.risk.PriceUSD(debtNorm)
	if err != nil {
		return 0, err
	}
	collateralValue := usdValue(postedAmount, postedPrice)
	targetValue := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(leverage))
	borrowValue := new(big.Int).Sub(targetValue, collateralValue)
	if borrowValue.Sign() <= 0 {
		return 0, errZeroBorrow
	}
	borrowAmount := new(big.Int).Mul(borrowValue, scale)
	borrowAmount.Quo(borrowAmount, debtPrice)
	if borrowAmount.Sign() == 0 {
		return 0, errZeroBorrow
	}
	if err := c.consumeOpenQuota(owner, targetValue); err != nil {
		return 0, err
	}

	// The posted collateral backs the borrow, so it goes in first.
	if err := c.risk.EnterMarket(owner, postedNorm); err != nil {
		return 0, err
	}
	minted, err := postedMarket.Deposit(owner, postedAmount)
	if err != nil {
		return 0, err
	}
	if minted.Sign() == 0 {
		return 0, errNoSharesMinted
	}

	poolShares, err := c.state.GetDebtShares(owner, debtNorm)
	if err != nil {
		return 0, err
	}
	if poolShares == nil {
		poolShares = big.NewInt(0)
	}
	poolDebt, err := debtMarket.BorrowBalance(owner)
	if err != nil {
		return 0, err
	}
	debtShares := newDebtShares(borrowAmount, poolShares, poolDebt)
	if err := debtMarket.Borrow(owner, borrowAmount); err != nil {
		return 0, err
	}
	if err := c.state.PutDebtShares(owner, debtNorm, new(big.Int).Add(poolShares, debtShares)); err != nil {
		return 0, err
	}

	received, err := c.swapper.SwapExactIn(owner, debtNorm, borrowAmount, minOut, swapPath, deadline)
	if err != nil {
		return 0, err
	}
	if received == nil || received.Sign() == 0 {
		return 0, errSwapShort
	}

	if err := c.risk.EnterMarket(owner, positionNorm); err != nil {
		return 0, err
	}
	positionShares, err := positionMarket.Deposit(owner, received)
	if err != nil {
		return 0, err
	}
	if positionShares.Sign() == 0 {
		return 0, errNoSharesMinted
	}

	entryPrice := new(big.Int).Mul(borrowValue, scale)
	entryPrice.Quo(entryPrice, received)

	id, err := c.state.NextPositionID()
	if err != nil {
		return 0, err
	}
	position := &Position{
		ID:               id,
		Owner:            owner,
		Side:             side,
		CollateralAsset:  positionNorm,
		DebtAsset:        debtNorm,
		CollateralShares: positionShares,
		DebtShares:       debtShares,
		EntryPrice:       entryPrice,
		OpenedAt:         c.now(),
		Status:           StatusOpen,
	}
	if err := c.pushPosition(position); err != nil {
		return 0, err
	}
	c.emit(&events.PositionOpened{
		ID:              id,
		Owner:           owner,
		Side:            side.String(),
		CollateralAsset: positionNorm,
		DebtAsset:       debtNorm,
		Collateral:      positionShares,
		DebtShares:      debtShares,
		EntryPrice:      entryPrice,
	})
	return id, nil
}

// OpenPositionNoSwap opens a long position without a swap leg: the posted
// collateral is deposited and the borrowed funds stay with the owner. The
// explicit borrow must stay under the leverage target.
func (c *Controller) OpenPositionNoSwap(owner common.Address, collateralAsset, debtAsset string, collateralAmount, borrowAmount *big.Int, leverage uint64) (uint64, error) {
	return c.openNoSwap(owner, SideLong, collateralAsset, debtAsset, collateralAmount, borrowAmount, leverage)
}

// OpenPositionNoSwapShort is the short-side variant of OpenPositionNoSwap.
func (c *Controller) OpenPositionNoSwapShort(owner common.Address, collateralAsset, debtAsset string, collateralAmount, borrowAmount *big.Int, leverage uint64) (uint64, error) {
	return c.openNoSwap(owner, SideShort, collateralAsset, debtAsset, collateralAmount, borrowAmount, leverage)
}

func (c *Controller) openNoSwap(owner common.Address, side Side, collateralAsset, debtAsset string, collateralAmount, borrowAmount *big.Int, leverage uint64) (uint64, error) {
	if err := c.checkReady(); err != nil {
		return 0, err
	}
	if leverage < 1 || leverage > c.maxLeverage {
		return 0, errBadLeverage
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 || borrowAmount == nil || borrowAmount.Sign() <= 0 {
		return 0, errBadAmount
	}
	collateralMarket, collateralNorm, err := c.market(collateralAsset)
	if err != nil {
		return 0, err
	}
	debtMarket, debtNorm, err := c.market(debtAsset)
	if err != nil {
		return 0, err
	}

	collateralPrice, err := c.risk.PriceUSD(collateralNorm)
	if err != nil {
		return 0, err
	}
	debtPrice, err := c.risk.PriceUSD(debtNorm)
	if err != nil {
		return 0, err
	}
	collateralValue := usdValue(collateralAmount, collateralPrice)
	borrowValue := usdValue(borrowAmount, debtPrice)
	targetValue := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(leverage))
	if borrowValue.Cmp(targetValue) >= 0 {
		return 0, errBorrowTooLarge
	}
	if err := c.consumeOpenQuota(owner, targetValue); err != nil {
		return 0, err
	}

	if err := c.risk.EnterMarket(owner, collateralNorm); err != nil {
		return 0, err
	}
	minted, err := collateralMarket.Deposit(owner, collateralAmount)
	if err != nil {
		return 0, err
	}
	if minted.Sign() == 0 {
		return 0, errNoSharesMinted
	}

	poolShares, err := c.state.GetDebtShares(owner, debtNorm)
	if err != nil {
		return 0, err
	}
	if poolShares == nil {
		poolShares = big.NewInt(0)
	}
	poolDebt, err := debtMarket.BorrowBalance(owner)
	if err != nil {
		return 0, err
	}
	debtShares := newDebtShares(borrowAmount, poolShares, poolDebt)
	if err := debtMarket.Borrow(owner, borrowAmount); err != nil {
		return 0, err
	}
	if err := c.state.PutDebtShares(owner, debtNorm, new(big.Int).Add(poolShares, debtShares)); err != nil {
		return 0, err
	}

	entryPrice := new(big.Int).Mul(borrowValue, scale)
	entryPrice.Quo(entryPrice, collateralAmount)

	id, err := c.state.NextPositionID()
	if err != nil {
		return 0, err
	}
	position := &Position{
		ID:               id,
		Owner:            owner,
		Side:             side,
		CollateralAsset:  collateralNorm,
		DebtAsset:        debtNorm,
		CollateralShares: minted,
		DebtShares:       debtShares,
		EntryPrice:       entryPrice,
		OpenedAt:         c.now(),
		Status:           StatusOpen,
	}
	if err := c.pushPosition(position); err != nil {
		return 0, err
	}
	c.emit(&events.PositionOpened{
		ID:              id,
		Owner:           owner,
		Side:            side.String(),
		CollateralAsset: collateralNorm,
		DebtAsset:       debtNorm,
		Collateral:      minted,
		DebtShares:      debtShares,
		EntryPrice:      entryPrice,
	})
	return id, nil
}

// ClosePosition unwinds an open position. When collateral and debt share an
// asset the debt is repaid directly and the collateral withdrawn; otherwise
// the collateral is withdrawn, swapped back into the debt asset with the owed
// amount as the floor, and the debt repaid. Any surplus stays with the owner.
func (c *Controller) ClosePosition(owner common.Address, id uint64, swapPath []string, minOut *big.Int, deadline uint64) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	position, err := c.state.GetPosition(id)
	if err != nil {
		return err
	}
	if position == nil {
		return errPositionMissing
	}
	position = position.Clone()
	if position.Owner != owner {
		return errNotOwner
	}
	if position.Status != StatusOpen {
		return errNotOpen
	}

	owed, poolShares, _, err := c.debtForShares(owner, position.DebtAsset, position.DebtShares)
	if err != nil {
		return err
	}
	if owed.Sign() == 0 {
		return errZeroDebt
	}
	debtMarket, _, err := c.market(position.DebtAsset)
	if err != nil {
		return err
	}
	collateralMarket, _, err := c.market(position.CollateralAsset)
	if err != nil {
		return err
	}

	surplus := big.NewInt(0)
	if position.CollateralAsset == position.DebtAsset {
		if _, err := debtMarket.Repay(owner, owed); err != nil {
			return err
		}
		released, err := collateralMarket.Withdraw(owner, position.CollateralShares)
		if err != nil {
			return err
		}
		surplus = new(big.Int).Sub(released, owed)
		if surplus.Sign() < 0 {
			surplus.SetInt64(0)
		}
	} else {
		if c.swapper == nil {
			return errNilSwapper
		}
		if err := validateSwapPath(swapPath, position.CollateralAsset, position.DebtAsset); err != nil {
			return err
		}
		released, err := collateralMarket.Withdraw(owner, position.CollateralShares)
		if err != nil {
			return err
		}
		floor := owed
		if minOut != nil && minOut.Cmp(owed) > 0 {
			floor = minOut
		}
		received, err := c.swapper.SwapExactIn(owner, position.CollateralAsset, released, floor, swapPath, deadline)
		if err != nil {
			return err
		}
		if received.Cmp(owed) < 0 {
			return errSwapShort
		}
		if _, err := debtMarket.Repay(owner, owed); err != nil {
			return err
		}
		surplus = new(big.Int).Sub(received, owed)
	}

	if err := c.state.PutDebtShares(owner, position.DebtAsset, new(big.Int).Sub(poolShares, position.DebtShares)); err != nil {
		return err
	}
	position.Status = StatusClosed
	if err := c.state.PutPosition(position); err != nil {
		return err
	}
	if err := c.removeUserPosition(owner, id); err != nil {
		return err
	}
	c.emit(&events.PositionClosed{ID: id, Owner: owner, Repaid: owed, Surplus: surplus})
	return nil
}

// LiquidatePosition force-closes a position whose owner's account is in
// shortfall. The repay and seize mechanics are delegated to the risk engine;
// the controller settles the debt share pool and retires the position.
func (c *Controller) LiquidatePosition(liquidator common.Address, id uint64) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	position, err := c.state.GetPosition(id)
	if err != nil {
		return err
	}
	if position == nil {
		return errPositionMissing
	}
	position = position.Clone()
	if position.Status != StatusOpen {
		return errNotOpen
	}
	if liquidator == position.Owner {
		return errSelfLiquidation
	}

	_, shortfall, err := c.risk.AccountLiquidity(position.Owner)
	if err != nil {
		return err
	}
	if shortfall.Sign() == 0 {
		return errNotLiquidatable
	}

	owed, poolShares, _, err := c.debtForShares(position.Owner, position.DebtAsset, position.DebtShares)
	if err != nil {
		return err
	}
	if owed.Sign() == 0 {
		return errZeroDebt
	}
	if _, _, err := c.risk.Liquidate(liquidator, position.Owner, position.DebtAsset, position.CollateralAsset, owed); err != nil {
		return err
	}

	if err := c.state.PutDebtShares(position.Owner, position.DebtAsset, new(big.Int).Sub(poolShares, position.DebtShares)); err != nil {
		return err
	}
	position.Status = StatusLiquidated
	if err := c.state.PutPosition(position); err != nil {
		return err
	}
	if err := c.removeUserPosition(position.Owner, id); err != nil {
		return err
	}
	c.emit(&events.PositionLiquidated{ID: id, Owner: position.Owner, Liquidator: liquidator})
	return nil
}

// HealthFactor reports collateral value over debt value for a position,
// scaled 1e6. Debt-free positions return the sentinel maximum.
func (c *Controller) HealthFactor(id uint64) (*big.Int, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	position, err := c.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, errPositionMissing
	}
	owed, _, _, err := c.debtForShares(position.Owner, position.DebtAsset, position.DebtShares)
	if err != nil {
		return nil, err
	}
	if owed.Sign() == 0 {
		return new(big.Int).Set(maxHealth), nil
	}
	debtPrice, err := c.risk.PriceUSD(position.DebtAsset)
	if err != nil {
		return nil, err
	}
	debtValue := usdValue(owed, debtPrice)

	collateralMarket, _, err := c.market(position.CollateralAsset)
	if err != nil {
		return nil, err
	}
	rate, err := collateralMarket.ExchangeRate()
	if err != nil {
		return nil, err
	}
	collateralPrice, err := c.risk.PriceUSD(position.CollateralAsset)
	if err != nil {
		return nil, err
	}
	underlying := new(big.Int).Mul(position.CollateralShares, rate)
	underlying.Quo(underlying, scale)
	collateralValue := usdValue(underlying, collateralPrice)
	if collateralValue.Sign() == 0 {
		return big.NewInt(0), nil
	}
	health := new(big.Int).Mul(collateralValue, scale)
	return health.Quo(health, debtValue), nil
}

// DepositCollateral tops up a market balance through the controller, entering
// the market so the deposit counts toward the owner's collateral.
func (c *Controller) DepositCollateral(owner common.Address, asset string, amount *big.Int) (*big.Int, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errBadAmount
	}
	handle, normalized, err := c.market(asset)
	if err != nil {
		return nil, err
	}
	if err := c.risk.EnterMarket(owner, normalized); err != nil {
		return nil, err
	}
	return handle.Deposit(owner, amount)
}

// WithdrawCollateral redeems market shares through the controller. The
// market's own risk gating decides whether the withdrawal is allowed.
func (c *Controller) WithdrawCollateral(owner common.Address, asset string, shares *big.Int) (*big.Int, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, errBadAmount
	}
	handle, _, err := c.market(asset)
	if err != nil {
		return nil, err
	}
	return handle.Withdraw(owner, shares)
}

// GetPosition returns the stored position, including terminal ones.
func (c *Controller) GetPosition(id uint64) (*Position, error) {
	if c == nil || c.state == nil {
		return nil, errNilState
	}
	position, err := c.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, errPositionMissing
	}
	return position.Clone(), nil
}

// UserPositions lists the ids of the user's open positions.
func (c *Controller) UserPositions(addr common.Address) ([]uint64, error) {
	if c == nil || c.state == nil {
		return nil, errNilState
	}
	return c.state.GetUserPositions(addr)
}
