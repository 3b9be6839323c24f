package risk

import (
	"errors"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/core/events"
	"lendcore/native/lending"
)

var (
	errNilState         = errors.New("risk engine: state not configured")
	errNilOracle        = errors.New("risk engine: oracle source not configured")
	errMarketNotListed  = errors.New("risk engine: market not listed")
	errMarketListed     = errors.New("risk engine: market already listed")
	errFactorTooHigh    = errors.New("risk engine: factor exceeds 100%")
	errIncentiveTooLow  = errors.New("risk engine: liquidation incentive below 100%")
	errStalePrice       = errors.New("risk engine: price is stale")
	errNoPrice          = errors.New("risk engine: no price for asset")
	errNotAuthorized    = errors.New("risk engine: caller not authorized")
	errMarketInUse      = errors.New("risk engine: account still active in market")
	errUnknownAction    = errors.New("risk engine: unknown pause action")
	errInvalidRecipient = errors.New("risk engine: reserve recipient not configured")
)

var (
	scale      = big.NewInt(1_000_000)
	indexScale = func() *big.Int {
		v, _ := new(big.Int).SetString("1000000000000000000", 10)
		return v
	}()
)

const (
	defaultCloseFactor          = 500_000
	defaultLiquidationIncentive = 1_080_000
	defaultCollateralFactor     = 500_000
	defaultMaxAgeMultiplier     = 2
	defaultSeizeContextTTL      = 300
)

type engineState interface {
	GetEnteredMarkets(addr common.Address) ([]string, error)
	PutEnteredMarkets(addr common.Address, markets []string) error
	GetRewardMarket(asset string) (*RewardMarketState, error)
	PutRewardMarket(asset string, state *RewardMarketState) error
	GetRewardUser(asset string, addr common.Address) (*RewardUserState, error)
	PutRewardUser(asset string, addr common.Address, state *RewardUserState) error
	GetRewardAccrued(addr common.Address) (*big.Int, error)
	PutRewardAccrued(addr common.Address, amount *big.Int) error
}

// Engine is the cross-market risk controller. It lists markets, tracks which
// markets an account uses as collateral, prices portfolios, gates collateral
// releases and sizes liquidations.
type Engine struct {
	state          engineState
	markets        map[string]MarketHandle
	configs        map[string]*marketConfig
	order          []string
	oracle         OracleSource
	fallbackPrices map[string]*PriceQuote
	minter         RewardMinter
	emitter        events.Emitter
	nowFn          func() uint64

	admin            common.Address
	guardian         common.Address
	reserveRecipient common.Address

	closeFactor          uint64
	liquidationIncentive uint64
	liquidationFee       uint64
	maxAgeMultiplier     uint64
	seizeContextTTL      uint64
}

// NewEngine constructs a risk engine with protocol default parameters.
func NewEngine() *Engine {
	return &Engine{
		markets:              make(map[string]MarketHandle),
		configs:              make(map[string]*marketConfig),
		fallbackPrices:       make(map[string]*PriceQuote),
		emitter:              events.NoopEmitter{},
		nowFn:                func() uint64 { return uint64(time.Now().Unix()) },
		closeFactor:          defaultCloseFactor,
		liquidationIncentive: defaultLiquidationIncentive,
		maxAgeMultiplier:     defaultMaxAgeMultiplier,
		seizeContextTTL:      defaultSeizeContextTTL,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOracle wires the price source.
func (e *Engine) SetOracle(oracle OracleSource) { e.oracle = oracle }

// SetRewardMinter wires the reward token used by Claim.
func (e *Engine) SetRewardMinter(minter RewardMinter) { e.minter = minter }

// SetAdmin records the governance address.
func (e *Engine) SetAdmin(addr common.Address) { e.admin = addr }

// SetGuardian records the pause guardian. The guardian may pause market
// actions but only the admin may unpause them.
func (e *Engine) SetGuardian(addr common.Address) { e.guardian = addr }

// SetReserveRecipient records the address receiving liquidation fee shares.
func (e *Engine) SetReserveRecipient(addr common.Address) { e.reserveRecipient = addr }

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

// SetCloseFactor bounds the debt fraction repayable per liquidation, 1e6.
func (e *Engine) SetCloseFactor(factor uint64) error {
	if factor > scale.Uint64() {
		return errFactorTooHigh
	}
	e.closeFactor = factor
	return nil
}

// SetLiquidationIncentive sets the seize bonus multiplier, scaled 1e6 and at
// least 100%.
func (e *Engine) SetLiquidationIncentive(incentive uint64) error {
	if incentive < scale.Uint64() {
		return errIncentiveTooLow
	}
	e.liquidationIncentive = incentive
	return nil
}

// SetLiquidationFee carves a protocol share out of every seizure, 1e6.
func (e *Engine) SetLiquidationFee(fee uint64) error {
	if fee > scale.Uint64() {
		return errFactorTooHigh
	}
	e.liquidationFee = fee
	return nil
}

// SetMaxAgeMultiplier scales how many feed resolutions a quote may lag.
func (e *Engine) SetMaxAgeMultiplier(multiplier uint64) {
	if multiplier == 0 {
		multiplier = defaultMaxAgeMultiplier
	}
	e.maxAgeMultiplier = multiplier
}

// SetFallbackPrice pins a governance supplied quote used when the oracle has
// nothing fresh for the asset.
func (e *Engine) SetFallbackPrice(asset string, price, priceScale *big.Int) {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if price == nil || price.Sign() <= 0 {
		delete(e.fallbackPrices, normalized)
		return
	}
	e.fallbackPrices[normalized] = &PriceQuote{
		Price: new(big.Int).Set(price),
		Scale: new(big.Int).Set(priceScale),
	}
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

// ListMarket registers a money market with the given collateral factor
// (scaled 1e6, zero uses the protocol default).
func (e *Engine) ListMarket(handle MarketHandle, collateralFactor uint64) error {
	if handle == nil {
		return errMarketNotListed
	}
	asset := strings.ToUpper(strings.TrimSpace(handle.Asset()))
	if asset == "" {
		return errMarketNotListed
	}
	if _, ok := e.markets[asset]; ok {
		return errMarketListed
	}
	if collateralFactor > scale.Uint64() {
		return errFactorTooHigh
	}
	if collateralFactor == 0 {
		collateralFactor = defaultCollateralFactor
	}
	e.markets[asset] = handle
	e.configs[asset] = &marketConfig{
		collateralFactor: collateralFactor,
		paused:           make(map[string]bool),
	}
	e.order = append(e.order, asset)
	sort.Strings(e.order)
	e.emit(&events.MarketListed{Asset: asset, CollateralFactor: collateralFactor})
	return nil
}

// DelistMarket removes an empty market from the registry. Markets with
// outstanding shares or borrows cannot be delisted.
func (e *Engine) DelistMarket(caller common.Address, asset string) error {
	if caller != e.admin || e.admin == (common.Address{}) {
		return errNotAuthorized
	}
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	handle, ok := e.markets[normalized]
	if !ok {
		return errMarketNotListed
	}
	totalShares, err := handle.TotalShares()
	if err != nil {
		return err
	}
	totalBorrows, err := handle.TotalBorrows()
	if err != nil {
		return err
	}
	if totalShares.Sign() > 0 || totalBorrows.Sign() > 0 {
		return errMarketInUse
	}
	delete(e.markets, normalized)
	delete(e.configs, normalized)
	for i, existing := range e.order {
		if existing == normalized {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetCollateralFactor updates a listed market's collateral factor.
func (e *Engine) SetCollateralFactor(asset string, factor uint64) error {
	cfg, ok := e.configs[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return errMarketNotListed
	}
	if factor > scale.Uint64() {
		return errFactorTooHigh
	}
	cfg.collateralFactor = factor
	return nil
}

// IsPaused reports whether an action is paused for a market. It satisfies the
// pause view consulted by the market engines.
func (e *Engine) IsPaused(asset, action string) bool {
	cfg, ok := e.configs[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return false
	}
	return cfg.paused[action]
}

// SetPause toggles a market action. The guardian may pause; unpausing is
// reserved for the admin.
func (e *Engine) SetPause(caller common.Address, asset, action string, paused bool) error {
	switch action {
	case "deposit", "borrow", "redeem", "liquidate":
	default:
		return errUnknownAction
	}
	if paused {
		if caller != e.admin && caller != e.guardian {
			return errNotAuthorized
		}
	} else if caller != e.admin {
		return errNotAuthorized
	}
	cfg, ok := e.configs[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return errMarketNotListed
	}
	cfg.paused[action] = paused
	e.emit(&events.ActionPauseSet{Asset: asset, Action: action, Paused: paused})
	return nil
}

// EnterMarket opts the caller's holdings in a market into their collateral
// set. Entering twice is a no-op.
func (e *Engine) EnterMarket(caller common.Address, asset string) error {
	if e.state == nil {
		return errNilState
	}
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if _, ok := e.markets[normalized]; !ok {
		return errMarketNotListed
	}
	entered, err := e.state.GetEnteredMarkets(caller)
	if err != nil {
		return err
	}
	for _, existing := range entered {
		if existing == normalized {
			return nil
		}
	}
	entered = append(entered, normalized)
	sort.Strings(entered)
	if err := e.state.PutEnteredMarkets(caller, entered); err != nil {
		return err
	}
	e.emit(&events.MarketEntered{Asset: normalized, Account: caller})
	return nil
}

// ExitMarket removes a market from the caller's collateral set. The caller
// must hold no shares and owe no debt there.
func (e *Engine) ExitMarket(caller common.Address, asset string) error {
	if e.state == nil {
		return errNilState
	}
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	handle, ok := e.markets[normalized]
	if !ok {
		return errMarketNotListed
	}
	shares, err := handle.ShareBalance(caller)
	if err != nil {
		return err
	}
	debt, err := handle.BorrowBalance(caller)
	if err != nil {
		return err
	}
	if shares.Sign() > 0 || debt.Sign() > 0 {
		return errMarketInUse
	}
	entered, err := e.state.GetEnteredMarkets(caller)
	if err != nil {
		return err
	}
	filtered := entered[:0]
	for _, existing := range entered {
		if existing != normalized {
			filtered = append(filtered, existing)
		}
	}
	if err := e.state.PutEnteredMarkets(caller, filtered); err != nil {
		return err
	}
	e.emit(&events.MarketExited{Asset: normalized, Account: caller})
	return nil
}

// EnteredMarkets lists the caller's collateral set.
func (e *Engine) EnteredMarkets(addr common.Address) ([]string, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.GetEnteredMarkets(addr)
}

// PriceUSD returns the USD price per base unit of an asset, normalized to the
// 1e6 scale. Stale oracle quotes are rejected; a configured fallback price is
// consulted when the oracle has nothing usable.
func (e *Engine) PriceUSD(asset string) (*big.Int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if e.oracle != nil {
		quote, err := e.oracle.Price(normalized)
		if err == nil && quote != nil && quote.Price != nil && quote.Price.Sign() > 0 {
			if e.quoteFresh(quote) {
				return normalizePrice(quote), nil
			}
			if fallback, ok := e.fallbackPrices[normalized]; ok {
				return normalizePrice(fallback), nil
			}
			return nil, errStalePrice
		}
	}
	if fallback, ok := e.fallbackPrices[normalized]; ok {
		return normalizePrice(fallback), nil
	}
	if e.oracle == nil {
		return nil, errNilOracle
	}
	return nil, errNoPrice
}

// quoteFresh applies timestamp + resolution*multiplier < now as the staleness
// cutoff. Quotes without a timestamp are treated as pinned and always fresh.
func (e *Engine) quoteFresh(quote *PriceQuote) bool {
	if quote.Timestamp == 0 {
		return true
	}
	maxAge := quote.Resolution * e.maxAgeMultiplier
	if maxAge == 0 {
		return true
	}
	return quote.Timestamp+maxAge >= e.now()
}

func normalizePrice(quote *PriceQuote) *big.Int {
	price := new(big.Int).Set(quote.Price)
	if quote.Scale == nil || quote.Scale.Sign() == 0 || quote.Scale.Cmp(scale) == 0 {
		return price
	}
	price.Mul(price, scale)
	return price.Quo(price, quote.Scale)
}

// usdValue converts a base unit amount into 1e6-scaled USD.
func usdValue(amount, price *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, price)
	return out.Quo(out, scale)
}

// AccountLiquidity values the account's entered markets and returns either a
// surplus or a shortfall in 1e6 USD. Exactly one of the two is non-zero.
func (e *Engine) AccountLiquidity(addr common.Address) (*big.Int, *big.Int, error) {
	return e.liquidity(addr, nil, nil, nil)
}

// HypotheticalLiquidity projects the account's liquidity as if the hinted
// market had already applied a share redemption and a new borrow. The hint
// carries the calling market's mid-transition figures so they are never read
// back out of half-written state.
func (e *Engine) HypotheticalLiquidity(addr common.Address, hint *lending.MarketHint, redeemShares, borrowAmount *big.Int) (*big.Int, *big.Int, error) {
	return e.liquidity(addr, hint, redeemShares, borrowAmount)
}

func (e *Engine) liquidity(addr common.Address, hint *lending.MarketHint, redeemShares, borrowAmount *big.Int) (*big.Int, *big.Int, error) {
	if e.state == nil {
		return nil, nil, errNilState
	}
	entered, err := e.state.GetEnteredMarkets(addr)
	if err != nil {
		return nil, nil, err
	}
	assets := append([]string(nil), entered...)
	if hint != nil {
		found := false
		for _, asset := range assets {
			if asset == hint.Asset {
				found = true
				break
			}
		}
		if !found {
			assets = append(assets, hint.Asset)
		}
	}

	collateral := big.NewInt(0)
	borrowed := big.NewInt(0)
	for _, asset := range assets {
		cfg, ok := e.configs[asset]
		if !ok {
			continue
		}
		var shares, debt, rate *big.Int
		if hint != nil && hint.Asset == asset {
			shares = cloneBigInt(hint.ShareBalance)
			debt = cloneBigInt(hint.BorrowedWithInterest)
			rate = cloneBigInt(hint.ExchangeRate)
			if redeemShares != nil {
				shares.Sub(shares, redeemShares)
				if shares.Sign() < 0 {
					shares.SetInt64(0)
				}
			}
			if borrowAmount != nil {
				debt.Add(debt, borrowAmount)
			}
		} else {
			handle := e.markets[asset]
			if shares, err = handle.ShareBalance(addr); err != nil {
				return nil, nil, err
			}
			if debt, err = handle.BorrowBalance(addr); err != nil {
				return nil, nil, err
			}
			if rate, err = handle.ExchangeRate(); err != nil {
				return nil, nil, err
			}
		}
		if shares.Sign() == 0 && debt.Sign() == 0 {
			continue
		}
		price, err := e.PriceUSD(asset)
		if err != nil {
			return nil, nil, err
		}
		if shares.Sign() > 0 {
			underlying := new(big.Int).Mul(shares, rate)
			underlying.Quo(underlying, scale)
			value := usdValue(underlying, price)
			value.Mul(value, new(big.Int).SetUint64(cfg.collateralFactor))
			value.Quo(value, scale)
			collateral.Add(collateral, value)
		}
		if debt.Sign() > 0 {
			borrowed.Add(borrowed, usdValue(debt, price))
		}
	}

	if collateral.Cmp(borrowed) >= 0 {
		return new(big.Int).Sub(collateral, borrowed), big.NewInt(0), nil
	}
	return big.NewInt(0), new(big.Int).Sub(borrowed, collateral), nil
}

// PreviewBorrowMax returns the largest borrow of asset the account could take
// right now, bounded by both its collateral headroom and market liquidity.
func (e *Engine) PreviewBorrowMax(addr common.Address, asset string) (*big.Int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	handle, ok := e.markets[normalized]
	if !ok {
		return nil, errMarketNotListed
	}
	liquidity, shortfall, err := e.AccountLiquidity(addr)
	if err != nil {
		return nil, err
	}
	if shortfall.Sign() > 0 {
		return big.NewInt(0), nil
	}
	price, err := e.PriceUSD(normalized)
	if err != nil {
		return nil, err
	}
	if price.Sign() == 0 {
		return big.NewInt(0), nil
	}
	byCollateral := new(big.Int).Mul(liquidity, scale)
	byCollateral.Quo(byCollateral, price)
	available, err := handle.AvailableLiquidity()
	if err != nil {
		return nil, err
	}
	if byCollateral.Cmp(available) > 0 {
		return available, nil
	}
	return byCollateral, nil
}

// PreviewRedeemMax returns the largest share redemption in asset the account
// could perform without creating a shortfall, clamped to its balance.
func (e *Engine) PreviewRedeemMax(addr common.Address, asset string) (*big.Int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	handle, ok := e.markets[normalized]
	if !ok {
		return nil, errMarketNotListed
	}
	cfg := e.configs[normalized]
	held, err := handle.ShareBalance(addr)
	if err != nil {
		return nil, err
	}
	if held.Sign() == 0 {
		return big.NewInt(0), nil
	}
	liquidity, shortfall, err := e.AccountLiquidity(addr)
	if err != nil {
		return nil, err
	}
	if shortfall.Sign() > 0 {
		return big.NewInt(0), nil
	}
	price, err := e.PriceUSD(normalized)
	if err != nil {
		return nil, err
	}
	rate, err := handle.ExchangeRate()
	if err != nil {
		return nil, err
	}
	if price.Sign() == 0 || rate.Sign() == 0 || cfg.collateralFactor == 0 {
		return new(big.Int).Set(held), nil
	}
	// The surplus only counts the collateral-factor slice, so gross it back up
	// before converting into tokens and then shares.
	underlyingValue := new(big.Int).Mul(liquidity, scale)
	underlyingValue.Quo(underlyingValue, new(big.Int).SetUint64(cfg.collateralFactor))
	tokens := new(big.Int).Mul(underlyingValue, scale)
	tokens.Quo(tokens, price)
	sharesMax := new(big.Int).Mul(tokens, scale)
	sharesMax.Quo(sharesMax, rate)
	if sharesMax.Cmp(held) > 0 {
		return new(big.Int).Set(held), nil
	}
	return sharesMax, nil
}

// PreviewRepayCap returns the most a liquidator may repay of the borrower's
// debt in one liquidation: debt scaled by the close factor.
func (e *Engine) PreviewRepayCap(borrower common.Address, asset string) (*big.Int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	handle, ok := e.markets[normalized]
	if !ok {
		return nil, errMarketNotListed
	}
	debt, err := handle.BorrowBalance(borrower)
	if err != nil {
		return nil, err
	}
	cap := new(big.Int).Mul(debt, new(big.Int).SetUint64(e.closeFactor))
	return cap.Quo(cap, scale), nil
}

// PreviewSeizeShares converts a repay amount into the collateral shares a
// liquidator would receive, including the liquidation incentive.
func (e *Engine) PreviewSeizeShares(repayAsset, collateralAsset string, repayAmount *big.Int) (*big.Int, error) {
	repayNorm := strings.ToUpper(strings.TrimSpace(repayAsset))
	collNorm := strings.ToUpper(strings.TrimSpace(collateralAsset))
	collHandle, ok := e.markets[collNorm]
	if !ok {
		return nil, errMarketNotListed
	}
	if _, ok := e.markets[repayNorm]; !ok {
		return nil, errMarketNotListed
	}
	repayPrice, err := e.PriceUSD(repayNorm)
	if err != nil {
		return nil, err
	}
	collPrice, err := e.PriceUSD(collNorm)
	if err != nil {
		return nil, err
	}
	rate, err := collHandle.ExchangeRate()
	if err != nil {
		return nil, err
	}
	if collPrice.Sign() == 0 || rate.Sign() == 0 {
		return big.NewInt(0), nil
	}
	seizeValue := usdValue(repayAmount, repayPrice)
	seizeValue.Mul(seizeValue, new(big.Int).SetUint64(e.liquidationIncentive))
	seizeValue.Quo(seizeValue, scale)
	tokens := new(big.Int).Mul(seizeValue, scale)
	tokens.Quo(tokens, collPrice)
	shares := tokens.Mul(tokens, scale)
	return shares.Quo(shares, rate), nil
}
