package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type mockEngineState struct {
	markets   map[string]*Market
	snapshots map[string]*BorrowSnapshot
	shares    map[string]*big.Int
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		markets:   make(map[string]*Market),
		snapshots: make(map[string]*BorrowSnapshot),
		shares:    make(map[string]*big.Int),
	}
}

func userKey(asset string, addr common.Address) string {
	return asset + ":" + string(addr.Bytes())
}

func (m *mockEngineState) GetMarket(asset string) (*Market, error) {
	return m.markets[asset], nil
}

func (m *mockEngineState) PutMarket(asset string, market *Market) error {
	m.markets[asset] = market
	return nil
}

func (m *mockEngineState) GetBorrowSnapshot(asset string, addr common.Address) (*BorrowSnapshot, error) {
	return m.snapshots[userKey(asset, addr)], nil
}

func (m *mockEngineState) PutBorrowSnapshot(asset string, addr common.Address, snapshot *BorrowSnapshot) error {
	m.snapshots[userKey(asset, addr)] = snapshot
	return nil
}

func (m *mockEngineState) DeleteBorrowSnapshot(asset string, addr common.Address) error {
	delete(m.snapshots, userKey(asset, addr))
	return nil
}

func (m *mockEngineState) GetShareBalance(asset string, addr common.Address) (*big.Int, error) {
	if bal, ok := m.shares[userKey(asset, addr)]; ok {
		return bal, nil
	}
	return nil, nil
}

func (m *mockEngineState) PutShareBalance(asset string, addr common.Address, amount *big.Int) error {
	m.shares[userKey(asset, addr)] = amount
	return nil
}

type mockLedger struct {
	balances map[string]*big.Int
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[string]*big.Int)}
}

func (l *mockLedger) balance(addr common.Address, symbol string) *big.Int {
	key := userKey(symbol, addr)
	if bal, ok := l.balances[key]; ok {
		return bal
	}
	bal := big.NewInt(0)
	l.balances[key] = bal
	return bal
}

func (l *mockLedger) fund(addr common.Address, symbol string, amount int64) {
	l.balance(addr, symbol).Add(l.balance(addr, symbol), big.NewInt(amount))
}

func (l *mockLedger) BalanceOf(addr common.Address, symbol string) (*big.Int, error) {
	return new(big.Int).Set(l.balance(addr, symbol)), nil
}

func (l *mockLedger) Transfer(from, to common.Address, symbol string, amount *big.Int) error {
	src := l.balance(from, symbol)
	if src.Cmp(amount) < 0 {
		return errors.New("mock ledger: insufficient balance")
	}
	src.Sub(src, amount)
	dst := l.balance(to, symbol)
	dst.Add(dst, amount)
	return nil
}

func makeAddress(suffix byte) common.Address {
	var addr common.Address
	addr[len(addr)-1] = suffix
	return addr
}

type testClock struct {
	now uint64
}

func (c *testClock) advance(seconds uint64) { c.now += seconds }

func newTestEngine(t *testing.T) (*Engine, *mockEngineState, *mockLedger, *testClock) {
	t.Helper()
	engine := NewEngine("USDC")
	state := newMockEngineState()
	ledger := newMockLedger()
	clock := &testClock{now: 1_000_000}
	engine.SetState(state)
	engine.SetLedger(ledger)
	engine.SetNowFunc(func() uint64 { return clock.now })
	return engine, state, ledger, clock
}

func TestDepositMintsSharesAtPar(t *testing.T) {
	engine, state, ledger, _ := newTestEngine(t)
	supplier := makeAddress(0x01)
	ledger.fund(supplier, "USDC", 1_000)

	minted, err := engine.Deposit(supplier, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if minted.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected shares minted: got %s want 1000", minted)
	}
	market := state.markets["USDC"]
	if market.Cash.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected cash: %s", market.Cash)
	}
	if market.TotalShares.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected total shares: %s", market.TotalShares)
	}
	if got, _ := ledger.BalanceOf(engine.ModuleAccount(), "USDC"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("module account did not receive funds: %s", got)
	}
	if value, _ := engine.CollateralValue(supplier); value.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected collateral value: %s", value)
	}
}

func TestDepositRejectsZeroAmount(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	if _, err := engine.Deposit(makeAddress(0x01), big.NewInt(0)); !errors.Is(err, errInvalidAmount) {
		t.Fatalf("expected errInvalidAmount, got %v", err)
	}
}

func TestDepositHonoursSupplyCap(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	supplier := makeAddress(0x01)
	ledger.fund(supplier, "USDC", 2_000)
	if err := engine.SetSupplyCap(big.NewInt(1_500)); err != nil {
		t.Fatalf("set supply cap: %v", err)
	}
	if _, err := engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit under cap: %v", err)
	}
	if _, err := engine.Deposit(supplier, big.NewInt(600)); !errors.Is(err, errSupplyCapExceeded) {
		t.Fatalf("expected errSupplyCapExceeded, got %v", err)
	}
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	supplier := makeAddress(0x01)
	ledger.fund(supplier, "USDC", 1_000)

	minted, err := engine.Deposit(supplier, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	amount, err := engine.Withdraw(supplier, minted)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected amount returned: %s", amount)
	}
	if got, _ := ledger.BalanceOf(supplier, "USDC"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("supplier balance not restored: %s", got)
	}
	if shares, err := engine.ShareBalance(supplier); err != nil || shares.Sign() != 0 {
		t.Fatalf("expected zero shares, got %s (err %v)", shares, err)
	}
}

func TestWithdrawRejectsExcessShares(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	supplier := makeAddress(0x01)
	ledger.fund(supplier, "USDC", 100)
	if _, err := engine.Deposit(supplier, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Withdraw(supplier, big.NewInt(101)); !errors.Is(err, errInsufficientShares) {
		t.Fatalf("expected errInsufficientShares, got %v", err)
	}
}

func TestBorrowRequiresCollateral(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	supplier := makeAddress(0x01)
	borrower := makeAddress(0x02)
	ledger.fund(supplier, "USDC", 1_000)
	if err := engine.SetCollateralFactor(800_000); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if _, err := engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Borrow(borrower, big.NewInt(100)); !errors.Is(err, errShortfall) {
		t.Fatalf("expected errShortfall for uncollateralized borrow, got %v", err)
	}
}

func TestBorrowRepayLifecycle(t *testing.T) {
	engine, state, ledger, _ := newTestEngine(t)
	borrower := makeAddress(0x01)
	ledger.fund(borrower, "USDC", 2_000)
	if err := engine.SetCollateralFactor(800_000); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if _, err := engine.Deposit(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Capacity is 1000 * 0.8 = 800.
	if err := engine.Borrow(borrower, big.NewInt(900)); !errors.Is(err, errShortfall) {
		t.Fatalf("expected errShortfall above capacity, got %v", err)
	}
	if err := engine.Borrow(borrower, big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	debt, err := engine.BorrowBalance(borrower)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	if debt.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}

	// Overpayment is clamped at the outstanding debt.
	paid, err := engine.Repay(borrower, big.NewInt(700))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if paid.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected repaid amount: %s", paid)
	}
	if snapshot := state.snapshots[userKey("USDC", borrower)]; snapshot != nil {
		t.Fatalf("expected snapshot to be deleted, got %+v", snapshot)
	}
	if _, err := engine.Repay(borrower, big.NewInt(1)); !errors.Is(err, errNoDebtToRepay) {
		t.Fatalf("expected errNoDebtToRepay, got %v", err)
	}
}

func TestRepayBehalfSettlesBorrowerDebt(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	borrower := makeAddress(0x01)
	payer := makeAddress(0x02)
	ledger.fund(borrower, "USDC", 1_000)
	ledger.fund(payer, "USDC", 500)
	if err := engine.SetCollateralFactor(800_000); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if _, err := engine.Deposit(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Borrow(borrower, big.NewInt(400)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := engine.RepayBehalf(payer, borrower, big.NewInt(400)); err != nil {
		t.Fatalf("repay behalf: %v", err)
	}
	debt, err := engine.BorrowBalance(borrower)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	if debt.Sign() != 0 {
		t.Fatalf("expected debt cleared, got %s", debt)
	}
	if got, _ := ledger.BalanceOf(payer, "USDC"); got.Sign() != 0 {
		t.Fatalf("payer funds not spent: %s", got)
	}
}

func TestBorrowHonoursBorrowCap(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	borrower := makeAddress(0x01)
	ledger.fund(borrower, "USDC", 1_000)
	if err := engine.SetCollateralFactor(900_000); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if err := engine.SetBorrowCap(big.NewInt(300)); err != nil {
		t.Fatalf("set borrow cap: %v", err)
	}
	if _, err := engine.Deposit(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Borrow(borrower, big.NewInt(400)); !errors.Is(err, errBorrowCapExceeded) {
		t.Fatalf("expected errBorrowCapExceeded, got %v", err)
	}
	if err := engine.Borrow(borrower, big.NewInt(300)); err != nil {
		t.Fatalf("borrow under cap: %v", err)
	}
}

func TestWithdrawBlockedByOutstandingDebt(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	borrower := makeAddress(0x01)
	ledger.fund(borrower, "USDC", 1_000)
	if err := engine.SetCollateralFactor(500_000); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if _, err := engine.Deposit(borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Borrow(borrower, big.NewInt(400)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Redeeming 400 shares would leave 600 collateral backing 400 debt with a
	// 50% factor, a shortfall.
	if _, err := engine.Withdraw(borrower, big.NewInt(400)); !errors.Is(err, errShortfall) {
		t.Fatalf("expected errShortfall, got %v", err)
	}
	if _, err := engine.Withdraw(borrower, big.NewInt(100)); err != nil {
		t.Fatalf("safe withdrawal rejected: %v", err)
	}
}

func TestTransferSharesMovesBalance(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	from := makeAddress(0x01)
	to := makeAddress(0x02)
	ledger.fund(from, "USDC", 500)
	if _, err := engine.Deposit(from, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.TransferShares(from, to, big.NewInt(200)); err != nil {
		t.Fatalf("transfer shares: %v", err)
	}
	fromShares, _ := engine.ShareBalance(from)
	toShares, _ := engine.ShareBalance(to)
	if fromShares.Cmp(big.NewInt(300)) != 0 || toShares.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected balances: from %s to %s", fromShares, toShares)
	}
}

func TestTransferSharesGatedByDebt(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	from := makeAddress(0x01)
	to := makeAddress(0x02)
	ledger.fund(from, "USDC", 1_000)
	if err := engine.SetCollateralFactor(500_000); err != nil {
		t.Fatalf("set collateral factor: %v", err)
	}
	if _, err := engine.Deposit(from, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Borrow(from, big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := engine.TransferShares(from, to, big.NewInt(500)); !errors.Is(err, errShortfall) {
		t.Fatalf("expected errShortfall, got %v", err)
	}
}

func TestReduceReservesRequiresAdmin(t *testing.T) {
	engine, state, ledger, _ := newTestEngine(t)
	admin := makeAddress(0xAA)
	treasury := makeAddress(0xBB)
	engine.SetAdmin(admin)

	supplier := makeAddress(0x01)
	ledger.fund(supplier, "USDC", 1_000)
	if _, err := engine.Deposit(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	market := state.markets["USDC"]
	market.Reserves = big.NewInt(100)

	if err := engine.ReduceReserves(supplier, treasury, big.NewInt(50)); !errors.Is(err, errNotAdmin) {
		t.Fatalf("expected errNotAdmin, got %v", err)
	}
	if err := engine.ReduceReserves(admin, treasury, big.NewInt(200)); !errors.Is(err, errReservesTooLow) {
		t.Fatalf("expected errReservesTooLow, got %v", err)
	}
	if err := engine.ReduceReserves(admin, treasury, big.NewInt(50)); err != nil {
		t.Fatalf("reduce reserves: %v", err)
	}
	if got, _ := ledger.BalanceOf(treasury, "USDC"); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("treasury did not receive reserves: %s", got)
	}
	if state.markets["USDC"].Reserves.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("reserves not drawn down: %s", state.markets["USDC"].Reserves)
	}
}
