package state

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/margin"
	"lendcore/native/risk"
	"lendcore/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func addr(suffix byte) common.Address {
	var out common.Address
	out[len(out)-1] = suffix
	return out
}

func TestTokenRegistration(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, manager.RegisterToken("usdc", "USD Coin", 6))
	meta, err := manager.Token("USDC")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, "USDC", meta.Symbol)
	require.Equal(t, uint8(6), meta.Decimals)

	require.Error(t, manager.RegisterToken("USDC", "duplicate", 6))
	require.Error(t, manager.RegisterToken("", "nameless", 6))

	meta, err = manager.Token("WETH")
	require.NoError(t, err)
	require.Nil(t, meta)
}

func TestLedgerMintTransferBurn(t *testing.T) {
	manager := newTestManager(t)
	alice := addr(0x01)
	bob := addr(0x02)

	require.NoError(t, manager.Mint(alice, "USDC", big.NewInt(1_000)))
	balance, err := manager.BalanceOf(alice, "usdc")
	require.NoError(t, err)
	require.Equal(t, int64(1_000), balance.Int64())

	require.NoError(t, manager.Transfer(alice, bob, "USDC", big.NewInt(400)))
	balance, err = manager.BalanceOf(bob, "USDC")
	require.NoError(t, err)
	require.Equal(t, int64(400), balance.Int64())

	require.Error(t, manager.Transfer(alice, bob, "USDC", big.NewInt(700)))
	require.Error(t, manager.Transfer(alice, bob, "USDC", big.NewInt(-1)))

	require.NoError(t, manager.Burn(bob, "USDC", big.NewInt(400)))
	require.Error(t, manager.Burn(bob, "USDC", big.NewInt(1)))
}

func TestRewardTokenMintsThroughLedger(t *testing.T) {
	manager := newTestManager(t)
	claimer := addr(0x03)

	token := NewRewardToken(manager, "lend")
	require.NoError(t, token.Mint(claimer, big.NewInt(250)))
	balance, err := manager.BalanceOf(claimer, "LEND")
	require.NoError(t, err)
	require.Equal(t, int64(250), balance.Int64())
}

func TestMarketRoundTrip(t *testing.T) {
	manager := newTestManager(t)

	market, err := manager.GetMarket("USDC")
	require.NoError(t, err)
	require.Nil(t, market)

	stored := &lending.Market{
		Asset:               "USDC",
		Cash:                big.NewInt(1_500),
		TotalDeposited:      big.NewInt(1_000),
		TotalBorrows:        big.NewInt(500),
		TotalShares:         big.NewInt(1_000),
		AccumulatedInterest: big.NewInt(0),
		Reserves:            big.NewInt(25),
		AdminFees:           big.NewInt(5),
		BorrowIndex:         new(big.Int).SetUint64(1_100_000_000_000_000_000),
		LastAccrualTime:     1_000_000,
		ReserveFactor:       100_000,
		AdminFeeFactor:      50_000,
		CollateralFactor:    800_000,
		SupplyCap:           big.NewInt(0),
		BorrowCap:           big.NewInt(0),
	}
	require.NoError(t, manager.PutMarket("usdc", stored))

	loaded, err := manager.GetMarket("USDC")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, stored.Asset, loaded.Asset)
	require.Zero(t, stored.Cash.Cmp(loaded.Cash))
	require.Zero(t, stored.BorrowIndex.Cmp(loaded.BorrowIndex))
	require.Equal(t, stored.ReserveFactor, loaded.ReserveFactor)
}

func TestBorrowSnapshotLifecycle(t *testing.T) {
	manager := newTestManager(t)
	borrower := addr(0x04)

	snapshot, err := manager.GetBorrowSnapshot("USDC", borrower)
	require.NoError(t, err)
	require.Nil(t, snapshot)

	stored := &lending.BorrowSnapshot{
		Principal:     big.NewInt(500),
		InterestIndex: new(big.Int).SetUint64(1_000_000_000_000_000_000),
	}
	require.NoError(t, manager.PutBorrowSnapshot("USDC", borrower, stored))
	loaded, err := manager.GetBorrowSnapshot("usdc", borrower)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Zero(t, stored.Principal.Cmp(loaded.Principal))

	require.NoError(t, manager.DeleteBorrowSnapshot("USDC", borrower))
	loaded, err = manager.GetBorrowSnapshot("USDC", borrower)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestShareBalanceDefaultsToZero(t *testing.T) {
	manager := newTestManager(t)
	supplier := addr(0x05)

	balance, err := manager.GetShareBalance("USDC", supplier)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	require.NoError(t, manager.PutShareBalance("USDC", supplier, big.NewInt(750)))
	balance, err = manager.GetShareBalance("usdc", supplier)
	require.NoError(t, err)
	require.Equal(t, int64(750), balance.Int64())
}

func TestEnteredMarketsRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	account := addr(0x06)

	entered, err := manager.GetEnteredMarkets(account)
	require.NoError(t, err)
	require.Empty(t, entered)

	require.NoError(t, manager.PutEnteredMarkets(account, []string{"USDC", "WETH"}))
	entered, err = manager.GetEnteredMarkets(account)
	require.NoError(t, err)
	require.Equal(t, []string{"USDC", "WETH"}, entered)
}

func TestRewardStateRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	user := addr(0x07)

	marketState, err := manager.GetRewardMarket("USDC")
	require.NoError(t, err)
	require.Nil(t, marketState)

	require.NoError(t, manager.PutRewardMarket("USDC", &risk.RewardMarketState{
		SupplySpeed: big.NewInt(10),
		BorrowSpeed: big.NewInt(7),
		SupplyIndex: big.NewInt(0),
		BorrowIndex: big.NewInt(0),
		UpdatedAt:   1_000_000,
	}))
	marketState, err = manager.GetRewardMarket("usdc")
	require.NoError(t, err)
	require.NotNil(t, marketState)
	require.Equal(t, int64(10), marketState.SupplySpeed.Int64())

	require.NoError(t, manager.PutRewardUser("USDC", user, &risk.RewardUserState{
		SupplyIndex: big.NewInt(500),
		BorrowIndex: big.NewInt(0),
	}))
	userState, err := manager.GetRewardUser("USDC", user)
	require.NoError(t, err)
	require.NotNil(t, userState)
	require.Equal(t, int64(500), userState.SupplyIndex.Int64())

	accrued, err := manager.GetRewardAccrued(user)
	require.NoError(t, err)
	require.Zero(t, accrued.Sign())
	require.NoError(t, manager.PutRewardAccrued(user, big.NewInt(42)))
	accrued, err = manager.GetRewardAccrued(user)
	require.NoError(t, err)
	require.Equal(t, int64(42), accrued.Int64())
}

func TestPositionRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	owner := addr(0x08)

	position, err := manager.GetPosition(1)
	require.NoError(t, err)
	require.Nil(t, position)

	stored := &margin.Position{
		ID:               1,
		Owner:            owner,
		Side:             margin.SideLong,
		CollateralAsset:  "WETH",
		DebtAsset:        "USDC",
		CollateralShares: big.NewInt(1_000),
		DebtShares:       big.NewInt(2_000),
		EntryPrice:       big.NewInt(2_000_000),
		OpenedAt:         1_000_000,
		Status:           margin.StatusOpen,
	}
	require.NoError(t, manager.PutPosition(stored))
	loaded, err := manager.GetPosition(1)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, stored.Side, loaded.Side)
	require.Equal(t, stored.Status, loaded.Status)
	require.Zero(t, stored.DebtShares.Cmp(loaded.DebtShares))

	ids, err := manager.GetUserPositions(owner)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.NoError(t, manager.PutUserPositions(owner, []uint64{1}))
	ids, err = manager.GetUserPositions(owner)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids)
}

func TestNextPositionIDIsMonotonic(t *testing.T) {
	manager := newTestManager(t)

	for want := uint64(1); want <= 3; want++ {
		id, err := manager.NextPositionID()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
}

func TestDebtSharesAndQuotaRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	owner := addr(0x09)

	shares, err := manager.GetDebtShares(owner, "USDC")
	require.NoError(t, err)
	require.Zero(t, shares.Sign())
	require.NoError(t, manager.PutDebtShares(owner, "usdc", big.NewInt(3_000)))
	shares, err = manager.GetDebtShares(owner, "USDC")
	require.NoError(t, err)
	require.Equal(t, int64(3_000), shares.Int64())

	usage, err := manager.GetOpenQuota(owner)
	require.NoError(t, err)
	require.Zero(t, usage.ReqCount)
	require.NoError(t, manager.PutOpenQuota(owner, nativecommon.QuotaNow{
		ReqCount:     2,
		NotionalUsed: 5_000,
		EpochID:      16_666,
	}))
	usage, err = manager.GetOpenQuota(owner)
	require.NoError(t, err)
	require.Equal(t, uint32(2), usage.ReqCount)
	require.Equal(t, uint64(16_666), usage.EpochID)
}
