package perp

import (
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilities(t *testing.T) {
	env := newTestEnv(t, DefaultMarketConfig())

	t.Run("only the owner mints", func(t *testing.T) {
		_, err := env.e.MintAdminCapability("mallory")
		assert.ErrorIs(t, err, ErrNotAuthorized)
		_, err = env.e.MintExecuteCapability("mallory", testKey)
		assert.ErrorIs(t, err, ErrNotAuthorized)
		_, err = env.e.MintExecuteCapabilityV2("mallory", testPair)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("foreign capabilities are rejected", func(t *testing.T) {
		level, _ := log.ToLevel("error")
		other := NewExchange(testOwner, Collaborators{}, nil, log.NewTestLogger(level))
		foreignAdmin, err := other.MintAdminCapability(testOwner)
		require.NoError(t, err)
		foreignExec, err := other.MintExecuteCapability(testOwner, testKey)
		require.NoError(t, err)

		assert.ErrorIs(t, env.e.SetPaused(foreignAdmin, testKey, true), ErrInvalidCapability)
		_, err = env.e.ExecuteOrder(foreignExec, testKey, 1, 300_000, nil)
		assert.ErrorIs(t, err, ErrInvalidCapability)
	})

	t.Run("per-market capability is scoped to its market", func(t *testing.T) {
		otherKey := MarketKey{Pair: testPair, Collateral: "DAI"}
		require.NoError(t, env.e.CreateMarket(env.admin, otherKey, DefaultMarketConfig()))
		_, err := env.e.ExecuteOrder(env.exec, otherKey, 1, 300_000, nil)
		assert.ErrorIs(t, err, ErrInvalidCapability)
	})

	t.Run("pair-wide capability covers all collaterals", func(t *testing.T) {
		otherKey := MarketKey{Pair: testPair, Collateral: "DAI"}
		v2, err := env.e.MintExecuteCapabilityV2(testOwner, testPair)
		require.NoError(t, err)
		_, err = env.e.ExecuteOrder(v2, otherKey, 1, 300_000, nil)
		assert.ErrorIs(t, err, ErrOrderNotFound) // authorized, order simply absent
	})
}

func TestCreateMarket(t *testing.T) {
	env := newTestEnv(t, DefaultMarketConfig())
	assert.ErrorIs(t, env.e.CreateMarket(env.admin, testKey, DefaultMarketConfig()), ErrMarketExists)
	assert.ErrorIs(t, env.e.CreateMarket(nil, MarketKey{Pair: "X", Collateral: "Y"}, DefaultMarketConfig()), ErrInvalidCapability)
}

func TestAdminConfigUpdates(t *testing.T) {
	env := newTestEnv(t, DefaultMarketConfig())

	require.NoError(t, env.e.SetFees(env.admin, testKey, 100, 200))
	require.NoError(t, env.e.SetLeverageBounds(env.admin, testKey, 2*LeverageScale, 50*LeverageScale))
	require.NoError(t, env.e.SetLiquidateThreshold(env.admin, testKey, 2_000))

	info, err := env.e.Market(testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), info.Config.MakerFee)
	assert.Equal(t, uint64(200), info.Config.TakerFee)
	assert.Equal(t, uint64(2*LeverageScale), info.Config.MinLeverage)
	assert.Equal(t, uint64(2_000), info.Config.LiquidateThreshold)

	t.Run("unknown market", func(t *testing.T) {
		err := env.e.SetFees(env.admin, MarketKey{Pair: "X", Collateral: "Y"}, 1, 2)
		assert.ErrorIs(t, err, ErrMarketNotFound)
	})
}

func TestParams(t *testing.T) {
	env := newTestEnv(t, DefaultMarketConfig())

	v, err := env.e.ParamUint64(testKey, ParamMaxSkewLimit, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	require.NoError(t, env.e.SetParam(env.admin, testKey, ParamMaxSkewLimit, EncodeParamUint64(1_000)))
	v, err = env.e.ParamUint64(testKey, ParamMaxSkewLimit, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), v)

	t.Run("malformed values fall back to the default", func(t *testing.T) {
		require.NoError(t, env.e.SetParam(env.admin, testKey, "junk", []byte{1, 2, 3}))
		v, err := env.e.ParamUint64(testKey, "junk", 7)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), v)
	})
}

func TestPlaceOrderGuards(t *testing.T) {
	env := newTestEnv(t, DefaultMarketConfig())
	req := OrderRequest{
		SizeDelta:       500_000,
		CollateralDelta: 100_000,
		Price:           600_000,
		IsLong:          true,
		IsIncrease:      true,
		IsMarket:        true,
	}

	t.Run("unknown market", func(t *testing.T) {
		_, err := env.e.PlaceOrder(testUser, testUser, MarketKey{Pair: "X", Collateral: "Y"}, req)
		assert.ErrorIs(t, err, ErrMarketNotFound)
	})

	t.Run("paused market", func(t *testing.T) {
		require.NoError(t, env.e.SetPaused(env.admin, testKey, true))
		_, err := env.e.PlaceOrder(testUser, testUser, testKey, req)
		assert.ErrorIs(t, err, ErrMarketPaused)
		require.NoError(t, env.e.SetPaused(env.admin, testKey, false))
	})

	t.Run("blocked user", func(t *testing.T) {
		env.blocklist.Block("bob")
		_, err := env.e.PlaceOrder("bob", "bob", testKey, req)
		assert.ErrorIs(t, err, ErrUserBlocked)
	})

	t.Run("unauthorized caller", func(t *testing.T) {
		_, err := env.e.PlaceOrder("mallory", testUser, testKey, req)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("rejections leave no trace", func(t *testing.T) {
		bad := req
		bad.Price = 0
		_, err := env.e.PlaceOrder(testUser, testUser, testKey, bad)
		assert.ErrorIs(t, err, ErrZeroPrice)
		assert.Empty(t, env.e.UserOrders(testUser))
		assert.Equal(t, uint64(0), env.vault.Escrowed(testCollateral, VaultPurposeOrder))
	})
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t, DefaultMarketConfig())
	id := env.place(OrderRequest{
		SizeDelta:       500_000,
		CollateralDelta: 100_000,
		Price:           600_000,
		IsLong:          true,
		IsIncrease:      true,
		IsMarket:        true,
	})
	require.Equal(t, uint64(100_000), env.vault.Escrowed(testCollateral, VaultPurposeOrder))

	t.Run("strangers cannot cancel", func(t *testing.T) {
		err := env.e.CancelOrder("mallory", testUser, testKey, id)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("owner cancel refunds escrow", func(t *testing.T) {
		require.NoError(t, env.e.CancelOrder(testUser, testUser, testKey, id))
		assert.Equal(t, uint64(0), env.vault.Escrowed(testCollateral, VaultPurposeOrder))
		assert.Empty(t, env.e.UserOrders(testUser))

		ev, ok := env.sink.Last().(OrderCancelledEvent)
		require.True(t, ok)
		assert.Equal(t, CancelUserRequested, ev.Reason)
		assert.Equal(t, uint64(100_000), ev.Refund)
	})

	t.Run("cancel twice", func(t *testing.T) {
		err := env.e.CancelOrder(testUser, testUser, testKey, id)
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestDelegateFlow(t *testing.T) {
	env := newTestEnv(t, feelessConfig())
	env.delegates.Register("keeper-bot", testUser)

	// The delegate places on the user's behalf.
	id, err := env.e.PlaceOrder("keeper-bot", testUser, testKey, OrderRequest{
		SizeDelta:       500_000,
		CollateralDelta: 100_000,
		Price:           600_000,
		IsLong:          true,
		IsIncrease:      true,
		IsMarket:        true,
	})
	require.NoError(t, err)
	out := env.execute(id, 300_000)
	require.True(t, out.Executed)

	// Payouts for delegated users are credited to the delegate balance
	// instead of leaving the vault.
	out = env.closeLong(500_000, 0, 300_000)
	require.True(t, out.Executed)
	assert.Equal(t, uint64(100_000), env.delegates.Credited(testUser, testCollateral))
	assert.Equal(t, uint64(100_000), env.vault.Escrowed(testCollateral, VaultPurposeOrder))
}

func TestExecutionFeeChargedOnMarketOrders(t *testing.T) {
	cfg := feelessConfig()
	cfg.ExecutionFee = 77
	env := newTestEnv(t, cfg)

	env.place(OrderRequest{
		SizeDelta:       500_000,
		CollateralDelta: 100_000,
		Price:           600_000,
		IsLong:          true,
		IsIncrease:      true,
		IsMarket:        true,
	})
	assert.Equal(t, uint64(77), env.splitter.Collected(testCollateral))

	// Limit orders skip the keeper fee.
	env.place(OrderRequest{
		SizeDelta:       500_000,
		CollateralDelta: 100_000,
		Price:           290_000,
		IsLong:          true,
		IsIncrease:      true,
	})
	assert.Equal(t, uint64(77), env.splitter.Collected(testCollateral))
}

func TestQueries(t *testing.T) {
	env := newTestEnv(t, feelessConfig())
	env.openLong(500_000, 100_000, 300_000)
	id := env.place(OrderRequest{
		SizeDelta:       100_000,
		CollateralDelta: 20_000,
		Price:           290_000,
		IsLong:          true,
		IsIncrease:      true,
	})

	orders := env.e.UserOrders(testUser)
	require.Len(t, orders, 1)
	assert.Equal(t, OrderRef{Market: testKey, OrderID: id}, orders[0])

	positions := env.e.UserPositions(testUser)
	require.Len(t, positions, 1)
	assert.Equal(t, PositionRef{Market: testKey, IsLong: true}, positions[0])

	o, err := env.e.Order(testKey, id)
	require.NoError(t, err)
	assert.Equal(t, testUser, o.User)
	assert.Equal(t, uint64(100_000), o.SizeDelta)
}
