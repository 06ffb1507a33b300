package perp

import (
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

const (
	testPair       = "BTC-USD"
	testCollateral = "USDC"
	testOwner      = "owner"
	testUser       = "alice"
)

var testKey = MarketKey{Pair: testPair, Collateral: testCollateral}

// testEnv wires an Exchange against the in-memory collaborators with a
// manually advanced clock so accrual intervals are deterministic.
type testEnv struct {
	t   *testing.T
	e   *Exchange
	now int64

	prices    *SimplePriceSource
	vault     *SimpleVault
	pool      *SimpleLiquidityPool
	splitter  *SimpleFeeSplitter
	delegates *SimpleDelegateRegistry
	blocklist *SimpleBlocklist
	sink      *MemorySink

	admin *AdminCapability
	exec  *ExecuteCapability
}

func newTestEnv(t *testing.T, cfg MarketConfig) *testEnv {
	env := &testEnv{
		t:         t,
		now:       1_000_000,
		prices:    NewSimplePriceSource(),
		vault:     NewSimpleVault(),
		pool:      NewSimpleLiquidityPool(),
		splitter:  NewSimpleFeeSplitter(),
		delegates: NewSimpleDelegateRegistry(),
		blocklist: NewSimpleBlocklist(),
		sink:      &MemorySink{},
	}
	level, _ := log.ToLevel("error")
	env.e = NewExchange(testOwner, Collaborators{
		Prices:    env.prices,
		Vault:     env.vault,
		Pool:      env.pool,
		Splitter:  env.splitter,
		Delegates: env.delegates,
		Blocklist: env.blocklist,
	}, env.sink, log.NewTestLogger(level))
	env.e.clock = func() int64 { return env.now }

	var err error
	env.admin, err = env.e.MintAdminCapability(testOwner)
	require.NoError(t, err)
	require.NoError(t, env.e.CreateMarket(env.admin, testKey, cfg))
	env.exec, err = env.e.MintExecuteCapability(testOwner, testKey)
	require.NoError(t, err)
	return env
}

// feelessConfig zeroes all fees so settlement math is exact in tests that do
// not exercise fees themselves.
func feelessConfig() MarketConfig {
	cfg := DefaultMarketConfig()
	cfg.MakerFee = 0
	cfg.TakerFee = 0
	return cfg
}

// place submits an order and requires admission.
func (env *testEnv) place(req OrderRequest) uint64 {
	env.t.Helper()
	id, err := env.e.PlaceOrder(testUser, testUser, testKey, req)
	require.NoError(env.t, err)
	return id
}

// execute runs one order and requires a clean execution.
func (env *testEnv) execute(id, px uint64) ExecOutcome {
	env.t.Helper()
	out, err := env.e.ExecuteOrder(env.exec, testKey, id, px, nil)
	require.NoError(env.t, err)
	return out
}

// openLong places and executes a market long increase at px.
func (env *testEnv) openLong(size, collateral, px uint64) {
	env.t.Helper()
	id := env.place(OrderRequest{
		SizeDelta:       size,
		CollateralDelta: collateral,
		Price:           px * 2,
		IsLong:          true,
		IsIncrease:      true,
		IsMarket:        true,
	})
	out := env.execute(id, px)
	require.True(env.t, out.Executed, "open rejected: %s", out.Reason)
}

// openShort places and executes a market short increase at px.
func (env *testEnv) openShort(size, collateral, px uint64) {
	env.t.Helper()
	id := env.place(OrderRequest{
		SizeDelta:       size,
		CollateralDelta: collateral,
		Price:           1,
		IsLong:          false,
		IsIncrease:      true,
		IsMarket:        true,
		CanExecuteAbove: true,
	})
	out := env.execute(id, px)
	require.True(env.t, out.Executed, "open rejected: %s", out.Reason)
}

// closeLong places and executes a market decrease of a long position.
func (env *testEnv) closeLong(size, collateral, px uint64) ExecOutcome {
	env.t.Helper()
	id := env.place(OrderRequest{
		SizeDelta:       size,
		CollateralDelta: collateral,
		Price:           1,
		IsLong:          true,
		IsIncrease:      false,
		IsMarket:        true,
		CanExecuteAbove: true,
	})
	return env.execute(id, px)
}

// position fetches the current long/short position copy.
func (env *testEnv) position(isLong bool) Position {
	env.t.Helper()
	pos, err := env.e.Position(testKey, testUser, isLong)
	require.NoError(env.t, err)
	return pos
}

// lastPositionEvent returns the most recent PositionChangedEvent.
func (env *testEnv) lastPositionEvent() PositionChangedEvent {
	env.t.Helper()
	for i := len(env.sink.Events) - 1; i >= 0; i-- {
		if ev, ok := env.sink.Events[i].(PositionChangedEvent); ok {
			return ev
		}
	}
	env.t.Fatal("no position event emitted")
	return PositionChangedEvent{}
}
