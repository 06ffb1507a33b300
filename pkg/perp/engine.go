package perp

import (
	"sync"
	"time"

	"github.com/luxfi/log"
	metric "github.com/luxfi/metric"
)

// Exchange is the top-level settlement service. It owns every PairMarket,
// the user index and the collaborator handles, and serializes all external
// calls behind one lock: each call is a single all-or-nothing unit of work.
type Exchange struct {
	owner  string
	logger log.Logger

	markets map[MarketKey]*Market
	index   *UserIndex
	nextUID uint64

	prices    PriceSource
	vault     Vault
	pool      LiquidityPool
	splitter  FeeSplitter
	delegates DelegateRegistry
	blocklist Blocklist
	sink      EventSink

	metrics exchangeMetrics

	// clock is swapped out by tests.
	clock func() int64

	mu sync.Mutex
}

type exchangeMetrics struct {
	OrdersPlaced    metric.Counter
	OrdersExecuted  metric.Counter
	OrdersCancelled metric.Counter
	Liquidations    metric.Counter
}

// Collaborators bundles the external modules the core settles against. Nil
// fields fall back to the in-memory Simple implementations.
type Collaborators struct {
	Prices    PriceSource
	Vault     Vault
	Pool      LiquidityPool
	Splitter  FeeSplitter
	Delegates DelegateRegistry
	Blocklist Blocklist
}

// NewExchange creates the settlement service. The owner address is the only
// identity allowed to mint capabilities.
func NewExchange(owner string, collab Collaborators, sink EventSink, logger log.Logger) *Exchange {
	if collab.Prices == nil {
		collab.Prices = NewSimplePriceSource()
	}
	if collab.Vault == nil {
		collab.Vault = NewSimpleVault()
	}
	if collab.Pool == nil {
		collab.Pool = NewSimpleLiquidityPool()
	}
	if collab.Splitter == nil {
		collab.Splitter = NewSimpleFeeSplitter()
	}
	if collab.Delegates == nil {
		collab.Delegates = NewSimpleDelegateRegistry()
	}
	if collab.Blocklist == nil {
		collab.Blocklist = NewSimpleBlocklist()
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = log.Root().New("module", "perp")
	}
	return &Exchange{
		owner:     owner,
		logger:    logger,
		markets:   make(map[MarketKey]*Market),
		index:     NewUserIndex(),
		nextUID:   1,
		prices:    collab.Prices,
		vault:     collab.Vault,
		pool:      collab.Pool,
		splitter:  collab.Splitter,
		delegates: collab.Delegates,
		blocklist: collab.Blocklist,
		sink:      sink,
		metrics: exchangeMetrics{
			OrdersPlaced:    metric.NewCounter("perp_orders_placed"),
			OrdersExecuted:  metric.NewCounter("perp_orders_executed"),
			OrdersCancelled: metric.NewCounter("perp_orders_cancelled"),
			Liquidations:    metric.NewCounter("perp_liquidations"),
		},
		clock: func() int64 { return time.Now().Unix() },
	}
}

// AdminCapability authorizes market administration. It can only be minted by
// the exchange owner and is validated by pointer identity, never by a role
// lookup at call time.
type AdminCapability struct {
	e *Exchange
}

// ExecuteCapability authorizes order execution for one market.
type ExecuteCapability struct {
	e   *Exchange
	key MarketKey
}

// ExecuteCapabilityV2 authorizes execution for every collateral type under
// one pair, so keepers need not re-derive a capability per market.
type ExecuteCapabilityV2 struct {
	e    *Exchange
	pair string
}

// ExecAuthority is satisfied by both execution capability generations.
type ExecAuthority interface {
	allows(e *Exchange, key MarketKey) bool
}

func (c *ExecuteCapability) allows(e *Exchange, key MarketKey) bool {
	return c != nil && c.e == e && c.key == key
}

func (c *ExecuteCapabilityV2) allows(e *Exchange, key MarketKey) bool {
	return c != nil && c.e == e && c.pair == key.Pair
}

// MintAdminCapability issues the admin capability to the exchange owner.
func (e *Exchange) MintAdminCapability(caller string) (*AdminCapability, error) {
	if caller != e.owner {
		return nil, ErrNotAuthorized
	}
	return &AdminCapability{e: e}, nil
}

// MintExecuteCapability issues a per-market execution capability.
func (e *Exchange) MintExecuteCapability(caller string, key MarketKey) (*ExecuteCapability, error) {
	if caller != e.owner {
		return nil, ErrNotAuthorized
	}
	return &ExecuteCapability{e: e, key: key}, nil
}

// MintExecuteCapabilityV2 issues a pair-wide execution capability.
func (e *Exchange) MintExecuteCapabilityV2(caller string, pair string) (*ExecuteCapabilityV2, error) {
	if caller != e.owner {
		return nil, ErrNotAuthorized
	}
	return &ExecuteCapabilityV2{e: e, pair: pair}, nil
}

func (e *Exchange) checkAdmin(cap *AdminCapability) error {
	if cap == nil || cap.e != e {
		return ErrInvalidCapability
	}
	return nil
}

// CreateMarket initializes the PairMarket for a pair+collateral combination.
func (e *Exchange) CreateMarket(cap *AdminCapability, key MarketKey, cfg MarketConfig) error {
	if err := e.checkAdmin(cap); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[key]; ok {
		return ErrMarketExists
	}
	e.markets[key] = newMarket(key, cfg, e.clock())
	e.logger.Info("market created", "pair", key.Pair, "collateral", key.Collateral)
	return nil
}

// updateConfig runs an admin mutation against one market under the lock.
func (e *Exchange) updateConfig(cap *AdminCapability, key MarketKey, fn func(*Market)) error {
	if err := e.checkAdmin(cap); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[key]
	if !ok {
		return ErrMarketNotFound
	}
	fn(m)
	return nil
}

// SetPaused pauses or restarts a market.
func (e *Exchange) SetPaused(cap *AdminCapability, key MarketKey, paused bool) error {
	return e.updateConfig(cap, key, func(m *Market) { m.Config.Paused = paused })
}

// SetFees updates the maker/taker fee rates (1e6 = 100%).
func (e *Exchange) SetFees(cap *AdminCapability, key MarketKey, maker, taker uint64) error {
	return e.updateConfig(cap, key, func(m *Market) {
		m.Config.MakerFee, m.Config.TakerFee = maker, taker
	})
}

// SetLeverageBounds updates min/max leverage (1e6 = 1x).
func (e *Exchange) SetLeverageBounds(cap *AdminCapability, key MarketKey, min, max uint64) error {
	return e.updateConfig(cap, key, func(m *Market) {
		m.Config.MinLeverage, m.Config.MaxLeverage = min, max
	})
}

// SetFundingTuning updates the skew factor and max funding velocity.
func (e *Exchange) SetFundingTuning(cap *AdminCapability, key MarketKey, skewFactor, maxVelocity uint64) error {
	return e.updateConfig(cap, key, func(m *Market) {
		m.Config.SkewFactor, m.Config.MaxFundingVelocity = skewFactor, maxVelocity
	})
}

// SetRolloverRate updates the per-second rollover fee rate.
func (e *Exchange) SetRolloverRate(cap *AdminCapability, key MarketKey, rate uint64) error {
	return e.updateConfig(cap, key, func(m *Market) { m.Config.RolloverFeePerSecond = rate })
}

// SetMaxOpenInterest updates the per-side open interest cap.
func (e *Exchange) SetMaxOpenInterest(cap *AdminCapability, key MarketKey, max uint64) error {
	return e.updateConfig(cap, key, func(m *Market) { m.Config.MaxOpenInterest = max })
}

// SetMarketDepth updates the above/below depth terms of the price impact.
func (e *Exchange) SetMarketDepth(cap *AdminCapability, key MarketKey, above, below uint64) error {
	return e.updateConfig(cap, key, func(m *Market) {
		m.Config.MarketDepthAbove, m.Config.MarketDepthBelow = above, below
	})
}

// SetExecuteTimeLimit updates the market-order execution window in seconds.
func (e *Exchange) SetExecuteTimeLimit(cap *AdminCapability, key MarketKey, seconds int64) error {
	return e.updateConfig(cap, key, func(m *Market) { m.Config.ExecuteTimeLimit = seconds })
}

// SetLiquidateThreshold updates the liquidation threshold in bps.
func (e *Exchange) SetLiquidateThreshold(cap *AdminCapability, key MarketKey, bps uint64) error {
	return e.updateConfig(cap, key, func(m *Market) { m.Config.LiquidateThreshold = bps })
}

// SetMaximumProfit updates the maximum profit bound in bps of collateral.
func (e *Exchange) SetMaximumProfit(cap *AdminCapability, key MarketKey, bps uint64) error {
	return e.updateConfig(cap, key, func(m *Market) { m.Config.MaximumProfit = bps })
}

// SetCollateralBounds updates order/position collateral limits.
func (e *Exchange) SetCollateralBounds(cap *AdminCapability, key MarketKey, minOrder, minPosition, maxPosition uint64) error {
	return e.updateConfig(cap, key, func(m *Market) {
		m.Config.MinOrderCollateral = minOrder
		m.Config.MinPositionCollateral = minPosition
		m.Config.MaxPositionCollateral = maxPosition
	})
}

// SetMinPositionSize updates the minimum position size.
func (e *Exchange) SetMinPositionSize(cap *AdminCapability, key MarketKey, min uint64) error {
	return e.updateConfig(cap, key, func(m *Market) { m.Config.MinPositionSize = min })
}

// SetExecutionFee updates the keeper execution fee.
func (e *Exchange) SetExecutionFee(cap *AdminCapability, key MarketKey, fee uint64) error {
	return e.updateConfig(cap, key, func(m *Market) { m.Config.ExecutionFee = fee })
}

// SetParam stores a forward-compatible raw tunable under key.
func (e *Exchange) SetParam(cap *AdminCapability, key MarketKey, param string, raw []byte) error {
	return e.updateConfig(cap, key, func(m *Market) { m.SetParam(param, raw) })
}

// ParamUint64 reads a typed tunable with a default.
func (e *Exchange) ParamUint64(key MarketKey, param string, def uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[key]
	if !ok {
		return 0, ErrMarketNotFound
	}
	return m.ParamUint64(param, def), nil
}

// OrderRequest carries the caller-supplied fields of place_order.
type OrderRequest struct {
	SizeDelta       uint64
	CollateralDelta uint64
	Price           uint64
	IsLong          bool
	IsIncrease      bool
	IsMarket        bool
	CanExecuteAbove bool
	StopLossPrice   uint64
	TakeProfitPrice uint64
}

// authorize admits caller acting as user: either the user themselves or a
// registered delegate.
func (e *Exchange) authorize(caller, user string) error {
	if caller == user {
		return nil
	}
	if e.delegates.IsRegistered(caller, user) {
		return nil
	}
	return ErrNotAuthorized
}

// PlaceOrder validates and stores a new order, escrowing collateral for
// increase orders. Validation failures abort with no state change.
func (e *Exchange) PlaceOrder(caller, user string, key MarketKey, req OrderRequest) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(caller, user); err != nil {
		return 0, err
	}
	if e.blocklist.IsBlocked(user) {
		return 0, ErrUserBlocked
	}
	m, ok := e.markets[key]
	if !ok {
		return 0, ErrMarketNotFound
	}
	if m.Config.Paused {
		return 0, ErrMarketPaused
	}

	a := computeAccrual(m, e.clock())
	pos := m.peekPosition(user, req.IsLong)
	o := &Order{
		User:            user,
		SizeDelta:       req.SizeDelta,
		CollateralDelta: req.CollateralDelta,
		Price:           req.Price,
		IsLong:          req.IsLong,
		IsIncrease:      req.IsIncrease,
		IsMarket:        req.IsMarket,
		CanExecuteAbove: req.CanExecuteAbove,
		StopLossPrice:   req.StopLossPrice,
		TakeProfitPrice: req.TakeProfitPrice,
		CreatedAt:       a.now,
	}
	if err := validateOrder(m, a, &pos, o); err != nil {
		return 0, err
	}

	if o.IsIncrease {
		if err := e.vault.Deposit(user, key.Collateral, VaultPurposeOrder, o.CollateralDelta); err != nil {
			return 0, err
		}
	}
	if m.Config.ExecutionFee > 0 && o.IsMarket {
		if err := e.splitter.DepositFee(key.Collateral, m.Config.ExecutionFee); err != nil {
			return 0, err
		}
	}

	a.commit(m)
	o.ID = m.NextOrderID
	m.NextOrderID++
	if pos.Size > 0 {
		o.UID = pos.UID
	} else {
		o.UID = e.nextUID
		e.nextUID++
	}
	m.Orders[o.ID] = o
	e.index.AddOrder(user, OrderRef{Market: key, OrderID: o.ID})

	e.metrics.OrdersPlaced.Inc()
	e.logger.Debug("order placed",
		"pair", key.Pair, "collateral", key.Collateral,
		"id", o.ID, "user", user, "long", o.IsLong, "increase", o.IsIncrease)
	e.sink.Emit(OrderPlacedEvent{
		Market:          key,
		OrderID:         o.ID,
		UID:             o.UID,
		User:            user,
		SizeDelta:       o.SizeDelta,
		CollateralDelta: o.CollateralDelta,
		Price:           o.Price,
		IsLong:          o.IsLong,
		IsIncrease:      o.IsIncrease,
		IsMarket:        o.IsMarket,
		Timestamp:       a.now,
	})
	return o.ID, nil
}

// CancelOrder removes a pending order at the owner's (or delegate's) request
// and refunds escrowed collateral for increase orders.
func (e *Exchange) CancelOrder(caller, user string, key MarketKey, orderID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(caller, user); err != nil {
		return err
	}
	m, ok := e.markets[key]
	if !ok {
		return ErrMarketNotFound
	}
	o, ok := m.Orders[orderID]
	if !ok || o.User != user {
		return ErrOrderNotFound
	}
	delete(m.Orders, orderID)
	_, err := e.finishCancel(m, o, CancelUserRequested, nil)
	return err
}

// payOut credits funds to the user, or to their delegate-account balance when
// a delegate is active.
func (e *Exchange) payOut(user, asset string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if e.delegates.HasDelegate(user) {
		return e.delegates.Deposit(user, asset, amount)
	}
	return e.vault.Withdraw(user, asset, VaultPurposeOrder, amount)
}

// finishCancel refunds, unindexes and reports a cancellation for an order
// already removed from the pending map. A non-nil accrual is committed first.
func (e *Exchange) finishCancel(m *Market, o *Order, reason CancelReason, a *accrual) (ExecOutcome, error) {
	if a != nil {
		a.commit(m)
	}
	var refund uint64
	if o.IsIncrease {
		refund = o.CollateralDelta
		if err := e.payOut(o.User, m.Key.Collateral, refund); err != nil {
			return ExecOutcome{}, err
		}
	}
	e.index.RemoveOrder(o.User, OrderRef{Market: m.Key, OrderID: o.ID})
	e.metrics.OrdersCancelled.Inc()
	e.logger.Debug("order cancelled", "pair", m.Key.Pair, "id", o.ID, "reason", string(reason))
	e.sink.Emit(OrderCancelledEvent{
		Market:    m.Key,
		OrderID:   o.ID,
		User:      o.User,
		Reason:    reason,
		Refund:    refund,
		Timestamp: e.clock(),
	})
	return ExecOutcome{OrderID: o.ID, Cancelled: true, Reason: reason}, nil
}

// MarketInfo is a read-only snapshot of a market's config and ledger.
type MarketInfo struct {
	Key                         MarketKey
	Config                      MarketConfig
	LongOpenInterest            uint64
	ShortOpenInterest           uint64
	FundingRate                 Signed
	AccFundingFeePerSize        Signed
	AccRolloverFeePerCollateral uint64
	LastAccrueTime              int64
	PendingOrders               int
}

// Market returns a snapshot of one market.
func (e *Exchange) Market(key MarketKey) (MarketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[key]
	if !ok {
		return MarketInfo{}, ErrMarketNotFound
	}
	return MarketInfo{
		Key:                         m.Key,
		Config:                      m.Config,
		LongOpenInterest:            m.LongOpenInterest,
		ShortOpenInterest:           m.ShortOpenInterest,
		FundingRate:                 m.FundingRate,
		AccFundingFeePerSize:        m.AccFundingFeePerSize,
		AccRolloverFeePerCollateral: m.AccRolloverFeePerCollateral,
		LastAccrueTime:              m.LastAccrueTime,
		PendingOrders:               len(m.Orders),
	}, nil
}

// Order returns a copy of a pending order.
func (e *Exchange) Order(key MarketKey, orderID uint64) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[key]
	if !ok {
		return Order{}, ErrMarketNotFound
	}
	o, ok := m.Orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return *o, nil
}

// Position returns a copy of a user's position on one side.
func (e *Exchange) Position(key MarketKey, user string, isLong bool) (Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[key]
	if !ok {
		return Position{}, ErrMarketNotFound
	}
	return m.peekPosition(user, isLong), nil
}

// UserOrders returns the user's open order references.
func (e *Exchange) UserOrders(user string) []OrderRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Orders(user)
}

// UserPositions returns the user's open position references.
func (e *Exchange) UserPositions(user string) []PositionRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Positions(user)
}
