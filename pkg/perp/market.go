package perp

import (
	"encoding/binary"
	"math"
)

// Fixed-point scales used across the settlement core.
const (
	// LeverageScale is the 1e6 fixed-point unit: 1_000_000 = 1x leverage,
	// and for fee rates 1_000_000 = 100%.
	LeverageScale = 1_000_000

	// FeeScale is the maker/taker and funding/rollover rate denominator.
	FeeScale = 1_000_000

	// BpsScale is the basis-point denominator for profit and liquidation
	// thresholds.
	BpsScale = 10_000

	// LeverageTolerance widens the min/max leverage band at execution time
	// by 0.1x to absorb integer rounding.
	LeverageTolerance = 100_000

	// secondsPerDay converts the per-day funding rate into per-second
	// accumulator deltas.
	secondsPerDay = 86_400
)

// Well-known keys of the open-ended market parameter map.
const (
	ParamMaxSkewLimit   = "maximum_skew_limit"
	ParamCooldownSecond = "cooldown_period_second"
)

// MarketKey identifies one PairMarket: a trading pair settled in one
// collateral asset.
type MarketKey struct {
	Pair       string
	Collateral string
}

// MarketConfig is the admin-mutable, rarely changing part of a PairMarket.
// Rates and leverage are 1e6-scaled; thresholds are in basis points.
type MarketConfig struct {
	Paused bool

	MinLeverage uint64 // 1e6 = 1x
	MaxLeverage uint64

	MakerFee uint64 // 1e6 = 100%
	TakerFee uint64

	RolloverFeePerSecond uint64 // fraction of collateral per second, 1e6 scale
	SkewFactor           uint64 // price-impact / funding tuning
	MaxFundingVelocity   uint64 // max funding-rate change per second

	MaxOpenInterest    uint64
	MarketDepthAbove   uint64
	MarketDepthBelow   uint64
	ExecuteTimeLimit   int64  // seconds a market order stays executable
	LiquidateThreshold uint64 // bps of prior collateral
	MaximumProfit      uint64 // bps of collateral

	MinOrderCollateral    uint64
	MinPositionCollateral uint64
	MaxPositionCollateral uint64
	MinPositionSize       uint64

	ExecutionFee uint64
}

// DefaultMarketConfig returns a conservative starting configuration.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		MinLeverage:           1 * LeverageScale,
		MaxLeverage:           100 * LeverageScale,
		MakerFee:              500,  // 0.05%
		TakerFee:              1000, // 0.10%
		RolloverFeePerSecond:  0,
		SkewFactor:            1_000_000_000_000,
		MaxFundingVelocity:    0,
		MaxOpenInterest:       math.MaxUint64,
		MarketDepthAbove:      0,
		MarketDepthBelow:      0,
		ExecuteTimeLimit:      30,
		LiquidateThreshold:    1000, // 10% of collateral left
		MaximumProfit:         BpsScale,
		MinOrderCollateral:    0,
		MinPositionCollateral: 0,
		MaxPositionCollateral: math.MaxUint64,
		MinPositionSize:       0,
		ExecutionFee:          0,
	}
}

// Order is an ephemeral pending order, keyed by an incrementing id within a
// market. It is destroyed on execution or cancellation and never survives
// either boundary.
type Order struct {
	ID              uint64
	UID             uint64 // stable position uid; fresh if no position exists
	User            string
	SizeDelta       uint64
	CollateralDelta uint64
	Price           uint64 // exact limit, or worst-acceptable for market orders
	IsLong          bool
	IsIncrease      bool
	IsMarket        bool
	CanExecuteAbove bool // executable when market price >= Price
	StopLossPrice   uint64
	TakeProfitPrice uint64
	CreatedAt       int64
}

// Position is a live position for one user on one side of a market. It is
// reset to the zero value, not removed, when fully closed.
type Position struct {
	UID             uint64
	Size            uint64
	Collateral      uint64
	AvgPrice        uint64
	RolloverSnap    uint64 // market AccRolloverFeePerCollateral at last touch
	FundingSnap     Signed // market AccFundingFeePerSize at last touch
	LastExecuteTime int64
	StopLossPrice   uint64
	TakeProfitPrice uint64
}

func (p *Position) reset() {
	*p = Position{}
}

// Market is one PairMarket: configuration plus the continuously mutated
// ledger. All access is serialized by the owning Exchange.
type Market struct {
	Key    MarketKey
	Config MarketConfig

	// Ledger.
	NextOrderID                 uint64
	LongOpenInterest            uint64
	ShortOpenInterest           uint64
	FundingRate                 Signed // per-day rate, 1e6 scale
	AccFundingFeePerSize        Signed // 1e6 scale, positive = longs pay
	AccRolloverFeePerCollateral uint64 // 1e6 scale
	LastAccrueTime              int64

	Orders         map[uint64]*Order
	LongPositions  map[string]*Position
	ShortPositions map[string]*Position

	// Open-ended key -> raw bytes parameter map for later-added tunables.
	Params map[string][]byte
}

func newMarket(key MarketKey, cfg MarketConfig, now int64) *Market {
	return &Market{
		Key:            key,
		Config:         cfg,
		NextOrderID:    1,
		LastAccrueTime: now,
		Orders:         make(map[uint64]*Order),
		LongPositions:  make(map[string]*Position),
		ShortPositions: make(map[string]*Position),
		Params:         make(map[string][]byte),
	}
}

// position returns the live position for one side, creating the zero-value
// slot on first touch. A zero-size position is "no position".
func (m *Market) position(user string, isLong bool) *Position {
	side := m.LongPositions
	if !isLong {
		side = m.ShortPositions
	}
	pos, ok := side[user]
	if !ok {
		pos = &Position{}
		side[user] = pos
	}
	return pos
}

// peekPosition returns a copy of the position slot without creating it, so
// read-only paths leave the ledger untouched.
func (m *Market) peekPosition(user string, isLong bool) Position {
	side := m.LongPositions
	if !isLong {
		side = m.ShortPositions
	}
	if pos, ok := side[user]; ok {
		return *pos
	}
	return Position{}
}

func (m *Market) sideOpenInterest(isLong bool) uint64 {
	if isLong {
		return m.LongOpenInterest
	}
	return m.ShortOpenInterest
}

func (m *Market) addOpenInterest(isLong bool, delta uint64) {
	if isLong {
		m.LongOpenInterest += delta
	} else {
		m.ShortOpenInterest += delta
	}
}

func (m *Market) subOpenInterest(isLong bool, delta uint64) {
	if isLong {
		m.LongOpenInterest -= delta
	} else {
		m.ShortOpenInterest -= delta
	}
}

// skew returns long - short open interest.
func (m *Market) skew() Signed {
	return SignedDiff(m.LongOpenInterest, m.ShortOpenInterest)
}

// SetParam stores a raw parameter value.
func (m *Market) SetParam(key string, raw []byte) {
	m.Params[key] = append([]byte(nil), raw...)
}

// ParamUint64 reads an 8-byte big-endian parameter, falling back to def when
// the key is absent or malformed.
func (m *Market) ParamUint64(key string, def uint64) uint64 {
	raw, ok := m.Params[key]
	if !ok || len(raw) != 8 {
		return def
	}
	return binary.BigEndian.Uint64(raw)
}

// EncodeParamUint64 renders a uint64 in the parameter map wire form.
func EncodeParamUint64(v uint64) []byte {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, v)
	return raw
}

func (m *Market) maxSkewLimit() uint64 {
	return m.ParamUint64(ParamMaxSkewLimit, math.MaxUint64)
}

func (m *Market) cooldownSeconds() int64 {
	return int64(m.ParamUint64(ParamCooldownSecond, 0))
}

// tradeFeeRate picks maker or taker for an order: the side adding to the
// smaller open-interest side (or reducing the larger one) pays maker.
func (m *Market) tradeFeeRate(isLong, isIncrease bool) uint64 {
	same := m.sideOpenInterest(isLong)
	other := m.sideOpenInterest(!isLong)
	if isIncrease {
		if same < other {
			return m.Config.MakerFee
		}
		return m.Config.TakerFee
	}
	if same > other {
		return m.Config.MakerFee
	}
	return m.Config.TakerFee
}

// tradeFee computes the entry/exit fee for a size delta.
func (m *Market) tradeFee(sizeDelta uint64, isLong, isIncrease bool) uint64 {
	return mulDiv(sizeDelta, m.tradeFeeRate(isLong, isIncrease), FeeScale)
}

// leverage returns size/collateral in 1e6 scale.
func leverage(size, collateral uint64) uint64 {
	if collateral == 0 {
		return 0
	}
	return mulDiv(size, LeverageScale, collateral)
}

// leverageInBand checks the tolerance-widened leverage bounds.
func (c *MarketConfig) leverageInBand(lev uint64) bool {
	lo := uint64(0)
	if c.MinLeverage > LeverageTolerance {
		lo = c.MinLeverage - LeverageTolerance
	}
	return lev >= lo && lev <= c.MaxLeverage+LeverageTolerance
}
