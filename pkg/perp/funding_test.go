package perp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fundingMarket(skewFactor, velocity, rollover uint64) *Market {
	cfg := DefaultMarketConfig()
	cfg.SkewFactor = skewFactor
	cfg.MaxFundingVelocity = velocity
	cfg.RolloverFeePerSecond = rollover
	return newMarket(testKey, cfg, 0)
}

func TestComputeAccrual(t *testing.T) {
	t.Run("no elapsed time is a no-op", func(t *testing.T) {
		m := fundingMarket(LeverageScale, 1000, 7)
		m.LongOpenInterest = 1_000_000
		a := computeAccrual(m, 0)
		assert.True(t, a.fundingRate.IsZero())
		assert.True(t, a.accFundingFeePerSize.IsZero())
		assert.Equal(t, uint64(0), a.accRollover)
	})

	t.Run("clock going backwards is a no-op", func(t *testing.T) {
		m := fundingMarket(LeverageScale, 1000, 7)
		m.LastAccrueTime = 100
		m.LongOpenInterest = 1_000_000
		a := computeAccrual(m, 50)
		assert.Equal(t, int64(100), a.now)
		assert.True(t, a.fundingRate.IsZero())
	})

	t.Run("rate steps toward target clamped by velocity", func(t *testing.T) {
		m := fundingMarket(LeverageScale, 1_000_000, 0)
		m.LongOpenInterest = 864_000_000
		// target = 864e6 * 1e6 / 1e6 = 864e6; step cap = 1e6 * 100.
		a := computeAccrual(m, 100)
		assert.Equal(t, SignedFromUint(100_000_000), a.fundingRate)

		// Trapezoid of old rate 0 and new rate 1e8 over 100s of a day.
		// avg=5e7, delta = 5e7*100/86400 = 57870.
		assert.Equal(t, SignedFromUint(57_870), a.accFundingFeePerSize)
	})

	t.Run("rate reaches target when the step fits under the cap", func(t *testing.T) {
		m := fundingMarket(LeverageScale, 1_000_000, 0)
		m.LongOpenInterest = 50_000_000
		a := computeAccrual(m, 100)
		assert.Equal(t, SignedFromUint(50_000_000), a.fundingRate)
	})

	t.Run("accumulators compound over successive accruals", func(t *testing.T) {
		m := fundingMarket(LeverageScale, 1_000_000, 0)
		m.LongOpenInterest = 864_000_000
		computeAccrual(m, 100).commit(m)
		require.Equal(t, int64(100), m.LastAccrueTime)

		a := computeAccrual(m, 200)
		assert.Equal(t, SignedFromUint(200_000_000), a.fundingRate)
		// avg = (1e8 + 2e8)/2 = 1.5e8; delta = 1.5e8*100/86400 = 173611.
		assert.Equal(t, SignedFromUint(57_870+173_611), a.accFundingFeePerSize)
	})

	t.Run("rate crosses zero when skew flips", func(t *testing.T) {
		m := fundingMarket(LeverageScale, 1_000_000, 0)
		m.FundingRate = SignedFromUint(30_000_000)
		m.ShortOpenInterest = 864_000_000
		a := computeAccrual(m, 100)
		// Target is -864e6, step cap 1e8: rate moves 3e7 -> -7e7.
		assert.Equal(t, NewSigned(true, 70_000_000), a.fundingRate)
		// avg = (3e7 - 7e7)/2 = -2e7; delta = -2e7*100/86400 = -23148.
		assert.Equal(t, NewSigned(true, 23_148), a.accFundingFeePerSize)
	})

	t.Run("rollover grows linearly", func(t *testing.T) {
		m := fundingMarket(0, 0, 5)
		a := computeAccrual(m, 100)
		assert.Equal(t, uint64(500), a.accRollover)
		assert.True(t, a.fundingRate.IsZero())
	})

	t.Run("extreme rate and gap saturate instead of wrapping", func(t *testing.T) {
		m := fundingMarket(LeverageScale, uint64(1)<<63, 0)
		m.Config.RolloverFeePerSecond = uint64(1) << 63
		m.LongOpenInterest = 864_000_000
		// 2^63 * 100 wraps a uint64; both products must saturate so the
		// rollover accumulator never shrinks and the velocity cap never
		// collapses to a small value.
		a := computeAccrual(m, 100)
		assert.Equal(t, ^uint64(0), a.accRollover)
		assert.Equal(t, SignedFromUint(864_000_000), a.fundingRate)
	})
}

func TestRiskFee(t *testing.T) {
	a := accrual{
		accFundingFeePerSize: SignedFromUint(2_000),
		accRollover:          1_000,
	}

	t.Run("zero position owes nothing", func(t *testing.T) {
		assert.True(t, a.riskFee(&Position{}, true).IsZero())
	})

	t.Run("long pays positive funding plus rollover", func(t *testing.T) {
		pos := &Position{Size: 1_000_000, Collateral: 500_000}
		// funding 2000*1e6/1e6 = 2000; rollover 500000*1000/1e6 = 500.
		assert.Equal(t, SignedFromUint(2_500), a.riskFee(pos, true))
	})

	t.Run("short receives funding but still pays rollover", func(t *testing.T) {
		pos := &Position{Size: 1_000_000, Collateral: 500_000}
		assert.Equal(t, NewSigned(true, 1_500), a.riskFee(pos, false))
	})

	t.Run("snapshots net out already-charged accrual", func(t *testing.T) {
		pos := &Position{
			Size:         1_000_000,
			Collateral:   500_000,
			FundingSnap:  SignedFromUint(2_000),
			RolloverSnap: 1_000,
		}
		assert.True(t, a.riskFee(pos, true).IsZero())
	})
}

func TestAccrualCommitIsAtomic(t *testing.T) {
	m := fundingMarket(LeverageScale, 1_000_000, 5)
	m.LongOpenInterest = 864_000_000

	a := computeAccrual(m, 100)
	// Nothing moved before commit.
	assert.True(t, m.FundingRate.IsZero())
	assert.Equal(t, uint64(0), m.AccRolloverFeePerCollateral)
	assert.Equal(t, int64(0), m.LastAccrueTime)

	a.commit(m)
	assert.Equal(t, a.fundingRate, m.FundingRate)
	assert.Equal(t, a.accFundingFeePerSize, m.AccFundingFeePerSize)
	assert.Equal(t, a.accRollover, m.AccRolloverFeePerCollateral)
	assert.Equal(t, int64(100), m.LastAccrueTime)
}
