package perp

// Fee accrual advances the funding-rate and rollover accumulators by elapsed
// time. It must run before any other state-changing operation touches open
// interest or positions.
//
// The results are computed into an accrual value first and committed
// separately, so hard-abort paths can evaluate against accrued state without
// leaving a partial mutation behind.

type accrual struct {
	now                  int64
	fundingRate          Signed
	accFundingFeePerSize Signed
	accRollover          uint64
}

// computeAccrual derives the post-accrual accumulator values at time now.
// Order of operations:
//  1. the new funding rate moves toward a target proportional to
//     (long-short)/skewFactor, with the per-second rate of change clamped by
//     MaxFundingVelocity;
//  2. the funding-fee-per-size delta integrates the trapezoidal average of
//     the previous and the new rate over the elapsed interval;
//  3. the rollover accumulator grows by rate x elapsed.
func computeAccrual(m *Market, now int64) accrual {
	a := accrual{
		now:                  now,
		fundingRate:          m.FundingRate,
		accFundingFeePerSize: m.AccFundingFeePerSize,
		accRollover:          m.AccRolloverFeePerCollateral,
	}
	if now <= m.LastAccrueTime {
		a.now = m.LastAccrueTime
		return a
	}
	elapsed := uint64(now - m.LastAccrueTime)

	// 1. New funding rate. The target is the current skew normalized by the
	// skew factor; the step toward it is capped by velocity x elapsed.
	oldRate := m.FundingRate
	newRate := oldRate
	if m.Config.SkewFactor > 0 {
		target := m.skew().MulDiv(LeverageScale, m.Config.SkewFactor)
		step := target.Sub(oldRate).ClampMag(mulDiv(m.Config.MaxFundingVelocity, elapsed, 1))
		newRate = oldRate.Add(step)
	}

	// 2. Funding-fee-per-size delta from the trapezoidal average of the old
	// rate (not yet overwritten) and the new one. The rate is per day.
	avg := oldRate.Add(newRate).Half()
	a.accFundingFeePerSize = m.AccFundingFeePerSize.Add(avg.MulDiv(elapsed, secondsPerDay))

	// 3. Rollover fee per collateral. The per-interval product saturates
	// rather than wrapping under extreme rate and gap combinations.
	a.accRollover = m.AccRolloverFeePerCollateral + mulDiv(m.Config.RolloverFeePerSecond, elapsed, 1)

	a.fundingRate = newRate
	return a
}

// commit writes all accrued fields back and advances the accrual timestamp.
func (a accrual) commit(m *Market) {
	m.FundingRate = a.fundingRate
	m.AccFundingFeePerSize = a.accFundingFeePerSize
	m.AccRolloverFeePerCollateral = a.accRollover
	m.LastAccrueTime = a.now
}

// riskFee is the funding fee plus rollover fee a position owes (positive) or
// is owed (negative) since its last touch, evaluated against accrued
// accumulator values.
func (a accrual) riskFee(pos *Position, isLong bool) Signed {
	if pos.Size == 0 {
		return SignedZero()
	}
	funding := a.accFundingFeePerSize.Sub(pos.FundingSnap).MulDiv(pos.Size, FeeScale)
	if !isLong {
		// A positive accumulator means longs pay shorts.
		funding = funding.Negate()
	}
	rollover := mulDiv(pos.Collateral, a.accRollover-pos.RolloverSnap, FeeScale)
	return funding.Add(SignedFromUint(rollover))
}

// snapshot stamps the position with the accrued accumulator values.
func (a accrual) snapshot(pos *Position) {
	pos.FundingSnap = a.accFundingFeePerSize
	pos.RolloverSnap = a.accRollover
	pos.LastExecuteTime = a.now
}
