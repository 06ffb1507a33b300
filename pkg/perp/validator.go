package perp

// Order admission checks, applied at placement time after accrual. All
// failures here are hard aborts: the order is never stored. No price is known
// yet for market orders, so every rule is price-independent.

// validateOrder admits or rejects a new order against the market config, the
// open-interest snapshot and the would-be position. The accrual carries the
// already-accrued risk fee that placement must net against collateral.
func validateOrder(m *Market, a accrual, pos *Position, o *Order) error {
	if o.Price == 0 {
		return ErrZeroPrice
	}
	if o.SizeDelta == 0 && o.CollateralDelta == 0 {
		return ErrEmptyOrder
	}
	if o.IsIncrease {
		return validateIncrease(m, a, pos, o)
	}
	return validateDecrease(m, pos, o)
}

func validateIncrease(m *Market, a accrual, pos *Position, o *Order) error {
	newSize := pos.Size + o.SizeDelta
	if newSize < m.Config.MinPositionSize {
		return ErrUnderMinSize
	}
	if o.CollateralDelta == 0 || o.CollateralDelta < m.Config.MinOrderCollateral {
		return ErrUnderMinCollateral
	}
	if m.sideOpenInterest(o.IsLong)+o.SizeDelta > m.Config.MaxOpenInterest {
		return ErrOverMaxInterest
	}
	if err := checkSkewLimit(m, o.IsLong, o.SizeDelta); err != nil {
		return err
	}

	// The entry fee must be strictly covered by total collateral.
	fee := m.tradeFee(o.SizeDelta, o.IsLong, true)
	if fee >= pos.Collateral+o.CollateralDelta {
		return ErrFeeOverCollateral
	}

	// Net out the fee and any already-accrued risk fee, then bound the
	// resulting collateral and leverage.
	collateral := SignedFromUint(pos.Collateral + o.CollateralDelta - fee).Sub(a.riskFee(pos, o.IsLong))
	if collateral.IsNeg() {
		return ErrFeeOverCollateral
	}
	if collateral.Mag < m.Config.MinPositionCollateral || collateral.Mag > m.Config.MaxPositionCollateral {
		return ErrCollateralBounds
	}
	if !m.Config.leverageInBand(leverage(newSize, collateral.Mag)) {
		return ErrLeverageBounds
	}
	return nil
}

func validateDecrease(m *Market, pos *Position, o *Order) error {
	if o.SizeDelta > pos.Size {
		return ErrOverDecrease
	}
	if o.SizeDelta == pos.Size {
		// Full close: no residual collateral or leverage to bound.
		return nil
	}
	if o.CollateralDelta > pos.Collateral {
		return ErrCollateralBounds
	}
	remaining := pos.Collateral - o.CollateralDelta
	if remaining < m.Config.MinPositionCollateral || remaining > m.Config.MaxPositionCollateral {
		return ErrCollateralBounds
	}
	if !m.Config.leverageInBand(leverage(pos.Size-o.SizeDelta, remaining)) {
		return ErrLeverageBounds
	}
	return nil
}

// checkSkewLimit enforces the configurable maximum aggregate skew. An order
// whose post-order skew is strictly smaller than the pre-order skew is always
// admitted even over the cap, as is a pure collateral top-up.
func checkSkewLimit(m *Market, isLong bool, sizeDelta uint64) error {
	if sizeDelta == 0 {
		return nil
	}
	limit := m.maxSkewLimit()
	pre := m.skew().Mag
	post := postSkew(m, isLong, sizeDelta, true)
	if post <= limit || post < pre {
		return nil
	}
	return ErrOverMaxSkew
}

// postSkew computes |long-short| after applying a size delta to one side.
func postSkew(m *Market, isLong bool, sizeDelta uint64, increase bool) uint64 {
	long, short := m.LongOpenInterest, m.ShortOpenInterest
	if increase {
		if isLong {
			long += sizeDelta
		} else {
			short += sizeDelta
		}
	} else {
		if isLong {
			long -= sizeDelta
		} else {
			short -= sizeDelta
		}
	}
	return absDiff(long, short)
}
