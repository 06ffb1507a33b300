package perp

import (
	"math/big"
	"sort"
)

// Order execution. An order leaves the Pending state exactly once: the entry
// point removes it from the pending map before anything else, so a losing
// racer fails closed with ErrOrderNotFound instead of double-executing.
// Execution-time rejections cancel-and-refund rather than abort, because a
// keeper acts on the user's behalf and an abort would strand the order.

// ExecuteOrder settles or cancels one pending order against a fresh index
// price. proof is opaque attestation data forwarded to the price source.
func (e *Exchange) ExecuteOrder(auth ExecAuthority, key MarketKey, orderID uint64, indexPrice uint64, proof []byte) (ExecOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if auth == nil || !auth.allows(e, key) {
		return ExecOutcome{}, ErrInvalidCapability
	}
	return e.executeOrderLocked(key, orderID, indexPrice, proof)
}

// ExecuteOrderAll executes every pending order of a market, newest first.
// Hard per-order failures are skipped; each terminal outcome is returned.
func (e *Exchange) ExecuteOrderAll(auth ExecAuthority, key MarketKey, indexPrice uint64, proof []byte) ([]ExecOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if auth == nil || !auth.allows(e, key) {
		return nil, ErrInvalidCapability
	}
	m, ok := e.markets[key]
	if !ok {
		return nil, ErrMarketNotFound
	}
	ids := make([]uint64, 0, len(m.Orders))
	for id := range m.Orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	outcomes := make([]ExecOutcome, 0, len(ids))
	for _, id := range ids {
		out, err := e.executeOrderLocked(key, id, indexPrice, proof)
		if err != nil {
			e.logger.Debug("bulk execute skipped order", "id", id, "err", err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// ExecuteOrderSelf lets the order owner force-execute their own pending
// market decrease order once the execution time limit has elapsed, using the
// current index price. This is the liveness fallback against keeper outages.
func (e *Exchange) ExecuteOrderSelf(caller string, key MarketKey, orderID uint64) (ExecOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets[key]
	if !ok {
		return ExecOutcome{}, ErrMarketNotFound
	}
	if m.Config.Paused {
		return ExecOutcome{}, ErrMarketPaused
	}
	o, ok := m.Orders[orderID]
	if !ok {
		return ExecOutcome{}, ErrOrderNotFound
	}
	if o.User != caller {
		return ExecOutcome{}, ErrNotAuthorized
	}
	now := e.clock()
	if o.IsIncrease || !o.IsMarket || now < o.CreatedAt+m.Config.ExecuteTimeLimit {
		return ExecOutcome{}, ErrNotSelfExecutable
	}

	delete(m.Orders, orderID)
	a := computeAccrual(m, now)
	buy := o.IsLong == o.IsIncrease
	px, err := e.prices.Price(key.Pair, buy)
	if err != nil {
		m.Orders[orderID] = o
		return ExecOutcome{}, err
	}
	px = impactedPrice(m, px, o.SizeDelta, buy)
	out, err := e.executeDecrease(m, a, o, px)
	if err == nil && out.Executed {
		out.Self = true
	}
	return out, err
}

func (e *Exchange) executeOrderLocked(key MarketKey, orderID uint64, indexPrice uint64, proof []byte) (ExecOutcome, error) {
	m, ok := e.markets[key]
	if !ok {
		return ExecOutcome{}, ErrMarketNotFound
	}
	if m.Config.Paused {
		return ExecOutcome{}, ErrMarketPaused
	}

	// Removal-on-first-use: the sole guard against keeper races.
	o, ok := m.Orders[orderID]
	if !ok {
		return ExecOutcome{}, ErrOrderNotFound
	}
	delete(m.Orders, orderID)

	now := e.clock()
	if o.IsMarket && now > o.CreatedAt+m.Config.ExecuteTimeLimit {
		return e.finishCancel(m, o, CancelExpired, nil)
	}
	if o.IsIncrease {
		pos := m.peekPosition(o.User, o.IsLong)
		if e.pool.HardBreak() || (e.pool.SoftBreak() && pos.Size == 0) {
			return e.finishCancel(m, o, CancelExpired, nil)
		}
	}

	a := computeAccrual(m, now)
	if err := e.prices.Update(key.Pair, indexPrice, proof); err != nil {
		m.Orders[orderID] = o
		return ExecOutcome{}, err
	}
	buy := o.IsLong == o.IsIncrease
	px, err := e.prices.Price(key.Pair, buy)
	if err != nil {
		m.Orders[orderID] = o
		return ExecOutcome{}, err
	}
	px = impactedPrice(m, px, o.SizeDelta, buy)

	if o.IsIncrease {
		return e.executeIncrease(m, a, o, px)
	}
	return e.executeDecrease(m, a, o, px)
}

// orderExecutable checks the requested limit against the impacted price.
func orderExecutable(o *Order, px uint64) bool {
	if o.CanExecuteAbove {
		return px >= o.Price
	}
	return px <= o.Price
}

// requeue puts a still-valid limit order back into the pending set. This is
// a distinct outcome from cancellation: the order may execute later.
func (e *Exchange) requeue(m *Market, o *Order, a accrual) ExecOutcome {
	a.commit(m)
	m.Orders[o.ID] = o
	return ExecOutcome{OrderID: o.ID, Requeued: true}
}

func (e *Exchange) executeIncrease(m *Market, a accrual, o *Order, px uint64) (ExecOutcome, error) {
	if !orderExecutable(o, px) {
		if o.IsMarket {
			return e.finishCancel(m, o, CancelUnexecutablePrice, &a)
		}
		return e.requeue(m, o, a), nil
	}

	posView := m.peekPosition(o.User, o.IsLong)
	if posView.Size+o.SizeDelta < m.Config.MinPositionSize {
		return e.finishCancel(m, o, CancelInsufficientSize, &a)
	}

	riskFee := a.riskFee(&posView, o.IsLong)
	fee := m.tradeFee(o.SizeDelta, o.IsLong, true)
	if fee > o.CollateralDelta {
		return e.finishCancel(m, o, CancelFeeOverCollateral, &a)
	}
	collateral := posView.Collateral + o.CollateralDelta - fee
	if riskFee.IsNeg() {
		collateral += riskFee.Mag
	} else {
		if riskFee.Mag > collateral {
			return e.finishCancel(m, o, CancelFeeOverCollateral, &a)
		}
		collateral -= riskFee.Mag
	}
	if collateral > m.Config.MaxPositionCollateral {
		return e.finishCancel(m, o, CancelOverMaxCollateral, &a)
	}

	// Leverage bounds shrink or grow the requested size rather than reject
	// it; the realized open-interest delta is the clamped one.
	lo := mulDiv(collateral, m.Config.MinLeverage, LeverageScale)
	hi := mulDiv(collateral, m.Config.MaxLeverage, LeverageScale)
	newSize := clampUint(posView.Size+o.SizeDelta, lo, hi)
	if newSize < posView.Size {
		return e.finishCancel(m, o, CancelOverMaxLeverage, &a)
	}
	if newSize < m.Config.MinPositionSize {
		return e.finishCancel(m, o, CancelInsufficientSize, &a)
	}
	realized := newSize - posView.Size

	// Post-clamp re-validation of the caps.
	if m.sideOpenInterest(o.IsLong)+realized > m.Config.MaxOpenInterest {
		return e.finishCancel(m, o, CancelOverMaxInterest, &a)
	}
	if realized > 0 {
		pre := m.skew().Mag
		post := postSkew(m, o.IsLong, realized, true)
		if post > m.maxSkewLimit() && post >= pre {
			return e.finishCancel(m, o, CancelOverMaxSkew, &a)
		}
	}

	// Point of no return: settle.
	a.commit(m)
	if err := e.splitter.DepositFee(m.Key.Collateral, fee); err != nil {
		return ExecOutcome{}, err
	}
	if err := e.settleRiskFee(m, riskFee); err != nil {
		return ExecOutcome{}, err
	}

	pos := m.position(o.User, o.IsLong)
	opened := pos.Size == 0
	if opened {
		pos.UID = o.UID
		pos.AvgPrice = px
	} else {
		pos.AvgPrice = weightedAvgPrice(pos.Size, pos.AvgPrice, realized, px)
	}
	before := *pos
	pos.Size = newSize
	pos.Collateral = collateral
	a.snapshot(pos)
	pos.StopLossPrice = o.StopLossPrice
	pos.TakeProfitPrice = clampTakeProfit(o.TakeProfitPrice, pos.AvgPrice, pos.Size, pos.Collateral, m.Config.MaximumProfit, o.IsLong)
	m.addOpenInterest(o.IsLong, realized)

	e.index.RemoveOrder(o.User, OrderRef{Market: m.Key, OrderID: o.ID})
	if opened {
		e.index.AddPosition(o.User, PositionRef{Market: m.Key, IsLong: o.IsLong})
	}

	kind := PositionUpdate
	if opened {
		kind = PositionOpen
	}
	e.metrics.OrdersExecuted.Inc()
	e.logger.Debug("increase executed",
		"pair", m.Key.Pair, "id", o.ID, "user", o.User,
		"size", pos.Size, "collateral", pos.Collateral, "price", px)
	e.sink.Emit(PositionChangedEvent{
		Market:            m.Key,
		Event:             kind,
		UID:               pos.UID,
		User:              o.User,
		IsLong:            o.IsLong,
		SizeBefore:        before.Size,
		SizeAfter:         pos.Size,
		CollateralBefore:  before.Collateral,
		CollateralAfter:   pos.Collateral,
		AvgPrice:          pos.AvgPrice,
		ExecPrice:         px,
		TradeFee:          fee,
		RiskFee:           riskFee,
		LongOpenInterest:  m.LongOpenInterest,
		ShortOpenInterest: m.ShortOpenInterest,
		Timestamp:         a.now,
	})
	return ExecOutcome{OrderID: o.ID, Executed: true}, nil
}

func (e *Exchange) executeDecrease(m *Market, a accrual, o *Order, px uint64) (ExecOutcome, error) {
	if !orderExecutable(o, px) {
		if o.IsMarket {
			return e.finishCancel(m, o, CancelUnexecutablePrice, &a)
		}
		return e.requeue(m, o, a), nil
	}

	posView := m.peekPosition(o.User, o.IsLong)
	if posView.Size == 0 || o.SizeDelta > posView.Size || o.CollateralDelta > posView.Collateral {
		// Already liquidated (or shrunk) by the time of execution.
		return e.finishCancel(m, o, CancelInsufficientSize, &a)
	}

	riskFee := a.riskFee(&posView, o.IsLong)
	exitFee := m.tradeFee(o.SizeDelta, o.IsLong, false)
	pnl := positionPnl(&posView, o.IsLong, o.SizeDelta, px)

	// Anti-gaming cooldown: a profitable close too soon after the last touch
	// realizes zero PnL but still pays fees and moves open interest.
	if cd := m.cooldownSeconds(); cd > 0 && !pnl.IsNeg() && !pnl.IsZero() {
		if a.now < posView.LastExecuteTime+cd {
			pnl = SignedZero()
		}
	}

	settle := pnl.Sub(riskFee)
	// Payout cap is proportional to the collateral being closed, not the
	// whole position's collateral.
	payoutCap := mulDiv(mulDiv(posView.Collateral, o.SizeDelta, posView.Size), m.Config.MaximumProfit, BpsScale)
	if !settle.IsNeg() && settle.Mag > payoutCap {
		settle = SignedFromUint(payoutCap)
	}

	fullClose := o.SizeDelta == posView.Size
	var collateralOut, newSize, newCollateral uint64
	if fullClose {
		collateralOut = posView.Collateral
	} else {
		newSize = posView.Size - o.SizeDelta
		newCollateral = posView.Collateral - o.CollateralDelta
		collateralOut = o.CollateralDelta
		lev := leverage(newSize, newCollateral)
		if newCollateral == 0 || lev > m.Config.MaxLeverage+LeverageTolerance {
			return e.finishCancel(m, o, CancelOverMaxLeverage, &a)
		}
		min := uint64(0)
		if m.Config.MinLeverage > LeverageTolerance {
			min = m.Config.MinLeverage - LeverageTolerance
		}
		if lev < min {
			return e.finishCancel(m, o, CancelUnderMinLeverage, &a)
		}
	}

	// Point of no return: settle against the pool and pay out.
	a.commit(m)
	gross := collateralOut
	if settle.IsNeg() {
		loss := settle.Mag
		if loss > gross {
			loss = gross
		}
		if err := e.pool.PnLDeposit(m.Key.Collateral, loss); err != nil {
			return ExecOutcome{}, err
		}
		gross -= loss
	} else if settle.Mag > 0 {
		if err := e.pool.PnLWithdraw(m.Key.Collateral, settle.Mag); err != nil {
			return ExecOutcome{}, err
		}
		gross += settle.Mag
	}
	// A full close that cannot cover the exit fee pays a reduced fee, never
	// a negative payout.
	fee := exitFee
	if fee > gross {
		fee = gross
	}
	if err := e.splitter.DepositFee(m.Key.Collateral, fee); err != nil {
		return ExecOutcome{}, err
	}
	payout := gross - fee
	if err := e.payOut(o.User, m.Key.Collateral, payout); err != nil {
		return ExecOutcome{}, err
	}

	pos := m.position(o.User, o.IsLong)
	before := *pos
	m.subOpenInterest(o.IsLong, o.SizeDelta)
	kind := PositionUpdate
	if fullClose {
		kind = PositionClose
		pos.reset()
		e.index.RemovePosition(o.User, PositionRef{Market: m.Key, IsLong: o.IsLong})
	} else {
		pos.Size = newSize
		pos.Collateral = newCollateral
		a.snapshot(pos)
	}
	e.index.RemoveOrder(o.User, OrderRef{Market: m.Key, OrderID: o.ID})

	e.metrics.OrdersExecuted.Inc()
	e.logger.Debug("decrease executed",
		"pair", m.Key.Pair, "id", o.ID, "user", o.User,
		"sizeDelta", o.SizeDelta, "payout", payout, "price", px)
	e.sink.Emit(PositionChangedEvent{
		Market:            m.Key,
		Event:             kind,
		UID:               before.UID,
		User:              o.User,
		IsLong:            o.IsLong,
		SizeBefore:        before.Size,
		SizeAfter:         pos.Size,
		CollateralBefore:  before.Collateral,
		CollateralAfter:   pos.Collateral,
		AvgPrice:          before.AvgPrice,
		ExecPrice:         px,
		TradeFee:          fee,
		RiskFee:           riskFee,
		Pnl:               pnl,
		Payout:            payout,
		LongOpenInterest:  m.LongOpenInterest,
		ShortOpenInterest: m.ShortOpenInterest,
		Timestamp:         a.now,
	})
	return ExecOutcome{OrderID: o.ID, Executed: true}, nil
}

// settleRiskFee routes an owed risk fee into the pool, or pulls an owed
// rebate out of it.
func (e *Exchange) settleRiskFee(m *Market, riskFee Signed) error {
	if riskFee.IsZero() {
		return nil
	}
	if riskFee.IsNeg() {
		return e.pool.PnLWithdraw(m.Key.Collateral, riskFee.Mag)
	}
	return e.pool.PnLDeposit(m.Key.Collateral, riskFee.Mag)
}

// positionPnl computes the signed PnL of closing sizeDelta at px against the
// volume-weighted entry price.
func positionPnl(pos *Position, isLong bool, sizeDelta, px uint64) Signed {
	if pos.AvgPrice == 0 {
		return SignedZero()
	}
	diff := SignedDiff(px, pos.AvgPrice)
	if !isLong {
		diff = diff.Negate()
	}
	return diff.MulDiv(sizeDelta, pos.AvgPrice)
}

// impactedPrice shifts the oracle price against the trader proportionally to
// the order size and any existing skew in the trade direction, normalized by
// the skew factor and the relevant market depth.
func impactedPrice(m *Market, price, sizeDelta uint64, buy bool) uint64 {
	skew := m.skew()
	var towards uint64
	if buy && !skew.IsNeg() {
		towards = skew.Mag
	} else if !buy && skew.IsNeg() {
		towards = skew.Mag
	}
	depth := m.Config.MarketDepthBelow
	if buy {
		depth = m.Config.MarketDepthAbove
	}
	denom := m.Config.SkewFactor + depth
	if denom == 0 {
		return price
	}
	shift := mulDiv(price, 2*towards+sizeDelta, 2*denom)
	if buy {
		return price + shift
	}
	if shift >= price {
		return 1
	}
	return price - shift
}

// weightedAvgPrice blends the existing average entry with the newly executed
// slice, weighted by size.
func weightedAvgPrice(oldSize, oldAvg, addSize, addPx uint64) uint64 {
	total := oldSize + addSize
	if total == 0 {
		return addPx
	}
	sum := new(big.Int).Mul(new(big.Int).SetUint64(oldSize), new(big.Int).SetUint64(oldAvg))
	sum.Add(sum, new(big.Int).Mul(new(big.Int).SetUint64(addSize), new(big.Int).SetUint64(addPx)))
	sum.Quo(sum, new(big.Int).SetUint64(total))
	return sum.Uint64()
}

// clampTakeProfit bounds a requested take-profit trigger so the position's
// nominal profit can never exceed the market's maximum-profit bound. The
// short-side floor degenerates to 1 rather than divide by zero.
func clampTakeProfit(tp, avg, size, collateral, maxProfitBps uint64, isLong bool) uint64 {
	if tp == 0 || avg == 0 || size == 0 {
		return tp
	}
	maxDiff := mulDiv(mulDiv(avg, collateral, size), maxProfitBps, BpsScale)
	if isLong {
		if tp > avg+maxDiff {
			return avg + maxDiff
		}
		return tp
	}
	floor := uint64(1)
	if avg > maxDiff {
		floor = avg - maxDiff
	}
	if tp < floor {
		return floor
	}
	return tp
}
