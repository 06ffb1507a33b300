package perp

// Position exits triggered by price rather than by an order: liquidation,
// take-profit and stop-loss. Keepers call ExecuteExitPosition opportunistically;
// when no trigger is met the call aborts with ErrNotOverThreshold and nothing
// changes. Exits run even on paused markets so risk can always be closed out.

// exitTrigger is the condition that fired, in precedence order.
type exitTrigger int

const (
	triggerNone exitTrigger = iota
	triggerLiquidate
	triggerTakeProfit
	triggerStopLoss
)

// ExecuteExitPosition closes a whole position when its liquidation threshold,
// take-profit or stop-loss trigger is met at the current price. Liquidation
// takes precedence over take-profit, take-profit over stop-loss.
func (e *Exchange) ExecuteExitPosition(auth ExecAuthority, key MarketKey, user string, isLong bool, indexPrice uint64, proof []byte) (PositionEventKind, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if auth == nil || !auth.allows(e, key) {
		return "", ErrInvalidCapability
	}
	m, ok := e.markets[key]
	if !ok {
		return "", ErrMarketNotFound
	}
	posView := m.peekPosition(user, isLong)
	if posView.Size == 0 {
		return "", ErrPositionNotFound
	}

	now := e.clock()
	a := computeAccrual(m, now)
	if err := e.prices.Update(key.Pair, indexPrice, proof); err != nil {
		return "", err
	}
	// Closing a long sells, closing a short buys.
	buy := !isLong
	px, err := e.prices.Price(key.Pair, buy)
	if err != nil {
		return "", err
	}
	px = impactedPrice(m, px, posView.Size, buy)

	riskFee := a.riskFee(&posView, isLong)
	pnl := positionPnl(&posView, isLong, posView.Size, px)

	trigger := evalExitTrigger(m, &posView, isLong, px, pnl, riskFee, now)
	if trigger == triggerNone {
		return "", ErrNotOverThreshold
	}

	// The cooldown window only suppresses the take-profit trigger (handled in
	// evalExitTrigger); a stop loss or liquidation firing inside the window
	// settles its PnL as-is.
	settle := pnl.Sub(riskFee)
	payoutCap := mulDiv(posView.Collateral, m.Config.MaximumProfit, BpsScale)
	if !settle.IsNeg() && settle.Mag > payoutCap {
		settle = SignedFromUint(payoutCap)
	}
	exitFee := m.tradeFee(posView.Size, isLong, false)

	// Point of no return.
	a.commit(m)
	gross := posView.Collateral
	if settle.IsNeg() {
		loss := settle.Mag
		if loss > gross {
			loss = gross
		}
		if err := e.pool.PnLDeposit(key.Collateral, loss); err != nil {
			return "", err
		}
		gross -= loss
	} else if settle.Mag > 0 {
		if err := e.pool.PnLWithdraw(key.Collateral, settle.Mag); err != nil {
			return "", err
		}
		gross += settle.Mag
	}
	fee := exitFee
	if fee > gross {
		fee = gross
	}
	if err := e.splitter.DepositFee(key.Collateral, fee); err != nil {
		return "", err
	}
	payout := gross - fee
	if err := e.payOut(user, key.Collateral, payout); err != nil {
		return "", err
	}

	pos := m.position(user, isLong)
	before := *pos
	m.subOpenInterest(isLong, posView.Size)
	pos.reset()
	e.index.RemovePosition(user, PositionRef{Market: key, IsLong: isLong})

	kind := PositionStopLoss
	switch trigger {
	case triggerLiquidate:
		kind = PositionLiquidate
		e.metrics.Liquidations.Inc()
	case triggerTakeProfit:
		kind = PositionTakeProfit
	}
	e.logger.Debug("position exited",
		"pair", key.Pair, "user", user, "long", isLong,
		"kind", string(kind), "price", px, "payout", payout)
	e.sink.Emit(PositionChangedEvent{
		Market:            key,
		Event:             kind,
		UID:               before.UID,
		User:              user,
		IsLong:            isLong,
		SizeBefore:        before.Size,
		CollateralBefore:  before.Collateral,
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
	return kind, nil
}

// evalExitTrigger checks liquidation, then take-profit, then stop-loss.
// Take-profit is suppressed while the position is inside the cooldown window.
func evalExitTrigger(m *Market, pos *Position, isLong bool, px uint64, pnl, riskFee Signed, now int64) exitTrigger {
	// Liquidation: collateral net of losses and risk fees falls to or below
	// the threshold fraction of the original collateral.
	net := SignedFromUint(pos.Collateral).Add(pnl).Sub(riskFee)
	floor := mulDiv(pos.Collateral, m.Config.LiquidateThreshold, BpsScale)
	if net.IsNeg() || net.Mag <= floor {
		return triggerLiquidate
	}

	if pos.TakeProfitPrice != 0 {
		hit := px >= pos.TakeProfitPrice
		if !isLong {
			hit = px <= pos.TakeProfitPrice
		}
		if hit {
			cd := m.cooldownSeconds()
			if cd == 0 || now >= pos.LastExecuteTime+cd {
				return triggerTakeProfit
			}
		}
	}

	if pos.StopLossPrice != 0 {
		hit := px <= pos.StopLossPrice
		if !isLong {
			hit = px >= pos.StopLossPrice
		}
		if hit {
			return triggerStopLoss
		}
	}
	return triggerNone
}

// UpdatePositionTPSL replaces the take-profit and stop-loss triggers of an
// open position. A take-profit whose nominal profit would exceed the market's
// maximum-profit bound is rejected rather than clamped, unlike the silent
// clamp applied when the trigger rides in on an increase order.
func (e *Exchange) UpdatePositionTPSL(caller, user string, key MarketKey, isLong bool, takeProfit, stopLoss uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(caller, user); err != nil {
		return err
	}
	m, ok := e.markets[key]
	if !ok {
		return ErrMarketNotFound
	}
	if m.Config.Paused {
		return ErrMarketPaused
	}
	side := m.LongPositions
	if !isLong {
		side = m.ShortPositions
	}
	pos, ok := side[user]
	if !ok || pos.Size == 0 {
		return ErrPositionNotFound
	}

	if takeProfit != 0 && pos.Collateral > 0 {
		var diff uint64
		if isLong {
			if takeProfit > pos.AvgPrice {
				diff = takeProfit - pos.AvgPrice
			}
		} else {
			if takeProfit < pos.AvgPrice {
				diff = pos.AvgPrice - takeProfit
			}
		}
		profitBps := mulDiv(mulDiv(diff, pos.Size, pos.AvgPrice), BpsScale, pos.Collateral)
		if profitBps > m.Config.MaximumProfit {
			return ErrOverMaximumProfit
		}
	}

	pos.TakeProfitPrice = takeProfit
	pos.StopLossPrice = stopLoss
	e.sink.Emit(TPSLUpdatedEvent{
		Market:          key,
		User:            user,
		IsLong:          isLong,
		TakeProfitPrice: takeProfit,
		StopLossPrice:   stopLoss,
		Timestamp:       e.clock(),
	})
	return nil
}
