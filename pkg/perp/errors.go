package perp

import "errors"

// Hard validation failures. These abort the whole call with no state change;
// the caller must resubmit. Execution-time rejections are not errors: they
// cancel the order and emit a reasoned event instead (see CancelReason).
var (
	ErrMarketExists       = errors.New("market already exists")
	ErrMarketNotFound     = errors.New("market not found")
	ErrMarketPaused       = errors.New("market paused")
	ErrOrderNotFound      = errors.New("order not found")
	ErrPositionNotFound   = errors.New("position not found")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrInvalidCapability  = errors.New("invalid capability")
	ErrUserBlocked        = errors.New("user blocked")
	ErrZeroPrice          = errors.New("order price is zero")
	ErrEmptyOrder         = errors.New("size delta and collateral delta are both zero")
	ErrUnderMinSize       = errors.New("position size under minimum")
	ErrUnderMinCollateral = errors.New("order collateral under minimum")
	ErrCollateralBounds   = errors.New("position collateral out of bounds")
	ErrLeverageBounds     = errors.New("leverage out of bounds")
	ErrOverMaxInterest    = errors.New("open interest over maximum")
	ErrOverMaxSkew        = errors.New("skew over maximum")
	ErrFeeOverCollateral  = errors.New("entry fee not covered by collateral")
	ErrOverDecrease       = errors.New("size delta exceeds position size")
	ErrNotOverThreshold   = errors.New("not over threshold")
	ErrOverMaximumProfit  = errors.New("take profit over maximum profit")
	ErrNotSelfExecutable  = errors.New("order not self-executable yet")
	ErrStalePrice         = errors.New("price is stale")
)

// CancelReason enumerates the terminal soft-rejection outcomes of order
// execution. Each cancellation refunds escrowed collateral for increase
// orders before the order is removed.
type CancelReason string

const (
	CancelUserRequested     CancelReason = "user_requested"
	CancelExpired           CancelReason = "expired"
	CancelUnexecutablePrice CancelReason = "unexecutable_market_price"
	CancelFeeOverCollateral CancelReason = "collateral_smaller_than_fee"
	CancelOverMaxCollateral CancelReason = "over_max_collateral"
	CancelOverMaxInterest   CancelReason = "over_max_open_interest"
	CancelOverMaxSkew       CancelReason = "over_max_skew"
	CancelUnderMinLeverage  CancelReason = "under_min_leverage"
	CancelOverMaxLeverage   CancelReason = "over_max_leverage"
	CancelInsufficientSize  CancelReason = "insufficient_size"
)

// ExecOutcome is the terminal (or, for limit orders, retriable) result of one
// execution attempt.
type ExecOutcome struct {
	OrderID   uint64
	Executed  bool
	Cancelled bool
	Requeued  bool // limit order left pending for a later attempt
	Self      bool // executed by the owner after the keeper time limit
	Reason    CancelReason
}
