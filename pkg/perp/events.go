package perp

// Event is an append-only record for off-chain indexing. The core only ever
// writes events; nothing reads them back.
type Event interface {
	Kind() string
}

// EventSink receives every event the core emits.
type EventSink interface {
	Emit(Event)
}

// PositionEventKind distinguishes the ways a position can change.
type PositionEventKind string

const (
	PositionOpen       PositionEventKind = "open"
	PositionUpdate     PositionEventKind = "update"
	PositionClose      PositionEventKind = "close"
	PositionLiquidate  PositionEventKind = "liquidate"
	PositionTakeProfit PositionEventKind = "take_profit"
	PositionStopLoss   PositionEventKind = "stop_loss"
)

// OrderPlacedEvent records a stored order.
type OrderPlacedEvent struct {
	Market          MarketKey `json:"market"`
	OrderID         uint64    `json:"orderId"`
	UID             uint64    `json:"uid"`
	User            string    `json:"user"`
	SizeDelta       uint64    `json:"sizeDelta"`
	CollateralDelta uint64    `json:"collateralDelta"`
	Price           uint64    `json:"price"`
	IsLong          bool      `json:"isLong"`
	IsIncrease      bool      `json:"isIncrease"`
	IsMarket        bool      `json:"isMarket"`
	Timestamp       int64     `json:"timestamp"`
}

func (OrderPlacedEvent) Kind() string { return "order_placed" }

// OrderCancelledEvent records a terminal cancellation with its reason code.
type OrderCancelledEvent struct {
	Market    MarketKey    `json:"market"`
	OrderID   uint64       `json:"orderId"`
	User      string       `json:"user"`
	Reason    CancelReason `json:"reason"`
	Refund    uint64       `json:"refund"`
	Timestamp int64        `json:"timestamp"`
}

func (OrderCancelledEvent) Kind() string { return "order_cancelled" }

// PositionChangedEvent carries full before/after snapshots for every position
// transition, including the fees charged and the market open interest after
// the change.
type PositionChangedEvent struct {
	Market MarketKey         `json:"market"`
	Event  PositionEventKind `json:"event"`
	UID    uint64            `json:"uid"`
	User   string            `json:"user"`
	IsLong bool              `json:"isLong"`

	SizeBefore       uint64 `json:"sizeBefore"`
	SizeAfter        uint64 `json:"sizeAfter"`
	CollateralBefore uint64 `json:"collateralBefore"`
	CollateralAfter  uint64 `json:"collateralAfter"`
	AvgPrice         uint64 `json:"avgPrice"`
	ExecPrice        uint64 `json:"execPrice"`

	TradeFee uint64 `json:"tradeFee"`
	RiskFee  Signed `json:"riskFee"`
	Pnl      Signed `json:"pnl"`
	Payout   uint64 `json:"payout"`

	LongOpenInterest  uint64 `json:"longOpenInterest"`
	ShortOpenInterest uint64 `json:"shortOpenInterest"`
	Timestamp         int64  `json:"timestamp"`
}

func (PositionChangedEvent) Kind() string { return "position_changed" }

// TPSLUpdatedEvent records a take-profit / stop-loss change.
type TPSLUpdatedEvent struct {
	Market          MarketKey `json:"market"`
	User            string    `json:"user"`
	IsLong          bool      `json:"isLong"`
	TakeProfitPrice uint64    `json:"takeProfitPrice"`
	StopLossPrice   uint64    `json:"stopLossPrice"`
	Timestamp       int64     `json:"timestamp"`
}

func (TPSLUpdatedEvent) Kind() string { return "tpsl_updated" }

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans one event stream out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// MemorySink buffers events in order, for tests and replay assertions.
type MemorySink struct {
	Events []Event
}

func (m *MemorySink) Emit(e Event) {
	m.Events = append(m.Events, e)
}

// Last returns the most recent event, or nil.
func (m *MemorySink) Last() Event {
	if len(m.Events) == 0 {
		return nil
	}
	return m.Events[len(m.Events)-1]
}
