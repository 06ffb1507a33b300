package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexlynlabs/perpcore/pkg/perp"
)

func TestSinkCounts(t *testing.T) {
	s := NewSink("perpcore", nil)

	s.Emit(perp.OrderPlacedEvent{OrderID: 1})
	s.Emit(perp.OrderCancelledEvent{OrderID: 1, Reason: perp.CancelExpired})
	s.Emit(perp.PositionChangedEvent{Event: perp.PositionLiquidate, TradeFee: 250, Payout: 99_250})
	s.Emit(perp.TPSLUpdatedEvent{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `perpcore_orders_placed_total 1`), body)
	assert.True(t, strings.Contains(body, `perpcore_orders_cancelled_total{reason="expired"} 1`), body)
	assert.True(t, strings.Contains(body, `perpcore_position_events_total{kind="liquidate"} 1`), body)
	assert.True(t, strings.Contains(body, `perpcore_trade_fees_total 250`), body)
	assert.True(t, strings.Contains(body, `perpcore_payouts_total 99250`), body)
	assert.True(t, strings.Contains(body, `perpcore_tpsl_updates_total 1`), body)
}
