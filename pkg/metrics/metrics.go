// Package metrics exposes settlement activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dexlynlabs/perpcore/pkg/perp"
)

// Sink counts settlement events in a dedicated Prometheus registry. It
// implements perp.EventSink and is wired next to the journal and stream sinks.
type Sink struct {
	registry *prometheus.Registry
	logger   log.Logger

	ordersPlaced    prometheus.Counter
	ordersCancelled *prometheus.CounterVec
	positionEvents  *prometheus.CounterVec
	tpslUpdates     prometheus.Counter
	feesCharged     prometheus.Counter
	payouts         prometheus.Counter
}

// NewSink builds the sink and registers its collectors under namespace.
func NewSink(namespace string, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Root().New("module", "metrics")
	}
	registry := prometheus.NewRegistry()

	s := &Sink{
		registry: registry,
		logger:   logger,
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Total orders admitted to the pending set",
		}),
		ordersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Total orders cancelled, by reason",
		}, []string{"reason"}),
		positionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_events_total",
			Help:      "Position transitions by kind",
		}, []string{"kind"}),
		tpslUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tpsl_updates_total",
			Help:      "Take-profit / stop-loss trigger updates",
		}),
		feesCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_fees_total",
			Help:      "Cumulative trade fees charged, in collateral units",
		}),
		payouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Cumulative amounts paid out to traders, in collateral units",
		}),
	}
	registry.MustRegister(
		s.ordersPlaced, s.ordersCancelled, s.positionEvents,
		s.tpslUpdates, s.feesCharged, s.payouts,
	)
	return s
}

// Emit updates counters from one settlement event.
func (s *Sink) Emit(ev perp.Event) {
	switch e := ev.(type) {
	case perp.OrderPlacedEvent:
		s.ordersPlaced.Inc()
	case perp.OrderCancelledEvent:
		s.ordersCancelled.WithLabelValues(string(e.Reason)).Inc()
	case perp.PositionChangedEvent:
		s.positionEvents.WithLabelValues(string(e.Event)).Inc()
		s.feesCharged.Add(float64(e.TradeFee))
		s.payouts.Add(float64(e.Payout))
	case perp.TPSLUpdatedEvent:
		s.tpslUpdates.Inc()
	}
}

// Handler serves the registry in Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}
