package engine

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"orderpilot/internal/domain"
)

// Metrics holds the Prometheus collectors for order execution. A nil
// *Metrics records nothing.
type Metrics struct {
	placed      *prometheus.CounterVec
	filled      *prometheus.CounterVec
	escalations prometheus.Counter
	failures    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		placed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpilot_orders_placed_total",
				Help: "Orders placed, by style (market|limit).",
			},
			[]string{"style"},
		),
		filled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpilot_orders_filled_total",
				Help: "Executions ending filled, by phase (market|limit|escalated).",
			},
			[]string{"phase"},
		),
		escalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orderpilot_escalations_total",
				Help: "Limit orders replaced by market orders after timing out.",
			},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpilot_execution_failures_total",
				Help: "Executions ending in error, by kind.",
			},
			[]string{"kind"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.placed, m.filled, m.escalations, m.failures)
	}
	return m
}

func (m *Metrics) orderPlaced(style domain.OrderStyle) {
	if m == nil {
		return
	}
	m.placed.WithLabelValues(string(style)).Inc()
}

func (m *Metrics) filledIf(out domain.OrderOutcome, phase string) {
	if m == nil || out.Status != domain.OrderStatusFilled {
		return
	}
	m.filled.WithLabelValues(phase).Inc()
}

func (m *Metrics) escalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *Metrics) failed(err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(errorKind(err)).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidOrderSpec):
		return "invalid_spec"
	case errors.Is(err, domain.ErrRiskLimit):
		return "risk_limit"
	case errors.Is(err, domain.ErrEscalationRaceLost):
		return "race_lost"
	case errors.Is(err, domain.ErrEscalationLimit):
		return "escalation_limit"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return "broker_unavailable"
	default:
		return "other"
	}
}
