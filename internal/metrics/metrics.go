// Package metrics exposes the scheduler's Prometheus collectors. The
// Collector doubles as an event.Sink so the pipeline drives most series
// without extra instrumentation calls.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"AirShare/internal/event"
)

// Collector bundles the Prometheus metrics of the scheduling pipeline.
type Collector struct {
	gatherer prometheus.Gatherer

	Reports        *prometheus.CounterVec
	InvalidReports prometheus.Counter
	Rounds         prometheus.Counter
	SettlementCost *prometheus.CounterVec
	SelectedUsers  prometheus.Gauge
	RoundDuration  prometheus.Histogram
}

// NewCollector registers the pipeline metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	reports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_reports_total",
		Help: "Total number of accepted channel reports, labeled by operator.",
	}, []string{"operator"})
	reports, err := registerCounterVec(reg, reports, "scheduler_reports_total")
	if err != nil {
		return nil, err
	}

	invalid, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_invalid_reports_total",
		Help: "Total number of rejected channel reports.",
	}), "scheduler_invalid_reports_total")
	if err != nil {
		return nil, err
	}

	rounds, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_rounds_total",
		Help: "Total number of completed scheduling rounds.",
	}), "scheduler_rounds_total")
	if err != nil {
		return nil, err
	}

	cost := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_settlement_cost_total",
		Help: "Cumulative settlement cost in rate units, labeled by operator.",
	}, []string{"operator"})
	cost, err = registerCounterVec(reg, cost, "scheduler_settlement_cost_total")
	if err != nil {
		return nil, err
	}

	selected, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_selected_users",
		Help: "Number of users selected in the most recent round.",
	}), "scheduler_selected_users")
	if err != nil {
		return nil, err
	}

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_round_duration_seconds",
		Help:    "Wall-clock time spent advancing a round.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
	duration, err = registerHistogram(reg, duration, "scheduler_round_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		Reports:        reports,
		InvalidReports: invalid,
		Rounds:         rounds,
		SettlementCost: cost,
		SelectedUsers:  selected,
		RoundDuration:  duration,
	}, nil
}

// Emit updates the series driven by pipeline events. Nil collectors are
// tolerated so the sink can be wired unconditionally.
func (c *Collector) Emit(e event.Event) {
	if c == nil {
		return
	}

	switch ev := e.(type) {
	case event.ReportRecorded:
		if c.Reports != nil {
			c.Reports.WithLabelValues(string(ev.Operator)).Inc()
		}
	case event.RoundScheduled:
		selected := 0
		for _, user := range ev.SelectedUsers {
			if user != "" {
				selected++
			}
		}
		if c.SelectedUsers != nil {
			c.SelectedUsers.Set(float64(selected))
		}
		if c.Rounds != nil {
			c.Rounds.Inc()
		}
	case event.PaymentProcessed:
		if c.SettlementCost != nil {
			c.SettlementCost.WithLabelValues(string(ev.Operator)).Add(float64(ev.Cost))
		}
	}
}

// IncInvalidReport counts a rejected channel report.
func (c *Collector) IncInvalidReport() {
	if c == nil || c.InvalidReports == nil {
		return
	}
	c.InvalidReports.Inc()
}

// ObserveRound records the wall-clock duration of one round advance.
func (c *Collector) ObserveRound(d time.Duration) {
	if c == nil || c.RoundDuration == nil {
		return
	}
	c.RoundDuration.Observe(d.Seconds())
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
