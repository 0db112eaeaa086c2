// Package metrics exposes the engine's Prometheus instrumentation. All
// metrics live in the fundarb namespace on a private registry so tests can
// create isolated instances. A nil *Metrics is valid and records nothing,
// which is how the engine runs when the metrics listener is disabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus series the engine publishes.
type Metrics struct {
	registry *prometheus.Registry

	FundingRate   *prometheus.GaugeVec   // venue, symbol
	FundingSpread *prometheus.GaugeVec   // symbol
	AlertsTotal   *prometheus.CounterVec // level
	HedgesTotal   *prometheus.CounterVec // result: opened, closed, failed, close_failed
	OpenHedges    prometheus.Gauge
	ExposureRatio prometheus.Gauge
	DailyPnl      prometheus.Gauge
	VenueErrors   *prometheus.CounterVec // venue, kind
	PollDuration  prometheus.Histogram
}

// New builds a registry with all engine metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FundingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fundarb_funding_rate",
			Help: "Latest funding rate per venue and symbol",
		}, []string{"venue", "symbol"}),
		FundingSpread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fundarb_funding_spread",
			Help: "Cross-venue funding spread per symbol at the last scan",
		}, []string{"symbol"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundarb_alerts_total",
			Help: "Funding threshold alerts by level",
		}, []string{"level"}),
		HedgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundarb_hedges_total",
			Help: "Hedge lifecycle outcomes",
		}, []string{"result"}),
		OpenHedges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fundarb_open_hedges",
			Help: "Currently active hedge pairs",
		}),
		ExposureRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fundarb_exposure_ratio",
			Help: "Signed net exposure over total portfolio value",
		}),
		DailyPnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fundarb_daily_pnl",
			Help: "Realized PnL for the current local day",
		}),
		VenueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundarb_venue_errors_total",
			Help: "Venue operation failures by error kind",
		}, []string{"venue", "kind"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fundarb_poll_duration_seconds",
			Help:    "Duration of a full funding snapshot cycle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
	}

	m.registry.MustRegister(
		m.FundingRate, m.FundingSpread, m.AlertsTotal, m.HedgesTotal,
		m.OpenHedges, m.ExposureRatio, m.DailyPnl, m.VenueErrors, m.PollDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ————————————————————————————————————————————————————————————————————————
// Nil-safe recording helpers
// ————————————————————————————————————————————————————————————————————————

// SetFundingRate records the latest rate for a (venue, symbol).
func (m *Metrics) SetFundingRate(venue, symbol string, rate float64) {
	if m == nil {
		return
	}
	m.FundingRate.WithLabelValues(venue, symbol).Set(rate)
}

// SetFundingSpread records the cross-venue spread for a symbol.
func (m *Metrics) SetFundingSpread(symbol string, spread float64) {
	if m == nil {
		return
	}
	m.FundingSpread.WithLabelValues(symbol).Set(spread)
}

// CountAlert increments the alert counter for a level.
func (m *Metrics) CountAlert(level string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(level).Inc()
}

// CountHedge increments the hedge outcome counter.
func (m *Metrics) CountHedge(result string) {
	if m == nil {
		return
	}
	m.HedgesTotal.WithLabelValues(result).Inc()
}

// SetOpenHedges records the number of active hedge pairs.
func (m *Metrics) SetOpenHedges(n int) {
	if m == nil {
		return
	}
	m.OpenHedges.Set(float64(n))
}

// SetExposureRatio records the portfolio exposure ratio.
func (m *Metrics) SetExposureRatio(r float64) {
	if m == nil {
		return
	}
	m.ExposureRatio.Set(r)
}

// SetDailyPnl records the running daily PnL.
func (m *Metrics) SetDailyPnl(v float64) {
	if m == nil {
		return
	}
	m.DailyPnl.Set(v)
}

// CountVenueError increments the failure counter for a venue and error kind.
func (m *Metrics) CountVenueError(venue, kind string) {
	if m == nil {
		return
	}
	m.VenueErrors.WithLabelValues(venue, kind).Inc()
}

// ObservePoll records the duration of one snapshot cycle.
func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(d.Seconds())
}
