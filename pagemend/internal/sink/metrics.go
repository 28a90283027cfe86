package sink

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hazyhaar/pagemend/report"
)

// Metrics turns events into Prometheus series.
type Metrics struct {
	Events     *prometheus.CounterVec
	Elements   *prometheus.CounterVec
	Generation *prometheus.GaugeVec
	Snapshots  prometheus.Counter
	PollGiveUp *prometheus.CounterVec
}

// NewMetrics registers the pagemend series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemend_events_total",
			Help: "Coordinator events by kind and rule",
		}, []string{"kind", "rule"}),
		Elements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemend_elements_total",
			Help: "Target elements processed by outcome (applied, unchanged, skipped)",
		}, []string{"outcome", "rule"}),
		Generation: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pagemend_content_generation",
			Help: "Latest transformed content generation per page and rule",
		}, []string{"page", "rule"}),
		Snapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "pagemend_snapshots_total",
			Help: "Mended page snapshots emitted",
		}),
		PollGiveUp: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemend_poll_attempts_total",
			Help: "Poll attempts spent by coordinators that gave up",
		}, []string{"rule"}),
	}
}

func (m *Metrics) Send(_ context.Context, ev report.Event) error {
	m.Events.WithLabelValues(string(ev.Kind), ev.Rule).Inc()
	switch ev.Kind {
	case report.KindApplied:
		m.Elements.WithLabelValues("applied", ev.Rule).Add(float64(ev.Applied))
		m.Elements.WithLabelValues("unchanged", ev.Rule).Add(float64(ev.Unchanged))
		m.Elements.WithLabelValues("skipped", ev.Rule).Add(float64(ev.Skipped))
		page := ev.PageID
		if page == "" {
			page = ev.PageURL
		}
		m.Generation.WithLabelValues(page, ev.Rule).Set(float64(ev.Generation))
	case report.KindGaveUp:
		m.PollGiveUp.WithLabelValues(ev.Rule).Add(float64(ev.Attempts))
	}
	return nil
}

func (m *Metrics) SendSnapshot(context.Context, report.Snapshot) error {
	m.Snapshots.Inc()
	return nil
}

func (m *Metrics) Close() error { return nil }
