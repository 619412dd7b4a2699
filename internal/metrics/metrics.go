// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"canvasbot/internal/eventbus"
	"canvasbot/internal/notifier"
	"canvasbot/internal/poller"
)

// Metrics owns a private registry so tests and multiple instances don't
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	sent          *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	saveFailures  prometheus.Counter
	cycles        prometheus.Counter
	lastCycle     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canvasbot_announcements_sent_total",
			Help: "Announcements delivered to the webhook",
		}, []string{"course_id"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canvasbot_send_failures_total",
			Help: "Webhook deliveries that failed",
		}, []string{"course_id"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canvasbot_fetch_failures_total",
			Help: "Announcement fetches that failed",
		}, []string{"course_id"}),
		saveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvasbot_save_failures_total",
			Help: "Seen-set writes that failed",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvasbot_poll_cycles_total",
			Help: "Completed poll cycles, bootstrap included",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canvasbot_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed poll cycle",
		}),
	}
	m.reg.MustRegister(
		m.sent, m.sendFailures, m.fetchFailures, m.saveFailures, m.cycles, m.lastCycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterSeen exposes the seen-set size through fn.
func (m *Metrics) RegisterSeen(fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "canvasbot_seen_announcements",
		Help: "Announcements recorded as already notified",
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe updates collectors for one event. Unknown events are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeNotifierSent:
		if d, ok := ev.Data.(notifier.NotificationEvent); ok {
			m.sent.WithLabelValues(courseLabel(d.CourseID)).Inc()
		}
	case eventbus.TypeNotifierFailed:
		if d, ok := ev.Data.(notifier.NotificationEvent); ok {
			m.sendFailures.WithLabelValues(courseLabel(d.CourseID)).Inc()
		}
	case eventbus.TypeFetchFailed:
		if d, ok := ev.Data.(poller.FetchFailedEvent); ok {
			m.fetchFailures.WithLabelValues(courseLabel(d.CourseID)).Inc()
		}
	case eventbus.TypeSaveFailed:
		m.saveFailures.Inc()
	case eventbus.TypeCycleDone:
		m.cycles.Inc()
		m.lastCycle.Set(float64(ev.Time.Unix()))
	}
}

// Run consumes events from ch until ctx is done or ch is closed.
// Subscribe before starting the publishers so early events are counted.
func (m *Metrics) Run(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

func courseLabel(id int64) string { return strconv.FormatInt(id, 10) }
