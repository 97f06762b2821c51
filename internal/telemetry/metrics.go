// metrics.go - Prometheus instrumentation for the broker.
// Metrics hang off an injected registerer so each broker instance (tests
// build several per process) owns its own collector set. All methods are
// nil-safe; a broker without telemetry skips instrumentation.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the broker's collectors.
type Metrics struct {
	CommandsTotal    *prometheus.CounterVec
	CommandRetries   prometheus.Counter
	LockWaits        prometheus.Counter
	LockTimeouts     prometheus.Counter
	ActiveSessions   prometheus.GaugeFunc
	OpenConnections  prometheus.GaugeFunc
	EventsReceived   prometheus.Counter
	UnmatchedDropped prometheus.Counter
}

// New registers the broker's collectors with reg. sessionCount and
// connCount feed the gauges lazily at scrape time.
func New(reg prometheus.Registerer, sessionCount, connCount func() float64) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_commands_total",
			Help: "Commands dispatched, by outcome.",
		}, []string{"outcome"}),
		CommandRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_command_retries_total",
			Help: "Retry attempts beyond each command's first attempt.",
		}),
		LockWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_tab_lock_waits_total",
			Help: "Tab lock acquisitions that had to queue.",
		}),
		LockTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_tab_lock_timeouts_total",
			Help: "Tab lock acquisitions that timed out.",
		}),
		ActiveSessions: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "switchyard_active_sessions",
			Help: "Live sessions.",
		}, sessionCount),
		OpenConnections: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "switchyard_open_extension_connections",
			Help: "Open extension connections.",
		}, connCount),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_extension_events_total",
			Help: "Unsolicited extension events received.",
		}),
		UnmatchedDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_unmatched_responses_total",
			Help: "Responses dropped for an unknown wireId.",
		}),
	}
}

// CountCommand tallies one dispatched command by outcome.
func (m *Metrics) CountCommand(outcome string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(outcome).Inc()
}

// CountRetries tallies attempts beyond the first.
func (m *Metrics) CountRetries(attempts int) {
	if m == nil || attempts <= 1 {
		return
	}
	m.CommandRetries.Add(float64(attempts - 1))
}

// CountLockWait tallies a queued lock acquisition.
func (m *Metrics) CountLockWait() {
	if m != nil {
		m.LockWaits.Inc()
	}
}

// CountLockTimeout tallies a lock acquisition that gave up.
func (m *Metrics) CountLockTimeout() {
	if m != nil {
		m.LockTimeouts.Inc()
	}
}

// CountEvent tallies one extension event.
func (m *Metrics) CountEvent() {
	if m != nil {
		m.EventsReceived.Inc()
	}
}
