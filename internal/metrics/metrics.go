// Package metrics provides Prometheus instrumentation for the realtime
// coordination core. It exposes gauges for lease ownership and typing state,
// and counters for event, bus and stream throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LeaseOwner is 1 while this process holds the profile lease, 0 otherwise.
	LeaseOwner = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_lease_owner",
		Help: "Whether this tab currently holds the upstream lease",
	})

	// LeaseTransitions counts ownership changes, labeled by the state entered.
	LeaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_lease_transitions_total",
		Help: "Total number of lease ownership transitions",
	}, []string{"to"}) // to = "owner", "follower"

	// EventsTotal counts pipeline outcomes per source.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_total",
		Help: "Total number of envelopes processed by the event pipeline",
	}, []string{"source", "result"}) // source = "live", "relay"; result = "dispatched", "duplicate", "dropped"

	// BusMessagesTotal counts inter-tab messages by direction and transport.
	BusMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_bus_messages_total",
		Help: "Total number of inter-tab broadcast messages",
	}, []string{"direction", "transport"}) // direction = "out", "in", "echo", "duplicate", "error"

	// StreamReconnects counts upstream reconnect attempts.
	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_stream_reconnects_total",
		Help: "Total number of upstream stream reconnect attempts",
	})

	// StreamConnected is 1 while the upstream connection is open.
	StreamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_stream_connected",
		Help: "Whether the upstream push connection is open",
	})

	// TypingEntries tracks the number of conversations currently shown as typing.
	TypingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_typing_entries",
		Help: "Current number of live typing indicator entries",
	})
)

func init() {
	prometheus.MustRegister(
		LeaseOwner,
		LeaseTransitions,
		EventsTotal,
		BusMessagesTotal,
		StreamReconnects,
		StreamConnected,
		TypingEntries,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
