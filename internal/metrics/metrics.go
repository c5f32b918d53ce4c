// Package metrics exposes the agent's Prometheus counters and gauges:
// drop counts, fps, session counts, and AI client reconnects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the agent exports. Created once and wired
// into each component that needs to record against it.
type Registry struct {
	FramesCaptured   prometheus.Counter
	ResultsDropped   prometheus.Counter
	BusEventsDropped prometheus.Counter
	AIReconnects     prometheus.Counter
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	ActiveFPS        prometheus.Gauge
	SessionActive    prometheus.Gauge
	PublisherState       *prometheus.GaugeVec
	ChildCPUPercent      *prometheus.GaugeVec
	ChildRSSBytes        *prometheus.GaugeVec
	ArchiveTasksRejected prometheus.Counter
}

// New registers every metric against reg and returns a Registry.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgeagent_frames_captured_total",
			Help: "Total frames read from the shared-memory capture socket.",
		}),
		ResultsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgeagent_ai_results_dropped_total",
			Help: "Total AI results dropped from the bounded result queue due to overflow.",
		}),
		BusEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgeagent_bus_events_dropped_total",
			Help: "Total events dropped due to subscriber inbox overflow.",
		}),
		AIReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgeagent_ai_client_reconnects_total",
			Help: "Total AI client reconnect attempts.",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgeagent_sessions_opened_total",
			Help: "Total sessions opened at the session store.",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgeagent_sessions_closed_total",
			Help: "Total sessions closed at the session store.",
		}),
		ActiveFPS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edgeagent_capture_fps",
			Help: "Current frame capture rate.",
		}),
		SessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edgeagent_session_active",
			Help: "1 if a session is currently open, 0 otherwise.",
		}),
		PublisherState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgeagent_publisher_state",
			Help: "1 for the publisher's current state, 0 for all others.",
		}, []string{"state"}),
		ChildCPUPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgeagent_child_cpu_percent",
			Help: "CPU usage percent of a supervised child process.",
		}, []string{"command"}),
		ChildRSSBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgeagent_child_rss_bytes",
			Help: "Resident set size of a supervised child process, in bytes.",
		}, []string{"command"}),
		ArchiveTasksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgeagent_archive_tasks_rejected_total",
			Help: "Total session-archive uploads dropped because the archive worker pool's queue was full.",
		}),
	}
}
