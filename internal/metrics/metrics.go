// Package metrics exposes agent state to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicedesk/voicedesk/internal/session"
)

// SessionStatsProvider exposes session counters for scraping.
type SessionStatsProvider interface {
	Stats() session.Stats
}

// RegistrationProvider reports whether the SIP registration is in place.
type RegistrationProvider interface {
	Registered() bool
}

// sessionStates are the possible session state label values.
var sessionStates = []string{"idle", "connecting", "ringing", "active", "on_hold", "ended"}

// Collector is a prometheus.Collector that gathers agent metrics at scrape time.
type Collector struct {
	stats        SessionStatsProvider
	registration RegistrationProvider
	startTime    time.Time

	sessionStateDesc *prometheus.Desc
	activeCallsDesc  *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	recordingsDesc   *prometheus.Desc
	registeredDesc   *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(stats SessionStatsProvider, registration RegistrationProvider, startTime time.Time) *Collector {
	return &Collector{
		stats:        stats,
		registration: registration,
		startTime:    startTime,

		sessionStateDesc: prometheus.NewDesc(
			"voicedesk_session_state",
			"Current session state (1 for the active state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"voicedesk_calls_active",
			"Number of calls currently established",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voicedesk_calls_total",
			"Total number of finished calls by disposition",
			[]string{"disposition"}, nil,
		),
		recordingsDesc: prometheus.NewDesc(
			"voicedesk_recordings_started_total",
			"Total number of call recordings started",
			nil, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"voicedesk_registered",
			"Whether the SIP registration is currently in place (1/0)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicedesk_uptime_seconds",
			"Seconds since the agent process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionStateDesc
	ch <- c.activeCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.recordingsDesc
	ch <- c.registeredDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		stats := c.stats.Stats()

		for _, state := range sessionStates {
			val := 0.0
			if stats.State == state {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.sessionStateDesc, prometheus.GaugeValue, val, state,
			)
		}

		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(stats.CallsActive),
		)

		for disposition, count := range stats.CallsByDisposition {
			ch <- prometheus.MustNewConstMetric(
				c.callsTotalDesc, prometheus.CounterValue,
				float64(count), disposition,
			)
		}

		ch <- prometheus.MustNewConstMetric(
			c.recordingsDesc, prometheus.CounterValue,
			float64(stats.RecordingsStarted),
		)
	}

	if c.registration != nil {
		val := 0.0
		if c.registration.Registered() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.registeredDesc, prometheus.GaugeValue, val,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
