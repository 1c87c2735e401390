// Package metrics provides Prometheus instrumentation for the random-chat
// server. It exposes gauges for queue, session and connection counts,
// counters for matches, messages and reports, and histograms for latency
// tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "randomchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// QueueSize tracks the number of waiting users per chat type.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "randomchat_queue_size",
		Help: "Current number of users waiting for a partner",
	}, []string{"chat_type"})

	// ActiveSessions tracks the current number of active chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "randomchat_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MatchesTotal counts sessions created by the matchmaker.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_matches_total",
		Help: "Total number of users paired into sessions",
	}, []string{"chat_type"})

	// MatchWait records how long the earlier of two matched users waited.
	MatchWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "randomchat_match_wait_seconds",
		Help:    "Time from joining the queue to being matched",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"chat_type"})

	// MessagesTotal counts messages, labeled by result: "accepted" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"result"})

	// MessageLatency records message processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "randomchat_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// SessionsEnded counts ended sessions by reason.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_sessions_ended_total",
		Help: "Total number of sessions ended",
	}, []string{"reason"})

	// ReportsTotal counts submitted reports by reason.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_reports_total",
		Help: "Total number of abuse reports submitted",
	}, []string{"reason"})

	// QueueTimeouts counts users dropped from the queue after waiting too long.
	QueueTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "randomchat_queue_timeouts_total",
		Help: "Total number of queue entries expired without a match",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		QueueSize,
		ActiveSessions,
		MatchesTotal,
		MatchWait,
		MessagesTotal,
		MessageLatency,
		SessionsEnded,
		ReportsTotal,
		QueueTimeouts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
