package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Signaling channel metrics
var (
	SignalingConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlink_signaling_connects_total",
		Help: "Total number of signaling connection attempts",
	}, []string{"result"}) // "ok", "error", "auth_rejected"

	SignalingConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatlink_signaling_connected",
		Help: "Whether the signaling channel is currently connected (0 or 1)",
	})

	SignalingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlink_signaling_events_total",
		Help: "Total number of signaling events by direction",
	}, []string{"direction", "event"})
)

// Call session metrics
var (
	CallSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlink_call_sessions_total",
		Help: "Total number of call sessions by direction and final state",
	}, []string{"direction", "final_state"})

	CallSetupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatlink_call_setup_duration_seconds",
		Help:    "Time from session creation until remote media flows",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
	}, []string{"direction"})

	CallSetupFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlink_call_setup_failures_total",
		Help: "Total number of call setups aborted before signaling",
	}, []string{"reason"})
)

// Message synchronizer metrics
var (
	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlink_messages_sent_total",
		Help: "Total number of optimistic sends by outcome",
	}, []string{"status"})

	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlink_messages_received_total",
		Help: "Total number of authoritative message broadcasts by how they were applied",
	}, []string{"result"}) // "reconciled", "appended", "duplicate"

	ReadReceiptsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_read_receipts_sent_total",
		Help: "Total number of read receipts emitted",
	})
)

// Presence metrics
var (
	PresenceOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatlink_presence_online",
		Help: "Number of peers currently observed online",
	})
)
