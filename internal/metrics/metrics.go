// Package metrics provides Prometheus metrics collection for the handoff gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of active WebSocket connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handoff_websocket_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// WaitingSessions tracks the current number of sessions waiting for an agent
	WaitingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handoff_waiting_sessions_total",
		Help: "Current number of handoff sessions waiting for an agent",
	})

	// ConnectedSessions tracks the current number of sessions linked to an agent
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handoff_connected_sessions_total",
		Help: "Current number of handoff sessions connected to an agent",
	})

	// HandoffsRequested tracks the total number of handoff requests created
	HandoffsRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_requests_total",
		Help: "Total number of handoff sessions requested",
	})

	// HandoffsAccepted tracks the total number of accepted handoffs
	HandoffsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_accepted_total",
		Help: "Total number of handoff sessions accepted by agents",
	})

	// AcceptConflicts tracks accept attempts that lost the race for a waiting session
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_accept_conflicts_total",
		Help: "Total number of accept attempts rejected because the session was already taken",
	})

	// HandoffsEnded tracks the total number of ended handoffs
	HandoffsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_ended_total",
		Help: "Total number of handoff sessions ended",
	})

	// HandoffsTimedOut tracks the total number of waiting sessions that expired
	HandoffsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_timeouts_total",
		Help: "Total number of waiting handoff sessions that timed out",
	})

	// MessagesRouted tracks the total number of messages delivered between peers
	MessagesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_messages_routed_total",
		Help: "Total number of messages delivered between user and agent",
	})

	// MessagesUndeliverable tracks messages that found no live peer connection
	MessagesUndeliverable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_messages_undeliverable_total",
		Help: "Total number of messages that could not reach a live peer",
	})

	// MessagesReceived tracks the total number of messages received from clients
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	// MessagesSent tracks the total number of messages sent to clients
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	// MessageErrors tracks the total number of message processing errors
	MessageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_message_errors_total",
		Help: "Total number of message processing errors",
	})

	// HistoryAppendErrors tracks best-effort history writes that failed
	HistoryAppendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_history_append_errors_total",
		Help: "Total number of failed chat-history append attempts",
	})

	// HTTPRequestDuration tracks HTTP request latency by path and status
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handoff_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "status"})
)
