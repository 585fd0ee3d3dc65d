package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records login attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilr_auth_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spoilr_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// TaskActions counts handler actions on tasks (claim|yoink|unclaim|snooze|unsnooze|ignore|resolve).
	TaskActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilr_task_actions_total",
			Help: "Handler task actions by action and content type",
		},
		[]string{"action", "kind"},
	)

	// Submissions counts guesses by result (correct|partial|wrong|rate_limited|duplicate).
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilr_submissions_total",
			Help: "Answer submissions by result",
		},
		[]string{"result"},
	)

	// EmailsSent counts outbound SMTP transmissions by result (sent|failed|skipped).
	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilr_emails_sent_total",
			Help: "Outbound email transmissions by result",
		},
		[]string{"result"},
	)

	// EmailsIngested counts inbound IMAP messages by classification status.
	EmailsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilr_emails_ingested_total",
			Help: "Inbound emails by classification",
		},
		[]string{"status"},
	)

	// WebsocketFrames counts frames by outcome (delivered|dropped|expired).
	WebsocketFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilr_websocket_frames_total",
			Help: "Websocket frames by outcome",
		},
		[]string{"outcome"},
	)

	// WebsocketConnections tracks open sockets.
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spoilr_websocket_connections",
			Help: "Number of open websocket connections",
		},
	)

	// SessionCache counts interactive-session lookups by source (redis|database|miss).
	SessionCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilr_session_cache_lookups_total",
			Help: "Interactive session lookups by source",
		},
		[]string{"source"},
	)

	// JobsProcessed counts background jobs by name and result (ok|retry|failed).
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilr_jobs_processed_total",
			Help: "Background jobs processed",
		},
		[]string{"name", "result"},
	)
)
