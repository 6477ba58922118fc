// Package metrics holds the process-wide Prometheus collectors. All series
// live under the "chat" namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat"

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

var (
	HTTPRequestsTotal = counterVec("http", "requests_total", "HTTP requests by route and status.",
		"method", "path", "status")
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "path"})

	// action: created, updated, deleted
	MessagesPosted = counterVec("", "messages_total", "Message mutations.", "action")
	TypingSignals  = counterVec("", "typing_signals_total", "Typing signals accepted by the API.", "event")

	// outcome: published, skipped, retried, failed, dropped
	FanoutJobs     = counterVec("fanout", "jobs_total", "Fan-out jobs by kind and outcome.", "kind", "outcome")
	FanoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fanout",
		Name:      "job_duration_seconds",
		Help:      "Time spent processing one fan-out job.",
		Buckets:   prometheus.ExponentialBuckets(.001, 2.5, 10),
	}, []string{"kind"})
	// path: direct or queued
	EnvelopesPublished = counterVec("", "envelopes_published_total", "Envelopes handed to the publisher.", "event", "path")
	// channel: push or email
	NotificationsSent = counterVec("", "notifications_total", "Notifications sent to offline recipients.", "channel")

	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "hub", Name: "connections", Help: "Open WebSocket connections.",
	})
	// result: succeeded, denied, error
	HubSubscriptions   = counterVec("hub", "subscriptions_total", "Subscription attempts by result.", "result")
	HubFramesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "hub", Name: "frames_delivered_total", Help: "Event frames queued to connections.",
	})
	HubFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "hub", Name: "frames_dropped_total", Help: "Event frames dropped for slow connections.",
	})

	RateLimitHits   = counterVec("", "rate_limit_hits_total", "Requests rejected by the rate limiter.", "endpoint")
	BlockedRequests = counterVec("", "blocked_requests_total", "Requests refused before routing.", "reason")
	RedisLatency    = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "redis_latency_seconds",
		Help:      "Redis round-trip latency.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05},
	})
)
