// Package metrics exposes the gateway's Prometheus collectors. Collectors
// are package globals registered through promauto so call sites stay one
// line; the handler is mounted behind the admin key.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DownstreamRequests counts finished downstream requests.
	DownstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "downstream_requests_total",
		Help:      "Downstream requests by operation, status and error kind.",
	}, []string{"operation", "status", "error_kind"})

	// UpstreamAttempts counts individual upstream attempts, failovers included.
	UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "upstream_attempts_total",
		Help:      "Upstream attempts by provider, operation and status.",
	}, []string{"provider", "operation", "status"})

	// CooldownMarks counts credential unavailability windows as they open.
	CooldownMarks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "credential_cooldowns_total",
		Help:      "Cooldown windows opened, by provider and reason.",
	}, []string{"provider", "reason"})

	// UsageTokens sums extracted token counters.
	UsageTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "usage_tokens_total",
		Help:      "Tokens accounted per provider, model and counter.",
	}, []string{"provider", "model", "counter"})

	// RateLimited counts downstream requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "rate_limited_total",
		Help:      "Downstream requests rejected with 429 by the rate limiter.",
	})
)

// ObserveDownstream records one finished downstream request.
func ObserveDownstream(operation string, status int, errorKind string) {
	DownstreamRequests.WithLabelValues(operation, strconv.Itoa(status), errorKind).Inc()
}

// ObserveAttempt records one upstream attempt.
func ObserveAttempt(provider, operation string, status int) {
	UpstreamAttempts.WithLabelValues(provider, operation, strconv.Itoa(status)).Inc()
}

// ObserveCooldown records one opened cooldown window.
func ObserveCooldown(provider, reason string) {
	CooldownMarks.WithLabelValues(provider, reason).Inc()
}

// AddUsage accumulates extracted token counters.
func AddUsage(provider, model string, input, output, total int64) {
	if input > 0 {
		UsageTokens.WithLabelValues(provider, model, "input").Add(float64(input))
	}
	if output > 0 {
		UsageTokens.WithLabelValues(provider, model, "output").Add(float64(output))
	}
	if total > 0 {
		UsageTokens.WithLabelValues(provider, model, "total").Add(float64(total))
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
