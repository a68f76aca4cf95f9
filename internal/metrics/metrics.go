// Package metrics holds the Prometheus collectors for authentication outcomes.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	otpSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admin_auth_otp_sent_total",
		Help: "Total number of OTP codes issued",
	})

	otpVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_auth_otp_verifications_total",
		Help: "Total number of OTP verification attempts by outcome",
	}, []string{"outcome"})

	authentications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_auth_authentications_total",
		Help: "Total number of request authentications by outcome",
	}, []string{"outcome"})

	logouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admin_auth_logouts_total",
		Help: "Total number of logout requests",
	})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admin_auth_rate_limited_total",
		Help: "Total number of send-otp requests rejected by the rate limiter",
	})

	auditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admin_auth_audit_events_dropped_total",
		Help: "Total number of audit events dropped because the buffer was full",
	})

	auditSinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_auth_audit_sink_failures_total",
		Help: "Total number of audit sink write failures",
	}, []string{"sink"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_auth_http_requests_total",
		Help: "Total number of HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admin_auth_http_request_duration_seconds",
		Help:    "Histogram of HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func RecordOTPSent() {
	otpSent.Inc()
}

// RecordVerification counts one verify-otp outcome ("success" or an error kind).
func RecordVerification(outcome string) {
	otpVerifications.WithLabelValues(outcome).Inc()
}

func RecordAuthentication(outcome string) {
	authentications.WithLabelValues(outcome).Inc()
}

func RecordLogout() {
	logouts.Inc()
}

func RecordRateLimited() {
	rateLimited.Inc()
}

func RecordAuditDropped() {
	auditDropped.Inc()
}

func RecordAuditSinkFailure(sink string) {
	auditSinkFailures.WithLabelValues(sink).Inc()
}

// ObserveHTTP records one finished request. route should be the route pattern, not the raw path.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
