package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records password authentication attempts by result (success|failure|otp_required).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// OTPIssued counts verification code issue requests by outcome
	// (sent|unknown_subject|not_eligible|error).
	OTPIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_otp_issued_total",
			Help: "Total number of verification code issue requests",
		},
		[]string{"outcome"},
	)

	// OTPVerified counts verification attempts by outcome
	// (verified|invalid|expired|attempts_exceeded|not_eligible|error).
	OTPVerified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_otp_verified_total",
			Help: "Total number of verification code checks",
		},
		[]string{"outcome"},
	)

	// OTPDeliveryFailures counts emails that could not be handed to the SMTP provider.
	OTPDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumen_otp_delivery_failures_total",
			Help: "Verification code emails that failed to send",
		},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumen_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumen_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
