package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AuthDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Authentication decisions by outcome code.",
		},
		[]string{"code"},
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter.",
		},
		[]string{"class", "reason"},
	)

	OTPEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_events_total",
			Help: "One-time code lifecycle events.",
		},
		[]string{"purpose", "event"},
	)

	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Audit events a sink failed to accept.",
	})
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(AuthDecisions, RateLimitRejections, OTPEvents, AuditDropped)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
