package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"classattend/internal/attendance"
)

// Metrics holds the engine and HTTP collectors.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	Marks           *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	FraudFlags      *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "sessions_started_total",
			Help:      "Attendance sessions started.",
		}),
		SessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "sessions_ended_total",
			Help:      "Attendance sessions ended.",
		}),
		Marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "marks_total",
			Help:      "Attendance records written by check-in, by status.",
		}, []string{"status"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "rejections_total",
			Help:      "Rejected check-ins, by error code.",
		}, []string{"code"}),
		FraudFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "fraud_flags_total",
			Help:      "Fraud flags raised, by flag.",
		}, []string{"flag"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.SessionsStarted, m.SessionsEnded, m.Marks, m.Rejections, m.FraudFlags, m.RequestDuration)
	return m
}

// Record implements attendance.AuditSink.
func (m *Metrics) Record(_ context.Context, evt attendance.AuditEvent) {
	switch evt.Type {
	case attendance.EventSessionStarted:
		m.SessionsStarted.Inc()
	case attendance.EventSessionEnded:
		m.SessionsEnded.Inc()
	case attendance.EventAttendanceMarked:
		m.Marks.WithLabelValues(string(evt.Status)).Inc()
	case attendance.EventAttendanceRejected:
		m.Rejections.WithLabelValues(string(evt.Code)).Inc()
	}
	for _, f := range evt.Flags {
		m.FraudFlags.WithLabelValues(string(f)).Inc()
	}
}

// GinMiddleware observes request latency by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(started).Seconds())
	}
}
