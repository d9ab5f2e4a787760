package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"asistencia/internal/attendance"
)

const namespace = "asistencia"

// Metrics holds the process collectors.
type Metrics struct {
	checkIns *prometheus.CounterVec
	events   *prometheus.CounterVec
	requests *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_total",
			Help:      "Check-in attempts by result (accepted, a rejection code, or error).",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events published, by type.",
		}, []string{"type"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.checkIns, m.events, m.requests)
	return m
}

// ObserveCheckIn counts one check-in attempt given its outcome.
func (m *Metrics) ObserveCheckIn(err error) {
	result := "accepted"
	if err != nil {
		if rej, ok := attendance.AsRejection(err); ok {
			result = rej.Code
		} else if errors.Is(err, attendance.ErrNotFound) {
			result = attendance.CodeSessionNotFound
		} else {
			result = "error"
		}
	}
	m.checkIns.WithLabelValues(result).Inc()
}

// Publisher counts events on their way to next.
func (m *Metrics) Publisher(next attendance.Publisher) attendance.Publisher {
	return countingPublisher{next: next, events: m.events}
}

type countingPublisher struct {
	next   attendance.Publisher
	events *prometheus.CounterVec
}

func (p countingPublisher) Publish(ctx context.Context, evt attendance.SessionEvent) error {
	p.events.WithLabelValues(evt.Type).Inc()
	return p.next.Publish(ctx, evt)
}

// GinMiddleware records request latency labeled by the matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}
