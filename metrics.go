package diabetactic

import (
	"context"
	"strconv"
	"time"

	"github.com/diabetactic/diabetactic-go/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus collectors. Each Client owns its
// own registry so several clients can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	coalesced   *prometheus.CounterVec
	syncRuns    *prometheus.CounterVec
	syncEntries *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
}

// NewMetrics creates and registers the client collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diabetactic",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total number of gateway round trips.",
			},
			[]string{"op", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "diabetactic",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Duration of gateway round trips.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"op"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diabetactic",
				Subsystem: "gateway",
				Name:      "retries_total",
				Help:      "Total number of retried round trips.",
			},
			[]string{"op"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diabetactic",
				Subsystem: "auth",
				Name:      "refreshes_total",
				Help:      "Token refresh attempts by outcome.",
			},
			[]string{"outcome"},
		),
		coalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diabetactic",
				Subsystem: "gateway",
				Name:      "coalesced_total",
				Help:      "Calls served by joining an identical in-flight call.",
			},
			[]string{"op"},
		),
		syncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diabetactic",
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Sync queue runs by trigger.",
			},
			[]string{"trigger"},
		),
		syncEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diabetactic",
				Subsystem: "sync",
				Name:      "entries_total",
				Help:      "Processed sync queue entries by result.",
			},
			[]string{"result"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "diabetactic",
				Subsystem: "sync",
				Name:      "queue_entries",
				Help:      "Sync queue entries by status after the last run.",
			},
			[]string{"status"},
		),
	}

	m.Registry.MustRegister(
		m.requests,
		m.duration,
		m.retries,
		m.refreshes,
		m.coalesced,
		m.syncRuns,
		m.syncEntries,
		m.queueDepth,
	)
	return m
}

// stage records one sample per terminal round trip.
func (m *Metrics) stage() transport.Stage {
	return func(next transport.RoundTrip) transport.RoundTrip {
		return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			m.duration.WithLabelValues(req.Operation).Observe(time.Since(start).Seconds())
			status := "error"
			if resp != nil {
				status = strconv.Itoa(resp.Status)
			}
			m.requests.WithLabelValues(req.Operation, status).Inc()
			return resp, err
		}
	}
}

func (m *Metrics) retry(op string) {
	if m != nil {
		m.retries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) refresh(outcome string) {
	if m != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) coalesce(op string) {
	if m != nil {
		m.coalesced.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) syncRun(trigger Trigger) {
	if m != nil {
		m.syncRuns.WithLabelValues(string(trigger)).Inc()
	}
}

func (m *Metrics) syncEntry(result string) {
	if m != nil {
		m.syncEntries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) queue(stats *QueueStats) {
	if m == nil || stats == nil {
		return
	}
	m.queueDepth.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	m.queueDepth.WithLabelValues(string(StatusInFlight)).Set(float64(stats.InFlight))
	m.queueDepth.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
	m.queueDepth.WithLabelValues(string(StatusDone)).Set(float64(stats.Done))
}
