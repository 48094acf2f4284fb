// Package metrics holds the Prometheus collectors of the framework and a
// handler exposing them in the text exposition format.
package metrics

import (
	"bytes"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/searchktools/mu/core/http"
)

const namespace = "mu"

// Collector groups the framework's metrics
type Collector struct {
	Requests        *prometheus.CounterVec
	BodyBytes       prometheus.Histogram
	HandlerDuration prometheus.Histogram
	OpenRequests    prometheus.Gauge
	Rejected        prometheus.Counter
	Pumps           prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Completed requests by method and status code.",
			},
			[]string{"method", "status"},
		),
		BodyBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_body_bytes",
			Help:      "Size of accumulated request bodies.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),
		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent inside route handlers.",
			Buckets:   prometheus.DefBuckets,
		}),
		OpenRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_requests",
			Help:      "Requests with a live connection context.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_requests_total",
			Help:      "Requests rejected for exceeding the body limit.",
		}),
		Pumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_pumps_total",
			Help:      "Engine processing steps driven by the event loop.",
		}),
	}

	if reg == nil {
		return c, nil
	}

	for _, col := range []prometheus.Collector{
		c.Requests, c.BodyBytes, c.HandlerDuration, c.OpenRequests, c.Rejected, c.Pumps,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveRequest records a completed request
func (c *Collector) ObserveRequest(method string, status, bodySize int) {
	c.Requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.BodyBytes.Observe(float64(bodySize))
}

// ObserveHandler records time spent in a handler
func (c *Collector) ObserveHandler(d time.Duration) {
	c.HandlerDuration.Observe(d.Seconds())
}

// Handler serves the metrics gathered from g as a normal route
func Handler(g prometheus.Gatherer) http.Handler {
	return http.HandlerFunc(func(*http.Request) (http.Response, int) {
		families, err := g.Gather()
		if err != nil && len(families) == 0 {
			return http.Text("500 " + err.Error()), http.StatusInternalServerError
		}

		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return http.Text("500 " + err.Error()), http.StatusInternalServerError
			}
		}

		return http.Data(string(expfmt.FmtText), buf.Bytes()), http.StatusOK
	})
}
