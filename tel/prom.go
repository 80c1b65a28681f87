package tel

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/costinm/mhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements the client metric hooks with Prometheus collectors.
type Prometheus struct {
	Registry *prometheus.Registry

	latency   *prometheus.HistogramVec
	results   *prometheus.CounterVec
	connects  *prometheus.CounterVec
	races     *prometheus.CounterVec
	invalid   prometheus.Counter
	altsvcLen prometheus.Gauge
}

// NewPrometheus creates the collectors in a new registry, together with the process and
// Go runtime collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		Registry: reg,
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mhttp_request_duration_seconds",
			Help:    "Request latency, until response headers.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "host"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mhttp_requests_total",
			Help: "Requests by response code.",
		}, []string{"code", "method", "host"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mhttp_connect_attempts_total",
			Help: "New connections by protocol.",
		}, []string{"proto"}),
		races: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mhttp_race_outcome_total",
			Help: "HTTP/3 race outcomes.",
		}, []string{"outcome"}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mhttp_altsvc_invalidated_total",
			Help: "Alternate services banned after a failed connection.",
		}),
		altsvcLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mhttp_altsvc_entries",
			Help: "Cached alternate services.",
		}),
	}
	reg.MustRegister(p.latency, p.results, p.connects, p.races, p.invalid, p.altsvcLen)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return p
}

// Opts returns the hooks to pass to mhttp.RegisterMetrics.
func (p *Prometheus) Opts() mhttp.RegisterOpts {
	return mhttp.RegisterOpts{
		RequestLatency:    latencyFunc(p.observe),
		RequestResult:     resultFunc(p.result),
		ConnectAttempts:   labelFunc(func(l string) { p.connects.WithLabelValues(l).Inc() }),
		RaceOutcome:       labelFunc(func(l string) { p.races.WithLabelValues(l).Inc() }),
		AltSvcInvalidated: p.invalid,
		AltSvcEntries:     p.altsvcLen,
	}
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) observe(verb string, u url.URL, d time.Duration) {
	p.latency.WithLabelValues(verb, u.Host).Observe(d.Seconds())
}

func (p *Prometheus) result(code, method, host string) {
	p.results.WithLabelValues(code, method, host).Inc()
}

type latencyFunc func(verb string, u url.URL, d time.Duration)

func (f latencyFunc) Observe(_ context.Context, verb string, u url.URL, d time.Duration) {
	f(verb, u, d)
}

type resultFunc func(code, method, host string)

func (f resultFunc) Increment(_ context.Context, code, method, host string) {
	f(code, method, host)
}

type labelFunc func(label string)

func (f labelFunc) Increment(_ context.Context, label string) {
	f(label)
}
