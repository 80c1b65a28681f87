package mhttp

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// Using the same model as k8s.io/client-go/tools/metrics

// LatencyMetric observes client latency partitioned by verb and url.
type LatencyMetric interface {
	Observe(ctx context.Context, verb string, u url.URL, latency time.Duration)
}

// ResultMetric counts response codes partitioned by method and host.
type ResultMetric interface {
	Increment(ctx context.Context, code string, method string, host string)
}

// LabelMetric counts events partitioned by one label.
type LabelMetric interface {
	Increment(ctx context.Context, label string)
}

// CountMetric counts events.
type CountMetric interface {
	Inc()
}

// GaugeMetric reports a current value.
type GaugeMetric interface {
	Set(v float64)
}

var (
	// RequestLatency is the latency metric that clients will update.
	RequestLatency LatencyMetric = noopLatency{}
	// RequestResult is the result metric that clients will update.
	RequestResult ResultMetric = noopResult{}
	// ConnectAttempts counts new connections, by protocol: h1, h2, h2c, h3.
	ConnectAttempts LabelMetric = noopLabel{}
	// RaceOutcome counts the outcomes of HTTP/3 races.
	RaceOutcome LabelMetric = noopLabel{}
	// AltSvcInvalidated counts alternate services banned after a failed handshake.
	AltSvcInvalidated CountMetric = noopCount{}
	// AltSvcEntries is the number of cached alternate services.
	AltSvcEntries GaugeMetric = noopGauge{}
)

// RegisterOpts contains all the metrics to register. Metrics may be nil.
type RegisterOpts struct {
	RequestLatency    LatencyMetric
	RequestResult     ResultMetric
	ConnectAttempts   LabelMetric
	RaceOutcome       LabelMetric
	AltSvcInvalidated CountMetric
	AltSvcEntries     GaugeMetric
}

var registerMetrics sync.Once

// RegisterMetrics registers metrics for the clients to use. This can only be called once.
func RegisterMetrics(opts RegisterOpts) {
	registerMetrics.Do(func() {
		if opts.RequestLatency != nil {
			RequestLatency = opts.RequestLatency
		}
		if opts.RequestResult != nil {
			RequestResult = opts.RequestResult
		}
		if opts.ConnectAttempts != nil {
			ConnectAttempts = opts.ConnectAttempts
		}
		if opts.RaceOutcome != nil {
			RaceOutcome = opts.RaceOutcome
		}
		if opts.AltSvcInvalidated != nil {
			AltSvcInvalidated = opts.AltSvcInvalidated
		}
		if opts.AltSvcEntries != nil {
			AltSvcEntries = opts.AltSvcEntries
		}
	})
}

type noopLatency struct{}

func (noopLatency) Observe(context.Context, string, url.URL, time.Duration) {}

type noopResult struct{}

func (noopResult) Increment(context.Context, string, string, string) {}

type noopLabel struct{}

func (noopLabel) Increment(context.Context, string) {}

type noopCount struct{}

func (noopCount) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}
