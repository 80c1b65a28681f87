package tel

import (
	"context"
	"expvar"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/costinm/mhttp/nio"
)

// parse reads the "name value" lines of a text exposition.
func parse(body string) map[string]float64 {
	metrics := map[string]float64{}
	for _, k := range strings.Split(body, "\n") {
		if strings.HasPrefix(k, "#") {
			continue
		}
		kv := strings.Split(k, " ")
		if len(kv) > 1 {
			vf, err := strconv.ParseFloat(kv[1], 64)
			if err == nil {
				metrics[kv[0]] = vf
			}
		}
	}
	return metrics
}

func TestExpvar(t *testing.T) {
	counter := expvar.NewFloat("example_counter_total")
	counter.Add(2)
	if v := MetricValue("example_counter_total"); v != 2 {
		t.Errorf("Expecting %d got %d", 2, v)
	}

	withLabels := expvar.NewMap("with_labels")
	withLabels.Add(`a="1"`, 1)
	withLabels.Add(`b="1"`, 2)
	if v := MetricValues("with_labels"); v[`b="1"`] != 2 {
		t.Error(v)
	}

	nio.NewStats().Rcvd(10)

	w := httptest.NewRecorder()
	HandleMetrics(w, &http.Request{})
	metrics := parse(w.Body.String())
	if metrics["example_counter_total"] != 2 || metrics[`with_labels{a="1"}`] != 1 {
		t.Error(metrics)
	}
	if metrics["h3_frames_received_total"] < 1 {
		t.Error(metrics)
	}
}

func TestPrometheus(t *testing.T) {
	p := NewPrometheus()
	o := p.Opts()
	ctx := context.Background()
	o.ConnectAttempts.Increment(ctx, "h3")
	o.ConnectAttempts.Increment(ctx, "h3")
	o.RaceOutcome.Increment(ctx, "h2")
	o.AltSvcInvalidated.Inc()
	o.AltSvcEntries.Set(3)
	o.RequestResult.Increment(ctx, "200", "GET", "example.com")
	o.RequestLatency.Observe(ctx, "GET", url.URL{Host: "example.com"}, 10*time.Millisecond)

	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	metrics := parse(w.Body.String())
	for k, v := range map[string]float64{
		`mhttp_connect_attempts_total{proto="h3"}`:                              2,
		`mhttp_race_outcome_total{outcome="h2"}`:                                1,
		`mhttp_altsvc_invalidated_total`:                                        1,
		`mhttp_altsvc_entries`:                                                  3,
		`mhttp_requests_total{code="200",host="example.com",method="GET"}`:      1,
		`mhttp_request_duration_seconds_count{host="example.com",method="GET"}`: 1,
	} {
		if metrics[k] != v {
			t.Error(k, metrics[k])
		}
	}
}
