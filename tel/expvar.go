// Package tel exports the client metrics: Prometheus collectors for the metric hooks of
// the mhttp package, and the expvar counters kept by the frame layer in text form.
//
// Expvar names follow the Prometheus conventions: [a-zA-Z0-9:_]*, counters end with
// _total. Maps are exported with their keys as labels, so keys should look like
// name="value".
package tel

import (
	"expvar"
	"fmt"
	"net/http"
	"sort"

	// Registers the h3 frame counters.
	_ "github.com/costinm/mhttp/nio"
)

// MetricValue returns the value of an Int or Float expvar, 0 if it doesn't exist.
func MetricValue(name string) int64 {
	p := expvar.Get(name)
	if p == nil {
		return 0
	}
	switch v := p.(type) {
	case *expvar.Int:
		return v.Value()
	case *expvar.Float:
		return int64(v.Value())
	}
	return 0
}

// MetricValues returns the Int values of an expvar Map, by key.
func MetricValues(name string) map[string]int64 {
	m, ok := expvar.Get(name).(*expvar.Map)
	if !ok {
		return nil
	}
	res := map[string]int64{}
	m.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			res[kv.Key] = v.Value()
		}
	})
	return res
}

// HandleMetrics writes the numeric expvars in the Prometheus text format, untyped.
func HandleMetrics(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	var lines []string
	expvar.Do(func(kv expvar.KeyValue) {
		if m, ok := kv.Value.(*expvar.Map); ok {
			m.Do(func(kv1 expvar.KeyValue) {
				if l, ok := line(kv.Key+"{"+kv1.Key+"}", kv1.Value); ok {
					lines = append(lines, l)
				}
			})
			return
		}
		if l, ok := line(kv.Key, kv.Value); ok {
			lines = append(lines, l)
		}
	})
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

func line(name string, v expvar.Var) (string, bool) {
	switch a := v.(type) {
	case *expvar.Int:
		return fmt.Sprintf("%s %d", name, a.Value()), true
	case *expvar.Float:
		return fmt.Sprintf("%s %f", name, a.Value()), true
	}
	return "", false
}
