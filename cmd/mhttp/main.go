//Copyright 2021 Google LLC
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/costinm/mhttp"
	"github.com/costinm/mhttp/altsvc"
	"github.com/costinm/mhttp/tel"
	"golang.org/x/exp/slog"
)

var (
	version   = flag.String("v", "", "HTTP version: 1.1, 2 or 3. Empty negotiates")
	discovery = flag.String("d", "", "HTTP/3 discovery: any, alt-svc or http3-uri-only")
	cfgPath   = flag.String("c", "", "Config file, default $MHTTP_CFG or ./mhttp.yaml")
	count     = flag.Int("n", 1, "Number of requests, sent in sequence")
	quiet     = flag.Bool("q", false, "Don't print the response body")
	metrics   = flag.Bool("metrics", false, "Print the metrics at the end")
	verbose   = flag.Bool("debug", false, "Debug logging")
)

// Fetch a URL, printing the protocol that served each request and the Alt-Svc cache.
//
// For example:
//
//	mhttp -n 2 https://www.google.com/
//
// The first request usually goes over HTTP/2 and learns the HTTP/3 endpoint from the
// Alt-Svc header, the second one uses HTTP/3.
func main() {
	flag.Parse()
	if len(flag.Args()) == 0 {
		log.Fatal("Expecting URL")
	}
	url := flag.Arg(0)

	if *verbose {
		mhttp.Debug = true
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := mhttp.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if *version != "" {
		cfg.Version = *version
	}
	if *discovery != "" {
		cfg.Discovery = *discovery
	}

	prom := tel.NewPrometheus()
	mhttp.RegisterMetrics(prom.Opts())

	c, err := mhttp.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	ctx, cf := context.WithTimeout(context.Background(), 60*time.Second)
	defer cf()

	for i := 0; i < *count; i++ {
		if err := fetch(ctx, c, url); err != nil {
			log.Fatal(err)
		}
	}

	for _, o := range c.Registry.Origins() {
		now := time.Now()
		var vals []altsvc.Value
		for _, s := range c.Registry.Lookup(o, nil) {
			vals = append(vals, s.Value(now))
		}
		fmt.Fprintf(os.Stderr, "alt-svc %s: %s\n", o, altsvc.FormatHeader(vals))
	}
	adv, direct := c.H3.Len()
	fmt.Fprintf(os.Stderr, "pools: h3 advertised=%d direct=%d h2=%d frames=%d\n", adv, direct, c.H2.Len(),
		tel.MetricValue("h3_frames_received_total"))

	if *metrics {
		prom.Handler().ServeHTTP(&stdoutWriter{h: http.Header{}}, &http.Request{Header: http.Header{}})
		// Frame layer counters, kept in expvar.
		tel.HandleMetrics(&stdoutWriter{h: http.Header{}}, &http.Request{Header: http.Header{}})
	}
}

func fetch(ctx context.Context, c *mhttp.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	start := time.Now()
	e, err := c.NewExchange(req)
	if err != nil {
		return err
	}
	resp, err := c.Send(e)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out := io.Discard
	if !*quiet {
		out = os.Stdout
	}
	n, err := io.Copy(out, resp.Body)
	fmt.Fprintf(os.Stderr, "%s %d bytes=%d exchange=%s discovery=%s time=%v\n", resp.Proto, resp.StatusCode,
		n, e.Proto().Proto(), e.Discovery, time.Since(start))
	return err
}

// stdoutWriter is a ResponseWriter printing the body.
type stdoutWriter struct {
	h http.Header
}

func (w *stdoutWriter) Header() http.Header         { return w.h }
func (w *stdoutWriter) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (w *stdoutWriter) WriteHeader(int)             {}
