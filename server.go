package main

import (
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	etwmain "etwpipe/internal/etw"
)

// newRegistry registers the session statistics collector together with the
// Go runtime and process collectors.
func newRegistry(source etwmain.StatsSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		etwmain.NewStatsCollector(source).WithCacheMetrics(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// setupHTTPServer configures the HTTP server for metrics and pprof.
func (p *Pipeline) setupHTTPServer() {
	cfg := p.config.Server
	p.log.Debug().Str("metrics_path", cfg.MetricsPath).Msg("Setting up HTTP handlers")

	reg := newRegistry(p.manager)
	p.log.Info().Msg("Session statistics collector registered with Prometheus")

	p.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           newMux(cfg.MetricsPath, cfg.PprofEnabled, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMux(metricsPath string, withPprof bool, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	if withPprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html>
            <head><title>etwpipe</title></head>
            <body>
            <h1>etwpipe v` + Version + `</h1>
            <p><a href="` + metricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})
	return mux
}
