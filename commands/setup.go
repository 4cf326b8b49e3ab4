package commands

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	logging "github.com/ipfs/go-log/v2"
	_ "github.com/lib/pq"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/zpages"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"

	"github.com/adzialocha/graph-node/config"
	"github.com/adzialocha/graph-node/metrics"
	"github.com/adzialocha/graph-node/version"
)

var log = logging.Logger("registry/commands")

type LogOpts struct {
	LogLevel      string
	LogLevelNamed string
}

var LogFlags LogOpts

func setupLogging(flags LogOpts) error {
	if err := logging.SetLogLevel("*", flags.LogLevel); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}

	if flags.LogLevelNamed != "" {
		for _, llname := range strings.Split(flags.LogLevelNamed, ",") {
			parts := strings.Split(llname, ":")
			if len(parts) != 2 {
				return fmt.Errorf("invalid named log level format: %q", llname)
			}
			if err := logging.SetLogLevel(parts[0], parts[1]); err != nil {
				return fmt.Errorf("set named log level %q to %q: %w", parts[0], parts[1], err)
			}
		}
	}

	log.Debugf("registry version:%s", version.String())
	return nil
}

func setupMetrics(cfg config.MetricsConf) error {
	if cfg.PrometheusPort == "" {
		return nil
	}

	registry := prom.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "registry",
		Registry:  registry,
	})
	if err != nil {
		return err
	}

	view.RegisterExporter(pe)
	view.SetReportingPeriod(2 * time.Second)
	if err := view.Register(metrics.DefaultViews...); err != nil {
		return err
	}

	go func() {
		mux := http.NewServeMux()
		zpages.Handle(mux, "/debug")
		mux.Handle("/metrics", pe)
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		log.Infof("serving metrics on %s", cfg.PrometheusPort)
		if err := http.ListenAndServe(cfg.PrometheusPort, mux); err != nil {
			log.Errorf("prometheus /metrics endpoint stopped: %v", err)
		}
	}()
	return nil
}

func setupTracing(cfg config.TracingConf) (*tracesdk.TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tp, err := metrics.NewJaegerTraceProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	otel.SetTracerProvider(tp)
	return tp, nil
}
