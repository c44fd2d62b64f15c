package mainloop

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hugoren/toil/internal/logging"
)

// Metrics is pure observability bolted onto the loop's existing counters; it
// never feeds back into scheduling (SPEC_FULL.md §4.10).
type Metrics struct {
	registry *prometheus.Registry

	JobsIssued      prometheus.Gauge
	JobsFailedTotal prometheus.Counter
	JobsMissing     prometheus.Gauge
	RescueRunsTotal prometheus.Counter
}

// NewMetrics registers the loop's gauges/counters on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		JobsIssued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toil_jobs_issued",
			Help: "Number of jobs currently issued to the batch system.",
		}),
		JobsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toil_jobs_failed_total",
			Help: "Total number of jobs that permanently failed.",
		}),
		JobsMissing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toil_jobs_missing",
			Help: "Number of issued jobs currently missing from the batch system.",
		}),
		RescueRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toil_rescue_runs_total",
			Help: "Total number of rescue passes executed.",
		}),
	}

	reg.MustRegister(m.JobsIssued, m.JobsFailedTotal, m.JobsMissing, m.RescueRunsTotal)
	return m
}

// MetricsServer serves /metrics and /healthz on a gorilla/mux router wrapped
// in gorilla/handlers access logging, mirroring the teacher pack's HTTP
// server construction (SPEC_FULL.md §4.10). It runs on its own goroutine
// inside the master process and only ever reads atomically-published
// counters, so a slow scrape can never stall the loop.
type MetricsServer struct {
	http *http.Server
}

// NewMetricsServer builds a server exposing m's registry at addr. running is
// polled by /healthz; it should report whether the main loop is still
// executing.
func NewMetricsServer(addr string, m *Metrics, running func() bool) *MetricsServer {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if running() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	return &MetricsServer{
		http: &http.Server{
			Addr:    addr,
			Handler: handlers.LoggingHandler(logWriter{}, r),
		},
	}
}

// Serve runs the server until ctx is cancelled, then shuts it down
// gracefully.
func (s *MetricsServer) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.http.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// logWriter routes gorilla/handlers access log lines through this package's
// logger rather than directly to stderr.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logging.Logger.Debugf("%s", string(p))
	return len(p), nil
}
