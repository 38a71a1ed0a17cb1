// Package metrics exposes run events as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagehand/internal/core"
	"stagehand/internal/logging"
)

const (
	labelKind   = "kind"
	labelStep   = "step"
	labelResult = "result"

	resultOK    = "ok"
	resultError = "error"
)

var logger = logging.GetLogger("metrics")

// Reporter is a core.Reporter that records every event in its own registry.
type Reporter struct {
	registry *prometheus.Registry

	events    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	bytesSent prometheus.Counter
	bytesRecv prometheus.Counter
}

// NewReporter creates a reporter with a fresh registry.
func NewReporter() *Reporter {
	r := &Reporter{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagehand_events_total",
				Help: "Number of reported events by kind, step and result.",
			},
			[]string{labelKind, labelStep, labelResult},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagehand_event_duration_seconds",
				Help:    "Duration of reported events.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{labelKind, labelStep},
		),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_http_sent_bytes_total",
			Help: "Request body bytes sent.",
		}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_http_received_bytes_total",
			Help: "Response body bytes received.",
		}),
	}
	r.registry.MustRegister(r.events, r.durations, r.bytesSent, r.bytesRecv)
	return r
}

// Report implements core.Reporter.
func (r *Reporter) Report(e core.Event) {
	result := resultOK
	if !e.Success {
		result = resultError
	}
	r.events.WithLabelValues(e.Kind, e.Step, result).Inc()
	r.durations.WithLabelValues(e.Kind, e.Step).Observe(e.Duration.Seconds())
	if e.Kind == core.KindHTTP {
		r.bytesSent.Add(float64(e.BytesSent))
		r.bytesRecv.Add(float64(e.BytesRecv))
	}
}

// TrackVUs exposes the live VU count reported by fn.
func (r *Reporter) TrackVUs(fn func() int) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "stagehand_vus",
			Help: "Number of live virtual users.",
		},
		func() float64 { return float64(fn()) },
	))
}

// Registry returns the registry the reporter records into.
func (r *Reporter) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the reporter's metrics in the exposition format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Server serves the reporter's metrics on /metrics until stopped.
type Server struct {
	ln    net.Listener
	s     *http.Server
	errCh chan error
}

// Serve starts serving the reporter's metrics on addr.
func Serve(addr string, r *Reporter) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &Server{
		ln:    ln,
		s:     &http.Server{Handler: mux, ReadTimeout: 5 * time.Second},
		errCh: make(chan error, 1),
	}
	go func() {
		if err := srv.s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.errCh <- err
		}
		close(srv.errCh)
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.s.Shutdown(ctx); err != nil {
		return err
	}
	if err := <-s.errCh; err != nil {
		logger.Error("metrics terminated uncleanly", "err", err)
		return err
	}
	return nil
}
