// Package metricsserver implements the optional REST endpoint (component
// C11) exposing the run's live metrics.Report as JSON and a liveness probe,
// for operators polling a long-running dump instead of waiting for the
// final console report.
package metricsserver

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/gurre/memcachedumper/logging"
	"github.com/gurre/memcachedumper/metrics"
)

// ReportSource supplies the current metrics snapshot on demand;
// metrics.Metrics satisfies this directly via GenerateReport.
type ReportSource interface {
	GenerateReport() metrics.Report
}

// Server serves /metrics and /healthz over HTTP while a dump run is in
// progress. The zero value is not usable; construct with New.
type Server struct {
	httpServer *http.Server
	done       int32
}

// New builds a Server bound to addr (e.g. ":9090"), backed by source for
// report data. It does not start listening until Start is called.
func New(addr string, source ReportSource) *Server {
	s := &Server{}
	router := mux.NewRouter()
	router.HandleFunc("/metrics", metricsHandler(source)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// MarkDone records that the run has reached quiescence; subsequent /healthz
// requests report "done" instead of "ok" so an operator polling liveness can
// tell the run finished without watching the process exit.
func (s *Server) MarkDone() {
	atomic.StoreInt32(&s.done, 1)
}

func metricsHandler(source ReportSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := source.GenerateReport()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logging.For("metricsserver").WithField("err", err).Error("encoding metrics report")
		}
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if atomic.LoadInt32(&s.done) == 1 {
		w.Write([]byte("done"))
		return
	}
	w.Write([]byte("ok"))
}

// Start begins serving in a background goroutine. Listen errors other than
// a clean Shutdown are logged and not returned to the caller.
func (s *Server) Start() {
	log := logging.For("metricsserver")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Error("metrics server stopped unexpectedly")
		}
	}()
	log.WithField("addr", s.httpServer.Addr).Info("metrics server listening")
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
