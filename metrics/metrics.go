// Package metrics owns the prometheus registry and the HTTP endpoint
// exposing it.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overlaybw/bwscan/logger"
)

type Server struct {
	r *prometheus.Registry
}

func New() *Server {
	return &Server{
		r: prometheus.NewRegistry(),
	}
}

func (s *Server) Registry() *prometheus.Registry {
	return s.r
}

func (s *Server) Handler() http.Handler {
	log := logger.NewStdLog("prom http", false, nil)

	return promhttp.HandlerFor(s.r, promhttp.HandlerOpts{
		ErrorLog:          log,
		Registry:          s.r,
		EnableOpenMetrics: true,
	})
}

// ListenAndServe runs the metrics endpoint until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
