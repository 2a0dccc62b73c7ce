// Package http exposes the search and session engines over a thin JSON API.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sipsearch-server/pkg/config"
	"sipsearch-server/pkg/correlation"
	"sipsearch-server/pkg/media"
	"sipsearch-server/pkg/metrics"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/session"

	"github.com/sirupsen/logrus"
)

// MediaReconstructor is the media-quality view consumed by the session
// handlers, implemented by *media.Reconstructor.
type MediaReconstructor interface {
	Reconstruct(ctx context.Context, window models.TimeWindow, callIDs []string) ([]*media.LegSession, error)
}

// Server serves the search and session API plus operational endpoints.
type Server struct {
	config     config.HTTPConfig
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	registry   *correlation.Registry
	assembler  *session.Assembler
	media      MediaReconstructor
	startTime  time.Time
}

// NewServer wires the API routes over the given engines.
func NewServer(logger *logrus.Logger, cfg config.HTTPConfig, registry *correlation.Registry, assembler *session.Assembler, reconstructor MediaReconstructor) *Server {
	server := &Server{
		config:    cfg,
		logger:    logger,
		registry:  registry,
		assembler: assembler,
		media:     reconstructor,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	server.mux = mux

	mux.HandleFunc("/api/search/calls", server.searchHandler(models.MethodInvite))
	mux.HandleFunc("/api/search/registrations", server.searchHandler(models.MethodRegister))
	mux.HandleFunc("/api/session/details", server.detailsHandler)
	mux.HandleFunc("/api/session/content", server.contentHandler)
	mux.HandleFunc("/api/session/flow", server.flowHandler)
	mux.HandleFunc("/api/session/media", server.mediaHandler)
	mux.HandleFunc("/api/session/pcap", server.pcapHandler)
	mux.HandleFunc("/api/session/stash", server.stashHandler)
	mux.HandleFunc("/healthz", server.healthHandler)

	if cfg.MetricsEnabled {
		metrics.RegisterHandler(mux)
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server.requestLogging(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return server
}

// Handler returns the routed handler, middleware included. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).String(),
		"started_at": s.startTime.Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}
