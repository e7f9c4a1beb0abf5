package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/cfg"
)

// Server hosts the HTTP API.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the router and binds the handlers.
func NewServer(config cfg.APIConfiguration, handlers *Handlers) *Server {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(config.AuthTokens))

	r.Route("/api/metadata", func(r chi.Router) {
		r.Post("/process", handlers.handleProcess)
		r.Post("/process/batch", handlers.handleProcessBatch)
		r.Get("/status/{eventId}", handlers.handleStatus)
		r.Get("/ping", handlers.handlePing)
	})

	r.Get("/api/rules/{tenantId}/{sourceId}", handlers.handleRule)

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", config.BindAddress, config.Port),
			Handler: r,
		},
	}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("address", s.httpServer.Addr).Msg("HTTP API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP API server failed")
		}
	}()
}

// Stop drains in-flight requests with a short grace period.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Error shutting down HTTP API")
	}
}
