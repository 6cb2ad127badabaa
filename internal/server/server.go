// Package server is the HTTP front door: it accepts questions and answers
// into the object log and exposes request status.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/openbounty/arbiter/internal/chain"
	"github.com/openbounty/arbiter/internal/config"
	"github.com/openbounty/arbiter/internal/objectlog"
)

// Server carries the front-door dependencies.
type Server struct {
	log    objectlog.Log
	settle chain.Settlement
	cfg    config.ServerConfig
}

// New builds the front-door server.
func New(log objectlog.Log, settle chain.Settlement, cfg config.ServerConfig) *Server {
	return &Server{log: log, settle: settle, cfg: cfg}
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/questions", s.handleSubmitQuestion)
		r.Route("/questions/{requestContext}", func(r chi.Router) {
			r.Get("/", s.handleGetQuestion)
			r.Post("/answers", s.handleSubmitAnswer)
		})
	})
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("server: listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	zap.L().Info("server: stopped")
	return nil
}
