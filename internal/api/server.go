// Package api is the HTTP surface of the reference backend. Any document
// store or REST service satisfying the remote adapter contract works as the
// authoritative side of the sync core; this one exists so the contract has a
// concrete implementation to run and test against.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/avery/tally/internal/serverdb"
)

// Server is the HTTP API server for tally-syncd.
type Server struct {
	config Config
	http   *http.Server
	store  *serverdb.ServerDB
}

// NewServer creates a Server with the given config and store.
func NewServer(cfg Config, store *serverdb.ServerDB) *Server {
	s := &Server{config: cfg, store: store}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Routes builds the HTTP handler with all routes and middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /v1/users/{owner}/entries", s.requireOwner(s.handleListEntries))
	mux.HandleFunc("POST /v1/users/{owner}/entries", s.requireOwner(s.handleCreateEntry))
	mux.HandleFunc("PATCH /v1/users/{owner}/entries/{id}", s.requireOwner(s.handleUpdateEntry))
	mux.HandleFunc("DELETE /v1/users/{owner}/entries/{id}", s.requireOwner(s.handleDeleteEntry))

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggingMiddleware,
		maxBytesMiddleware(s.config.MaxBodyBytes),
	)
}

// handleHealth returns a health check response, pinging the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
