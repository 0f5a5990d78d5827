// Package server exposes the HTTP API: document upload, status, deletion,
// question answering, and a health endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Server is the HTTP front for the pipeline and retrieval components.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Routes builds the full route table.
func Routes(handlers *Handlers, health HealthChecker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/documents", handlers.HandleUpload())
	mux.HandleFunc("GET /api/documents", handlers.HandleListDocuments())
	mux.HandleFunc("GET /api/documents/{id}", handlers.HandleGetDocument())
	mux.HandleFunc("DELETE /api/documents/{id}", handlers.HandleDeleteDocument())
	mux.HandleFunc("POST /api/query", handlers.HandleQuery())
	mux.HandleFunc("GET /health", NewHealthHandler(health))
	return mux
}

// New builds the server with all routes registered.
func New(port string, handlers *Handlers, health HealthChecker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := Routes(handlers, health)

	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
