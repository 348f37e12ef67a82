// Package httpx exposes the research orchestrator over a JSON HTTP API.
package httpx

import (
	"log/slog"
	"net/http"
)

// RouterServices holds everything the HTTP router needs.
type RouterServices struct {
	Research ResearchService
	// Ready lists dependencies checked by /readyz, keyed by name.
	Ready  map[string]Pinger
	Logger *slog.Logger

	MaxBodyBytes       int64
	CompressionEnabled bool
	CompressionLevel   int
}

// NewRouter creates the HTTP handler with logging, panic recovery and optional gzip.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	registerResearchRoutes(mux, &ResearchHandlers{Svc: services.Research, Logger: logger})
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readinessHandler(services.Ready, logger))

	var handler http.Handler = mux
	handler = MaxBody(services.MaxBodyBytes)(handler)
	if services.CompressionEnabled {
		handler = Compression(CompressionConfig{Level: services.CompressionLevel, Logger: logger})(handler)
	}
	handler = Logging(logger)(handler)
	return Recover(logger)(handler)
}

func registerResearchRoutes(mux *http.ServeMux, h *ResearchHandlers) {
	owned := func(fn http.HandlerFunc) http.Handler { return RequireOwner(fn) }

	mux.Handle("POST /api/research", owned(h.Submit))
	mux.Handle("GET /api/research", owned(h.List))
	mux.Handle("GET /api/research/{id}", owned(h.Get))
	mux.Handle("POST /api/research/{id}/retry", owned(h.Retry))
	mux.Handle("POST /api/research/{id}/proceed", owned(h.Proceed))
	mux.Handle("POST /api/research/{id}/cancel", owned(h.Cancel))
	mux.Handle("GET /api/research/{id}/audit", owned(h.Audit))
}
