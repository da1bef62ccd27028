package ipc

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ironmill-erp/decision-engine/internal/logger"
	"github.com/ironmill-erp/decision-engine/internal/telemetry"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr, serviceName string) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           NewRouter(h, serviceName),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewRouter builds the API routes.
func NewRouter(h *Handler, serviceName string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestContext)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.StartConversation)
			r.Get("/", h.ListConversations)
			r.Get("/{id}", h.GetConversation)
			r.Get("/{id}/events", h.ListEvents)
			r.Get("/{id}/events/stream", h.StreamEvents)
		})

		r.Get("/approvals", h.ListApprovals)
		r.Post("/approvals/{decisionID}/resolve", h.ResolveApproval)

		r.Get("/breakers", h.ListBreakers)
		r.Get("/quota", h.ListQuota)
	})

	return r
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestContext copies chi's request id into the logging context.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logger.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for browser dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
