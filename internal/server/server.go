package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"deptrack/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second
)

// Server exposes the deployment tracking service as a JSON API.
type Server struct {
	Service   *service.Service
	Logger    *slog.Logger
	RateLimit int // requests per minute per IP; <= 0 disables limiting
}

// NewServer creates a new server instance.
func NewServer(svc *service.Service, logger *slog.Logger, rateLimit int) *Server {
	return &Server{
		Service:   svc,
		Logger:    logger,
		RateLimit: rateLimit,
	}
}

// Router creates and configures the HTTP router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	if s.RateLimit > 0 {
		r.Use(NewRateLimitMiddleware(s.RateLimit, s.Logger))
	}

	// Routes
	r.Get("/health", s.HandleHealth)

	r.Route("/deployments", func(r chi.Router) {
		r.Get("/", s.HandleListDeployments)
		r.Get("/recent", s.HandleRecentDeployments)
		r.Route("/{repository}/{id}", func(r chi.Router) {
			r.Get("/", s.HandleGetDeployment)
			r.Get("/progression", s.HandleProgression)
			r.Post("/status", s.HandleUpdateStatus)
			r.Post("/approve", s.HandleApprove)
			r.Post("/reject", s.HandleReject)
		})
	})

	r.Get("/pending-approvals", s.HandlePendingApprovals)
	r.Get("/statistics", s.HandleStatistics)
	r.Get("/repositories", s.HandleRepositories)
	r.Get("/environments", s.HandleEnvironments)
	r.Get("/latest-by-environment", s.HandleLatestByEnvironment)

	return r
}

// Start starts the HTTP server.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	return server.ListenAndServe()
}
