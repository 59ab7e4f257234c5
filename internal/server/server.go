package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/audit"
	"github.com/ziadkadry99/contentintel/internal/auth"
	"github.com/ziadkadry99/contentintel/internal/config"
	"github.com/ziadkadry99/contentintel/internal/feedback"
	"github.com/ziadkadry99/contentintel/internal/logging"
	"github.com/ziadkadry99/contentintel/internal/notifications"
	"github.com/ziadkadry99/contentintel/internal/override"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// Server is the feedback governance HTTP API.
type Server struct {
	cfg        config.ServerConfig
	svc        *Services
	verifier   auth.Verifier
	log        logrus.FieldLogger
	router     chi.Router
	httpServer *http.Server
}

// New creates a server exposing svc. Requests under /api must carry a
// bearer token accepted by verifier.
func New(cfg config.ServerConfig, svc *Services, verifier auth.Verifier, log logrus.FieldLogger) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		log:      log.WithField("component", "server"),
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// buildRouter creates and configures the chi router with all routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(middleware.Timeout(timeout))

	// CORS
	corsOpts := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAllOrigins {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier, s.log))

		r.Get("/api/me/permissions", s.myPermissions)
		feedback.RegisterRoutes(r, s.svc.Engine)
		override.RegisterRoutes(r, s.svc.Overrides)
		audit.RegisterRoutes(r, s.svc.Audit, s.svc.Authority)
		notifications.RegisterRoutes(r, s.svc.Notifications, s.svc.Dispatcher, s.svc.Authority)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if err := s.svc.DB.PingContext(r.Context()); err != nil {
		s.log.WithError(err).Error("health check: database unreachable")
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

type permissionsResponse struct {
	ActorID      string                  `json:"actor_id"`
	Role         permission.Role         `json:"role"`
	Capabilities []permission.Capability `json:"capabilities"`
}

func (s *Server) myPermissions(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		writeJSON(w, apperr.HTTPStatus(err), apperr.ResponseFor(err))
		return
	}
	writeJSON(w, http.StatusOK, permissionsResponse{
		ActorID:      actor.ID,
		Role:         actor.Role,
		Capabilities: s.svc.Authority.PermissionsFor(actor.Role),
	})
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() chi.Router { return s.router }

// Start begins listening on the configured port. It returns
// http.ErrServerClosed once Shutdown has been called, even if Shutdown ran
// first.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("contentintel server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
