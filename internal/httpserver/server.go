package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/ledger"
	"bot-otp/internal/metrics"
	"bot-otp/internal/rental"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	PaymentWebhook http.Handler
}

// Admin is the operator surface of the conversation engine.
type Admin interface {
	Broadcast(ctx context.Context, message string) (int, error)
	PurgeUser(ctx context.Context, userID string) error
}

// Accounts reads user records.
type Accounts interface {
	Get(ctx context.Context, userID string) (*ledger.User, error)
}

// ServiceReloader refreshes the cached rental listing.
type ServiceReloader interface {
	RefreshServices(ctx context.Context, country string) ([]rental.Service, error)
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Admin          Admin
	Accounts       Accounts
	Services       ServiceReloader
	AdminToken     string
	DefaultCountry string
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics,
// webhook and admin endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP, middleware.Recoverer)
	router.Get("/healthz", healthHandler)
	router.Handle("/metrics", promhttp.Handler())
	if handlers.PaymentWebhook != nil {
		router.Handle("/webhook/payment", handlers.PaymentWebhook)
	}
	router.Route("/admin", func(r chi.Router) {
		r.Use(server.requireAdmin)
		r.Post("/broadcast", server.handleBroadcast)
		r.Post("/reload-services", server.handleReloadServices)
		r.Get("/users/{userID}", server.handleGetUser)
		r.Delete("/users/{userID}", server.handlePurgeUser)
	})

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mountWithBasePath(server.basePath, router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler returns the root handler, base path included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.deps.AdminToken
		if token == "" {
			http.Error(w, "admin api disabled", http.StatusForbidden)
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			s.logger.Warn("admin request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Admin == nil {
		http.Error(w, "broadcast unavailable", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	queued, err := s.deps.Admin.Broadcast(r.Context(), strings.TrimSpace(req.Message))
	if err != nil {
		s.writeError(w, "broadcast", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "recipients": queued})
}

func (s *Server) handleReloadServices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Services == nil {
		http.Error(w, "rental client unavailable", http.StatusServiceUnavailable)
		return
	}
	country := r.URL.Query().Get("country")
	if country == "" {
		country = s.deps.DefaultCountry
	}
	items, err := s.deps.Services.RefreshServices(r.Context(), country)
	if err != nil {
		s.writeError(w, "reload services", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"country": country,
		"count":   len(items),
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if s.deps.Accounts == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	user, err := s.deps.Accounts.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handlePurgeUser(w http.ResponseWriter, r *http.Request) {
	if s.deps.Admin == nil {
		http.Error(w, "purge unavailable", http.StatusServiceUnavailable)
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.deps.Admin.PurgeUser(r.Context(), userID); err != nil {
		s.writeError(w, "purge user", err)
		return
	}
	s.logger.Info("user purged via admin api", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged", "user_id": userID})
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrProviderUnavailable), errors.Is(err, apperr.ErrProviderRejected):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.metrics.Error("http")
		s.logger.Error("admin request failed", "op", op, "error", err)
	}
	writeJSON(w, status, map[string]string{"status": "error", "kind": apperr.KindOf(err), "error": err.Error()})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
