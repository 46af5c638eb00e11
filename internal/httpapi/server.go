// Package httpapi exposes the ledger over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yourorg/lpdp/internal/auth"
	"github.com/yourorg/lpdp/internal/export"
	"github.com/yourorg/lpdp/internal/ledger"
)

// Ledger is the subset of *ledger.Ledger served over HTTP.
type Ledger interface {
	RecordEvent(ctx context.Context, chainID string, in ledger.EventInput) (ledger.AuditEvent, error)
	Events(ctx context.Context, chainID string, after int64, limit int) ([]ledger.AuditEvent, error)
	VerifyChain(ctx context.Context, chainID string) (ledger.VerificationReport, error)
	Chains(ctx context.Context) ([]string, error)
}

type Exporter interface {
	Export(ctx context.Context, chainID, actorID string, req export.Request) (export.Result, error)
}

// Deps are the collaborators of the API server.
type Deps struct {
	Ledger   Ledger
	Exporter Exporter
	Keys     auth.APIKeyStore
	Auth     *auth.Handler
	Limiter  *auth.RateLimiter
	// Downloads serves signed export links. Nil disables the route.
	Downloads      export.Storage
	Signer         *export.URLSigner
	AllowedActions []string
	MaxPageSize    int
	Logger         *slog.Logger
}

type Server struct {
	ledger    Ledger
	exporter  Exporter
	downloads export.Storage
	signer    *export.URLSigner
	actions   map[string]struct{}
	maxPage   int
	logger    *slog.Logger
}

const defaultPageSize = 100

// NewRouter builds the chi router for the whole API.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ledger:    d.Ledger,
		exporter:  d.Exporter,
		downloads: d.Downloads,
		signer:    d.Signer,
		actions:   make(map[string]struct{}, len(d.AllowedActions)),
		maxPage:   d.MaxPageSize,
		logger:    logger,
	}
	for _, a := range d.AllowedActions {
		s.actions[a] = struct{}{}
	}
	if s.maxPage <= 0 {
		s.maxPage = 1000
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.correlate)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	if d.Auth != nil {
		r.Post("/v1/admin/tenants", d.Auth.CreateTenant)
	}
	if s.downloads != nil && s.signer != nil {
		r.Get("/v1/downloads/*", s.download)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(d.Keys, d.Limiter, logger))

		r.With(auth.RequireScope(auth.Scopes.LedgerWrite)).Post("/v1/events", s.recordEvent)
		r.With(auth.RequireScope(auth.Scopes.LedgerRead)).Get("/v1/events", s.listEvents)
		r.With(auth.RequireScope(auth.Scopes.LedgerVerify)).Get("/v1/verify", s.verify)
		if s.exporter != nil {
			r.With(auth.RequireScope(auth.Scopes.LedgerRead)).Post("/v1/exports", s.createExport)
		}

		if d.Auth != nil {
			h := d.Auth
			r.Route("/v1/admin/keys", func(r chi.Router) {
				r.Get("/", h.ListAPIKeys)
				r.Post("/", h.CreateAPIKey)
				r.Delete("/{keyId}", func(w http.ResponseWriter, r *http.Request) {
					h.RevokeAPIKey(w, r, chi.URLParam(r, "keyId"))
				})
				r.Post("/{keyId}/rotate", func(w http.ResponseWriter, r *http.Request) {
					h.RotateAPIKey(w, r, chi.URLParam(r, "keyId"))
				})
			})
		}
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	corrID := auth.CorrelationID(r)
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	chains, err := s.ledger.Chains(ctx)
	if err != nil {
		s.logger.Error("health check failed", slog.String("corrId", corrID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, corrID, HealthResponse{Status: "unavailable"}, nil)
		return
	}
	writeJSON(w, http.StatusOK, corrID, HealthResponse{Status: "ok", Chains: len(chains)}, nil)
}

// correlate makes sure every request and response carries a correlation id.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(auth.CorrelationHeader, auth.CorrelationID(r))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			slog.String("corrId", r.Header.Get(auth.CorrelationHeader)),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// CorrelationLogger scopes a logger to one request and tenant.
func CorrelationLogger(logger *slog.Logger, corrID, tenantID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("corrId", corrID, "tenantId", tenantID)
}

func writeJSON(w http.ResponseWriter, status int, corrID string, v any, extra map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	if corrID != "" {
		w.Header().Set(auth.CorrelationHeader, corrID)
	}
	for k, val := range extra {
		w.Header().Set(k, val)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, corrID, code, message string, retryable bool) {
	writeJSON(w, status, corrID, ErrorResponse{Code: code, Message: message, CorrID: corrID, Retryable: retryable}, nil)
}

func writeValidation(w http.ResponseWriter, corrID string, items ...ValidationErrorItem) {
	writeJSON(w, http.StatusBadRequest, corrID, ValidationError{
		Code:    "VALIDATION_ERROR",
		Message: "request validation failed",
		CorrID:  corrID,
		Errors:  items,
	}, nil)
}
