package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAPIKeyRequired    = errors.New("API key required")
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrKeyExpired        = errors.New("API key expired")
	ErrKeyRevoked        = errors.New("API key revoked")
	ErrTenantSuspended   = errors.New("tenant suspended")
	ErrInsufficientScope = errors.New("insufficient scope")
)

// CorrelationHeader carries the request correlation id.
const CorrelationHeader = "X-Correlation-Id"

// AuthError is the JSON error envelope shared by every endpoint.
type AuthError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	CorrID    string `json:"corrId"`
	Retryable bool   `json:"retryable"`
}

// Middleware authenticates the API key, enforces the per-key rate limit and
// stores the Tenant and Actor in the request context.
func Middleware(store APIKeyStore, limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := CorrelationID(r)
			log := logger.With(slog.String("corrId", corrID), slog.String("path", r.URL.Path))

			rawKey := extractAPIKey(r)
			if rawKey == "" {
				writeJSONError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API key required", corrID, false)
				return
			}

			tenant, apiKey, err := store.ValidateKey(r.Context(), rawKey)
			if err != nil {
				log.Warn("authentication failed",
					slog.String("keyPrefix", ExtractKeyPrefix(rawKey)),
					slog.String("clientIp", clientIP(r)),
					slog.String("error", err.Error()),
				)
				if errors.Is(err, ErrInvalidKey) {
					writeJSONError(w, http.StatusUnauthorized, "INVALID_KEY", "Invalid API key format", corrID, false)
				} else {
					writeJSONError(w, http.StatusUnauthorized, "INVALID_KEY", "Invalid API key", corrID, false)
				}
				return
			}

			if err := checkKey(tenant, apiKey, time.Now()); err != nil {
				log.Warn("authentication rejected",
					slog.String("tenantId", tenant.ID),
					slog.String("keyId", apiKey.ID),
					slog.String("reason", err.Error()),
				)
				switch {
				case errors.Is(err, ErrTenantSuspended):
					writeJSONError(w, http.StatusForbidden, "TENANT_SUSPENDED", "Tenant account is suspended", corrID, false)
				case errors.Is(err, ErrKeyRevoked):
					writeJSONError(w, http.StatusUnauthorized, "KEY_REVOKED", "API key has been revoked", corrID, false)
				default:
					writeJSONError(w, http.StatusUnauthorized, "KEY_EXPIRED", "API key has expired", corrID, false)
				}
				return
			}

			if limiter != nil {
				if ok, retryAfter := limiter.Allow(apiKey.ID, apiKey.RateLimit); !ok {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
					writeJSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded", corrID, true)
					return
				}
			}

			actor := &Actor{
				ID:        apiKey.Subject,
				TenantID:  tenant.ID,
				KeyID:     apiKey.ID,
				KeyName:   apiKey.Name,
				Scopes:    apiKey.Scopes,
				ActorType: "api_key",
			}
			if actor.ID == "" {
				actor.ID = "api_key:" + apiKey.ID
			}

			go func(keyID string) {
				if err := store.UpdateLastUsed(context.Background(), keyID); err != nil {
					logger.Error("update key last used", slog.String("keyId", keyID), slog.String("error", err.Error()))
				}
			}(apiKey.ID)

			log.Debug("authenticated request",
				slog.String("tenantId", tenant.ID),
				slog.String("actorId", actor.ID),
				slog.String("keyId", apiKey.ID),
			)

			ctx := ContextWithTenant(r.Context(), tenant)
			ctx = ContextWithActor(ctx, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// checkKey applies tenant status, revocation and expiry. A rotated key's
// ExpiresAt is the end of its grace period.
func checkKey(tenant *Tenant, key *APIKey, now time.Time) error {
	if tenant.Status != "active" {
		return ErrTenantSuspended
	}
	if key.RevokedAt != nil {
		return ErrKeyRevoked
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return ErrKeyExpired
	}
	return nil
}

// RequireScope rejects requests whose actor lacks scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := CorrelationID(r)
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Authentication required", corrID, false)
				return
			}
			if !actor.HasScope(scope) {
				writeJSONError(w, http.StatusForbidden, "INSUFFICIENT_SCOPE",
					fmt.Sprintf("Required scope: %s", scope), corrID, false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CorrelationID returns the request's correlation id, generating one if the
// client sent none.
func CorrelationID(r *http.Request) string {
	if id := r.Header.Get(CorrelationHeader); id != "" {
		return id
	}
	id := uuid.NewString()
	r.Header.Set(CorrelationHeader, id)
	return id
}

// extractAPIKey supports "Bearer <key>", "ApiKey <key>" and X-API-Key.
func extractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if k, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(k)
		}
		if k, ok := strings.CutPrefix(h, "ApiKey "); ok {
			return strings.TrimSpace(k)
		}
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, corrID string, v any) {
	w.Header().Set("Content-Type", "application/json")
	if corrID != "" {
		w.Header().Set(CorrelationHeader, corrID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message, corrID string, retryable bool) {
	writeJSON(w, status, corrID, AuthError{
		Code:      code,
		Message:   message,
		CorrID:    corrID,
		Retryable: retryable,
	})
}
