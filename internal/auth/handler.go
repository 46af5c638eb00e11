package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/yourorg/lpdp/internal/ledger"
)

// ResourceTypeAPIKey and ResourceTypeTenant tag the lifecycle events the
// handler writes into a tenant's chain.
const (
	ResourceTypeAPIKey = "api_key"
	ResourceTypeTenant = "tenant"
	// SystemActor is the actor id of events written under the admin token.
	SystemActor = "system"
	// AdminTokenHeader carries the bootstrap admin token.
	AdminTokenHeader = "X-Admin-Token"
)

// Handler serves key management and tenant bootstrap.
type Handler struct {
	keys     APIKeyStore
	tenants  TenantStore
	recorder EventRecorder
	cfg      Config
	logger   *slog.Logger
}

// NewHandler wires the handler. recorder may be nil, in which case lifecycle
// events are only logged.
func NewHandler(keys APIKeyStore, tenants TenantStore, recorder EventRecorder, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		keys:     keys,
		tenants:  tenants,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateAPIKeyRequest is the request body for creating an API key.
type CreateAPIKeyRequest struct {
	Name      string   `json:"name"`
	Subject   string   `json:"subject"`
	Scopes    []string `json:"scopes"`
	RateLimit int      `json:"rateLimit,omitempty"`
	ExpiresAt *string  `json:"expiresAt,omitempty"`
}

// CreateAPIKeyResponse returns the raw key exactly once.
type CreateAPIKeyResponse struct {
	Key    APIKeyInfo `json:"key"`
	RawKey string     `json:"rawKey"`
}

// APIKeyInfo is the public representation of an API key.
type APIKeyInfo struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Name        string     `json:"name"`
	Subject     string     `json:"subject"`
	KeyPrefix   string     `json:"keyPrefix"`
	Scopes      []string   `json:"scopes"`
	RateLimit   int        `json:"rateLimit,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	Rotated     bool       `json:"rotated,omitempty"`
	RotatedFrom *string    `json:"rotatedFrom,omitempty"`
}

// ListAPIKeysResponse is the response for listing API keys.
type ListAPIKeysResponse struct {
	Keys []APIKeyInfo `json:"keys"`
}

// CreateTenantRequest is the request body for creating a tenant.
type CreateTenantRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Plan string `json:"plan,omitempty"`
	// AdminSubject is the actor id bound to the initial key.
	AdminSubject string `json:"adminSubject,omitempty"`
}

// CreateTenantResponse is the response for creating a tenant.
type CreateTenantResponse struct {
	Tenant     Tenant               `json:"tenant"`
	InitialKey CreateAPIKeyResponse `json:"initialKey"`
}

// CreateAPIKey handles POST /v1/admin/keys.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	corrID := CorrelationID(r)
	actor, ok := h.requireScope(w, r, corrID, Scopes.AdminWrite)
	if !ok {
		return
	}

	var req CreateAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_JSON", "Invalid JSON body", corrID, false)
		return
	}
	if msg := validateKeyRequest(req); msg != "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", msg, corrID, false)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid expiresAt format", corrID, false)
			return
		}
		expiresAt = &t
	}

	key, rawKey, err := h.keys.CreateKey(r.Context(), KeyRequest{
		TenantID:  actor.TenantID,
		Name:      req.Name,
		Subject:   req.Subject,
		Scopes:    req.Scopes,
		RateLimit: req.RateLimit,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		h.logger.Error("create API key", slog.String("corrId", corrID), slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", corrID, false)
		return
	}

	h.record(r.Context(), corrID, actor.TenantID, actor.ID, "create", ResourceTypeAPIKey, key.ID, nil, keyState(key))
	h.logger.Info("API key created",
		slog.String("corrId", corrID),
		slog.String("tenantId", actor.TenantID),
		slog.String("keyId", key.ID),
		slog.String("subject", key.Subject),
	)
	writeJSON(w, http.StatusCreated, corrID, CreateAPIKeyResponse{Key: toAPIKeyInfo(key), RawKey: rawKey})
}

// ListAPIKeys handles GET /v1/admin/keys.
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	corrID := CorrelationID(r)
	actor, ok := h.requireScope(w, r, corrID, Scopes.AdminRead, Scopes.AdminWrite)
	if !ok {
		return
	}

	keys, err := h.keys.ListKeys(r.Context(), actor.TenantID)
	if err != nil {
		h.logger.Error("list API keys", slog.String("corrId", corrID), slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys", corrID, false)
		return
	}
	infos := make([]APIKeyInfo, len(keys))
	for i := range keys {
		infos[i] = toAPIKeyInfo(&keys[i])
	}
	writeJSON(w, http.StatusOK, corrID, ListAPIKeysResponse{Keys: infos})
}

// RevokeAPIKey handles DELETE /v1/admin/keys/{keyId}.
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request, keyID string) {
	corrID := CorrelationID(r)
	actor, ok := h.requireScope(w, r, corrID, Scopes.AdminWrite)
	if !ok {
		return
	}

	before, err := h.keys.GetKey(r.Context(), actor.TenantID, keyID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "API key not found", corrID, false)
		return
	}
	after, err := h.keys.RevokeKey(r.Context(), actor.TenantID, keyID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "API key not found", corrID, false)
		return
	}

	if before.RevokedAt == nil {
		h.record(r.Context(), corrID, actor.TenantID, actor.ID, "revoke", ResourceTypeAPIKey, keyID, keyState(before), keyState(after))
	}
	h.logger.Info("API key revoked",
		slog.String("corrId", corrID),
		slog.String("tenantId", actor.TenantID),
		slog.String("keyId", keyID),
	)
	w.Header().Set(CorrelationHeader, corrID)
	w.WriteHeader(http.StatusNoContent)
}

// RotateAPIKey handles POST /v1/admin/keys/{keyId}/rotate.
func (h *Handler) RotateAPIKey(w http.ResponseWriter, r *http.Request, keyID string) {
	corrID := CorrelationID(r)
	actor, ok := h.requireScope(w, r, corrID, Scopes.AdminWrite)
	if !ok {
		return
	}

	before, err := h.keys.GetKey(r.Context(), actor.TenantID, keyID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "API key not found", corrID, false)
		return
	}
	newKey, rawKey, err := h.keys.RotateKey(r.Context(), actor.TenantID, keyID)
	switch {
	case errors.Is(err, ErrKeyRevoked):
		writeJSONError(w, http.StatusConflict, "KEY_REVOKED", "Revoked keys cannot be rotated", corrID, false)
		return
	case err != nil:
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "API key not found", corrID, false)
		return
	}

	if after, err := h.keys.GetKey(r.Context(), actor.TenantID, keyID); err == nil {
		h.record(r.Context(), corrID, actor.TenantID, actor.ID, "update", ResourceTypeAPIKey, keyID, keyState(before), keyState(after))
	}
	h.record(r.Context(), corrID, actor.TenantID, actor.ID, "create", ResourceTypeAPIKey, newKey.ID, nil, keyState(newKey))
	h.logger.Info("API key rotated",
		slog.String("corrId", corrID),
		slog.String("tenantId", actor.TenantID),
		slog.String("oldKeyId", keyID),
		slog.String("newKeyId", newKey.ID),
	)
	writeJSON(w, http.StatusOK, corrID, CreateAPIKeyResponse{Key: toAPIKeyInfo(newKey), RawKey: rawKey})
}

// CreateTenant handles POST /v1/admin/tenants. It is authorized by the admin
// token rather than an API key and starts the tenant's chain.
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	corrID := CorrelationID(r)
	if h.cfg.AdminToken == "" {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "Tenant bootstrap is disabled", corrID, false)
		return
	}
	token := r.Header.Get(AdminTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) != 1 {
		writeJSONError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Valid admin token required", corrID, false)
		return
	}

	var req CreateTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_JSON", "Invalid JSON body", corrID, false)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id and name are required", corrID, false)
		return
	}
	if req.Plan == "" {
		req.Plan = "free"
	}
	if req.AdminSubject == "" {
		req.AdminSubject = "admin"
	}

	tenant := Tenant{
		ID:        req.ID,
		Name:      req.Name,
		Plan:      req.Plan,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	if err := h.tenants.CreateTenant(r.Context(), tenant); err != nil {
		if errors.Is(err, ErrTenantExists) {
			writeJSONError(w, http.StatusConflict, "CONFLICT", "Tenant already exists", corrID, false)
			return
		}
		h.logger.Error("create tenant", slog.String("corrId", corrID), slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create tenant", corrID, false)
		return
	}
	h.record(r.Context(), corrID, tenant.ID, SystemActor, "create", ResourceTypeTenant, tenant.ID, nil, tenantState(tenant))

	key, rawKey, err := h.keys.CreateKey(r.Context(), KeyRequest{
		TenantID: tenant.ID,
		Name:     "Initial Admin Key",
		Subject:  req.AdminSubject,
		Scopes:   AllScopes(),
	})
	if err != nil {
		h.logger.Error("create initial API key", slog.String("corrId", corrID), slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create initial API key", corrID, false)
		return
	}
	h.record(r.Context(), corrID, tenant.ID, SystemActor, "create", ResourceTypeAPIKey, key.ID, nil, keyState(key))

	h.logger.Info("tenant created",
		slog.String("corrId", corrID),
		slog.String("tenantId", tenant.ID),
		slog.String("keyId", key.ID),
	)
	writeJSON(w, http.StatusCreated, corrID, CreateTenantResponse{
		Tenant:     tenant,
		InitialKey: CreateAPIKeyResponse{Key: toAPIKeyInfo(key), RawKey: rawKey},
	})
}

func (h *Handler) requireScope(w http.ResponseWriter, r *http.Request, corrID string, anyOf ...string) (*Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Authentication required", corrID, false)
		return nil, false
	}
	for _, s := range anyOf {
		if actor.HasScope(s) {
			return actor, true
		}
	}
	writeJSONError(w, http.StatusForbidden, "INSUFFICIENT_SCOPE", anyOf[0]+" scope required", corrID, false)
	return nil, false
}

// record appends a lifecycle event. The key change has already happened, so a
// ledger failure is logged rather than surfaced to the caller.
func (h *Handler) record(ctx context.Context, corrID, chainID, actorID, action, resourceType, resourceID string, before, after *ledger.Value) {
	if h.recorder == nil {
		return
	}
	_, err := h.recorder.RecordEvent(ctx, chainID, ledger.EventInput{
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       before,
		After:        after,
	})
	if err != nil {
		h.logger.Error("record key lifecycle event",
			slog.String("corrId", corrID),
			slog.String("chainId", chainID),
			slog.String("resourceId", resourceID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func validateKeyRequest(req CreateAPIKeyRequest) string {
	switch {
	case req.Name == "":
		return "name is required"
	case req.Subject == "":
		return "subject is required"
	case len(req.Scopes) == 0:
		return "at least one scope is required"
	case req.RateLimit < 0:
		return "rateLimit must not be negative"
	}
	for _, s := range req.Scopes {
		if !ValidScope(s) {
			return "unknown scope: " + s
		}
	}
	return ""
}

// keyState is the snapshot of a key stored in the ledger. It never carries
// the hash.
func keyState(k *APIKey) *ledger.Value {
	scopes := make([]ledger.Value, len(k.Scopes))
	for i, s := range k.Scopes {
		scopes[i] = ledger.String(s)
	}
	m := map[string]ledger.Value{
		"name":      ledger.String(k.Name),
		"subject":   ledger.String(k.Subject),
		"keyPrefix": ledger.String(k.KeyPrefix),
		"scopes":    ledger.List(scopes...),
		"revoked":   ledger.Bool(k.RevokedAt != nil),
		"rotated":   ledger.Bool(k.Rotated),
		"expiresAt": ledger.Null(),
	}
	if k.ExpiresAt != nil {
		m["expiresAt"] = ledger.String(k.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if k.RotatedFrom != nil {
		m["rotatedFrom"] = ledger.String(*k.RotatedFrom)
	}
	return ledger.Map(m).Ptr()
}

func tenantState(t Tenant) *ledger.Value {
	return ledger.Map(map[string]ledger.Value{
		"name":   ledger.String(t.Name),
		"plan":   ledger.String(t.Plan),
		"status": ledger.String(t.Status),
	}).Ptr()
}

func toAPIKeyInfo(k *APIKey) APIKeyInfo {
	return APIKeyInfo{
		ID:          k.ID,
		TenantID:    k.TenantID,
		Name:        k.Name,
		Subject:     k.Subject,
		KeyPrefix:   k.KeyPrefix,
		Scopes:      k.Scopes,
		RateLimit:   k.RateLimit,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
		CreatedAt:   k.CreatedAt,
		RevokedAt:   k.RevokedAt,
		Rotated:     k.Rotated,
		RotatedFrom: k.RotatedFrom,
	}
}

// maxBodyBytes caps admin request bodies.
const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}
