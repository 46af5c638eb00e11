// Package auth authenticates API callers and resolves them to a tenant chain
// and an acting user id for the ledger.
package auth

import (
	"context"
	"time"

	"github.com/yourorg/lpdp/internal/ledger"
)

// TenantContextKey is the context key for tenant information.
type TenantContextKey struct{}

// ActorContextKey is the context key for authenticated actor.
type ActorContextKey struct{}

// Tenant owns exactly one ledger chain; its ID is the chain id.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	Status    string    `json:"status"` // "active" or "suspended"
	CreatedAt time.Time `json:"createdAt"`
}

// APIKey represents a stored API key.
type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Name      string `json:"name"`
	// Subject is the user id recorded as actor_id for writes made with this key.
	Subject     string     `json:"subject"`
	KeyPrefix   string     `json:"keyPrefix"`
	KeyHash     string     `json:"-"`
	Scopes      []string   `json:"scopes"`
	RateLimit   int        `json:"rateLimit"` // per minute, 0 = default
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	Rotated     bool       `json:"rotated"`
	RotatedFrom *string    `json:"rotatedFrom,omitempty"`
}

// Actor represents the authenticated entity making a request.
type Actor struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenantId"`
	KeyID     string   `json:"keyId"`
	KeyName   string   `json:"keyName"`
	Scopes    []string `json:"scopes"`
	ActorType string   `json:"actorType"`
}

// APIKeyStore defines the interface for API key persistence.
type APIKeyStore interface {
	// ValidateKey checks if the raw key is valid and returns the associated tenant.
	ValidateKey(ctx context.Context, rawKey string) (*Tenant, *APIKey, error)
	// CreateKey creates a new API key and returns the raw key (shown once).
	CreateKey(ctx context.Context, req KeyRequest) (*APIKey, string, error)
	// RotateKey creates a new key and starts the grace period of the old one.
	RotateKey(ctx context.Context, tenantID, oldKeyID string) (*APIKey, string, error)
	// RevokeKey immediately revokes an API key.
	RevokeKey(ctx context.Context, tenantID, keyID string) (*APIKey, error)
	GetKey(ctx context.Context, tenantID, keyID string) (*APIKey, error)
	ListKeys(ctx context.Context, tenantID string) ([]APIKey, error)
	UpdateLastUsed(ctx context.Context, keyID string) error
}

// KeyRequest describes a key to mint.
type KeyRequest struct {
	TenantID  string
	Name      string
	Subject   string
	Scopes    []string
	RateLimit int
	ExpiresAt *time.Time
}

// TenantStore defines the interface for tenant persistence.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	CreateTenant(ctx context.Context, tenant Tenant) error
	UpdateTenantStatus(ctx context.Context, tenantID, status string) error
}

// EventRecorder appends key lifecycle events to a tenant's chain.
// *ledger.Ledger satisfies it.
type EventRecorder interface {
	RecordEvent(ctx context.Context, chainID string, in ledger.EventInput) (ledger.AuditEvent, error)
}

// Scopes defines available permission scopes.
var Scopes = struct {
	LedgerRead   string
	LedgerWrite  string
	LedgerVerify string
	AdminRead    string
	AdminWrite   string
}{
	LedgerRead:   "ledger:read",
	LedgerWrite:  "ledger:write",
	LedgerVerify: "ledger:verify",
	AdminRead:    "admin:read",
	AdminWrite:   "admin:write",
}

// AllScopes returns all available scopes.
func AllScopes() []string {
	return []string{
		Scopes.LedgerRead,
		Scopes.LedgerWrite,
		Scopes.LedgerVerify,
		Scopes.AdminRead,
		Scopes.AdminWrite,
	}
}

// ValidScope reports whether s is a known scope or the wildcard.
func ValidScope(s string) bool {
	if s == "*" {
		return true
	}
	for _, known := range AllScopes() {
		if s == known {
			return true
		}
	}
	return false
}

// HasScope checks if the actor has the required scope.
func (a *Actor) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// TenantFromContext extracts the tenant from context.
func TenantFromContext(ctx context.Context) (*Tenant, bool) {
	tenant, ok := ctx.Value(TenantContextKey{}).(*Tenant)
	return tenant, ok
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	actor, ok := ctx.Value(ActorContextKey{}).(*Actor)
	return actor, ok
}

// ContextWithTenant adds tenant to context.
func ContextWithTenant(ctx context.Context, tenant *Tenant) context.Context {
	return context.WithValue(ctx, TenantContextKey{}, tenant)
}

// ContextWithActor adds actor to context.
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey{}, actor)
}
