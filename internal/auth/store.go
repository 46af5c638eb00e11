package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrKeyNotFound    = errors.New("api key not found")
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantExists   = errors.New("tenant already exists")
)

// InMemoryAPIKeyStore implements APIKeyStore and TenantStore in memory.
// Keys are indexed by their lookup prefix so validation hashes at most a
// handful of candidates.
type InMemoryAPIKeyStore struct {
	mu       sync.RWMutex
	cfg      Config
	now      func() time.Time
	keys     map[string]*APIKey  // keyID -> key
	byPrefix map[string][]string // lookup prefix -> keyIDs
	tenants  map[string]*Tenant
}

// NewInMemoryAPIKeyStore creates a new in-memory API key store.
func NewInMemoryAPIKeyStore(cfg Config) *InMemoryAPIKeyStore {
	return &InMemoryAPIKeyStore{
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		keys:     make(map[string]*APIKey),
		byPrefix: make(map[string][]string),
		tenants:  make(map[string]*Tenant),
	}
}

// ValidateKey resolves a raw key to its tenant and key record. Expiry and
// revocation are left to the caller so it can report them distinctly.
func (s *InMemoryAPIKeyStore) ValidateKey(_ context.Context, rawKey string) (*Tenant, *APIKey, error) {
	prefix := ExtractKeyPrefix(rawKey)
	if prefix == "" {
		return nil, nil, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.byPrefix[prefix] {
		key := s.keys[id]
		if !VerifyKey(rawKey, key.KeyHash) {
			continue
		}
		tenant, ok := s.tenants[key.TenantID]
		if !ok {
			return nil, nil, ErrInvalidAPIKey
		}
		t, k := *tenant, *key
		return &t, &k, nil
	}
	return nil, nil, ErrInvalidAPIKey
}

// CreateKey mints a key for an existing tenant.
func (s *InMemoryAPIKeyStore) CreateKey(_ context.Context, req KeyRequest) (*APIKey, string, error) {
	rawKey, prefix, hash, err := s.mint()
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[req.TenantID]; !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrTenantNotFound, req.TenantID)
	}
	key := &APIKey{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Name:      req.Name,
		Subject:   req.Subject,
		KeyPrefix: prefix,
		KeyHash:   hash,
		Scopes:    append([]string(nil), req.Scopes...),
		RateLimit: req.RateLimit,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: s.now(),
	}
	s.put(key)
	out := *key
	return &out, rawKey, nil
}

// RotateKey issues a replacement key. The old key keeps working until the
// rotation window elapses.
func (s *InMemoryAPIKeyStore) RotateKey(_ context.Context, tenantID, oldKeyID string) (*APIKey, string, error) {
	rawKey, prefix, hash, err := s.mint()
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.keys[oldKeyID]
	if !ok || old.TenantID != tenantID {
		return nil, "", fmt.Errorf("%w: %s", ErrKeyNotFound, oldKeyID)
	}
	if old.RevokedAt != nil {
		return nil, "", fmt.Errorf("rotate %s: %w", oldKeyID, ErrKeyRevoked)
	}

	now := s.now()
	graceEnd := now.Add(s.cfg.KeyRotationWindow)
	old.Rotated = true
	if old.ExpiresAt == nil || old.ExpiresAt.After(graceEnd) {
		old.ExpiresAt = &graceEnd
	}

	from := old.ID
	key := &APIKey{
		ID:          uuid.NewString(),
		TenantID:    old.TenantID,
		Name:        old.Name,
		Subject:     old.Subject,
		KeyPrefix:   prefix,
		KeyHash:     hash,
		Scopes:      append([]string(nil), old.Scopes...),
		RateLimit:   old.RateLimit,
		CreatedAt:   now,
		RotatedFrom: &from,
	}
	s.put(key)
	out := *key
	return &out, rawKey, nil
}

// RevokeKey revokes a key immediately and returns its new state.
func (s *InMemoryAPIKeyStore) RevokeKey(_ context.Context, tenantID, keyID string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyID]
	if !ok || key.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if key.RevokedAt == nil {
		now := s.now()
		key.RevokedAt = &now
	}
	out := *key
	out.KeyHash = ""
	return &out, nil
}

func (s *InMemoryAPIKeyStore) GetKey(_ context.Context, tenantID, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyID]
	if !ok || key.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	out := *key
	out.KeyHash = ""
	return &out, nil
}

// ListKeys returns a tenant's keys, oldest first, without hashes.
func (s *InMemoryAPIKeyStore) ListKeys(_ context.Context, tenantID string) ([]APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]APIKey, 0)
	for _, key := range s.keys {
		if key.TenantID == tenantID {
			k := *key
			k.KeyHash = ""
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *InMemoryAPIKeyStore) UpdateLastUsed(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[keyID]; ok {
		now := s.now()
		key.LastUsedAt = &now
	}
	return nil
}

func (s *InMemoryAPIKeyStore) CreateTenant(_ context.Context, tenant Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenant.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTenantExists, tenant.ID)
	}
	s.tenants[tenant.ID] = &tenant
	return nil
}

func (s *InMemoryAPIKeyStore) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	t := *tenant
	return &t, nil
}

func (s *InMemoryAPIKeyStore) UpdateTenantStatus(_ context.Context, tenantID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	tenant.Status = status
	return nil
}

// mint generates and hashes a key outside the lock; bcrypt is slow.
func (s *InMemoryAPIKeyStore) mint() (rawKey, prefix, hash string, err error) {
	rawKey, prefix, err = GenerateAPIKey()
	if err != nil {
		return "", "", "", err
	}
	hash, err = HashKey(rawKey, s.cfg)
	if err != nil {
		return "", "", "", err
	}
	return rawKey, prefix, hash, nil
}

func (s *InMemoryAPIKeyStore) put(key *APIKey) {
	s.keys[key.ID] = key
	s.byPrefix[key.KeyPrefix] = append(s.byPrefix[key.KeyPrefix], key.ID)
}
