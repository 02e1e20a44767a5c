// Package auth authenticates tenant API keys and the operator admin secret.
//
// Every tenant route resolves exactly one tenant id from the presented key;
// handlers never read a tenant id from the request body or path.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/idgen"
)

const keyPrefix = "lux_"

var (
	ErrNoAPIKey      = apperr.New(apperr.Unauthorized, "API key required")
	ErrInvalidAPIKey = apperr.New(apperr.Unauthorized, "invalid or revoked API key")
	ErrKeyNotFound   = apperr.New(apperr.NotFound, "API key not found")
	ErrTenantID      = apperr.New(apperr.InvalidInput, "tenant id is required")
)

// APIKey is a hashed credential bound to one tenant.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, tenantID, id string) error
}

// Manager issues and validates keys.
type Manager struct {
	store Store
}

// NewManager creates a key manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey issues a key for tenantID. The raw key is returned once and
// only its hash is stored.
func (m *Manager) GenerateKey(ctx context.Context, tenantID, name string) (string, *APIKey, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", nil, ErrTenantID
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	raw := keyPrefix + hex.EncodeToString(b)
	if name == "" {
		name = "default"
	}

	key := &APIKey{
		ID:        idgen.WithPrefix(idgen.PrefixAPIKey),
		Hash:      hashKey(raw),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey resolves a raw key (optionally "Bearer "-prefixed) to its
// record. Revoked and unknown keys are rejected alike.
func (m *Manager) ValidateKey(ctx context.Context, raw string) (*APIKey, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	_ = m.store.Touch(ctx, key.ID, time.Now().UTC())
	return key, nil
}

// ListKeys returns the tenant's keys, newest first.
func (m *Manager) ListKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	return m.store.ListByTenant(ctx, tenantID)
}

// RevokeKey revokes one of the tenant's keys.
func (m *Manager) RevokeKey(ctx context.Context, tenantID, keyID string) error {
	return m.store.Revoke(ctx, tenantID, keyID)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
