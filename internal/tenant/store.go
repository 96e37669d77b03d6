package tenant

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	"gatekeeper/internal/quota"
)

// MetadataStore looks up tenant metadata for identity resolution and
// applies operator tier changes.
type MetadataStore interface {
	// LookupAPIKey resolves an API key to its tenant. Returns ErrNotFound
	// for unknown or revoked keys.
	LookupAPIKey(ctx context.Context, apiKey string) (*Record, error)
	// GetTenant returns a tenant's metadata. Returns ErrNotFound when the
	// tenant does not exist.
	GetTenant(ctx context.Context, tenantID string) (*Record, error)
	// UpdateTier changes a tenant's tier. The new limits apply on the
	// tenant's next quota check.
	UpdateTier(ctx context.Context, tenantID string, tier quota.Tier) error
}

// hashKey is the at-rest form of an API key. Only the digest is stored,
// so a metadata dump never leaks usable credentials.
func hashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// SQLStore backs tenant metadata with Postgres.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a Postgres-backed metadata store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) LookupAPIKey(ctx context.Context, apiKey string) (*Record, error) {
	var rec Record
	var tier string
	err := s.db.QueryRowContext(ctx, `
		SELECT t.tenant_id, t.tier
		FROM api_keys k
		JOIN tenants t ON t.tenant_id = k.tenant_id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL`,
		hashKey(apiKey)).Scan(&rec.TenantID, &tier)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("api key lookup: %w", err)
	}
	rec.Tier = parseTierOrFree(tier)
	return &rec, nil
}

func (s *SQLStore) GetTenant(ctx context.Context, tenantID string) (*Record, error) {
	var rec Record
	var tier string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, tier FROM tenants WHERE tenant_id = $1`,
		tenantID).Scan(&rec.TenantID, &tier)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenant lookup: %w", err)
	}
	rec.Tier = parseTierOrFree(tier)
	return &rec, nil
}

func (s *SQLStore) UpdateTier(ctx context.Context, tenantID string, tier quota.Tier) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET tier = $1, updated_at = NOW() WHERE tenant_id = $2`,
		string(tier), tenantID)
	if err != nil {
		return fmt.Errorf("tier update: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("tier update: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// parseTierOrFree maps a stored tier string to a Tier, falling back to
// free so a bad row never grants elevated limits.
func parseTierOrFree(s string) quota.Tier {
	tier, err := quota.ParseTier(s)
	if err != nil {
		return quota.TierFree
	}
	return tier
}

// MemoryStore is an in-process MetadataStore for single-instance and
// test deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]Record
	keys    map[string]string
}

// NewMemoryStore creates an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]Record),
		keys:    make(map[string]string),
	}
}

// AddTenant registers a tenant.
func (m *MemoryStore) AddTenant(tenantID string, tier quota.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenantID] = Record{TenantID: tenantID, Tier: tier}
}

// AddAPIKey registers an API key for a tenant.
func (m *MemoryStore) AddAPIKey(apiKey, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[hashKey(apiKey)] = tenantID
}

func (m *MemoryStore) LookupAPIKey(_ context.Context, apiKey string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenantID, ok := m.keys[hashKey(apiKey)]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) GetTenant(_ context.Context, tenantID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) UpdateTier(_ context.Context, tenantID string, tier quota.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	rec.Tier = tier
	m.tenants[tenantID] = rec
	return nil
}
