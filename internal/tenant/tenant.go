package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Giftedx/crew-sub028/internal/config"
)

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrQuotaExceeded   = errors.New("tenant quota exceeded")
	ErrInvalidTenantID = errors.New("invalid tenant ID")
)

// Context is the isolation key for all router state: bandits, budgets and
// caches are all scoped to (tenant, workspace).
type Context struct {
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`
}

// Key flattens the pair into a stable map/file key.
func (c Context) Key() string {
	ws := c.WorkspaceID
	if ws == "" {
		ws = "default"
	}
	return c.TenantID + "/" + ws
}

func (c Context) Validate() error {
	if c.TenantID == "" {
		return ErrInvalidTenantID
	}
	return nil
}

// Tenant is a registered isolation unit with its effective configuration.
type Tenant struct {
	ID          string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
	Config      config.Tenant
}

// Manager handles tenant lifecycle, rate limiting and daily request
// quotas. Tenants without an explicit overlay are admitted with the
// global defaults.
type Manager struct {
	mu       sync.RWMutex
	defaults config.Tenant
	tenants  map[string]*Tenant
	limiters map[string]*rate.Limiter
	usage    map[string]*UsageCounter
}

// UsageCounter tracks daily request counts for quota enforcement
type UsageCounter struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

// NewManager creates a tenant manager seeded from configuration: every
// tenant with an overlay is pre-registered, everything else resolves to
// the defaults on first use.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		defaults: cfg.Defaults,
		tenants:  make(map[string]*Tenant),
		limiters: make(map[string]*rate.Limiter),
		usage:    make(map[string]*UsageCounter),
	}
	for id := range cfg.Tenants {
		m.register(id, cfg.TenantFor(id))
	}
	return m
}

func (m *Manager) register(id string, tc config.Tenant) *Tenant {
	t := &Tenant{
		ID:        id,
		Active:    true,
		CreatedAt: time.Now(),
		Config:    tc,
	}

	perSecond := tc.RateLimit.PerSecond
	if perSecond <= 0 {
		perSecond = 50
	}
	burst := tc.RateLimit.Burst
	if burst <= 0 {
		burst = perSecond * 2
	}

	m.tenants[id] = t
	m.limiters[id] = rate.NewLimiter(rate.Limit(perSecond), burst)
	m.usage[id] = &UsageCounter{resetAt: time.Now().Add(24 * time.Hour)}
	return t
}

// Resolve returns the tenant for a request context, creating one with the
// default configuration when no overlay exists.
func (m *Manager) Resolve(tc Context) (*Tenant, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	t, ok := m.tenants[tc.TenantID]
	m.mu.RUnlock()
	if ok {
		if !t.Active {
			return nil, fmt.Errorf("tenant %s is not active", tc.TenantID)
		}
		return t, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tenants[tc.TenantID]; ok {
		return t, nil
	}
	return m.register(tc.TenantID, m.defaults), nil
}

// Allow checks the tenant's rate limit and daily request quota.
func (m *Manager) Allow(_ context.Context, tc Context) error {
	m.mu.RLock()
	tenant, ok := m.tenants[tc.TenantID]
	limiter, limiterOK := m.limiters[tc.TenantID]
	usage, usageOK := m.usage[tc.TenantID]
	m.mu.RUnlock()

	if !ok || !limiterOK || !usageOK {
		return ErrTenantNotFound
	}
	if !tenant.Active {
		return fmt.Errorf("tenant %s is not active", tc.TenantID)
	}

	if !limiter.Allow() {
		return ErrQuotaExceeded
	}

	if quota := tenant.Config.RateLimit.DailyQuota; quota > 0 {
		usage.mu.Lock()
		defer usage.mu.Unlock()

		if time.Now().After(usage.resetAt) {
			usage.count = 0
			usage.resetAt = time.Now().Add(24 * time.Hour)
		}
		if usage.count >= quota {
			return ErrQuotaExceeded
		}
		usage.count++
	}

	return nil
}

// Deactivate marks a tenant inactive; requests fail until reactivated.
func (m *Manager) Deactivate(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return ErrTenantNotFound
	}
	t.Active = false
	return nil
}

// ListTenants returns all registered tenants.
func (m *Manager) ListTenants() []*Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		tenants = append(tenants, t)
	}
	return tenants
}
