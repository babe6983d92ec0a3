package concurrency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/metrics"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// Denial reasons reported by AcquireSlot.
const (
	DeniedSystemCap = "system_cap"
	DeniedTenantCap = "tenant_cap"
)

// TenantLookup resolves per-tenant concurrency overrides.
type TenantLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
}

// Options configure the manager.
type Options struct {
	SystemCap        int
	DefaultTenantCap int
	// DirectReserve slots of SystemCap are only granted to direct-priority calls.
	DirectReserve int
	KeyPrefix     string
}

// Manager keeps the slot table in Redis so every worker process sees the same
// admission state. All mutations run as Lua scripts and are atomic.
type Manager struct {
	client  redis.UniversalClient
	tenants TenantLookup
	opts    Options
	now     func() time.Time
}

// NewManager constructs a Redis backed concurrency manager.
func NewManager(client redis.UniversalClient, tenants TenantLookup, opts Options) *Manager {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "orchestrator"
	}
	if opts.DefaultTenantCap <= 0 {
		opts.DefaultTenantCap = opts.SystemCap
	}
	return &Manager{client: client, tenants: tenants, opts: opts, now: time.Now}
}

var acquireScript = redis.NewScript(`
local global = KEYS[1]
local tenant = KEYS[2]
local owners = KEYS[3]
local callID = ARGV[1]
local tenantID = ARGV[2]
local now = ARGV[3]
local systemCap = tonumber(ARGV[4])
local tenantCap = tonumber(ARGV[5])
if redis.call('HEXISTS', owners, callID) == 1 then
  return 2
end
if redis.call('ZCARD', global) >= systemCap then
  return -1
end
if redis.call('ZCARD', tenant) >= tenantCap then
  return -2
end
redis.call('ZADD', global, now, callID)
redis.call('ZADD', tenant, now, callID)
redis.call('HSET', owners, callID, tenantID)
return 1
`)

var releaseScript = redis.NewScript(`
local global = KEYS[1]
local owners = KEYS[2]
local callID = ARGV[1]
local prefix = ARGV[2]
local tenantID = redis.call('HGET', owners, callID)
if not tenantID then
  return 0
end
redis.call('ZREM', global, callID)
redis.call('ZREM', prefix .. tenantID, callID)
redis.call('HDEL', owners, callID)
return 1
`)

var sweepScript = redis.NewScript(`
local global = KEYS[1]
local owners = KEYS[2]
local cutoff = ARGV[1]
local prefix = ARGV[2]
local stale = redis.call('ZRANGEBYSCORE', global, '-inf', '(' .. cutoff)
local released = {}
for _, callID in ipairs(stale) do
  local tenantID = redis.call('HGET', owners, callID)
  redis.call('ZREM', global, callID)
  if tenantID then
    redis.call('ZREM', prefix .. tenantID, callID)
    redis.call('HDEL', owners, callID)
  else
    tenantID = ''
  end
  table.insert(released, callID)
  table.insert(released, tenantID)
end
return released
`)

// AcquireSlot reserves a slot for callID. Acquiring a slot the call already
// holds succeeds without consuming more capacity. A denial is reported as
// apperrors.ErrAdmissionDenied.
func (m *Manager) AcquireSlot(ctx context.Context, tenantID, callID uuid.UUID, priority domain.Priority) (domain.Slot, error) {
	tenantCap, err := m.tenantCap(ctx, tenantID)
	if err != nil {
		return domain.Slot{}, err
	}

	systemCap := m.opts.SystemCap
	if priority != domain.PriorityDirect {
		systemCap -= m.opts.DirectReserve
	}

	now := m.now().UTC()
	keys := []string{m.globalKey(), m.tenantKey(tenantID), m.ownersKey()}
	res, err := acquireScript.Run(ctx, m.client, keys,
		callID.String(), tenantID.String(), now.UnixMilli(), systemCap, tenantCap,
	).Int()
	if err != nil {
		return domain.Slot{}, fmt.Errorf("concurrency acquire: %w", err)
	}

	switch res {
	case 1, 2:
		metrics.SlotDecisions.WithLabelValues(priority.String(), "granted").Inc()
		return domain.Slot{CallID: callID, TenantID: tenantID, AcquiredAt: now}, nil
	case -1:
		metrics.SlotDecisions.WithLabelValues(priority.String(), DeniedSystemCap).Inc()
		return domain.Slot{}, &DeniedError{Reason: DeniedSystemCap, TenantID: tenantID}
	default:
		metrics.SlotDecisions.WithLabelValues(priority.String(), DeniedTenantCap).Inc()
		return domain.Slot{}, &DeniedError{Reason: DeniedTenantCap, TenantID: tenantID}
	}
}

// ReleaseSlot frees the slot held by callID. Unknown or already released
// slots are a no-op; the returned bool reports whether anything was freed.
func (m *Manager) ReleaseSlot(ctx context.Context, callID uuid.UUID) (bool, error) {
	res, err := releaseScript.Run(ctx, m.client, []string{m.globalKey(), m.ownersKey()},
		callID.String(), m.tenantKeyPrefix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency release: %w", err)
	}
	return res == 1, nil
}

// SweepStale force-releases slots held longer than maxAge. It recovers
// capacity leaked by lost terminal webhooks.
func (m *Manager) SweepStale(ctx context.Context, maxAge time.Duration) ([]domain.Slot, error) {
	cutoff := m.now().UTC().Add(-maxAge)
	raw, err := sweepScript.Run(ctx, m.client, []string{m.globalKey(), m.ownersKey()},
		strconv.FormatInt(cutoff.UnixMilli(), 10), m.tenantKeyPrefix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("concurrency sweep: %w", err)
	}

	released := make([]domain.Slot, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		callID, err := uuid.Parse(raw[i])
		if err != nil {
			continue
		}
		slot := domain.Slot{CallID: callID}
		if tenantID, err := uuid.Parse(raw[i+1]); err == nil {
			slot.TenantID = tenantID
		}
		released = append(released, slot)
	}
	if len(released) > 0 {
		metrics.SlotReleases.WithLabelValues("sweep").Add(float64(len(released)))
	}
	return released, nil
}

// Status reports the active slot count and cap for a tenant.
func (m *Manager) Status(ctx context.Context, tenantID uuid.UUID) (domain.ConcurrencyStatus, error) {
	limit, err := m.tenantCap(ctx, tenantID)
	if err != nil {
		return domain.ConcurrencyStatus{}, err
	}
	active, err := m.zcard(ctx, m.tenantKey(tenantID))
	if err != nil {
		return domain.ConcurrencyStatus{}, err
	}
	return domain.ConcurrencyStatus{Active: active, Limit: limit}, nil
}

// SystemActive reports the number of slots held across all tenants.
func (m *Manager) SystemActive(ctx context.Context) (int, error) {
	return m.zcard(ctx, m.globalKey())
}

func (m *Manager) zcard(ctx context.Context, key string) (int, error) {
	n, err := m.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("concurrency zcard: %w", err)
	}
	return int(n), nil
}

func (m *Manager) tenantCap(ctx context.Context, tenantID uuid.UUID) (int, error) {
	limit := m.opts.DefaultTenantCap
	if m.tenants == nil {
		return limit, nil
	}
	tenant, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return 0, fmt.Errorf("concurrency: tenant %s: %w", tenantID, err)
		}
		return 0, fmt.Errorf("concurrency: lookup tenant: %w", err)
	}
	if tenant.ConcurrencyLimit > 0 {
		limit = min(tenant.ConcurrencyLimit, m.opts.SystemCap)
	}
	return limit, nil
}

func (m *Manager) globalKey() string {
	return fmt.Sprintf("%s:{slots}:global", m.opts.KeyPrefix)
}

func (m *Manager) ownersKey() string {
	return fmt.Sprintf("%s:{slots}:owners", m.opts.KeyPrefix)
}

func (m *Manager) tenantKeyPrefix() string {
	return fmt.Sprintf("%s:{slots}:tenant:", m.opts.KeyPrefix)
}

func (m *Manager) tenantKey(tenantID uuid.UUID) string {
	return m.tenantKeyPrefix() + tenantID.String()
}

// DeniedError is returned when a cap blocks admission.
type DeniedError struct {
	Reason   string
	TenantID uuid.UUID
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied for tenant %s: %s", e.TenantID, e.Reason)
}

// Unwrap lets callers match apperrors.ErrAdmissionDenied.
func (e *DeniedError) Unwrap() error {
	return apperrors.ErrAdmissionDenied
}
