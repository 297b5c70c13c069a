// Package quota enforces per-owner storage limits. Limits come from a
// role's default allowance unless an explicit per-owner override is
// set; the override always wins.
package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/cirrusdrive/cirrusdrive/internal/cache"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/logging"
	"github.com/cirrusdrive/cirrusdrive/internal/metadata"
	"github.com/cirrusdrive/cirrusdrive/internal/metrics"
)

// Role is an owner's plan tier.
type Role string

const (
	RoleBasic Role = "basic"
	RolePlus  Role = "plus"
	RoleAdmin Role = "admin"
)

// MainStorageOwnerID is the shared pool that plus and admin owners
// write into.
const MainStorageOwnerID = "main-storage"

// Unlimited marks a role or override with no byte cap.
const Unlimited int64 = 0

// Limit returns the role's default allowance in bytes. Unknown roles
// get the basic allowance.
func (r Role) Limit() int64 {
	switch r {
	case RolePlus:
		return 10 * humanize.GiByte
	case RoleAdmin:
		return Unlimited
	default:
		return 5 * humanize.GiByte
	}
}

// Directory maps owners to their role and optional limit override.
type Directory struct {
	mu        sync.RWMutex
	roles     map[string]Role
	overrides map[string]int64
}

func NewDirectory() *Directory {
	return &Directory{
		roles:     make(map[string]Role),
		overrides: make(map[string]int64),
	}
}

// SetRole records an owner's role.
func (d *Directory) SetRole(ownerID string, role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[ownerID] = role
}

// SetLimit records an explicit byte limit for an owner, overriding the
// role default. Unlimited lifts the cap entirely.
func (d *Directory) SetLimit(ownerID string, limit int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overrides[ownerID] = limit
}

// ClearLimit removes an owner's override, restoring the role default.
func (d *Directory) ClearLimit(ownerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.overrides, ownerID)
}

// Owners returns a snapshot of every registered owner id.
func (d *Directory) Owners() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owners := make([]string, 0, len(d.roles))
	for id := range d.roles {
		owners = append(owners, id)
	}
	return owners
}

// Lookup returns the owner's role and effective limit. Owners never
// registered default to basic.
func (d *Directory) Lookup(ownerID string) (Role, int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	role, ok := d.roles[ownerID]
	if !ok {
		role = RoleBasic
	}
	if override, ok := d.overrides[ownerID]; ok {
		return role, override
	}
	return role, role.Limit()
}

// Enforcer answers whether an owner may store another object.
type Enforcer struct {
	dir   *Directory
	meta  *metadata.Engine
	cache *cache.Cache
}

func NewEnforcer(dir *Directory, meta *metadata.Engine, c *cache.Cache) *Enforcer {
	return &Enforcer{dir: dir, meta: meta, cache: c}
}

// Directory exposes the backing directory for admin operations.
func (e *Enforcer) Directory() *Directory {
	return e.dir
}

// Stats is a service-wide snapshot for the admin surface.
type Stats struct {
	TotalOwners  int            `json:"totalOwners"`
	OwnersByRole map[string]int `json:"ownersByRole"`
	TotalStorage int64          `json:"totalStorage"`
}

// Stats aggregates registered owner counts by role and the total bytes
// they store. The snapshot runs one usage scan per owner, so it is
// cached briefly.
func (e *Enforcer) Stats(ctx context.Context) (*Stats, error) {
	if v, ok := e.cache.Get(cache.AdminStatsKey); ok {
		return v.(*Stats), nil
	}

	stats := &Stats{OwnersByRole: make(map[string]int)}
	for _, ownerID := range e.dir.Owners() {
		role, _ := e.dir.Lookup(ownerID)
		stats.TotalOwners++
		stats.OwnersByRole[string(role)]++

		usage, err := e.meta.StorageUsage(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("usage for %s: %w", ownerID, err)
		}
		stats.TotalStorage += usage
	}

	e.cache.SetTTL(cache.AdminStatsKey, stats, cache.TTLAdminStats)
	return stats, nil
}

// Check verifies that storing newSize more bytes keeps the owner
// within their limit. Landing exactly on the limit is allowed.
func (e *Enforcer) Check(ctx context.Context, ownerID string, newSize int64) error {
	role, limit := e.dir.Lookup(ownerID)
	if limit == Unlimited {
		return nil
	}

	usage, err := e.meta.StorageUsage(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if usage+newSize > limit {
		metrics.RecordQuotaExceeded(string(role))
		logging.WithContext(ctx).Warn("quota exceeded",
			zap.String("owner_id", ownerID),
			zap.String("role", string(role)),
			zap.String("usage", humanize.Bytes(uint64(usage))),
			zap.String("requested", humanize.Bytes(uint64(newSize))),
			zap.String("limit", humanize.Bytes(uint64(limit))))
		return fmt.Errorf("upload of %s would exceed %s limit: %w",
			humanize.Bytes(uint64(newSize)), humanize.Bytes(uint64(limit)), errs.ErrQuotaExceeded)
	}
	return nil
}
