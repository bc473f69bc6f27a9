package quota

import "context"

// Store is the durable record store consumed by the controller. The
// controller never performs blind writes: CompareAndSwap is the sole write
// primitive, and every mutation re-reads on conflict.
type Store interface {
	// GetOrCreate returns the tenant's record, atomically creating it with
	// the given default limits on first reference. Concurrent first access
	// must never create two records for one tenant.
	GetOrCreate(ctx context.Context, tenantID string, defaults Defaults) (*TenantQuota, error)

	// Get returns the tenant's record or ErrTenantNotFound. Used by admin
	// operations, which do not auto-create.
	Get(ctx context.Context, tenantID string) (*TenantQuota, error)

	// CompareAndSwap replaces the stored record iff its version still equals
	// expectedVersion. rec.Version must already carry the successor version.
	// Returns ErrVersionConflict when the stored version moved on.
	CompareAndSwap(ctx context.Context, expectedVersion int64, rec *TenantQuota) error

	// List returns every tenant record, for the admin usage overview.
	List(ctx context.Context) ([]*TenantQuota, error)
}
