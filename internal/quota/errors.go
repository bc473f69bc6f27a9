package quota

import "errors"

var (
	// ErrTenantNotFound is returned by admin operations targeting a tenant
	// that has never been admitted; admin paths do not auto-create records.
	ErrTenantNotFound = errors.New("tenant quota not found")

	// ErrUnavailable signals a store failure or an exhausted CAS retry
	// budget. The caller must treat it as "unknown, do not proceed"; it is
	// never an implicit admit.
	ErrUnavailable = errors.New("quota store unavailable")

	// ErrInvalidInput rejects malformed tenant ids or non-finite/negative
	// minute values before any store access.
	ErrInvalidInput = errors.New("invalid quota input")

	// ErrVersionConflict is returned by stores when a compare-and-swap loses
	// the race; the controller retries with fresh state.
	ErrVersionConflict = errors.New("quota record version conflict")
)
