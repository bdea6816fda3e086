package store

import (
	"context"

	"github.com/rendis/lockflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Rate-lock records (optimistic concurrency)
	CreateRecord(ctx context.Context, rec *RateLockRecord) error
	GetRecord(ctx context.Context, id string) (*RateLockRecord, error)
	PutIfVersion(ctx context.Context, rec *RateLockRecord, expectedVersion int64) error
	QueryRecords(ctx context.Context, filter RecordFilter) ([]*RateLockRecord, error)
	FindActiveByApplication(ctx context.Context, loanApplicationID string) (*RateLockRecord, error)

	// Audit log (append-only, idempotent by message ID)
	AppendAudit(ctx context.Context, entry *AuditLogEntry) (bool, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, error)

	// Exception cases
	CreateCase(ctx context.Context, c *ExceptionCase) error
	GetCase(ctx context.Context, id string) (*ExceptionCase, error)
	FindCaseBySource(ctx context.Context, sourceMessageID string) (*ExceptionCase, error)
	UpdateCase(ctx context.Context, c *ExceptionCase, expectedVersion int64) error
	ListCases(ctx context.Context, filter CaseFilter) ([]*ExceptionCase, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// IsActive reports whether a record in this state still holds its
// application's lock cycle. Locked counts as active because it can still
// expire or be cancelled.
func IsActive(status schema.LockStatus) bool {
	return status != schema.LockStatusExpired && status != schema.LockStatusCancelled
}

func storeNotFound(resource, id string) *schema.LockflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func versionConflict(resource, id string, expected int64) *schema.LockflowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q was modified concurrently (expected version %d)", resource, id, expected).
		WithDetails(map[string]any{"id": id, "expected_version": expected})
}

func duplicateActive(loanApplicationID, existingID string) *schema.LockflowError {
	return schema.NewErrorf(schema.ErrCodeDuplicate, "application %q already has an active rate lock %q", loanApplicationID, existingID).
		WithDetails(map[string]any{"loan_application_id": loanApplicationID, "existing_id": existingID})
}
