package persistence

import (
	"context"
	"time"
)

// Store is the capability-typed repository Core is built on (spec §4.1).
// All operations are logically atomic; the only multi-row mutation,
// TakePendingCustomSignal, wraps its select+delete in a transaction.
//
// Implementations: MemoryStore (tests), SQLiteStore (single-process,
// zero-setup), MySQLStore (production, shared by multiple Core replicas
// is explicitly out of scope — spec §1 Non-goals — but a single Core
// instance talking to a shared MySQL is the deployment this backend
// targets).
type Store interface {
	// RegisterInstance creates an instance with status=pending.
	RegisterInstance(ctx context.Context, instanceID, tenantID string) error

	// GetInstance returns ErrInstanceNotFound if instanceID is unknown.
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)

	// ListInstances applies ListFilter and returns matching instances.
	ListInstances(ctx context.Context, filter ListFilter) ([]*Instance, error)

	// UpdateInstanceStatus transitions status; startedAt is written only
	// when non-nil, never overwriting an already-set started_at.
	UpdateInstanceStatus(ctx context.Context, instanceID string, status Status, startedAt *time.Time) error

	// UpdateInstanceCheckpoint advances the last-checkpoint pointer.
	UpdateInstanceCheckpoint(ctx context.Context, instanceID, checkpointID string) error

	// CompleteInstance is the terminal transition: status becomes "failed"
	// when errMsg != nil, else "completed"; finished_at is set to now.
	CompleteInstance(ctx context.Context, instanceID string, output []byte, errMsg *string) error

	// SaveCheckpoint is append-only: a repeat (instanceID, checkpointID)
	// pair is a no-op that leaves the original payload intact (Invariant 1).
	SaveCheckpoint(ctx context.Context, instanceID, checkpointID string, payload []byte) error

	// LoadCheckpoint returns ErrCheckpointNotFound when the pair is unknown.
	LoadCheckpoint(ctx context.Context, instanceID, checkpointID string) (*Checkpoint, error)

	// ListCheckpoints returns an instance's checkpoints, oldest first.
	ListCheckpoints(ctx context.Context, instanceID string, limit, offset int) ([]*Checkpoint, error)

	// CountCheckpoints returns the total checkpoint count for an instance.
	CountCheckpoints(ctx context.Context, instanceID string) (int, error)

	// InsertEvent appends an event; events are never updated or deleted.
	InsertEvent(ctx context.Context, event *Event) error

	// ListEvents returns an instance's events ordered by created_at.
	ListEvents(ctx context.Context, instanceID string, limit, offset int) ([]*Event, error)

	// GetLastEventTime returns the MAX(created_at) of instanceID's events,
	// the sole liveness signal the heartbeat monitor consults. ok is false
	// when the instance has no events yet.
	GetLastEventTime(ctx context.Context, instanceID string) (t time.Time, ok bool, err error)

	// InsertSignal upserts the single pending signal row for instanceID,
	// resetting acknowledged_at to nil (Invariant 2).
	InsertSignal(ctx context.Context, instanceID string, signalType SignalType, payload []byte) error

	// GetPendingSignal returns nil, nil when no signal row exists.
	GetPendingSignal(ctx context.Context, instanceID string) (*Signal, error)

	// AcknowledgeSignal sets acknowledged_at=now only if it was nil;
	// acknowledging twice is a harmless no-op on the second call.
	AcknowledgeSignal(ctx context.Context, instanceID string) error

	// InsertCustomSignal stores a payload for later TakePendingCustomSignal.
	InsertCustomSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error

	// TakePendingCustomSignal selects then deletes inside one transaction,
	// returning nil, nil when nothing is pending. At-most-once (spec §9).
	TakePendingCustomSignal(ctx context.Context, instanceID, checkpointID string) (*CustomSignal, error)

	// SaveRetryAttempt writes the audit-only synthetic checkpoint with id
	// "<checkpointID>::retry::<attempt>" (spec §3.1 "Retry variants").
	SaveRetryAttempt(ctx context.Context, instanceID, checkpointID string, attempt int, errMsg *string) error

	// SetInstanceSleep sets sleep_until; returns ErrInstanceNotFound if
	// instanceID does not exist (never a silent no-op).
	SetInstanceSleep(ctx context.Context, instanceID string, until time.Time) error

	// ClearInstanceSleep nulls sleep_until (Invariant 5).
	ClearInstanceSleep(ctx context.Context, instanceID string) error

	// GetSleepingInstancesDue returns up to limit suspended instances whose
	// sleep_until has elapsed, for the wake scheduler to relaunch.
	GetSleepingInstancesDue(ctx context.Context, limit int) ([]*Instance, error)

	// HealthCheckDB reports whether the underlying store is reachable.
	HealthCheckDB(ctx context.Context) error

	// Close releases any held resources (connection pools, file handles).
	Close() error
}
