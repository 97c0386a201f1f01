// Package persistence provides durable storage for instances, checkpoints,
// events, and signals — the single source of truth owned by Core.
package persistence

import "time"

// Status is the lifecycle state of an Instance.
//
// completed, failed, and cancelled are terminal with respect to signals
// (see Terminal); suspended still accepts signals and is the only resumable
// status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status accepts no further signals.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Instance is the runtime record of one workflow execution (spec §3.1).
type Instance struct {
	InstanceID    string
	TenantID      string
	Status        Status
	CheckpointID  *string
	Attempt       int
	MaxAttempts   int
	SleepUntil    *time.Time
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Output        []byte
	Error         *string
}

// EventType enumerates the Event.event_type values.
type EventType string

const (
	EventStarted   EventType = "started"
	EventHeartbeat EventType = "heartbeat"
	EventSuspended EventType = "suspended"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCustom    EventType = "custom"
)

// Checkpoint is an immutable named state snapshot belonging to an instance
// (spec §3.1). Once (InstanceID, CheckpointID) exists it is never modified;
// SaveCheckpoint on a repeat id is a no-op that keeps the original payload.
type Checkpoint struct {
	InstanceID   string
	CheckpointID string
	Payload      []byte
	CreatedAt    time.Time
}

// Event is an append-only log entry for one instance. The MAX(CreatedAt) of
// an instance's events is the sole source of "instance liveness" consulted
// by the heartbeat monitor — checkpoints do NOT refresh it (spec §4.4, §9).
type Event struct {
	ID         string
	InstanceID string
	EventType  EventType
	Subtype    string
	Payload    []byte
	CreatedAt  time.Time
}

// SignalType enumerates the Signal.signal_type values.
type SignalType string

const (
	SignalCancel SignalType = "cancel"
	SignalPause  SignalType = "pause"
	SignalResume SignalType = "resume"
)

// Signal is the (at most one) pending signal for an instance (spec §3.1).
// Inserting a new signal upserts by InstanceID, replacing any unacknowledged
// signal and resetting AcknowledgedAt to nil.
type Signal struct {
	InstanceID     string
	SignalType     SignalType
	Payload        []byte
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}

// CustomSignal is an external payload delivered to a workflow waiting at a
// named rendezvous (InstanceID, CheckpointID). Taking one is destructive:
// select-then-delete inside a single transaction, at-most-once (spec §3.1, §9).
type CustomSignal struct {
	InstanceID   string
	CheckpointID string
	Payload      []byte
	CreatedAt    time.Time
}

// ListFilter narrows ListInstances to a tenant and/or status, paginated.
type ListFilter struct {
	TenantID *string
	Status   *Status
	Limit    int
	Offset   int
}
