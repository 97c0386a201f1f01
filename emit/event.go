// Package emit provides pluggable observability backends for Core and the
// instance SDK, adapted from the teacher's graph/emit package: same
// Emitter interface, event fields renamed from graph-run vocabulary
// (RunID/NodeID/Step) to instance vocabulary (InstanceID/EventType/Subtype)
// to match the Event entity in spec.md §3.1.
package emit

import "github.com/runtarahq/runtara/persistence"

// Event is an observability event describing something that happened to an
// instance: a status transition, a checkpoint operation, a signal, or a
// container-runner lifecycle step.
type Event struct {
	// InstanceID identifies the workflow execution that emitted this event.
	InstanceID string

	// EventType classifies the event (started, heartbeat, completed, ...).
	// Empty for transport- or runner-level events that aren't persisted
	// Event rows (e.g. "stream_opened").
	EventType persistence.EventType

	// Subtype narrows EventType, e.g. "sleeping" for a suspended event.
	Subtype string

	// Msg is a human-readable description, independent of EventType — used
	// for events that don't map onto a persisted Event (runner diagnostics,
	// wake-scheduler retries).
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys: "duration_ms", "error", "checkpoint_id", "attempt".
	Meta map[string]interface{}
}
