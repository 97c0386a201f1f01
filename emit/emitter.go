package emit

import "context"

// Emitter receives observability events from Core and the instance SDK.
// Implementations should be non-blocking, thread-safe, and resilient —
// a misbehaving backend must never take down a workflow.
type Emitter interface {
	// Emit sends a single event. Must not panic; errors are logged
	// internally rather than returned.
	Emit(event Event)

	// EmitBatch sends multiple events in event order. Returns an error
	// only on catastrophic failures (e.g. misconfiguration); individual
	// event failures should be logged and swallowed.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are sent or ctx is done. Safe to
	// call multiple times.
	Flush(ctx context.Context) error
}
