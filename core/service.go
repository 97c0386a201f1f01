// Package core implements Core's request handlers and background workers
// (spec.md §4.4): the owner of persistence.Store and the sole writer of
// instance state transitions. wire.Server routes decoded requests here;
// sdk.Embedded calls the same methods directly, bypassing the wire.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/runtarahq/runtara/core/metrics"
	"github.com/runtarahq/runtara/emit"
	"github.com/runtarahq/runtara/persistence"
)

// DefaultShortSleepThreshold is the boundary below which Sleep blocks the
// caller in-process instead of suspending the instance (spec.md §4.4).
const DefaultShortSleepThreshold = 30 * time.Second

// DefaultMaxAttempts is applied to instances registered without an explicit
// retry budget.
const DefaultMaxAttempts = 3

// Service implements the Instance<->Core request surface. It is safe for
// concurrent use; all mutation is delegated to the Store, which owns its
// own locking.
type Service struct {
	store              persistence.Store
	emitter            emit.Emitter
	metrics            *metrics.CoreMetrics
	shortSleepThreshold time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithShortSleepThreshold overrides DefaultShortSleepThreshold.
func WithShortSleepThreshold(d time.Duration) Option {
	return func(s *Service) { s.shortSleepThreshold = d }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.CoreMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires a Store and Emitter into a request-handling Service.
func NewService(store persistence.Store, emitter emit.Emitter, opts ...Option) *Service {
	s := &Service{
		store:               store,
		emitter:             emitter,
		shortSleepThreshold: DefaultShortSleepThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterInstance creates the instance record if it is new, or validates
// resumeFrom against existing checkpoints when resuming. Either way it
// unconditionally transitions the instance to running and sets started_at
// if not already set (spec.md §4.4 "On RegisterInstance"), so the
// suspended -> pending -> running leg of the state diagram completes on
// re-registration, not just on first registration.
func (s *Service) RegisterInstance(ctx context.Context, instanceID, tenantID string, resumeFrom *string) (persistence.Status, error) {
	existing, err := s.store.GetInstance(ctx, instanceID)
	switch {
	case err == nil:
		if resumeFrom != nil {
			if _, err := s.store.LoadCheckpoint(ctx, instanceID, *resumeFrom); err != nil {
				return "", fmt.Errorf("core: register instance: resume_from %q: %w", *resumeFrom, err)
			}
		}
		wasRunning := existing.Status == persistence.StatusRunning
		now := time.Now()
		if err := s.store.UpdateInstanceStatus(ctx, instanceID, persistence.StatusRunning, &now); err != nil {
			return "", fmt.Errorf("core: register instance: mark running: %w", err)
		}
		if !wasRunning {
			s.recordEvent(ctx, instanceID, persistence.EventStarted, "resumed", nil)
			s.gauge(tenantID, persistence.StatusRunning, 1)
		}
		return persistence.StatusRunning, nil
	case err != persistence.ErrInstanceNotFound:
		return "", fmt.Errorf("core: register instance: %w", err)
	}

	if resumeFrom != nil {
		if _, err := s.store.LoadCheckpoint(ctx, instanceID, *resumeFrom); err != nil {
			return "", fmt.Errorf("core: register instance: resume_from %q: %w", *resumeFrom, err)
		}
	}

	if err := s.store.RegisterInstance(ctx, instanceID, tenantID); err != nil {
		return "", fmt.Errorf("core: register instance: %w", err)
	}
	now := time.Now()
	if err := s.store.UpdateInstanceStatus(ctx, instanceID, persistence.StatusRunning, &now); err != nil {
		return "", fmt.Errorf("core: register instance: mark running: %w", err)
	}
	s.recordEvent(ctx, instanceID, persistence.EventStarted, "", nil)
	s.gauge(tenantID, persistence.StatusRunning, 1)
	return persistence.StatusRunning, nil
}

// Checkpoint is the save-or-resume primitive (spec.md §4.4): a repeat of an
// already-saved checkpoint id returns the original payload instead of
// overwriting it (Invariant 1), and any signal still pending for the
// instance rides back on the same response so the instance never has to
// make a second round trip to discover it.
func (s *Service) Checkpoint(ctx context.Context, instanceID, checkpointID string, state []byte) (found bool, payload []byte, pending *persistence.Signal, err error) {
	start := time.Now()
	existing, loadErr := s.store.LoadCheckpoint(ctx, instanceID, checkpointID)
	switch {
	case loadErr == nil:
		found, payload = true, existing.Payload
		s.observeOutcome("checkpoint_replayed")
	case loadErr == persistence.ErrCheckpointNotFound:
		if err := s.store.SaveCheckpoint(ctx, instanceID, checkpointID, state); err != nil {
			return false, nil, nil, fmt.Errorf("core: checkpoint: %w", err)
		}
		if err := s.store.UpdateInstanceCheckpoint(ctx, instanceID, checkpointID); err != nil {
			return false, nil, nil, fmt.Errorf("core: checkpoint: advance pointer: %w", err)
		}
		found, payload = false, state
		s.observeOutcome("checkpoint_committed")
	default:
		return false, nil, nil, fmt.Errorf("core: checkpoint: %w", loadErr)
	}

	sig, sigErr := s.store.GetPendingSignal(ctx, instanceID)
	if sigErr != nil {
		return false, nil, nil, fmt.Errorf("core: checkpoint: pending signal: %w", sigErr)
	}
	if sig != nil && sig.AcknowledgedAt == nil {
		pending = sig
	}
	s.observeLatency("checkpoint", start)
	return found, payload, pending, nil
}

// GetCheckpoint is a read-only lookup, used by instances re-fetching state
// without going through the save-or-resume path (e.g. after a crash).
func (s *Service) GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (found bool, payload []byte, err error) {
	cp, err := s.store.LoadCheckpoint(ctx, instanceID, checkpointID)
	if err == persistence.ErrCheckpointNotFound {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("core: get checkpoint: %w", err)
	}
	return true, cp.Payload, nil
}

// Sleep implements the short/long split (spec.md §4.4): durations under the
// threshold are deferred=false, telling the instance to block in-process;
// durations at or above it save the given checkpoint, suspend the instance,
// and return deferred=true so the instance exits and the wake scheduler
// resumes it later.
func (s *Service) Sleep(ctx context.Context, instanceID, checkpointID string, state []byte, duration time.Duration) (deferred bool, err error) {
	if duration < s.shortSleepThreshold {
		return false, nil
	}

	if err := s.store.SaveCheckpoint(ctx, instanceID, checkpointID, state); err != nil {
		return false, fmt.Errorf("core: sleep: checkpoint: %w", err)
	}
	if err := s.store.UpdateInstanceCheckpoint(ctx, instanceID, checkpointID); err != nil {
		return false, fmt.Errorf("core: sleep: advance pointer: %w", err)
	}
	wakeAt := time.Now().Add(duration)
	if err := s.store.SetInstanceSleep(ctx, instanceID, wakeAt); err != nil {
		return false, fmt.Errorf("core: sleep: set wake time: %w", err)
	}
	if err := s.store.UpdateInstanceStatus(ctx, instanceID, persistence.StatusSuspended, nil); err != nil {
		return false, fmt.Errorf("core: sleep: suspend: %w", err)
	}
	s.recordEvent(ctx, instanceID, persistence.EventSuspended, "sleeping", nil)
	return true, nil
}

// PollSignals returns the instance's pending signal, or nil if none.
func (s *Service) PollSignals(ctx context.Context, instanceID string) (*persistence.Signal, error) {
	sig, err := s.store.GetPendingSignal(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("core: poll signals: %w", err)
	}
	return sig, nil
}

// SignalAck records that the instance observed and acted on its pending
// signal, applying the transition the signal implies: cancel moves the
// instance to cancelled, pause moves it to suspended. Acknowledging without
// acting (acknowledged=false) only clears the pending flag.
func (s *Service) SignalAck(ctx context.Context, instanceID string, signalType persistence.SignalType, acknowledged bool) error {
	if err := s.store.AcknowledgeSignal(ctx, instanceID); err != nil {
		return fmt.Errorf("core: signal ack: %w", err)
	}
	if !acknowledged {
		return nil
	}
	switch signalType {
	case persistence.SignalCancel:
		// CompleteInstance with a nil errMsg sets finished_at/output/error
		// without marking the instance failed; the status overwrite below
		// to cancelled follows immediately, so the terminal record carries
		// status=cancelled and no error (spec.md §7).
		if err := s.store.CompleteInstance(ctx, instanceID, nil, nil); err != nil {
			return fmt.Errorf("core: signal ack: cancel: %w", err)
		}
		if err := s.store.UpdateInstanceStatus(ctx, instanceID, persistence.StatusCancelled, nil); err != nil {
			return fmt.Errorf("core: signal ack: cancel status: %w", err)
		}
	case persistence.SignalPause:
		if err := s.store.UpdateInstanceStatus(ctx, instanceID, persistence.StatusSuspended, nil); err != nil {
			return fmt.Errorf("core: signal ack: pause: %w", err)
		}
		s.recordEvent(ctx, instanceID, persistence.EventSuspended, "paused", nil)
	}
	return nil
}

// SendSignal upserts a signal for instanceID, rejecting terminal instances
// (Invariant 3) and letting cancel supersede an outstanding pause (Invariant 2).
func (s *Service) SendSignal(ctx context.Context, instanceID string, signalType persistence.SignalType, payload []byte) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("core: send signal: %w", err)
	}
	if inst.Status.Terminal() {
		return persistence.ErrSignalTerminal
	}
	if err := s.store.InsertSignal(ctx, instanceID, signalType, payload); err != nil {
		return fmt.Errorf("core: send signal: %w", err)
	}
	s.counter(signalType)
	return nil
}

// SendCustomSignal stores a payload for later at-most-once delivery via
// TakePendingCustomSignal at the named (instanceID, checkpointID) rendezvous.
func (s *Service) SendCustomSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	if err := s.store.InsertCustomSignal(ctx, instanceID, checkpointID, payload); err != nil {
		return fmt.Errorf("core: send custom signal: %w", err)
	}
	return nil
}

// InstanceEvent records a liveness-affecting or terminal event emitted by
// the instance (heartbeat, completed, failed, custom). Checkpoints never
// call this path themselves — only explicit events refresh liveness.
func (s *Service) InstanceEvent(ctx context.Context, instanceID string, eventType persistence.EventType, payload []byte, subtype string) error {
	s.recordEvent(ctx, instanceID, eventType, subtype, payload)

	switch eventType {
	case persistence.EventCompleted:
		if err := s.store.CompleteInstance(ctx, instanceID, payload, nil); err != nil {
			return fmt.Errorf("core: instance event: complete: %w", err)
		}
	case persistence.EventFailed:
		msg := subtype
		if msg == "" {
			msg = "failed"
		}
		if err := s.store.CompleteInstance(ctx, instanceID, nil, &msg); err != nil {
			return fmt.Errorf("core: instance event: fail: %w", err)
		}
	}
	return nil
}

// RecordRetryAttempt writes the audit-only synthetic checkpoint tracking a
// retried step (spec.md §3.1 "Retry variants").
func (s *Service) RecordRetryAttempt(ctx context.Context, instanceID, checkpointID string, attempt int, errMsg *string) error {
	if err := s.store.SaveRetryAttempt(ctx, instanceID, checkpointID, attempt, errMsg); err != nil {
		return fmt.Errorf("core: record retry attempt: %w", err)
	}
	return nil
}

// GetInstanceStatus is a read-only lookup used by management tooling and by
// instances polling their own record.
func (s *Service) GetInstanceStatus(ctx context.Context, instanceID string) (*persistence.Instance, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("core: get instance status: %w", err)
	}
	return inst, nil
}

func (s *Service) recordEvent(ctx context.Context, instanceID string, eventType persistence.EventType, subtype string, payload []byte) {
	event := &persistence.Event{
		InstanceID: instanceID,
		EventType:  eventType,
		Subtype:    subtype,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	if err := s.store.InsertEvent(ctx, event); err != nil && s.emitter != nil {
		s.emitter.Emit(emit.Event{
			InstanceID: instanceID,
			EventType:  persistence.EventFailed,
			Subtype:    "insert_event_failed",
			Meta:       map[string]interface{}{"error": err.Error()},
		})
		return
	}
	if s.emitter != nil {
		s.emitter.Emit(emit.Event{InstanceID: instanceID, EventType: eventType, Subtype: subtype})
	}
}

func (s *Service) observeLatency(operation string, start time.Time) {
	if s.metrics == nil {
		return
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	s.metrics.RequestLatency.WithLabelValues(operation, "ok").Observe(elapsed)
}

func (s *Service) observeOutcome(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.CheckpointsTotal.WithLabelValues(outcome).Inc()
}

func (s *Service) counter(signalType persistence.SignalType) {
	if s.metrics == nil {
		return
	}
	s.metrics.SignalsTotal.WithLabelValues(string(signalType)).Inc()
}

func (s *Service) gauge(tenantID string, status persistence.Status, delta float64) {
	if s.metrics == nil {
		return
	}
	s.metrics.ActiveInstances.WithLabelValues(tenantID, string(status)).Add(delta)
}
