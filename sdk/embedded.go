package sdk

import (
	"context"
	"time"

	"github.com/runtarahq/runtara/core"
	"github.com/runtarahq/runtara/persistence"
)

// EmbeddedOptions configures an Embedded Runtime.
type EmbeddedOptions struct {
	InstanceID string
	TenantID   string
	// PollRate bounds PollSignal to this many calls per second, matching
	// Client's rate limit even though there is no network to economize on —
	// the cached-signal contract must behave identically either way.
	PollRate float64
}

// Embedded is the direct-persistence Runtime: every operation calls straight
// into a core.Service sharing this process's memory, with no wire framing
// and no network round trip. It exists for single-binary demos and tests —
// the contract is otherwise identical to Client (spec.md §4.3).
type Embedded struct {
	opts  EmbeddedOptions
	svc   *core.Service
	cache *signalCache
}

// NewEmbedded wraps svc for the given instance/tenant.
func NewEmbedded(svc *core.Service, opts EmbeddedOptions) *Embedded {
	return &Embedded{
		opts:  opts,
		svc:   svc,
		cache: newSignalCache(opts.PollRate),
	}
}

var _ Runtime = (*Embedded)(nil)

// Connect is a no-op: Embedded already holds a direct reference to svc.
func (e *Embedded) Connect(context.Context) error { return nil }

func (e *Embedded) Register(ctx context.Context, resumeFrom *string) error {
	_, err := e.svc.RegisterInstance(ctx, e.opts.InstanceID, e.opts.TenantID, resumeFrom)
	return err
}

func (e *Embedded) Checkpoint(ctx context.Context, checkpointID string, state []byte) (CheckpointResult, error) {
	found, payload, pending, err := e.svc.Checkpoint(ctx, e.opts.InstanceID, checkpointID, state)
	if err != nil {
		return CheckpointResult{}, err
	}
	e.cache.absorb(pending)
	return CheckpointResult{Found: found, State: payload, PendingSignal: pending}, nil
}

func (e *Embedded) GetCheckpoint(ctx context.Context, checkpointID string) ([]byte, bool, error) {
	found, payload, err := e.svc.GetCheckpoint(ctx, e.opts.InstanceID, checkpointID)
	if err != nil {
		return nil, false, err
	}
	return payload, found, nil
}

func (e *Embedded) Sleep(ctx context.Context, d time.Duration, checkpointID string, state []byte) (bool, error) {
	return e.svc.Sleep(ctx, e.opts.InstanceID, checkpointID, state, d)
}

func (e *Embedded) PollSignal(ctx context.Context) (*persistence.Signal, error) {
	if !e.cache.allow() {
		return e.cache.peek(), nil
	}
	return e.PollSignalNow(ctx)
}

func (e *Embedded) PollSignalNow(ctx context.Context) (*persistence.Signal, error) {
	return e.svc.PollSignals(ctx, e.opts.InstanceID)
}

func (e *Embedded) AcknowledgeSignal(ctx context.Context, signalType persistence.SignalType, acknowledged bool) error {
	return e.svc.SignalAck(ctx, e.opts.InstanceID, signalType, acknowledged)
}

func (e *Embedded) Heartbeat(ctx context.Context) error {
	return e.svc.InstanceEvent(ctx, e.opts.InstanceID, persistence.EventHeartbeat, nil, "")
}

func (e *Embedded) Completed(ctx context.Context, output []byte) error {
	return e.svc.InstanceEvent(ctx, e.opts.InstanceID, persistence.EventCompleted, output, "")
}

func (e *Embedded) Failed(ctx context.Context, errMsg string) error {
	return e.svc.InstanceEvent(ctx, e.opts.InstanceID, persistence.EventFailed, nil, errMsg)
}

func (e *Embedded) Suspended(ctx context.Context) error {
	return e.svc.InstanceEvent(ctx, e.opts.InstanceID, persistence.EventSuspended, nil, "")
}

func (e *Embedded) RecordRetryAttempt(ctx context.Context, checkpointID string, attempt int, errMsg *string) error {
	return e.svc.RecordRetryAttempt(ctx, e.opts.InstanceID, checkpointID, attempt, errMsg)
}

func (e *Embedded) CheckCancelled(ctx context.Context) error {
	return checkSignal(ctx, e, e.cache, persistence.SignalCancel, ErrCancelled)
}

func (e *Embedded) CheckPaused(ctx context.Context) error {
	return checkSignal(ctx, e, e.cache, persistence.SignalPause, ErrPaused)
}

func (e *Embedded) Close() error { return nil }
