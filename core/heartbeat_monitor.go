package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/runtarahq/runtara/persistence"
)

// DefaultHeartbeatPollInterval is how often the monitor scans running
// instances for staleness.
const DefaultHeartbeatPollInterval = 30 * time.Second

// DefaultHeartbeatStaleThreshold is how long an instance may go without an
// event before it is declared dead (spec.md §4.4 "Heartbeat monitor").
const DefaultHeartbeatStaleThreshold = 120 * time.Second

// heartbeatTimeoutError is the fixed error string recorded against an
// instance killed by staleness (spec.md §9).
const heartbeatTimeoutError = "heartbeat_timeout"

// HeartbeatMonitor marks running instances failed once their most recent
// event is older than StaleThreshold. Checkpoints never refresh liveness —
// only InstanceEvent does — so an instance stuck between checkpoints with
// no heartbeat event is indistinguishable from a dead one, by design.
type HeartbeatMonitor struct {
	store persistence.Store
	logger *slog.Logger
	onTimeout func()

	PollInterval   time.Duration
	StaleThreshold time.Duration
}

// NewHeartbeatMonitor builds a monitor over store.
func NewHeartbeatMonitor(store persistence.Store, logger *slog.Logger) *HeartbeatMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatMonitor{
		store:          store,
		logger:         logger,
		PollInterval:   DefaultHeartbeatPollInterval,
		StaleThreshold: DefaultHeartbeatStaleThreshold,
	}
}

// OnTimeout registers a callback fired once per instance marked failed by
// staleness, used to feed core/metrics without an import cycle.
func (h *HeartbeatMonitor) OnTimeout(fn func()) {
	h.onTimeout = fn
}

// Run blocks, scanning every PollInterval until ctx is cancelled.
func (h *HeartbeatMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.sweep(ctx); err != nil {
				h.logger.Error("heartbeat sweep failed", "error", err)
			}
		}
	}
}

func (h *HeartbeatMonitor) sweep(ctx context.Context) error {
	running := persistence.StatusRunning
	instances, err := h.store.ListInstances(ctx, persistence.ListFilter{Status: &running, Limit: 0})
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-h.StaleThreshold)
	for _, inst := range instances {
		stale, err := h.isStale(ctx, inst.InstanceID, cutoff)
		if err != nil {
			h.logger.Error("heartbeat liveness check failed", "instance_id", inst.InstanceID, "error", err)
			continue
		}
		if !stale {
			continue
		}
		h.kill(ctx, inst.InstanceID)
	}
	return nil
}

// isStale reports whether instanceID's most recent event predates cutoff.
// An instance with no events at all (registered but never heartbeat) is
// stale relative to its CreatedAt rather than a missing MAX(created_at).
func (h *HeartbeatMonitor) isStale(ctx context.Context, instanceID string, cutoff time.Time) (bool, error) {
	latest, ok, err := h.store.GetLastEventTime(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if !ok {
		inst, err := h.store.GetInstance(ctx, instanceID)
		if err != nil {
			return false, err
		}
		return inst.CreatedAt.Before(cutoff), nil
	}
	return latest.Before(cutoff), nil
}

func (h *HeartbeatMonitor) kill(ctx context.Context, instanceID string) {
	errMsg := heartbeatTimeoutError
	if err := h.store.CompleteInstance(ctx, instanceID, nil, &errMsg); err != nil {
		h.logger.Error("mark instance failed on heartbeat timeout failed", "instance_id", instanceID, "error", err)
		return
	}
	if err := h.store.UpdateInstanceStatus(ctx, instanceID, persistence.StatusFailed, nil); err != nil {
		h.logger.Error("set failed status on heartbeat timeout failed", "instance_id", instanceID, "error", err)
		return
	}
	_ = h.store.InsertEvent(ctx, &persistence.Event{
		InstanceID: instanceID,
		EventType:  persistence.EventFailed,
		Subtype:    heartbeatTimeoutError,
		CreatedAt:  time.Now(),
	})
	h.logger.Warn("instance marked failed by heartbeat monitor", "instance_id", instanceID)
	if h.onTimeout != nil {
		h.onTimeout()
	}
}
