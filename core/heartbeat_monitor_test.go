package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/runtarahq/runtara/core"
	"github.com/runtarahq/runtara/persistence"
)

func TestHeartbeatMonitorKillsStaleInstance(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	if err := store.RegisterInstance(ctx, "inst-1", "tenant-a"); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := store.UpdateInstanceStatus(ctx, "inst-1", persistence.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateInstanceStatus: %v", err)
	}
	if err := store.InsertEvent(ctx, &persistence.Event{InstanceID: "inst-1", EventType: persistence.EventStarted}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	mon := core.NewHeartbeatMonitor(store, nil)
	mon.StaleThreshold = -time.Second // any past event is immediately stale

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	mon.PollInterval = time.Millisecond
	_ = mon.Run(runCtx)

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusFailed {
		t.Fatalf("status = %q, want failed", inst.Status)
	}
	if inst.Error == nil || *inst.Error != "heartbeat_timeout" {
		t.Errorf("error = %v, want heartbeat_timeout", inst.Error)
	}
}

func TestHeartbeatMonitorLeavesFreshInstanceAlone(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	if err := store.RegisterInstance(ctx, "inst-1", "tenant-a"); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := store.UpdateInstanceStatus(ctx, "inst-1", persistence.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateInstanceStatus: %v", err)
	}
	if err := store.InsertEvent(ctx, &persistence.Event{InstanceID: "inst-1", EventType: persistence.EventHeartbeat}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	mon := core.NewHeartbeatMonitor(store, nil)
	mon.StaleThreshold = time.Hour

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	mon.PollInterval = time.Millisecond
	_ = mon.Run(runCtx)

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusRunning {
		t.Errorf("status = %q, want still running", inst.Status)
	}
}
