package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/runtarahq/runtara/core"
	"github.com/runtarahq/runtara/persistence"
)

type fakeResumer struct {
	mu       sync.Mutex
	resumed  []string
	failUntil map[string]int
}

func newFakeResumer() *fakeResumer {
	return &fakeResumer{failUntil: make(map[string]int)}
}

func (f *fakeResumer) ResumeInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUntil[instanceID] > 0 {
		f.failUntil[instanceID]--
		return errors.New("transient resume failure")
	}
	f.resumed = append(f.resumed, instanceID)
	return nil
}

func (f *fakeResumer) resumedCount(instanceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.resumed {
		if id == instanceID {
			n++
		}
	}
	return n
}

func TestWakeSchedulerResumesDueInstances(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	if err := store.RegisterInstance(ctx, "inst-1", "tenant-a"); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := store.UpdateInstanceStatus(ctx, "inst-1", persistence.StatusSuspended, nil); err != nil {
		t.Fatalf("UpdateInstanceStatus: %v", err)
	}
	if err := store.SetInstanceSleep(ctx, "inst-1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SetInstanceSleep: %v", err)
	}

	resumer := newFakeResumer()
	sched := core.NewWakeScheduler(store, resumer, nil)

	if err := wakeTick(t, sched, ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if resumer.resumedCount("inst-1") != 1 {
		t.Errorf("resumed count = %d, want 1", resumer.resumedCount("inst-1"))
	}

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.SleepUntil != nil {
		t.Error("expected SleepUntil cleared after successful resume")
	}
	if inst.Status != persistence.StatusPending {
		t.Errorf("status = %q, want pending after successful resume", inst.Status)
	}
}

func TestWakeSchedulerRetriesOnFailure(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	if err := store.RegisterInstance(ctx, "inst-1", "tenant-a"); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := store.UpdateInstanceStatus(ctx, "inst-1", persistence.StatusSuspended, nil); err != nil {
		t.Fatalf("UpdateInstanceStatus: %v", err)
	}
	if err := store.SetInstanceSleep(ctx, "inst-1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SetInstanceSleep: %v", err)
	}

	resumer := newFakeResumer()
	resumer.failUntil["inst-1"] = 1

	sched := core.NewWakeScheduler(store, resumer, nil)
	sched.BaseBackoff = time.Millisecond
	sched.MaxBackoff = time.Millisecond

	if err := wakeTick(t, sched, ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusSuspended {
		t.Fatalf("status after failed attempt = %q, want still suspended", inst.Status)
	}

	if err := wakeTick(t, sched, ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if resumer.resumedCount("inst-1") != 1 {
		t.Errorf("resumed count = %d, want 1 after eventual success", resumer.resumedCount("inst-1"))
	}
}

// wakeTick exercises the unexported tick loop via one Run iteration bounded
// by a cancelled context right after the first tick fires.
func wakeTick(t *testing.T, sched *core.WakeScheduler, ctx context.Context) error {
	t.Helper()
	sched.PollInterval = 10 * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, 19*time.Millisecond)
	defer cancel()
	err := sched.Run(runCtx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
