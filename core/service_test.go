package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runtarahq/runtara/core"
	"github.com/runtarahq/runtara/emit"
	"github.com/runtarahq/runtara/persistence"
)

func newTestService() (*core.Service, persistence.Store) {
	store := persistence.NewMemoryStore()
	return core.NewService(store, emit.NewNullEmitter()), store
}

func TestRegisterInstanceCreatesAndRuns(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	status, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil)
	if err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if status != persistence.StatusRunning {
		t.Errorf("status = %q, want running", status)
	}

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}
}

func TestRegisterInstanceIsIdempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	status, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil)
	if err != nil {
		t.Fatalf("RegisterInstance (repeat): %v", err)
	}
	if status != persistence.StatusRunning {
		t.Errorf("status = %q, want running", status)
	}
}

func TestRegisterInstanceResumesSuspendedToRunning(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if _, err := svc.Sleep(ctx, "inst-1", "cp-1", []byte(`{}`), time.Hour); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusSuspended {
		t.Fatalf("status = %q, want suspended before resume", inst.Status)
	}

	status, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil)
	if err != nil {
		t.Fatalf("RegisterInstance (resume): %v", err)
	}
	if status != persistence.StatusRunning {
		t.Errorf("status = %q, want running", status)
	}

	inst, err = store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusRunning {
		t.Errorf("stored status = %q, want running", inst.Status)
	}
}

func TestRegisterInstanceRejectsUnknownResumeFrom(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	missing := "does-not-exist"
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", &missing); err == nil {
		t.Error("expected error resuming from an unknown checkpoint")
	}
}

func TestCheckpointSaveThenReplay(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	found, payload, pending, err := svc.Checkpoint(ctx, "inst-1", "cp-1", []byte(`{"v":1}`))
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if found {
		t.Error("first checkpoint should not be found (fresh write)")
	}
	if string(payload) != `{"v":1}` {
		t.Errorf("payload = %s", payload)
	}
	if pending != nil {
		t.Errorf("expected no pending signal, got %+v", pending)
	}

	// Replay with a different state: the original payload wins.
	found, payload, _, err = svc.Checkpoint(ctx, "inst-1", "cp-1", []byte(`{"v":2}`))
	if err != nil {
		t.Fatalf("Checkpoint (replay): %v", err)
	}
	if !found {
		t.Error("repeat checkpoint should be found")
	}
	if string(payload) != `{"v":1}` {
		t.Errorf("replay payload = %s, want original", payload)
	}
}

func TestCheckpointSurfacesPendingSignal(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := svc.SendSignal(ctx, "inst-1", persistence.SignalPause, nil); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	_, _, pending, err := svc.Checkpoint(ctx, "inst-1", "cp-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if pending == nil || pending.SignalType != persistence.SignalPause {
		t.Fatalf("pending = %+v, want pause", pending)
	}

	// Once acknowledged, it should no longer ride back on a later checkpoint.
	if err := store.AcknowledgeSignal(ctx, "inst-1"); err != nil {
		t.Fatalf("AcknowledgeSignal: %v", err)
	}
	_, _, pending, err = svc.Checkpoint(ctx, "inst-1", "cp-2", []byte(`{}`))
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if pending != nil {
		t.Errorf("expected no pending signal after ack, got %+v", pending)
	}
}

func TestSleepShortIsNotDeferred(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	deferred, err := svc.Sleep(ctx, "inst-1", "cp-1", []byte(`{}`), time.Second)
	if err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if deferred {
		t.Error("short sleep should not be deferred")
	}

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusRunning {
		t.Errorf("status = %q, want unchanged running", inst.Status)
	}
}

func TestSleepLongSuspendsAndCheckspoints(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	deferred, err := svc.Sleep(ctx, "inst-1", "cp-1", []byte(`{"v":1}`), time.Hour)
	if err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if !deferred {
		t.Error("long sleep should be deferred")
	}

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusSuspended {
		t.Errorf("status = %q, want suspended", inst.Status)
	}
	if inst.SleepUntil == nil {
		t.Error("expected SleepUntil to be set")
	}

	cp, err := store.LoadCheckpoint(ctx, "inst-1", "cp-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if string(cp.Payload) != `{"v":1}` {
		t.Errorf("checkpoint payload = %s", cp.Payload)
	}
}

func TestSignalAckCancelTransitionsToCancelled(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := svc.SendSignal(ctx, "inst-1", persistence.SignalCancel, nil); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	if err := svc.SignalAck(ctx, "inst-1", persistence.SignalCancel, true); err != nil {
		t.Fatalf("SignalAck: %v", err)
	}

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusCancelled {
		t.Errorf("status = %q, want cancelled", inst.Status)
	}
	if inst.Error != nil {
		t.Errorf("error = %q, want nil (spec.md §7: cancelled instances carry no error)", *inst.Error)
	}

	sig, err := store.GetPendingSignal(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetPendingSignal: %v", err)
	}
	if sig.AcknowledgedAt == nil {
		t.Error("expected signal to be acknowledged")
	}
}

func TestSignalAckPauseTransitionsToSuspended(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := svc.SendSignal(ctx, "inst-1", persistence.SignalPause, nil); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	if err := svc.SignalAck(ctx, "inst-1", persistence.SignalPause, true); err != nil {
		t.Fatalf("SignalAck: %v", err)
	}

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusSuspended {
		t.Errorf("status = %q, want suspended", inst.Status)
	}
}

func TestSendSignalRejectsTerminalInstance(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := store.CompleteInstance(ctx, "inst-1", nil, nil); err != nil {
		t.Fatalf("CompleteInstance: %v", err)
	}

	if err := svc.SendSignal(ctx, "inst-1", persistence.SignalCancel, nil); !errors.Is(err, persistence.ErrSignalTerminal) {
		t.Errorf("expected ErrSignalTerminal, got %v", err)
	}
}

func TestInstanceEventCompletedMarksInstanceDone(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	if err := svc.InstanceEvent(ctx, "inst-1", persistence.EventCompleted, []byte(`{"ok":true}`), ""); err != nil {
		t.Fatalf("InstanceEvent: %v", err)
	}

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusCompleted {
		t.Errorf("status = %q, want completed", inst.Status)
	}
}

func TestInstanceEventFailedRecordsError(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	if _, err := svc.RegisterInstance(ctx, "inst-1", "tenant-a", nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	if err := svc.InstanceEvent(ctx, "inst-1", persistence.EventFailed, nil, "boom"); err != nil {
		t.Fatalf("InstanceEvent: %v", err)
	}

	inst, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != persistence.StatusFailed {
		t.Errorf("status = %q, want failed", inst.Status)
	}
	if inst.Error == nil || *inst.Error != "boom" {
		t.Errorf("error = %v, want boom", inst.Error)
	}
}
