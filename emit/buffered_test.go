package emit

import (
	"testing"

	"github.com/runtarahq/runtara/persistence"
)

func TestBufferedEmitterHistory(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{InstanceID: "inst-1", EventType: persistence.EventStarted})
	b.Emit(Event{InstanceID: "inst-1", EventType: persistence.EventHeartbeat})
	b.Emit(Event{InstanceID: "inst-2", EventType: persistence.EventStarted})

	hist := b.History("inst-1")
	if len(hist) != 2 {
		t.Fatalf("len = %d, want 2", len(hist))
	}
	if hist[0].EventType != persistence.EventStarted || hist[1].EventType != persistence.EventHeartbeat {
		t.Errorf("unexpected order: %+v", hist)
	}

	b.Clear("inst-1")
	if len(b.History("inst-1")) != 0 {
		t.Error("expected empty history after Clear")
	}
	if len(b.History("inst-2")) != 1 {
		t.Error("Clear should not affect other instances")
	}
}
