package wire_test

import (
	"testing"

	"github.com/runtarahq/runtara/wire"
)

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	req := wire.CheckpointRequest{
		InstanceID:   "inst-1",
		CheckpointID: "cp-1",
		State:        []byte(`{"n":1}`),
	}

	msg, err := wire.EncodeMessage(wire.KindCheckpoint, "req-1", req)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if msg.Kind != wire.KindCheckpoint || msg.RequestID != "req-1" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}

	var decoded wire.CheckpointRequest
	if err := wire.DecodeBody(msg, &decoded); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if decoded.InstanceID != req.InstanceID || decoded.CheckpointID != req.CheckpointID {
		t.Errorf("decoded = %+v, want %+v", decoded, req)
	}
}
