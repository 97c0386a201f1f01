package wire_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/runtarahq/runtara/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []wire.Frame{
		{Type: wire.FrameRequest, Payload: []byte(`{"kind":"checkpoint"}`)},
		{Type: wire.FrameResponse, Payload: []byte(`{}`)},
		{Type: wire.FrameError, Payload: []byte(`{"code":"not_found","message":"boom"}`)},
		{Type: wire.FrameRequest, Payload: nil},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := wire.WriteFrame(&buf, want); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := wire.ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got.Type != want.Type {
			t.Errorf("type = %v, want %v", got.Type, want.Type)
		}
		if !bytes.Equal(got.Payload, want.Payload) && len(got.Payload)+len(want.Payload) > 0 {
			t.Errorf("payload = %q, want %q", got.Payload, want.Payload)
		}
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.FrameRequest))
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // length far beyond MaxFramePayload
	if _, err := wire.ReadFrame(&buf); !errors.Is(err, wire.ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x09)
	buf.Write([]byte{0, 0, 0, 0})
	if _, err := wire.ReadFrame(&buf); !errors.Is(err, wire.ErrUnknownFrame) {
		t.Errorf("expected ErrUnknownFrame, got %v", err)
	}
}

func TestReadFrameShortReadIsEOF(t *testing.T) {
	_, err := wire.ReadFrame(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF on empty reader, got %v", err)
	}
}
