package wire

import "testing"

func TestBuildWorkedExample(t *testing.T) {
	// SET_RELAY CH1 ON, seq=1: cmd_id=0x0001, flags=0x0000, idx=1, state=1.
	payload := []byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x01}
	got, err := Build(Command, 1, payload)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x10, 0x01, 0x00, 0x06, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01, 0x8F, 0x5B}
	if len(got) != len(want) {
		t.Fatalf("length: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %#x want %#x (frame=%x)", i, got[i], want[i], got)
		}
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x01},
		make([]byte, MaxPayload),
		{0xde, 0xad, 0xbe, 0xef},
	}
	for _, payload := range cases {
		frame, err := Build(Telemetry, 0x1234, payload)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		h, got, err := Parse(frame)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if h.ProtoVer != ProtoVersion || h.MsgType != Telemetry || h.Seq != 0x1234 {
			t.Fatalf("header mismatch: %+v", h)
		}
		if len(got) != len(payload) {
			t.Fatalf("payload length: got %d want %d", len(got), len(payload))
		}
		for i := range payload {
			if got[i] != payload[i] {
				t.Fatalf("payload byte %d mismatch", i)
			}
		}
	}
}

func TestBuildPayloadTooLarge(t *testing.T) {
	_, err := Build(Command, 0, make([]byte, MaxPayload+1))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseRejectsCorruption(t *testing.T) {
	frame, err := Build(Command, 7, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	t.Run("bad version", func(t *testing.T) {
		b := append([]byte(nil), frame...)
		b[0] = 2
		if _, _, err := Parse(b); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("truncated", func(t *testing.T) {
		if _, _, err := Parse(frame[:len(frame)-1]); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("corrupted crc", func(t *testing.T) {
		b := append([]byte(nil), frame...)
		b[len(b)-1] ^= 0xff
		if _, _, err := Parse(b); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("corrupted payload", func(t *testing.T) {
		b := append([]byte(nil), frame...)
		b[headerSize] ^= 0xff
		if _, _, err := Parse(b); err == nil {
			t.Fatal("expected error")
		}
	})
}
