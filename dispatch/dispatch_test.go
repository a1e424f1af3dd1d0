package dispatch

import (
	"encoding/binary"
	"testing"

	"cryoshaker.io/driver/memkv"
	"cryoshaker.io/driver/simrs485"
	"cryoshaker.io/fieldbus"
	"cryoshaker.io/machine"
	"cryoshaker.io/pidpoll"
	"cryoshaker.io/safety"
	"cryoshaker.io/session"
)

type fakeDI struct{ st machine.DIStatus }

func (f fakeDI) Read() (machine.DIStatus, error) { return f.st, nil }

type fakeRO struct{ bits byte }

func (f *fakeRO) Write(bits byte) error { f.bits = bits; return nil }

func newDispatcher(t *testing.T, di machine.DIStatus) (*Dispatcher, *fakeRO) {
	t.Helper()
	gates := safety.New(memkv.New())
	sess := session.New()
	bus := fieldbus.New(simrs485.New(
		&simrs485.Controller{Addr: 1},
		&simrs485.Controller{Addr: 2},
		&simrs485.Controller{Addr: 3},
	))
	poller := pidpoll.New(bus, []byte{1, 2, 3}, nil)
	m := machine.New(gates, nil)
	ro := &fakeRO{}
	return &Dispatcher{
		Session: sess,
		Gates:   gates,
		Machine: m,
		Poller:  poller,
		DI:      fakeDI{st: di},
		RO:      ro,
	}, ro
}

func cmdPayload(cmdID uint16, body []byte) []byte {
	p := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint16(p[0:2], cmdID)
	copy(p[4:], body)
	return p
}

func TestDispatchUnknownCmdInvalidArgs(t *testing.T) {
	d, _ := newDispatcher(t, machine.DIStatus{DoorClosed: true})
	ack := d.Dispatch(7, cmdPayload(0xBEEF, nil))
	if ack.Status != StatusInvalidArgs {
		t.Fatalf("expected INVALID_ARGS, got %d", ack.Status)
	}
	if ack.AckedSeq != 7 {
		t.Fatalf("expected acked_seq 7, got %d", ack.AckedSeq)
	}
}

func TestDispatchShortBodyInvalidArgs(t *testing.T) {
	d, _ := newDispatcher(t, machine.DIStatus{})
	ack := d.Dispatch(1, []byte{0x01})
	if ack.Status != StatusInvalidArgs {
		t.Fatalf("expected INVALID_ARGS for short frame, got %d", ack.Status)
	}
}

func TestOpenSessionThenStartRunRequiresMatchingID(t *testing.T) {
	d, _ := newDispatcher(t, machine.DIStatus{DoorClosed: true})
	nonce := make([]byte, 4)
	binary.LittleEndian.PutUint32(nonce, 0x01020304)
	ack := d.Dispatch(1, cmdPayload(CmdOpenSession, nonce))
	if ack.Status != StatusOK {
		t.Fatalf("expected OK, got %d", ack.Status)
	}
	id := binary.LittleEndian.Uint32(ack.Body[0:4])

	body := make([]byte, 4+7)
	binary.LittleEndian.PutUint32(body[0:4], id+1) // wrong id
	ack = d.Dispatch(2, cmdPayload(CmdStartRun, body))
	if ack.Status != StatusRejectedPolicy || ack.Detail != DetailSessionInvalid {
		t.Fatalf("expected session_invalid rejection, got status=%d detail=%d", ack.Status, ack.Detail)
	}

	binary.LittleEndian.PutUint32(body[0:4], id)
	body[4] = byte(machine.ModeNormal)
	target := int16(-500)
	binary.LittleEndian.PutUint16(body[5:7], uint16(target))
	ack = d.Dispatch(3, cmdPayload(CmdStartRun, body))
	if ack.Status != StatusRejectedPolicy {
		t.Fatalf("expected start blocked by missing PID online, got %d", ack.Status)
	}
}

func TestSetRelayWritesThroughRO(t *testing.T) {
	d, ro := newDispatcher(t, machine.DIStatus{})
	ack := d.Dispatch(1, cmdPayload(CmdSetRelay, []byte{7, 1})) // CH7 no interlock
	if ack.Status != StatusOK {
		t.Fatalf("expected OK, got %d detail=%d", ack.Status, ack.Detail)
	}
	if ro.bits&(1<<machine.ChChamberLight) == 0 {
		t.Fatal("expected relay output write-through to set chamber light bit")
	}
}

func TestSetRelayInterlockedRejected(t *testing.T) {
	d, _ := newDispatcher(t, machine.DIStatus{})
	ack := d.Dispatch(1, cmdPayload(CmdSetRelay, []byte{1, 1})) // MAIN_CONTACTOR outside PRECOOL/RUNNING/STOPPING
	if ack.Status != StatusRejectedPolicy || ack.Detail != DetailInterlockOpen {
		t.Fatalf("expected interlock rejection, got status=%d detail=%d", ack.Status, ack.Detail)
	}
}

func TestKeepaliveWithUnknownSessionRejected(t *testing.T) {
	d, _ := newDispatcher(t, machine.DIStatus{})
	ack := d.Dispatch(1, cmdPayload(CmdKeepalive, []byte{0, 0, 0, 0}))
	if ack.Status != StatusRejectedPolicy {
		t.Fatalf("expected rejection for unknown session id 0, got %d", ack.Status)
	}
}

func TestGetCapabilitiesReturnsVector(t *testing.T) {
	d, _ := newDispatcher(t, machine.DIStatus{})
	ack := d.Dispatch(1, cmdPayload(CmdGetCapabilities, nil))
	if ack.Status != StatusOK || len(ack.Body) != 8 {
		t.Fatalf("expected 8-byte capability vector, got status=%d len=%d", ack.Status, len(ack.Body))
	}
}

func TestAckEncodeLayout(t *testing.T) {
	ack := Ack{AckedSeq: 9, CmdID: CmdSetRelay, Status: StatusOK, Detail: 0, Body: []byte{0xAA}}
	got := ack.Encode()
	want := []byte{9, 0, 0x01, 0x00, StatusOK, 0, 0, 0xAA}
	if len(got) != len(want) {
		t.Fatalf("length: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, got[i], want[i])
		}
	}
}
