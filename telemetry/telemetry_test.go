package telemetry

import (
	"testing"
	"time"

	"cryoshaker.io/driver/memkv"
	"cryoshaker.io/driver/simrs485"
	"cryoshaker.io/fieldbus"
	"cryoshaker.io/machine"
	"cryoshaker.io/pidpoll"
	"cryoshaker.io/safety"
	"cryoshaker.io/session"
	"cryoshaker.io/wire"
)

type fakeTransport struct {
	subscribed bool
	sent       [][]byte
}

func (f *fakeTransport) Subscribed() bool { return f.subscribed }

func (f *fakeTransport) SendTelemetry(frame []byte) {
	f.sent = append(f.sent, append([]byte(nil), frame...))
}

type fakeRunState struct{ rs RunState }

func (f fakeRunState) RunState(now time.Time) RunState { return f.rs }

func newTestSources(t *testing.T) (Sources, *fakeTransport) {
	t.Helper()
	sess := session.New()
	gates := safety.New(memkv.New())
	bus := fieldbus.New(simrs485.New())
	poller := pidpoll.New(bus, []byte{1, 2, 3}, nil)
	src := Sources{
		Session:  sess,
		Gates:    gates,
		Poller:   poller,
		RunState: fakeRunState{rs: RunState{MachineState: byte(machine.Idle)}},
		DI:       func() machine.DIStatus { return machine.DIStatus{DoorClosed: true} },
		RO:       func() byte { return 0 },
	}
	return src, &fakeTransport{subscribed: true}
}

func TestTickSkipsBuildWhenUnsubscribed(t *testing.T) {
	src, tr := newTestSources(t)
	tr.subscribed = false
	p := New(src, tr)
	p.Tick(time.Now())
	if len(tr.sent) != 0 {
		t.Fatalf("expected no frames sent while unsubscribed, got %d", len(tr.sent))
	}
}

func TestTickBuildsValidFrame(t *testing.T) {
	src, tr := newTestSources(t)
	p := New(src, tr)
	now := time.Now()
	p.Tick(now)
	if len(tr.sent) != 1 {
		t.Fatalf("expected one frame sent, got %d", len(tr.sent))
	}
	h, payload, err := wire.Parse(tr.sent[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.MsgType != wire.Telemetry {
		t.Fatalf("expected telemetry msg type, got %#x", h.MsgType)
	}
	// timestamp(4) + DI(2) + RO(2) + alarms(4) + count(1) + 3*10 + runstate(16)
	wantLen := 4 + 2 + 2 + 4 + 1 + 3*10 + 16
	if len(payload) != wantLen {
		t.Fatalf("expected payload length %d, got %d", wantLen, len(payload))
	}
}

func TestTickSequenceIncrements(t *testing.T) {
	src, tr := newTestSources(t)
	p := New(src, tr)
	now := time.Now()
	p.Tick(now)
	p.Tick(now)
	if len(tr.sent) != 2 {
		t.Fatalf("expected two frames, got %d", len(tr.sent))
	}
	h0, _, err := wire.Parse(tr.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	h1, _, err := wire.Parse(tr.sent[1])
	if err != nil {
		t.Fatal(err)
	}
	if h1.Seq != h0.Seq+1 {
		t.Fatalf("expected seq to increment, got %d then %d", h0.Seq, h1.Seq)
	}
}

func TestAlarmsSetWhenSessionNotLive(t *testing.T) {
	src, tr := newTestSources(t)
	p := New(src, tr)
	alarms := p.computeAlarms(machine.DIStatus{}, src.Poller.All())
	if alarms&AlarmHMIStale == 0 {
		t.Fatal("expected HMI stale alarm before any session is opened")
	}
}

func TestAlarmsReflectEstopAndDoor(t *testing.T) {
	src, tr := newTestSources(t)
	p := New(src, tr)
	alarms := p.computeAlarms(machine.DIStatus{EstopActive: true, DoorClosed: false}, src.Poller.All())
	if alarms&AlarmEstop == 0 {
		t.Fatal("expected estop alarm bit set")
	}
	if alarms&AlarmDoor == 0 {
		t.Fatal("expected door alarm bit set while door is open")
	}

	alarms = p.computeAlarms(machine.DIStatus{EstopActive: false, DoorClosed: true}, src.Poller.All())
	if alarms&AlarmEstop != 0 || alarms&AlarmDoor != 0 {
		t.Fatal("expected no estop/door alarm bits while estop released and door closed")
	}
}

func TestAlarmsSetForUnpolledControllers(t *testing.T) {
	src, tr := newTestSources(t)
	p := New(src, tr)
	if _, _, err := src.Session.Open(1); err != nil {
		t.Fatal(err)
	}
	alarms := p.computeAlarms(machine.DIStatus{}, src.Poller.All())
	if alarms&AlarmPID1Fault == 0 {
		t.Fatal("expected PID1 fault alarm while never polled")
	}
}
