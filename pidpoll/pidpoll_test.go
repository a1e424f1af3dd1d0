package pidpoll

import (
	"testing"
	"time"

	"cryoshaker.io/driver/simrs485"
	"cryoshaker.io/fieldbus"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func TestPollOneTransitionsOnline(t *testing.T) {
	c := &simrs485.Controller{Addr: 1}
	minus50 := int16(-500)
	c.Regs[regPV] = uint16(minus50)
	c.Regs[regSV] = uint16(minus50)
	bus := fieldbus.New(simrs485.New(c))
	clk := &fakeClock{t: time.Unix(0, 0)}
	p := newPoller(bus, []byte{1}, 0, clk)

	var events []string
	p.OnEvent(func(e string, addr byte) { events = append(events, e) })

	if err := p.ForcePoll(1); err != nil {
		t.Fatal(err)
	}
	rec, ok := p.Get(1)
	if !ok || rec.State != Online {
		t.Fatalf("expected online, got %+v", rec)
	}
	if rec.PV != -500 {
		t.Fatalf("pv mismatch: %d", rec.PV)
	}
	if len(events) != 1 || events[0] != "online" {
		t.Fatalf("expected one online event, got %v", events)
	}
}

func TestThreeFailuresGoOffline(t *testing.T) {
	c := &simrs485.Controller{Addr: 1, Offline: true}
	bus := fieldbus.New(simrs485.New(c))
	clk := &fakeClock{t: time.Unix(0, 0)}
	p := newPoller(bus, []byte{1}, 0, clk)
	// Seed as Online so the first couple of failures become Stale, then Offline.
	p.records[1].State = Online

	p.ForcePoll(1)
	if rec, _ := p.Get(1); rec.State != Stale {
		t.Fatalf("expected stale after 1st failure, got %v", rec.State)
	}
	p.ForcePoll(1)
	p.ForcePoll(1)
	rec, _ := p.Get(1)
	if rec.State != Offline {
		t.Fatalf("expected offline after 3 consecutive failures, got %v", rec.State)
	}
	if rec.TotalErrors != 3 {
		t.Fatalf("expected 3 total errors, got %d", rec.TotalErrors)
	}
}

func TestIdleModeTransition(t *testing.T) {
	bus := fieldbus.New(simrs485.New())
	clk := &fakeClock{t: time.Unix(0, 0)}
	p := newPoller(bus, []byte{1}, 1, clk) // 1 minute idle timeout

	if iv := p.currentInterval(); iv != fastInterval {
		t.Fatalf("expected fast interval initially, got %v", iv)
	}
	clk.advance(90 * time.Second)
	if iv := p.currentInterval(); iv != slowInterval {
		t.Fatalf("expected slow interval after idle period, got %v", iv)
	}
	_, active := p.IdleTimeout()
	if !active {
		t.Fatal("expected active slow-poll flag")
	}
	p.Touch()
	if iv := p.currentInterval(); iv != fastInterval {
		t.Fatalf("expected fast interval after activity, got %v", iv)
	}
}

func TestSetSVWithinTolerance(t *testing.T) {
	c := &simrs485.Controller{Addr: 1}
	bus := fieldbus.New(simrs485.New(c))
	p := New(bus, []byte{1}, nil)

	if err := p.SetSV(1, -500); err != nil {
		t.Fatal(err)
	}
	minus50 := int16(-500)
	if c.Regs[regSV] != uint16(minus50) {
		t.Fatalf("register not written: %d", c.Regs[regSV])
	}
}

func TestSetModeExactMatch(t *testing.T) {
	c := &simrs485.Controller{Addr: 1}
	bus := fieldbus.New(simrs485.New(c))
	p := New(bus, []byte{1}, nil)

	if err := p.SetMode(1, 2); err != nil {
		t.Fatal(err)
	}
	rec, _ := p.Get(1)
	if rec.Mode != 2 {
		t.Fatalf("mode not recorded: %d", rec.Mode)
	}
}

func TestExpireStaleness(t *testing.T) {
	c := &simrs485.Controller{Addr: 1}
	bus := fieldbus.New(simrs485.New(c))
	clk := &fakeClock{t: time.Unix(0, 0)}
	p := newPoller(bus, []byte{1}, 0, clk)

	if err := p.ForcePoll(1); err != nil {
		t.Fatal(err)
	}
	clk.advance(3 * time.Second)
	p.expireStale()
	rec, _ := p.Get(1)
	if rec.State != Stale {
		t.Fatalf("expected stale after age exceeds threshold, got %v", rec.State)
	}
}
