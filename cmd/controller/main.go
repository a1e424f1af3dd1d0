// command controller is the reference firmware binary: it wires
// session, safety, the state machine, the field-bus poller, telemetry,
// and command dispatch together and runs the fixed-cadence tick and
// telemetry loops. Grounded on cmd/controller/main.go's run()/Init()
// shape, translated from a GUI frame loop to a control-plane tick loop.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"cryoshaker.io/config"
	"cryoshaker.io/dispatch"
	"cryoshaker.io/driver/filekv"
	"cryoshaker.io/fieldbus"
	"cryoshaker.io/machine"
	"cryoshaker.io/pidpoll"
	"cryoshaker.io/safety"
	"cryoshaker.io/session"
	"cryoshaker.io/telemetry"
	"cryoshaker.io/wire"
	"cryoshaker.io/wiretransport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(2)
	}
}

type diAdapter struct{ p Platform }

func (a diAdapter) Read() (machine.DIStatus, error) { return a.p.ReadDI() }

type roAdapter struct{ p Platform }

func (a roAdapter) Write(bits byte) error { return a.p.WriteRO(bits) }

// runStateAdapter supplies telemetry's extended run-state tail from the
// state machine and the poller, kept as an explicit adapter rather than
// having machine import telemetry (which already imports machine).
type runStateAdapter struct {
	m      *machine.Machine
	poller *pidpoll.Poller
	sess   *session.Session
	di     func() machine.DIStatus
}

func (a runStateAdapter) RunState(now time.Time) telemetry.RunState {
	minutes, active := a.poller.IdleTimeout()
	var di machine.DIStatus
	if a.di != nil {
		di = a.di()
	}
	rs := telemetry.RunState{
		MachineState:   byte(a.m.State()),
		LazyPollActive: active,
		IdleTimeoutMin: minutes,
		InterlockBits:  machine.InterlockBits(di, !a.sess.IsLive()),
	}
	if rc, ok := a.m.RunContext(); ok {
		rs.RunElapsedMS = uint32(now.Sub(rc.Start).Milliseconds())
		if rc.DurationMS > 0 {
			if rs.RunElapsedMS < rc.DurationMS {
				rs.RunRemainingMS = rc.DurationMS - rs.RunElapsedMS
			}
		}
		rs.TargetTempX10 = rc.TargetTempX10
		rs.RecipeStep = rc.RecipeStep
	}
	return rs
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	log.Println("cryoshaker: loading...")

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	kv, err := filekv.Open(cfg.KVPath)
	if err != nil {
		return fmt.Errorf("controller: open kv store: %w", err)
	}

	plat, err := newPlatform(cfg)
	if err != nil {
		return fmt.Errorf("controller: open platform: %w", err)
	}
	defer plat.Close()

	gates := safety.New(kv)
	sess := session.New()
	bus := fieldbus.New(plat.FieldBus())
	poller := pidpoll.New(bus, cfg.ControllerAddrs, kv)
	if cfg.IdleTimeoutMinutes > 0 {
		if err := poller.SetIdleTimeout(uint8(cfg.IdleTimeoutMinutes)); err != nil {
			log.Printf("controller: set idle timeout: %v", err)
		}
	}
	poller.OnEvent(func(event string, addr byte) {
		log.Printf("pidpoll: controller %d went %s", addr, event)
	})

	chamberPV := func() (int16, bool) {
		rec, ok := poller.Get(cfg.ControllerAddrs[0])
		if !ok || rec.State != pidpoll.Online {
			return 0, false
		}
		return rec.PV, true
	}
	m := machine.New(gates, chamberPV)

	d := &dispatch.Dispatcher{
		Session: sess,
		Gates:   gates,
		Machine: m,
		Poller:  poller,
		DI:      diAdapter{plat},
		RO:      roAdapter{plat},
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("controller: listen %s: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()
	log.Printf("cryoshaker: listening on %s", cfg.ListenAddr)

	hub := &connHub{}
	stop := make(chan struct{})
	go poller.Run(stop)
	go tickLoop(plat, poller, m, sess, cfg.TickPeriod, stop)
	go acceptLoop(ln, d, hub, plat)

	producer := telemetry.New(telemetry.Sources{
		Session:  sess,
		Gates:    gates,
		Poller:   poller,
		RunState: runStateAdapter{m: m, poller: poller, sess: sess, di: func() machine.DIStatus { di, _ := plat.ReadDI(); return di }},
		DI:       func() machine.DIStatus { di, _ := plat.ReadDI(); return di },
	}, hub)
	telemetryLoop(producer, cfg.TelemetryPeriod, stop)
	return nil
}

// connHub forwards telemetry to whichever operator-tablet connection is
// currently live, satisfying telemetry.Transport. The wireless link is
// point-to-point, so a second connect simply supersedes the first.
type connHub struct {
	mu   sync.Mutex
	conn *wiretransport.Conn
}

func (h *connHub) set(c *wiretransport.Conn) {
	h.mu.Lock()
	h.conn = c
	h.mu.Unlock()
}

func (h *connHub) current() *wiretransport.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (h *connHub) Subscribed() bool {
	c := h.current()
	return c != nil && c.Subscribed()
}

func (h *connHub) SendTelemetry(frame []byte) {
	if c := h.current(); c != nil {
		c.SendTelemetry(frame)
	}
}

// acceptLoop accepts operator-tablet connections, serving each on its
// own commandLoop and pointing telemetry at the newest one; earlier
// connections are not closed. It drives the link-status indicator on
// each accept.
func acceptLoop(ln net.Listener, d *dispatch.Dispatcher, hub *connHub, plat Platform) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			log.Printf("controller: accept: %v", err)
			return
		}
		conn := wiretransport.Accept(nc)
		hub.set(conn)
		plat.SetLinkActive(true)
		go commandLoop(conn, d, plat)
	}
}

// commandLoop reads COMMAND frames off conn until it closes, dispatches
// each one, and writes back the resulting ACK frame.
func commandLoop(conn *wiretransport.Conn, d *dispatch.Dispatcher, plat Platform) {
	defer conn.Close()
	defer plat.SetLinkActive(false)
	for {
		hdr, payload, err := conn.ReadFrame()
		if err != nil {
			log.Printf("controller: command link closed: %v", err)
			return
		}
		if hdr.MsgType != wire.Command {
			continue
		}
		ack := d.Dispatch(hdr.Seq, payload)
		frame, err := wire.Build(wire.Ack, hdr.Seq, ack.Encode())
		if err != nil {
			log.Printf("controller: build ack: %v", err)
			continue
		}
		if err := conn.Write(frame); err != nil {
			log.Printf("controller: write ack: %v", err)
			return
		}
	}
}

func tickLoop(plat Platform, poller *pidpoll.Poller, m *machine.Machine, sess *session.Session, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			di, err := plat.ReadDI()
			if err != nil {
				log.Printf("controller: read DI: %v", err)
				continue
			}
			in := dispatch.BuildInputs(poller.All(), di, sess.IsLive())
			m.Tick(di, sess.IsLive(), in)
			if err := plat.WriteRO(m.Outputs()); err != nil {
				log.Printf("controller: write relay outputs: %v", err)
			}
			for _, ev := range m.DrainEvents() {
				log.Printf("machine: %s (%s)", ev.Name, ev.NewState)
			}
		}
	}
}

func telemetryLoop(p *telemetry.Producer, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			p.Tick(now)
		}
	}
}
