// package pidpoll maintains a live cache of the three PID temperature
// controllers reached over the field bus: a round-robin poller with an
// idle-triggered slow mode, and a write-verify contract for SV/mode
// changes. Grounded on the single-device poll loop in
// nfc/poller.Poller, generalized to a round-robin over several devices.
package pidpoll

import (
	"fmt"
	"log"
	"sync"
	"time"

	"cryoshaker.io/fieldbus"
)

// State is the lifecycle of one controller record.
type State int

const (
	Unknown State = iota
	Online
	Stale
	Offline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Stale:
		return "stale"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Registers, per §4.7: six consecutive holding registers starting at 0,
// plus MODE at register 13 read separately.
const (
	regPV     = 0
	regMV1    = 1
	regMV2    = 2
	regMVFB   = 3
	regStatus = 4
	regSV     = 5
	regMode   = 13

	pollRegCount = 6
)

const (
	offlineThreshold = 3

	fastInterval = 300 * time.Millisecond
	slowInterval = 2000 * time.Millisecond

	fastStaleAge = 2000 * time.Millisecond
)

// svTolerance is ±0.15°C expressed in i16_x10 units.
const svTolerance = 1.5

// Record is the cached state of one controller.
type Record struct {
	Addr         byte
	State        State
	LastUpdate   time.Time
	PV           int16 // x10 °C
	SV           int16 // x10 °C
	OutputPct    uint16 // x10 %
	StatusFlags  uint16
	Mode         byte
	ConsecErrors uint32
	TotalPolls   uint32
	TotalErrors  uint32
}

// clock abstracts time.Now so tests can move the clock forward without
// sleeping.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// KV is the persistent key/value contract, namespace "pid_ctrl".
type KV interface {
	Read(namespace, key string) ([]byte, bool)
	Write(namespace, key string, value []byte) error
}

const (
	kvNamespace    = "pid_ctrl"
	idleTimeoutKey = "idle_timeout"
)

// Poller owns the controller records and idle-poll configuration behind
// a single mutex.
type Poller struct {
	bus   *fieldbus.Master
	clock clock
	kv    KV

	mu           sync.Mutex
	records      map[byte]*Record
	order        []byte
	idleTimeoutM uint8 // persisted minutes; 0 disables
	active       bool  // slow-poll currently in effect (runtime only)
	lastActivity time.Time

	onEvent func(event string, addr byte)
}

// New creates a poller with one record per address, loading the
// idle-poll timeout from kv (0 if absent or kv is nil).
func New(bus *fieldbus.Master, addrs []byte, kv KV) *Poller {
	var minutes uint8
	if kv != nil {
		if raw, ok := kv.Read(kvNamespace, idleTimeoutKey); ok && len(raw) == 1 {
			minutes = raw[0]
		}
	}
	p := newPoller(bus, addrs, minutes, realClock{})
	p.kv = kv
	return p
}

// newPoller lets tests inject a fake clock to exercise idle-timeout and
// staleness transitions without sleeping.
func newPoller(bus *fieldbus.Master, addrs []byte, idleTimeoutMin uint8, c clock) *Poller {
	p := &Poller{
		bus:          bus,
		clock:        c,
		records:      make(map[byte]*Record, len(addrs)),
		order:        append([]byte(nil), addrs...),
		idleTimeoutM: idleTimeoutMin,
	}
	for _, a := range addrs {
		p.records[a] = &Record{Addr: a, State: Unknown}
	}
	p.lastActivity = p.clock.Now()
	return p
}

// OnEvent installs a callback invoked for lifecycle events ("online",
// "offline") with the controller address, e.g. to emit RS485_DEVICE_*.
func (p *Poller) OnEvent(f func(event string, addr byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = f
}

// Touch records command activity; any non-KEEPALIVE command must call
// this so the slow-poll mode is reachable only while the tablet is idle.
func (p *Poller) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = p.clock.Now()
}

// SetIdleTimeout persists the idle-poll timeout in minutes (0 disables)
// and resets the activity timer.
func (p *Poller) SetIdleTimeout(minutes uint8) error {
	if p.kv != nil {
		if err := p.kv.Write(kvNamespace, idleTimeoutKey, []byte{minutes}); err != nil {
			return fmt.Errorf("pidpoll: persist idle timeout: %w", err)
		}
	}
	p.mu.Lock()
	p.idleTimeoutM = minutes
	p.lastActivity = p.now()
	p.mu.Unlock()
	return nil
}

// IdleTimeout returns the current configuration.
func (p *Poller) IdleTimeout() (minutes uint8, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleTimeoutM, p.active
}

// Get returns a copy of the cached record for addr.
func (p *Poller) Get(addr byte) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[addr]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// All returns a copy of every cached record, in configured address order.
func (p *Poller) All() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.order))
	for _, a := range p.order {
		out = append(out, *p.records[a])
	}
	return out
}

// currentInterval computes fast/slow mode per §4.7 and logs transitions.
func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := p.idleTimeoutM > 0 && p.clock.Now().Sub(p.lastActivity) > time.Duration(p.idleTimeoutM)*time.Minute
	if idle != p.active {
		p.active = idle
		if idle {
			log.Printf("pidpoll: entering slow-poll mode (idle > %dm)", p.idleTimeoutM)
		} else {
			log.Printf("pidpoll: leaving slow-poll mode")
		}
	}
	if idle {
		return slowInterval
	}
	return fastInterval
}

// Run executes the round-robin poll loop until stop is closed.
func (p *Poller) Run(stop <-chan struct{}) {
	for {
		interval := p.currentInterval()
		for _, addr := range p.order {
			select {
			case <-stop:
				return
			default:
			}
			p.pollOne(addr)
			p.expireStale()
			select {
			case <-stop:
				return
			case <-time.After(interval):
			}
		}
	}
}

// ForcePoll executes one transaction immediately, bypassing cadence.
func (p *Poller) ForcePoll(addr byte) error {
	return p.pollOne(addr)
}

func (p *Poller) pollOne(addr byte) error {
	p.mu.Lock()
	rec, ok := p.records[addr]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("pidpoll: unknown address %d", addr)
	}

	regs, err := p.bus.ReadHolding(addr, 0, pollRegCount)
	if err != nil {
		p.recordFailure(rec)
		return err
	}
	mode := rec.Mode
	if modeRegs, merr := p.bus.ReadHolding(addr, regMode, 1); merr == nil {
		mode = byte(modeRegs[0])
	}
	p.recordSuccess(rec, regs, mode)
	return nil
}

func (p *Poller) recordFailure(rec *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec.ConsecErrors++
	rec.TotalErrors++
	rec.TotalPolls++
	wasOK := rec.State == Online || rec.State == Stale
	if rec.ConsecErrors >= offlineThreshold && wasOK {
		if rec.State != Offline {
			rec.State = Offline
			p.notify("offline", rec.Addr)
		}
	} else if rec.State == Online {
		rec.State = Stale
	}
}

func (p *Poller) recordSuccess(rec *Record, regs []uint16, mode byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec.PV = int16(regs[regPV])
	rec.SV = int16(regs[regSV])
	rec.OutputPct = regs[regMVFB]
	rec.StatusFlags = regs[regStatus]
	rec.Mode = mode
	rec.ConsecErrors = 0
	rec.TotalPolls++
	rec.LastUpdate = p.now()
	wasOnline := rec.State == Online
	was := rec.State
	rec.State = Online
	if !wasOnline && (was == Unknown || was == Offline) {
		p.notify("online", rec.Addr)
	}
}

func (p *Poller) now() time.Time {
	if p.clock != nil {
		return p.clock.Now()
	}
	return time.Now()
}

func (p *Poller) notify(event string, addr byte) {
	if p.onEvent != nil {
		p.onEvent(event, addr)
	}
}

// expireStale transitions an Online record whose age exceeds the
// staleness threshold (2000ms fast, 3x slow-interval slow) to Stale.
func (p *Poller) expireStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	threshold := fastStaleAge
	if p.active {
		threshold = 3 * slowInterval
	}
	now := p.now()
	for _, r := range p.records {
		if r.State == Online && now.Sub(r.LastUpdate) > threshold {
			r.State = Stale
		}
	}
}

// SetSV writes a new setpoint and verifies it read back within
// svTolerance, per the write-verify contract.
func (p *Poller) SetSV(addr byte, sv int16) error {
	if err := p.bus.WriteSingle(addr, regSV, uint16(sv)); err != nil {
		return err
	}
	regs, err := p.bus.ReadHolding(addr, regSV, 1)
	if err != nil {
		return err
	}
	got := int16(regs[0])
	if diff := float64(got - sv); diff < -svTolerance || diff > svTolerance {
		return fmt.Errorf("pidpoll: sv verify mismatch: wrote %d got %d", sv, got)
	}
	p.mu.Lock()
	if rec, ok := p.records[addr]; ok {
		rec.SV = got
	}
	p.mu.Unlock()
	return nil
}

// SetMode writes a new mode and verifies an exact read-back match.
func (p *Poller) SetMode(addr byte, mode byte) error {
	if err := p.bus.WriteSingle(addr, regMode, uint16(mode)); err != nil {
		return err
	}
	regs, err := p.bus.ReadHolding(addr, regMode, 1)
	if err != nil {
		return err
	}
	if byte(regs[0]) != mode {
		return fmt.Errorf("pidpoll: mode verify mismatch: wrote %d got %d", mode, regs[0])
	}
	p.mu.Lock()
	if rec, ok := p.records[addr]; ok {
		rec.Mode = mode
	}
	p.mu.Unlock()
	return nil
}

// WriteRegister writes a single register and verifies the echo via the
// field-bus write-single transaction itself, returning the verified value.
func (p *Poller) WriteRegister(addr byte, reg uint16, value uint16) (uint16, error) {
	if err := p.bus.WriteSingle(addr, reg, value); err != nil {
		return 0, err
	}
	return value, nil
}

// ReadRegisters reads count consecutive registers starting at start.
func (p *Poller) ReadRegisters(addr byte, start uint16, count byte) ([]uint16, error) {
	return p.bus.ReadHolding(addr, start, count)
}
