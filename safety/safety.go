// package safety implements the capability-level and gate framework
// that decides whether a run may start or continue: subsystem
// capability levels persisted across restart, and per-gate bypass bits
// that reset to enabled on every restart.
package safety

import (
	"errors"
	"fmt"
	"sync"
)

// Level is a subsystem's configured capability.
type Level byte

const (
	NotPresent Level = 0
	Optional   Level = 1
	Required   Level = 2
)

// Subsystem identifies a piece of hardware with a configurable
// capability level.
type Subsystem byte

const (
	PID1 Subsystem = iota
	PID2
	PID3
	DIEstop
	DIDoor
	DILN2
	DIMotor
)

// Gate identifies one boolean precondition.
type Gate byte

const (
	GateEstop Gate = iota
	GateDoorClosed
	GateHMILive
	GatePID1Online
	GatePID2Online
	GatePID3Online
	GatePID1NoProbeErr
	GatePID2NoProbeErr
	GatePID3NoProbeErr
	gateCount
)

var ErrPinnedSubsystem = errors.New("safety: subsystem capability is pinned")
var ErrPinnedGate = errors.New("safety: gate is pinned enabled")

// KV is the persistent key/value contract, namespace "safety".
type KV interface {
	Read(namespace, key string) ([]byte, bool)
	Write(namespace, key string, value []byte) error
}

const kvNamespace = "safety"

var capKeys = map[Subsystem]string{
	PID1:    "cap_pid1",
	PID2:    "cap_pid2",
	PID3:    "cap_pid3",
	DIDoor:  "cap_di_door",
	DILN2:   "cap_di_ln2",
	DIMotor: "cap_di_motor",
}

var defaultCaps = map[Subsystem]Level{
	PID1:    Optional,
	PID2:    Required,
	PID3:    Required,
	DIEstop: Required,
	DIDoor:  Required,
	DILN2:   Optional,
	DIMotor: NotPresent,
}

// Inputs is the current snapshot of conditions the gate predicates are
// evaluated against.
type Inputs struct {
	EstopNotPressed bool
	DoorClosed      bool
	SessionLive     bool
	PIDOnline       [3]bool // index 0..2 for PID1..PID3 (Online or Stale)
	PIDProbeError   [3]bool
}

// Gates owns capability levels and gate enable bits behind one mutex.
type Gates struct {
	kv KV

	mu        sync.Mutex
	caps      map[Subsystem]Level
	enableBit map[Gate]bool
}

// New loads capability levels from kv (falling back to defaults for any
// missing key) and resets every gate's enable bit to true, per the
// restart contract: bypasses never persist.
func New(kv KV) *Gates {
	g := &Gates{
		kv:        kv,
		caps:      map[Subsystem]Level{},
		enableBit: map[Gate]bool{},
	}
	for s, def := range defaultCaps {
		lvl := def
		if key, ok := capKeys[s]; ok {
			if raw, found := kv.Read(kvNamespace, key); found && len(raw) == 1 {
				lvl = Level(raw[0])
			}
		}
		g.caps[s] = lvl
	}
	g.caps[DIEstop] = Required // pinned, never stored
	for i := Gate(0); i < gateCount; i++ {
		g.enableBit[i] = true
	}
	return g
}

// SetCapability writes through to persistent storage and updates the
// in-memory mirror. DIEstop is pinned and always rejected.
func (g *Gates) SetCapability(s Subsystem, l Level) error {
	if s == DIEstop {
		return fmt.Errorf("safety: set_capability(DI_ESTOP): %w", ErrPinnedSubsystem)
	}
	key, ok := capKeys[s]
	if !ok {
		return fmt.Errorf("safety: unknown subsystem %d", s)
	}
	if err := g.kv.Write(kvNamespace, key, []byte{byte(l)}); err != nil {
		return fmt.Errorf("safety: persist capability: %w", err)
	}
	g.mu.Lock()
	g.caps[s] = l
	g.mu.Unlock()
	return nil
}

// Capability returns the in-memory capability level for s.
func (g *Gates) Capability(s Subsystem) Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.caps[s]
}

// CapabilityVector returns the 8-byte capability vector returned by
// GET_CAPABILITIES, indexed PID1, PID2, PID3, DI_ESTOP, DI_DOOR, DI_LN2,
// DI_MOTOR, reserved.
func (g *Gates) CapabilityVector() [8]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return [8]byte{
		byte(g.caps[PID1]), byte(g.caps[PID2]), byte(g.caps[PID3]),
		byte(g.caps[DIEstop]), byte(g.caps[DIDoor]), byte(g.caps[DILN2]),
		byte(g.caps[DIMotor]), 0,
	}
}

// SetGate enables or disables a gate's bypass bit, in memory only
// (bypasses never persist). GateEstop cannot be disabled.
func (g *Gates) SetGate(gate Gate, enabled bool) error {
	if gate == GateEstop && !enabled {
		return fmt.Errorf("safety: set_gate(ESTOP, false): %w", ErrPinnedGate)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enableBit[gate] = enabled
	return nil
}

// EnableMask returns the current gate enable-bit configuration.
func (g *Gates) EnableMask() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var mask uint16
	for gate, en := range g.enableBit {
		if en {
			mask |= 1 << uint(gate)
		}
	}
	return mask
}

// passing evaluates the pure condition predicate for gate against in,
// per the §4.4 table. It does not consider enable bits or NotPresent.
func passing(gate Gate, in Inputs) bool {
	switch gate {
	case GateEstop:
		return in.EstopNotPressed
	case GateDoorClosed:
		return in.DoorClosed
	case GateHMILive:
		return in.SessionLive
	case GatePID1Online:
		return in.PIDOnline[0]
	case GatePID2Online:
		return in.PIDOnline[1]
	case GatePID3Online:
		return in.PIDOnline[2]
	case GatePID1NoProbeErr:
		return !in.PIDProbeError[0]
	case GatePID2NoProbeErr:
		return !in.PIDProbeError[1]
	case GatePID3NoProbeErr:
		return !in.PIDProbeError[2]
	}
	return true
}

func subsystemFor(gate Gate) (Subsystem, bool) {
	switch gate {
	case GatePID1Online, GatePID1NoProbeErr:
		return PID1, true
	case GatePID2Online, GatePID2NoProbeErr:
		return PID2, true
	case GatePID3Online, GatePID3NoProbeErr:
		return PID3, true
	case GateDoorClosed:
		return DIDoor, true
	}
	return 0, false
}

// StatusMask reports, for every gate, 1 if the gate is passing OR
// bypassed OR its subsystem is NotPresent; 0 only if the condition
// actively blocks.
func (g *Gates) StatusMask(in Inputs) uint16 {
	g.mu.Lock()
	caps := make(map[Subsystem]Level, len(g.caps))
	for k, v := range g.caps {
		caps[k] = v
	}
	enable := make(map[Gate]bool, len(g.enableBit))
	for k, v := range g.enableBit {
		enable[k] = v
	}
	g.mu.Unlock()

	var mask uint16
	for gate := Gate(0); gate < gateCount; gate++ {
		ok := passing(gate, in)
		if !ok && gate != GateEstop && !enable[gate] {
			ok = true // disabled (bypassed) gates never block
		}
		if !ok {
			if sub, has := subsystemFor(gate); has && caps[sub] == NotPresent {
				ok = true
			}
		}
		if ok {
			mask |= 1 << uint(gate)
		}
	}
	return mask
}

// CanStartRun evaluates §4.4's ordered predicate and reports the
// blocking gate, if any.
func (g *Gates) CanStartRun(in Inputs) (blocked bool, gate Gate) {
	g.mu.Lock()
	caps := make(map[Subsystem]Level, len(g.caps))
	for k, v := range g.caps {
		caps[k] = v
	}
	enable := make(map[Gate]bool, len(g.enableBit))
	for k, v := range g.enableBit {
		enable[k] = v
	}
	doorCap := g.caps[DIDoor]
	g.mu.Unlock()

	if !passing(GateEstop, in) {
		return true, GateEstop
	}
	if doorCap != NotPresent && enable[GateDoorClosed] && !passing(GateDoorClosed, in) {
		return true, GateDoorClosed
	}
	if enable[GateHMILive] && !passing(GateHMILive, in) {
		return true, GateHMILive
	}
	return requiredPIDGate(caps, enable, in)
}

// CanContinueRun re-evaluates only the Required PID subsystems at every
// state-machine tick during a run. ESTOP and DOOR_CLOSED are handled by
// machine.Tick's own dedicated branches, and HMI_LIVE loss drives a
// graceful stop (tickRunning), not an immediate fault — folding either
// into this check would fault a run the instant the tablet link drops,
// contradicting §4.5.
func (g *Gates) CanContinueRun(in Inputs) (blocked bool, gate Gate) {
	g.mu.Lock()
	caps := make(map[Subsystem]Level, len(g.caps))
	for k, v := range g.caps {
		caps[k] = v
	}
	enable := make(map[Gate]bool, len(g.enableBit))
	for k, v := range g.enableBit {
		enable[k] = v
	}
	g.mu.Unlock()

	return requiredPIDGate(caps, enable, in)
}

var pidGates = []struct {
	sub     Subsystem
	online  Gate
	noProbe Gate
}{
	{PID1, GatePID1Online, GatePID1NoProbeErr},
	{PID2, GatePID2Online, GatePID2NoProbeErr},
	{PID3, GatePID3Online, GatePID3NoProbeErr},
}

// requiredPIDGate reports the first Required PID subsystem currently
// blocking on ONLINE or NO_PROBE_ERR, if any.
func requiredPIDGate(caps map[Subsystem]Level, enable map[Gate]bool, in Inputs) (blocked bool, gate Gate) {
	for _, pg := range pidGates {
		if caps[pg.sub] != Required {
			continue
		}
		if enable[pg.online] && !passing(pg.online, in) {
			return true, pg.online
		}
		if enable[pg.noProbe] && !passing(pg.noProbe, in) {
			return true, pg.noProbe
		}
	}
	return false, 0
}

// ProbeError reports whether pv (i16_x10) is outside the physically
// plausible range for controller index idx (0-based; PID1 has no low
// bound per §4.4).
func ProbeError(idx int, pvX10 int16) bool {
	const highX10 = 5000  // +500.0 °C
	const lowX10 = -3000  // -300.0 °C
	if pvX10 >= highX10 {
		return true
	}
	if idx != 0 && pvX10 <= lowX10 {
		return true
	}
	return false
}
