// package telemetry implements the fixed-rate (10 Hz) TELEMETRY frame
// producer: it samples the machine, session, PID poller, and DI/RO
// mirrors, and serializes the fixed 16-byte extended run-state tail in
// full on every tick, so no byte of it is left unwritten (the
// historical serialization fault called out in §4.8). Grounded on the
// fixed-cadence sampling loop in
// cmd/controller/main.go's `for { a.Frame() }`.
package telemetry

import (
	"encoding/binary"
	"time"

	"cryoshaker.io/machine"
	"cryoshaker.io/pidpoll"
	"cryoshaker.io/safety"
	"cryoshaker.io/session"
	"cryoshaker.io/wire"
)

// Period is the fixed telemetry cadence (10 Hz).
const Period = 100 * time.Millisecond

// Alarm bits, per §3.
const (
	AlarmEstop uint32 = 1 << iota
	AlarmDoor
	AlarmOverTemp
	AlarmFieldBus
	AlarmPower
	AlarmHMIStale
	AlarmPID1Fault
	AlarmPID2Fault
	AlarmPID3Fault
	AlarmGateBypassDoor
	AlarmGateBypassHMI
	AlarmGateBypassPID
	AlarmPID1ProbeErr
	AlarmPID2ProbeErr
	AlarmPID3ProbeErr
)

// RunStateProvider is the explicit collaborator that supplies the
// 16-byte extended run-state tail, replacing the weak-symbol coupling
// between telemetry and the state machine in the source firmware (see
// design notes §9).
type RunStateProvider interface {
	RunState(now time.Time) RunState
}

// RunState is the §4.8 extended run-state payload: exactly 16 bytes
// once serialized.
type RunState struct {
	MachineState     byte
	RunElapsedMS     uint32
	RunRemainingMS   uint32
	TargetTempX10    int16
	RecipeStep       byte
	InterlockBits    byte
	LazyPollActive   bool
	IdleTimeoutMin   byte
}

// Sources bundles every live component the producer samples. Transport
// is the only side-effecting collaborator (send the built frame).
type Sources struct {
	Session  *session.Session
	Gates    *safety.Gates
	Poller   *pidpoll.Poller
	RunState RunStateProvider
	DI       func() machine.DIStatus
	RO       func() byte
}

// Transport is the narrow contract telemetry needs from the wireless
// transport: whether to bother building a frame, and how to send it.
type Transport interface {
	Subscribed() bool
	SendTelemetry(frame []byte)
}

// Producer owns the monotonic sequence counter for TELEMETRY frames.
type Producer struct {
	src Sources
	t   Transport
	seq uint16
}

// New creates a telemetry producer.
func New(src Sources, t Transport) *Producer {
	return &Producer{src: src, t: t}
}

// Tick runs one telemetry period: session.Tick(), alarm computation,
// sampling, and (if subscribed) sending a built frame. It always
// computes alarm bits, even when unsubscribed, so they stay current.
func (p *Producer) Tick(now time.Time) {
	p.src.Session.Tick()

	di := machine.DIStatus{}
	if p.src.DI != nil {
		di = p.src.DI()
	}

	records := p.src.Poller.All()
	alarms := p.computeAlarms(di, records)

	if p.t != nil && !p.t.Subscribed() {
		return
	}

	var ro byte
	if p.src.RO != nil {
		ro = p.src.RO()
	}
	payload := p.buildPayload(now, di, ro, alarms, records)
	frame, err := wire.Build(wire.Telemetry, p.seq, payload)
	p.seq++
	if err != nil {
		return
	}
	if p.t != nil {
		p.t.SendTelemetry(frame)
	}
}

func (p *Producer) computeAlarms(di machine.DIStatus, records []pidpoll.Record) uint32 {
	var alarms uint32
	if di.EstopActive {
		alarms |= AlarmEstop
	}
	if !di.DoorClosed {
		alarms |= AlarmDoor
	}
	if !p.src.Session.IsLive() {
		alarms |= AlarmHMIStale
	}
	pidFaultBits := [3]uint32{AlarmPID1Fault, AlarmPID2Fault, AlarmPID3Fault}
	probeBits := [3]uint32{AlarmPID1ProbeErr, AlarmPID2ProbeErr, AlarmPID3ProbeErr}
	for i, rec := range records {
		if i >= 3 {
			break
		}
		if rec.State != pidpoll.Online {
			alarms |= pidFaultBits[i]
		}
		if safety.ProbeError(i, rec.PV) {
			alarms |= probeBits[i]
		}
	}
	enable := p.src.Gates.EnableMask()
	if enable&(1<<uint(safety.GateDoorClosed)) == 0 {
		alarms |= AlarmGateBypassDoor
	}
	if enable&(1<<uint(safety.GateHMILive)) == 0 {
		alarms |= AlarmGateBypassHMI
	}
	pidGates := []safety.Gate{safety.GatePID1Online, safety.GatePID2Online, safety.GatePID3Online}
	for _, g := range pidGates {
		if enable&(1<<uint(g)) == 0 {
			alarms |= AlarmGateBypassPID
		}
	}
	return alarms
}

func (p *Producer) buildPayload(now time.Time, di machine.DIStatus, ro byte, alarms uint32, records []pidpoll.Record) []byte {
	buf := make([]byte, 0, 9+1+len(records)*9+16)
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], uint32(now.UnixMilli()))
	buf = append(buf, ts[:]...)

	var diBits [2]byte
	binary.LittleEndian.PutUint16(diBits[:], uint16(diToBits(di)))
	buf = append(buf, diBits[:]...)

	var roBits [2]byte
	binary.LittleEndian.PutUint16(roBits[:], uint16(ro))
	buf = append(buf, roBits[:]...)

	var alarmBytes [4]byte
	binary.LittleEndian.PutUint32(alarmBytes[:], alarms)
	buf = append(buf, alarmBytes[:]...)

	count := len(records)
	if count > 255 {
		count = 255
	}
	buf = append(buf, byte(count))
	for _, rec := range records[:count] {
		age := now.Sub(rec.LastUpdate).Milliseconds()
		var ageMS uint16
		switch {
		case age < 0:
			ageMS = 0
		case age > 0xffff:
			ageMS = 0xffff
		default:
			ageMS = uint16(age)
		}
		var entry [10]byte
		entry[0] = rec.Addr
		binary.LittleEndian.PutUint16(entry[1:3], uint16(rec.PV))
		binary.LittleEndian.PutUint16(entry[3:5], uint16(rec.SV))
		binary.LittleEndian.PutUint16(entry[5:7], rec.OutputPct)
		entry[7] = rec.Mode
		binary.LittleEndian.PutUint16(entry[8:10], ageMS)
		buf = append(buf, entry[:]...)
	}

	var rs RunState
	if p.src.RunState != nil {
		rs = p.src.RunState.RunState(now)
	}
	runState := make([]byte, 16)
	runState[0] = rs.MachineState
	binary.LittleEndian.PutUint32(runState[1:5], rs.RunElapsedMS)
	binary.LittleEndian.PutUint32(runState[5:9], rs.RunRemainingMS)
	binary.LittleEndian.PutUint16(runState[9:11], uint16(rs.TargetTempX10))
	runState[11] = rs.RecipeStep
	runState[12] = rs.InterlockBits
	if rs.LazyPollActive {
		runState[13] = 1
	}
	runState[14] = rs.IdleTimeoutMin
	runState[15] = 0 // reserved
	buf = append(buf, runState...)

	return buf
}

func diToBits(di machine.DIStatus) byte {
	var b byte
	if !di.EstopActive { // active low, as in machine.DecodeDI
		b |= 1 << machine.DIEstop
	}
	if di.DoorClosed {
		b |= 1 << machine.DIDoorClosed
	}
	if di.LN2Present {
		b |= 1 << machine.DILN2Present
	}
	if di.MotorFault {
		b |= 1 << machine.DIMotorFault
	}
	return b
}
