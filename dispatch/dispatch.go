// package dispatch implements the command table from §4.2: it decodes
// a COMMAND frame's cmd_id and body, routes to the owning component,
// and builds the resulting ACK payload. It is the one place layer
// errors are translated into wire status/detail codes.
package dispatch

import (
	"encoding/binary"
	"fmt"

	"cryoshaker.io/machine"
	"cryoshaker.io/pidpoll"
	"cryoshaker.io/safety"
	"cryoshaker.io/session"
)

// cmd_id values, per §4.2.
const (
	CmdSetRelay        uint16 = 0x0001
	CmdSetRelayMask    uint16 = 0x0002
	CmdSetSV           uint16 = 0x0020
	CmdSetMode         uint16 = 0x0021
	CmdForceRefresh    uint16 = 0x0022
	CmdReadRegisters   uint16 = 0x0030
	CmdWriteRegister   uint16 = 0x0031
	CmdSetIdleTimeout  uint16 = 0x0040
	CmdGetIdleTimeout  uint16 = 0x0041
	CmdGetCapabilities uint16 = 0x0070
	CmdSetCapability   uint16 = 0x0071
	CmdGetSafetyGates  uint16 = 0x0072
	CmdSetSafetyGate   uint16 = 0x0073
	CmdOpenSession     uint16 = 0x0100
	CmdKeepalive       uint16 = 0x0101
	CmdStartRun        uint16 = 0x0102
	CmdStopRun         uint16 = 0x0103
	CmdPauseRun        uint16 = 0x0104
	CmdResumeRun       uint16 = 0x0105
	CmdEnableService   uint16 = 0x0110
	CmdDisableService  uint16 = 0x0111
	CmdClearEstop      uint16 = 0x0112
	CmdClearFault      uint16 = 0x0113
)

// Status codes, per §4.2.
const (
	StatusOK                 byte = 0
	StatusRejectedPolicy     byte = 1
	StatusInvalidArgs        byte = 2
	StatusBusy               byte = 3
	StatusHWFault            byte = 4
	StatusNotReady           byte = 5
	StatusTimeoutDownstream  byte = 6
)

// Detail subcodes, per §4.2.
const (
	DetailNone             uint16 = 0x0000
	DetailSessionInvalid   uint16 = 0x0001
	DetailInterlockOpen    uint16 = 0x0002
	DetailEstop            uint16 = 0x0003
	DetailControllerOffline uint16 = 0x0004
	DetailOutOfRange       uint16 = 0x0005
)

// sessioned lists the commands whose body leads with a session_id that
// must be Live, per §4.2's command table caption.
var sessioned = map[uint16]bool{
	CmdStartRun:       true,
	CmdStopRun:        true,
	CmdPauseRun:       true,
	CmdResumeRun:      true,
	CmdEnableService:  true,
	CmdDisableService: true,
	CmdClearEstop:     true,
	CmdClearFault:     true,
}

// DI reads the current digital-input status, abstracting the board's
// input expander.
type DI interface {
	Read() (machine.DIStatus, error)
}

// RO writes the relay output bits to hardware; dispatch calls it with
// the mirror value returned by Machine.SetRelay/SetRelayMask.
type RO interface {
	Write(bits byte) error
}

// Dispatcher routes commands to their owning components.
type Dispatcher struct {
	Session *session.Session
	Gates   *safety.Gates
	Machine *machine.Machine
	Poller  *pidpoll.Poller
	DI      DI
	RO      RO
}

// Ack is the decoded result of dispatching one command, ready for the
// caller to serialize into a wire ACK payload.
type Ack struct {
	AckedSeq uint16
	CmdID    uint16
	Status   byte
	Detail   uint16
	Body     []byte
}

// Encode serializes a into an ACK payload per §4.2: acked_seq:u16,
// cmd_id:u16, status:u8, detail:u16, optional_bytes.
func (a Ack) Encode() []byte {
	buf := make([]byte, 7+len(a.Body))
	binary.LittleEndian.PutUint16(buf[0:2], a.AckedSeq)
	binary.LittleEndian.PutUint16(buf[2:4], a.CmdID)
	buf[4] = a.Status
	binary.LittleEndian.PutUint16(buf[5:7], a.Detail)
	copy(buf[7:], a.Body)
	return buf
}

// Dispatch decodes payload as a COMMAND body and returns the ACK.
// seq is the command frame's sequence number, echoed as AckedSeq.
func (d *Dispatcher) Dispatch(seq uint16, payload []byte) Ack {
	if len(payload) < 4 {
		return Ack{AckedSeq: seq, Status: StatusInvalidArgs}
	}
	cmdID := binary.LittleEndian.Uint16(payload[0:2])
	body := payload[4:]

	if cmdID != CmdKeepalive {
		d.Poller.Touch()
	}

	if sessioned[cmdID] {
		if len(body) < 4 {
			return Ack{AckedSeq: seq, CmdID: cmdID, Status: StatusInvalidArgs}
		}
		id := binary.LittleEndian.Uint32(body[0:4])
		if d.Session.ID() != id || !d.Session.IsLive() {
			return Ack{AckedSeq: seq, CmdID: cmdID, Status: StatusRejectedPolicy, Detail: DetailSessionInvalid}
		}
		body = body[4:]
	}

	ack := d.route(cmdID, body)
	ack.AckedSeq = seq
	ack.CmdID = cmdID
	return ack
}

func (d *Dispatcher) route(cmdID uint16, body []byte) Ack {
	switch cmdID {
	case CmdSetRelay:
		return d.setRelay(body)
	case CmdSetRelayMask:
		return d.setRelayMask(body)
	case CmdSetSV:
		return d.setSV(body)
	case CmdSetMode:
		return d.setMode(body)
	case CmdForceRefresh:
		return d.forceRefresh(body)
	case CmdReadRegisters:
		return d.readRegisters(body)
	case CmdWriteRegister:
		return d.writeRegister(body)
	case CmdSetIdleTimeout:
		return d.setIdleTimeout(body)
	case CmdGetIdleTimeout:
		return d.getIdleTimeout()
	case CmdGetCapabilities:
		return d.getCapabilities()
	case CmdSetCapability:
		return d.setCapability(body)
	case CmdGetSafetyGates:
		return d.getSafetyGates()
	case CmdSetSafetyGate:
		return d.setSafetyGate(body)
	case CmdOpenSession:
		return d.openSession(body)
	case CmdKeepalive:
		return d.keepalive(body)
	case CmdStartRun:
		return d.startRun(body)
	case CmdStopRun:
		return d.stopRun(body)
	case CmdPauseRun:
		return d.pauseRun(body)
	case CmdResumeRun:
		return d.resumeRun()
	case CmdEnableService:
		return d.enableService()
	case CmdDisableService:
		return d.disableService()
	case CmdClearEstop:
		return d.clearEstop()
	case CmdClearFault:
		return d.clearFault()
	}
	return Ack{Status: StatusInvalidArgs}
}

func (d *Dispatcher) setRelay(body []byte) Ack {
	if len(body) < 2 {
		return Ack{Status: StatusInvalidArgs}
	}
	bits, err := d.Machine.SetRelay(body[0], body[1])
	if err != nil {
		return Ack{Status: StatusRejectedPolicy, Detail: DetailInterlockOpen}
	}
	if d.RO != nil {
		if err := d.RO.Write(bits); err != nil {
			return Ack{Status: StatusHWFault}
		}
	}
	return Ack{Status: StatusOK, Body: []byte{bits}}
}

func (d *Dispatcher) setRelayMask(body []byte) Ack {
	if len(body) < 2 {
		return Ack{Status: StatusInvalidArgs}
	}
	bits, err := d.Machine.SetRelayMask(body[0], body[1])
	if err != nil {
		return Ack{Status: StatusRejectedPolicy, Detail: DetailInterlockOpen}
	}
	if d.RO != nil {
		if err := d.RO.Write(bits); err != nil {
			return Ack{Status: StatusHWFault}
		}
	}
	return Ack{Status: StatusOK, Body: []byte{bits}}
}

func (d *Dispatcher) setSV(body []byte) Ack {
	if len(body) < 3 {
		return Ack{Status: StatusInvalidArgs}
	}
	ctrl := body[0]
	sv := int16(binary.LittleEndian.Uint16(body[1:3]))
	if err := d.Poller.SetSV(ctrl, sv); err != nil {
		return Ack{Status: StatusHWFault}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) setMode(body []byte) Ack {
	if len(body) < 2 {
		return Ack{Status: StatusInvalidArgs}
	}
	ctrl, mode := body[0], body[1]
	if mode > 3 {
		return Ack{Status: StatusInvalidArgs, Detail: DetailOutOfRange}
	}
	if err := d.Poller.SetMode(ctrl, mode); err != nil {
		return Ack{Status: StatusHWFault}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) forceRefresh(body []byte) Ack {
	if len(body) < 1 {
		return Ack{Status: StatusInvalidArgs}
	}
	if err := d.Poller.ForcePoll(body[0]); err != nil {
		return Ack{Status: StatusTimeoutDownstream, Detail: DetailControllerOffline}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) readRegisters(body []byte) Ack {
	if len(body) < 4 {
		return Ack{Status: StatusInvalidArgs}
	}
	ctrl := body[0]
	start := binary.LittleEndian.Uint16(body[1:3])
	count := body[3]
	if count == 0 || count > 16 {
		return Ack{Status: StatusInvalidArgs, Detail: DetailOutOfRange}
	}
	regs, err := d.Poller.ReadRegisters(ctrl, start, count)
	if err != nil {
		return Ack{Status: StatusTimeoutDownstream, Detail: DetailControllerOffline}
	}
	out := make([]byte, len(regs)*2)
	for i, v := range regs {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], v)
	}
	return Ack{Status: StatusOK, Body: out}
}

func (d *Dispatcher) writeRegister(body []byte) Ack {
	if len(body) < 5 {
		return Ack{Status: StatusInvalidArgs}
	}
	ctrl := body[0]
	reg := binary.LittleEndian.Uint16(body[1:3])
	value := binary.LittleEndian.Uint16(body[3:5])
	got, err := d.Poller.WriteRegister(ctrl, reg, value)
	if err != nil {
		return Ack{Status: StatusHWFault}
	}
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, got)
	return Ack{Status: StatusOK, Body: out}
}

func (d *Dispatcher) setIdleTimeout(body []byte) Ack {
	if len(body) < 1 {
		return Ack{Status: StatusInvalidArgs}
	}
	if err := d.Poller.SetIdleTimeout(body[0]); err != nil {
		return Ack{Status: StatusHWFault}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) getIdleTimeout() Ack {
	minutes, active := d.Poller.IdleTimeout()
	var enabled byte
	if active {
		enabled = 1
	}
	return Ack{Status: StatusOK, Body: []byte{enabled, minutes}}
}

func (d *Dispatcher) getCapabilities() Ack {
	vec := d.Gates.CapabilityVector()
	return Ack{Status: StatusOK, Body: vec[:]}
}

func (d *Dispatcher) setCapability(body []byte) Ack {
	if len(body) < 2 {
		return Ack{Status: StatusInvalidArgs}
	}
	if err := d.Gates.SetCapability(safety.Subsystem(body[0]), safety.Level(body[1])); err != nil {
		return Ack{Status: StatusRejectedPolicy}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) getSafetyGates() Ack {
	enable := d.Gates.EnableMask()
	status := d.Gates.StatusMask(d.currentInputs())
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], enable)
	binary.LittleEndian.PutUint16(out[2:4], status)
	return Ack{Status: StatusOK, Body: out}
}

func (d *Dispatcher) setSafetyGate(body []byte) Ack {
	if len(body) < 2 {
		return Ack{Status: StatusInvalidArgs}
	}
	if err := d.Gates.SetGate(safety.Gate(body[0]), body[1] != 0); err != nil {
		return Ack{Status: StatusRejectedPolicy}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) openSession(body []byte) Ack {
	if len(body) < 4 {
		return Ack{Status: StatusInvalidArgs}
	}
	nonce := binary.LittleEndian.Uint32(body[0:4])
	id, leaseMS, err := d.Session.Open(nonce)
	if err != nil {
		return Ack{Status: StatusHWFault}
	}
	out := make([]byte, 6)
	binary.LittleEndian.PutUint32(out[0:4], id)
	binary.LittleEndian.PutUint16(out[4:6], leaseMS)
	return Ack{Status: StatusOK, Body: out}
}

func (d *Dispatcher) keepalive(body []byte) Ack {
	if len(body) < 4 {
		return Ack{Status: StatusInvalidArgs}
	}
	id := binary.LittleEndian.Uint32(body[0:4])
	if err := d.Session.Keepalive(id); err != nil {
		return Ack{Status: StatusRejectedPolicy, Detail: DetailSessionInvalid}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) startRun(body []byte) Ack {
	if len(body) < 7 {
		return Ack{Status: StatusInvalidArgs}
	}
	mode := machine.RunMode(body[0])
	target := int16(binary.LittleEndian.Uint16(body[1:3]))
	duration := binary.LittleEndian.Uint32(body[3:7])
	ok, gate := d.Machine.StartRun(d.Session.IsLive(), d.currentInputs(), mode, target, duration)
	if !ok {
		return Ack{Status: StatusRejectedPolicy, Detail: gateDetail(gate)}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) stopRun(body []byte) Ack {
	if len(body) < 1 {
		return Ack{Status: StatusInvalidArgs}
	}
	if !d.Machine.StopRun(machine.StopMode(body[0])) {
		return Ack{Status: StatusNotReady}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) pauseRun(body []byte) Ack {
	if len(body) < 1 {
		return Ack{Status: StatusInvalidArgs}
	}
	if !d.Machine.PauseRun(machine.PauseMode(body[0])) {
		return Ack{Status: StatusNotReady}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) resumeRun() Ack {
	di, err := d.readDI()
	if err != nil {
		return Ack{Status: StatusHWFault}
	}
	ok, interlockOpen := d.Machine.ResumeRun(di.DoorClosed)
	if !ok {
		if interlockOpen {
			return Ack{Status: StatusRejectedPolicy, Detail: DetailInterlockOpen}
		}
		return Ack{Status: StatusNotReady}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) enableService() Ack {
	if !d.Machine.EnableService() {
		return Ack{Status: StatusNotReady}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) disableService() Ack {
	if !d.Machine.DisableService() {
		return Ack{Status: StatusNotReady}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) clearEstop() Ack {
	di, err := d.readDI()
	if err != nil {
		return Ack{Status: StatusHWFault}
	}
	if !d.Machine.ClearEStop(di.EstopActive) {
		return Ack{Status: StatusRejectedPolicy, Detail: DetailEstop}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) clearFault() Ack {
	if !d.Machine.ClearFault() {
		return Ack{Status: StatusNotReady}
	}
	return Ack{Status: StatusOK}
}

func (d *Dispatcher) readDI() (machine.DIStatus, error) {
	if d.DI == nil {
		return machine.DIStatus{}, fmt.Errorf("dispatch: no DI source configured")
	}
	return d.DI.Read()
}

func (d *Dispatcher) currentInputs() safety.Inputs {
	di, _ := d.readDI()
	return BuildInputs(d.Poller.All(), di, d.Session.IsLive())
}

// BuildInputs assembles a safety.Inputs snapshot from a DI read, the
// poller's current records, and session liveness. The single place
// this is built, shared by the dispatcher and the tick loop, so both
// see PID1..PID3 online/probe-error state the same way.
func BuildInputs(records []pidpoll.Record, di machine.DIStatus, sessionLive bool) safety.Inputs {
	in := safety.Inputs{
		EstopNotPressed: !di.EstopActive,
		DoorClosed:      di.DoorClosed,
		SessionLive:     sessionLive,
	}
	for i, rec := range records {
		if i >= 3 {
			break
		}
		in.PIDOnline[i] = rec.State == pidpoll.Online || rec.State == pidpoll.Stale
		in.PIDProbeError[i] = safety.ProbeError(i, rec.PV)
	}
	return in
}

func gateDetail(gate safety.Gate) uint16 {
	switch gate {
	case safety.GateEstop:
		return DetailEstop
	case safety.GateDoorClosed:
		return DetailInterlockOpen
	case safety.GatePID1Online, safety.GatePID2Online, safety.GatePID3Online:
		return DetailControllerOffline
	}
	return DetailNone
}
