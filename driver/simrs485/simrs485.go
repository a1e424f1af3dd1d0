// package simrs485 implements an in-memory fake field-bus device for
// host-side tests of fieldbus and pidpoll, the same way
// driver/mjolnir.Simulator fakes the engraver over io.ReadWriter without
// real hardware.
package simrs485

import (
	"time"

	"cryoshaker.io/fieldbus"
)

// Controller is one simulated PID controller's register file.
type Controller struct {
	Addr byte
	Regs [16]uint16 // 0:PV 1:MV1 2:MV2 3:MVFB 4:STATUS 5:SV ... 13:MODE
	// Offline drops every request addressed to this controller (used to
	// simulate a dead or disconnected controller).
	Offline bool
	// Silent, if set, accepts the write direction and the request but
	// never produces a response (simulates a timeout rather than a
	// dropped request).
	Silent bool
}

// Bus is a fieldbus.Transport backed by in-memory controllers.
type Bus struct {
	Controllers map[byte]*Controller
	now         time.Time
	pending     []byte
}

// New creates a bus with the given controllers indexed by address.
func New(controllers ...*Controller) *Bus {
	b := &Bus{Controllers: map[byte]*Controller{}, now: time.Unix(0, 0)}
	for _, c := range controllers {
		b.Controllers[c.Addr] = c
	}
	return b
}

// Advance moves the simulated clock forward, for poller cadence tests.
func (b *Bus) Advance(d time.Duration) { b.now = b.now.Add(d) }

func (b *Bus) Now() time.Time { return b.now }

func (b *Bus) Flush() error { b.pending = nil; return nil }

func (b *Bus) SetDirection(transmit bool) error { return nil }

func (b *Bus) Write(frame []byte) error {
	b.pending = nil
	if len(frame) < 2 {
		return nil
	}
	addr := frame[0]
	c, ok := b.Controllers[addr]
	if !ok || c.Offline {
		return nil // no response queued: simulates a silent/offline device
	}
	if c.Silent {
		return nil
	}
	b.pending = c.respond(frame)
	return nil
}

func (b *Bus) Read(buf []byte, deadline time.Time) (int, error) {
	if len(b.pending) == 0 {
		return 0, fieldbus.ErrTimeout
	}
	n := copy(buf, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (c *Controller) respond(req []byte) []byte {
	function := req[1]
	switch function {
	case fieldbus.FuncReadHolding:
		start := uint16(req[2])<<8 | uint16(req[3])
		count := uint16(req[4])<<8 | uint16(req[5])
		resp := []byte{c.Addr, function, byte(count * 2)}
		for i := uint16(0); i < count; i++ {
			idx := start + i
			var v uint16
			if int(idx) < len(c.Regs) {
				v = c.Regs[idx]
			}
			resp = append(resp, byte(v>>8), byte(v))
		}
		return appendCRC(resp)
	case fieldbus.FuncWriteSingle:
		reg := uint16(req[2])<<8 | uint16(req[3])
		val := uint16(req[4])<<8 | uint16(req[5])
		if int(reg) < len(c.Regs) {
			c.Regs[reg] = val
		}
		resp := append([]byte{}, req[:6]...)
		return appendCRC(resp)
	case fieldbus.FuncWriteMultiple:
		start := uint16(req[2])<<8 | uint16(req[3])
		count := uint16(req[4])<<8 | uint16(req[5])
		off := 7
		for i := uint16(0); i < count; i++ {
			v := uint16(req[off])<<8 | uint16(req[off+1])
			if int(start+i) < len(c.Regs) {
				c.Regs[start+i] = v
			}
			off += 2
		}
		resp := []byte{c.Addr, function, req[2], req[3], req[4], req[5]}
		return appendCRC(resp)
	default:
		return appendCRC([]byte{c.Addr, function | 0x80})
	}
}

func appendCRC(frame []byte) []byte {
	crc := fieldbus.CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}
