// package rs485 implements fieldbus.Transport over a real half-duplex
// serial line: tarm/serial for the port itself (grounded on
// driver/mjolnir/device.go's Open), plus a Linux-only RTS
// direction-control ioctl (grounded on cmd/controller/debug_rpi.go's
// golang.org/x/sys/unix usage) for boards that wire RTS to a
// transceiver's transmit-enable pin.
package rs485

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port wraps a tarm/serial connection with the fieldbus.Transport
// contract. SetDirection is a no-op unless the board's RTS line is
// wired to a transceiver's DE/RE pin (see rs485_linux.go).
type Port struct {
	conn *serial.Port
	buf  []byte

	setDirection func(transmit bool) error
}

// Open opens dev at the field-bus baud rate (§4.6 assumes a fixed,
// pre-agreed baud rate; 19200 8N1 matches typical PID-controller RS-485
// defaults) with a short read timeout so Read can honor per-call
// deadlines.
func Open(dev string) (*Port, error) {
	cfg := &serial.Config{
		Name:        dev,
		Baud:        19200,
		ReadTimeout: 5 * time.Millisecond,
	}
	conn, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("rs485: open %s: %w", dev, err)
	}
	p := &Port{conn: conn}
	p.setDirection = rtsDirection(conn)
	return p, nil
}

func (p *Port) Flush() error {
	return p.conn.Flush()
}

func (p *Port) SetDirection(transmit bool) error {
	if p.setDirection == nil {
		return nil
	}
	return p.setDirection(transmit)
}

func (p *Port) Write(frame []byte) error {
	_, err := p.conn.Write(frame)
	return err
}

// Read polls the port in small chunks until buf is full or deadline
// passes, since tarm/serial has no per-call deadline of its own beyond
// the configured ReadTimeout.
func (p *Port) Read(buf []byte, deadline time.Time) (int, error) {
	total := 0
	for total < len(buf) && time.Now().Before(deadline) {
		n, err := p.conn.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil && n == 0 {
			continue
		}
	}
	return total, nil
}

func (p *Port) Now() time.Time { return time.Now() }

func (p *Port) Close() error { return p.conn.Close() }
