//go:build linux

package rs485

import (
	"golang.org/x/sys/unix"

	"github.com/tarm/serial"
)

// rtsDirection drives TIOCM_RTS on the port's underlying file
// descriptor, the way a half-duplex RS-485 transceiver's DE/RE pin is
// commonly wired. Returns nil if the descriptor cannot be obtained
// (e.g. a test double), leaving SetDirection a no-op.
func rtsDirection(conn *serial.Port) func(transmit bool) error {
	fder, ok := any(conn).(interface{ Fd() uintptr })
	if !ok {
		return nil
	}
	fd := int(fder.Fd())
	return func(transmit bool) error {
		bits := unix.TIOCM_RTS
		if transmit {
			return unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, bits)
		}
		return unix.IoctlSetPointerInt(fd, unix.TIOCMBIC, bits)
	}
}
