//go:build !linux

package rs485

import "github.com/tarm/serial"

// rtsDirection has no portable non-Linux implementation; boards
// without RS-485 auto-direction transceivers don't need one, so
// SetDirection degrades to a no-op.
func rtsDirection(conn *serial.Port) func(transmit bool) error {
	return nil
}
