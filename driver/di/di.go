// package di implements the digital-input expander adapter behind the
// §6 "read 8 input bits" contract: eight GPIO lines polled into one
// status byte, the same pin-table idiom input.Open and wshat.Open use
// for the button matrix.
package di

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/bcm283x"

	"cryoshaker.io/machine"
)

// Bit positions, matching machine.DIEstop..DIMotorFault plus four
// reserved bits (§3).
const (
	BitEstop = iota
	BitDoorClosed
	BitLN2Present
	BitMotorFault
)

// defaultPins is the board's GPIO assignment for the 8-bit input
// expander. Adjust per wiring; kept as a package var (not a const) so a
// platform file can override it before Open.
var defaultPins = [8]gpio.PinIn{
	bcm283x.GPIO6,
	bcm283x.GPIO19,
	bcm283x.GPIO5,
	bcm283x.GPIO26,
	bcm283x.GPIO13,
	bcm283x.GPIO21,
	bcm283x.GPIO20,
	bcm283x.GPIO16,
}

// Expander reads the 8 digital inputs on demand.
type Expander struct {
	pins [8]gpio.PinIn
}

// Open initializes periph's host drivers and configures the 8 input
// pins with a pull-up (active-low wiring, matching §3's "bit 0 active
// low" note).
func Open() (*Expander, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("di: host init: %w", err)
	}
	e := &Expander{pins: defaultPins}
	for i, p := range e.pins {
		if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("di: configure pin %d: %w", i, err)
		}
	}
	return e, nil
}

// RawBits samples all 8 pins into one status byte, bit i = pin i, 1
// when the line reads high.
func (e *Expander) RawBits() byte {
	var bits byte
	for i, p := range e.pins {
		if p.Read() == gpio.High {
			bits |= 1 << uint(i)
		}
	}
	return bits
}

// Read satisfies dispatch.DI and machine's DI-snapshot contract,
// decoding the raw bits per §3's bit mapping.
func (e *Expander) Read() (machine.DIStatus, error) {
	return machine.DecodeDI(e.RawBits()), nil
}
