// package relay implements the relay-output adapter behind the §6
// "write 8 output bits" contract, driving 8 GPIO lines from the
// machine package's relay mirror the way wshat.Open drives its button
// matrix pins, but as outputs.
package relay

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/bcm283x"
)

// defaultPins is the board's GPIO assignment for the 8 relay channels,
// in channel order (index 0 = channel 1, MAIN_CONTACTOR).
var defaultPins = [8]gpio.PinOut{
	bcm283x.GPIO17,
	bcm283x.GPIO27,
	bcm283x.GPIO22,
	bcm283x.GPIO23,
	bcm283x.GPIO24,
	bcm283x.GPIO25,
	bcm283x.GPIO12,
	bcm283x.GPIO16,
}

// Bank drives the 8 relay output lines.
type Bank struct {
	pins [8]gpio.PinOut
	bits byte
}

// Open initializes periph's host drivers and drives every relay line
// low (all outputs off).
func Open() (*Bank, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("relay: host init: %w", err)
	}
	b := &Bank{pins: defaultPins}
	if err := b.Write(0); err != nil {
		return nil, err
	}
	return b, nil
}

// Write drives all 8 lines to match bits (bit i = channel i+1), and
// remembers the last-written value.
func (b *Bank) Write(bits byte) error {
	for i, p := range b.pins {
		level := gpio.Low
		if bits&(1<<uint(i)) != 0 {
			level = gpio.High
		}
		if err := p.Out(level); err != nil {
			return fmt.Errorf("relay: write channel %d: %w", i+1, err)
		}
	}
	b.bits = bits
	return nil
}

// Bits returns the last value written.
func (b *Bank) Bits() byte {
	return b.bits
}
