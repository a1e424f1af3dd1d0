// package wireless drives the board's link-status LED: on for as long
// as an operator-tablet connection is attached, off while waiting for
// one. The real transport is a TCP-framed stand-in for the GATT/BLE
// radio stack named out of scope in §1 (see package wiretransport);
// this package only owns the physical indicator, the way lcd.go drives
// its own SPI chip-select pin.
package wireless

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/bcm283x"
)

// Indicator drives one GPIO pin to reflect whether a command link is
// currently attached.
type Indicator struct {
	led gpio.PinOut
}

// Open initializes periph's host drivers and the link-status LED pin.
func Open(ledPin gpio.PinOut) (*Indicator, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("wireless: host init: %w", err)
	}
	return &Indicator{led: ledPin}, nil
}

// DefaultLEDPin is the board's link-status LED.
func DefaultLEDPin() gpio.PinOut { return bcm283x.GPIO18 }

// Set drives the LED on while a link is attached, off otherwise.
func (i *Indicator) Set(linked bool) {
	level := gpio.Low
	if linked {
		level = gpio.High
	}
	_ = i.led.Out(level)
}
