//go:build linux && arm

package main

import (
	"fmt"

	"cryoshaker.io/config"
	"cryoshaker.io/driver/di"
	"cryoshaker.io/driver/relay"
	"cryoshaker.io/driver/rs485"
	"cryoshaker.io/driver/wireless"
	"cryoshaker.io/fieldbus"
	"cryoshaker.io/machine"
)

// rpiPlatform wires the real GPIO digital-input expander, the real
// relay bank, a real RS-485 field-bus port, and the link-status LED.
type rpiPlatform struct {
	di    *di.Expander
	relay *relay.Bank
	bus   *rs485.Port
	link  *wireless.Indicator
}

func newPlatform(cfg config.Config) (Platform, error) {
	diExp, err := di.Open()
	if err != nil {
		return nil, fmt.Errorf("controller: open DI: %w", err)
	}
	ro, err := relay.Open()
	if err != nil {
		return nil, fmt.Errorf("controller: open relay bank: %w", err)
	}
	bus, err := rs485.Open(cfg.FieldBusDevice)
	if err != nil {
		return nil, fmt.Errorf("controller: open field bus: %w", err)
	}
	link, err := wireless.Open(wireless.DefaultLEDPin())
	if err != nil {
		return nil, fmt.Errorf("controller: open link indicator: %w", err)
	}
	return &rpiPlatform{di: diExp, relay: ro, bus: bus, link: link}, nil
}

func (p *rpiPlatform) ReadDI() (machine.DIStatus, error) { return p.di.Read() }
func (p *rpiPlatform) WriteRO(bits byte) error           { return p.relay.Write(bits) }
func (p *rpiPlatform) FieldBus() fieldbus.Transport      { return p.bus }
func (p *rpiPlatform) SetLinkActive(linked bool)         { p.link.Set(linked) }
func (p *rpiPlatform) Close() error                      { return p.bus.Close() }
