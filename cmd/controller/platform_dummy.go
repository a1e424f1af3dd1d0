//go:build !linux || !arm

package main

import (
	"log"
	"sync"

	"cryoshaker.io/config"
	"cryoshaker.io/driver/simrs485"
	"cryoshaker.io/fieldbus"
	"cryoshaker.io/machine"
)

// simPlatform backs development and CI builds that don't have real
// GPIO/serial hardware: an in-memory DI snapshot, an in-memory relay
// mirror, and the simrs485 fake field bus with one simulated controller
// per configured address. SetLinkActive logs instead of driving a pin.
type simPlatform struct {
	mu  sync.Mutex
	di  machine.DIStatus
	ro  byte
	bus *simrs485.Bus
}

func newPlatform(cfg config.Config) (Platform, error) {
	controllers := make([]*simrs485.Controller, len(cfg.ControllerAddrs))
	for i, addr := range cfg.ControllerAddrs {
		controllers[i] = &simrs485.Controller{Addr: addr}
	}
	return &simPlatform{
		di:  machine.DIStatus{DoorClosed: true},
		bus: simrs485.New(controllers...),
	}, nil
}

func (p *simPlatform) ReadDI() (machine.DIStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.di, nil
}

func (p *simPlatform) SetDI(di machine.DIStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.di = di
}

func (p *simPlatform) WriteRO(bits byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ro = bits
	return nil
}

func (p *simPlatform) FieldBus() fieldbus.Transport { return p.bus }
func (p *simPlatform) SetLinkActive(linked bool)    { log.Printf("simPlatform: link active=%v", linked) }
func (p *simPlatform) Close() error                 { return nil }
