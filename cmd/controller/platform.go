// command controller is the reference binary wiring every control-plane
// component together: session, safety gates, the state machine, the
// field-bus poller, telemetry, and command dispatch. Grounded on
// cmd/controller/main.go's Init()+run() shape, translated from a GUI
// event loop to a fixed-cadence tick loop.
package main

import (
	"time"

	"cryoshaker.io/fieldbus"
	"cryoshaker.io/machine"
)

// Platform is the board-specific collaborator set this binary needs:
// digital input, relay output, and a field-bus transport. Dependency
// injection over weak-symbol coupling, per design notes §9 — main()
// constructs one of these and passes it down instead of every package
// reaching for a global.
type Platform interface {
	ReadDI() (machine.DIStatus, error)
	WriteRO(bits byte) error
	FieldBus() fieldbus.Transport
	SetLinkActive(linked bool)
	Close() error
}

// Now is overridable in tests; production always uses time.Now.
var Now = time.Now

// newPlatform is implemented per build tag (platform_rpi.go for real
// Raspberry Pi hardware, platform_dummy.go for hosts without it) with
// the signature newPlatform(cfg config.Config) (Platform, error).
