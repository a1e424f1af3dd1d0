// package wiretransport carries wire frames over a TCP connection: a
// length-prefix-free stream reader that takes each frame's length from
// the header's own payload_len field, since §4.1 frames are
// self-describing. It does not re-synchronize after a malformed frame. Stands
// in for the real GATT/advertising transport named out of scope in §1.
package wiretransport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"cryoshaker.io/wire"
)

// Conn wraps one TCP connection with framed read/write and a
// subscribed flag telemetry.Producer uses to decide whether to build a
// frame at all.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader

	mu         sync.Mutex
	subscribed bool
}

// Accept wraps an accepted connection, marked subscribed immediately
// (a real transport would wait for a subscribe request from the GATT
// stack; here the TCP connection itself is the subscription).
func Accept(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc), subscribed: true}
}

// Dial connects to a controller's TCP listener, for cmd/benchctl.
func Dial(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wiretransport: dial %s: %w", addr, err)
	}
	return Accept(nc), nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Subscribed reports whether telemetry should be produced for this
// connection.
func (c *Conn) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// SendTelemetry writes a pre-built TELEMETRY frame, satisfying
// telemetry.Transport. Write errors mark the connection unsubscribed so
// the producer stops wasting cycles on a dead peer.
func (c *Conn) SendTelemetry(frame []byte) {
	c.writeFrame(frame)
}

// Write sends a pre-built frame (COMMAND, ACK, or EVENT).
func (c *Conn) Write(frame []byte) error {
	return c.writeFrame(frame)
}

func (c *Conn) writeFrame(frame []byte) error {
	_, err := c.nc.Write(frame)
	if err != nil {
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
	}
	return err
}

// ReadFrame reads exactly one wire frame from the stream, parsing just
// enough of the header to know the total length before reading the
// rest.
func (c *Conn) ReadFrame() (wire.Header, []byte, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return wire.Header{}, nil, fmt.Errorf("wiretransport: read header: %w", err)
	}
	payloadLen := binary.LittleEndian.Uint16(hdr[4:6])
	rest := make([]byte, int(payloadLen)+2)
	if _, err := io.ReadFull(c.r, rest); err != nil {
		return wire.Header{}, nil, fmt.Errorf("wiretransport: read body: %w", err)
	}
	buf := append(hdr[:], rest...)
	return wire.Parse(buf)
}
