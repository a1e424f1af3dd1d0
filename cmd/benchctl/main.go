// command benchctl is the internal tool for driving a running
// controller over its wire protocol: open a session and issue
// START_RUN/STOP_RUN/PAUSE_RUN/RESUME_RUN/KEEPALIVE by hand, for
// manual and integration testing of the command path end to end.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"

	"cryoshaker.io/dispatch"
	"cryoshaker.io/wire"
	"cryoshaker.io/wiretransport"
)

var (
	addr       = flag.String("addr", "127.0.0.1:7777", "controller TCP address")
	cmd        = flag.String("cmd", "open", "open, keepalive, start, stop, pause, resume")
	session    = flag.Uint("session", 0, "session id, required for everything but open")
	mode       = flag.Uint("mode", 0, "run mode for start (0=normal), stop mode (0=normal,1=abort), or pause mode (0=keep-cooling,1=stop-cooling)")
	targetX10  = flag.Int("target", 0, "start: target temperature in tenths of a degree C")
	durationMS = flag.Uint("duration-ms", 0, "start: run duration in milliseconds, 0 for unbounded")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	conn, err := wiretransport.Dial(*addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	body, cmdID, err := buildCommand(*cmd)
	if err != nil {
		return err
	}

	payload := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint16(payload[0:2], cmdID)
	copy(payload[4:], body)

	frame, err := wire.Build(wire.Command, 1, payload)
	if err != nil {
		return fmt.Errorf("build command: %w", err)
	}
	if err := conn.Write(frame); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	hdr, ackPayload, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if hdr.MsgType != wire.Ack {
		return fmt.Errorf("expected ACK, got msg_type 0x%02x", hdr.MsgType)
	}
	printAck(ackPayload)
	return nil
}

func buildCommand(name string) (body []byte, cmdID uint16, err error) {
	switch name {
	case "open":
		body = make([]byte, 4)
		binary.LittleEndian.PutUint32(body, uint32(1))
		return body, dispatch.CmdOpenSession, nil
	case "keepalive":
		return sessionBody(), dispatch.CmdKeepalive, nil
	case "start":
		body = append(sessionBody(), byte(*mode), 0, 0, 0, 0, 0, 0)
		binary.LittleEndian.PutUint16(body[5:7], uint16(int16(*targetX10)))
		binary.LittleEndian.PutUint32(body[7:11], uint32(*durationMS))
		return body, dispatch.CmdStartRun, nil
	case "stop":
		return append(sessionBody(), byte(*mode)), dispatch.CmdStopRun, nil
	case "pause":
		return append(sessionBody(), byte(*mode)), dispatch.CmdPauseRun, nil
	case "resume":
		return sessionBody(), dispatch.CmdResumeRun, nil
	default:
		return nil, 0, errors.New("unknown -cmd: " + name)
	}
}

func sessionBody() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(*session))
	return b
}

func printAck(payload []byte) {
	if len(payload) < 7 {
		fmt.Println("malformed ack")
		return
	}
	ackedSeq := binary.LittleEndian.Uint16(payload[0:2])
	cmdID := binary.LittleEndian.Uint16(payload[2:4])
	status := payload[4]
	detail := binary.LittleEndian.Uint16(payload[5:7])
	fmt.Printf("ack seq=%d cmd=0x%04x status=%d detail=0x%04x", ackedSeq, cmdID, status, detail)
	if extra := payload[7:]; len(extra) > 0 {
		fmt.Printf(" body=% x", extra)
	}
	fmt.Println()
}
