// package wire implements the framed binary protocol exchanged between
// the controller and the operator tablet: header, payload, and a
// CRC-16/CCITT-FALSE trailer. It never interprets payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message types carried in a frame header.
const (
	Telemetry byte = 0x01
	Command   byte = 0x10
	Ack       byte = 0x11
	Event     byte = 0x20
)

// ProtoVersion is the only version this codec understands.
const ProtoVersion byte = 1

const (
	headerSize = 6 // proto_ver, msg_type, seq(2), payload_len(2)
	crcSize    = 2

	// MaxPayload is the largest payload this codec will build or accept.
	MaxPayload = 512
	// MaxFrame is the largest frame this codec will build or accept.
	MaxFrame = headerSize + MaxPayload + crcSize
)

var (
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrBadVersion      = errors.New("wire: bad proto_ver")
	ErrTruncated       = errors.New("wire: truncated frame")
	ErrBadCrc          = errors.New("wire: bad crc")
)

// Header is the fixed, 6-byte frame header.
type Header struct {
	ProtoVer   byte
	MsgType    byte
	Seq        uint16
	PayloadLen uint16
}

// Build writes header, payload, and CRC into a freshly allocated slice no
// larger than MaxFrame.
func Build(msgType byte, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("wire: build: %w", ErrPayloadTooLarge)
	}
	buf := make([]byte, headerSize+len(payload)+crcSize)
	buf[0] = ProtoVersion
	buf[1] = msgType
	binary.LittleEndian.PutUint16(buf[2:4], seq)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(payload)))
	copy(buf[headerSize:], payload)
	crc := CRC16CCITTFalse(buf[:headerSize+len(payload)])
	binary.LittleEndian.PutUint16(buf[headerSize+len(payload):], crc)
	return buf, nil
}

// Parse validates and decodes a frame. The returned payload aliases buf;
// callers that retain it past the next mutation of buf must copy it.
func Parse(buf []byte) (Header, []byte, error) {
	if len(buf) < headerSize+crcSize {
		return Header{}, nil, fmt.Errorf("wire: parse: %w", ErrTruncated)
	}
	h := Header{
		ProtoVer:   buf[0],
		MsgType:    buf[1],
		Seq:        binary.LittleEndian.Uint16(buf[2:4]),
		PayloadLen: binary.LittleEndian.Uint16(buf[4:6]),
	}
	if h.ProtoVer != ProtoVersion {
		return Header{}, nil, fmt.Errorf("wire: parse: %w", ErrBadVersion)
	}
	if int(h.PayloadLen) > MaxPayload {
		return Header{}, nil, fmt.Errorf("wire: parse: %w", ErrPayloadTooLarge)
	}
	total := headerSize + int(h.PayloadLen) + crcSize
	if len(buf) < total {
		return Header{}, nil, fmt.Errorf("wire: parse: %w", ErrTruncated)
	}
	payload := buf[headerSize : headerSize+int(h.PayloadLen)]
	wantCrc := binary.LittleEndian.Uint16(buf[headerSize+int(h.PayloadLen) : total])
	gotCrc := CRC16CCITTFalse(buf[:headerSize+int(h.PayloadLen)])
	if wantCrc != gotCrc {
		return Header{}, nil, fmt.Errorf("wire: parse: %w", ErrBadCrc)
	}
	return h, payload, nil
}
