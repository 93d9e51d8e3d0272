package ws

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame opcodes per RFC 6455 §5.2.
const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80

	// maxFramePayload bounds a single inbound frame so a misbehaving peer
	// cannot make us allocate unbounded memory.
	maxFramePayload = 16 << 20
)

type frame struct {
	fin     bool
	opcode  byte
	payload []byte
}

// encodeFrame serializes one frame. Client-to-server frames are masked as the
// RFC requires; the mask key is random per frame and the payload is XOR'd in
// place on a copy so the caller's buffer is untouched.
func encodeFrame(opcode byte, payload []byte, masked bool) []byte {
	n := len(payload)

	var lenBytes []byte
	var lenIndicator byte
	switch {
	case n < 126:
		lenIndicator = byte(n)
	case n <= 0xFFFF:
		lenIndicator = 126
		lenBytes = make([]byte, 2)
		binary.BigEndian.PutUint16(lenBytes, uint16(n))
	default:
		lenIndicator = 127
		lenBytes = make([]byte, 8)
		binary.BigEndian.PutUint64(lenBytes, uint64(n))
	}

	buf := make([]byte, 0, 2+len(lenBytes)+4+n)
	buf = append(buf, finBit|opcode)

	if masked {
		buf = append(buf, maskBit|lenIndicator)
		buf = append(buf, lenBytes...)

		var key [4]byte
		_, _ = rand.Read(key[:])
		buf = append(buf, key[:]...)

		start := len(buf)
		buf = append(buf, payload...)
		maskBytes(key, buf[start:])
	} else {
		buf = append(buf, lenIndicator)
		buf = append(buf, lenBytes...)
		buf = append(buf, payload...)
	}

	return buf
}

// readFrame parses exactly one frame from r, unmasking the payload when the
// sender set the mask bit.
func readFrame(r *bufio.Reader) (frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}

	f := frame{
		fin:    hdr[0]&finBit != 0,
		opcode: hdr[0] & 0x0F,
	}
	if hdr[0]&0x70 != 0 {
		return frame{}, &ProtocolError{Detail: "nonzero reserved bits"}
	}

	masked := hdr[1]&maskBit != 0
	length := uint64(hdr[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if length > maxFramePayload {
		return frame{}, &ProtocolError{Detail: fmt.Sprintf("frame payload %d exceeds limit", length)}
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return frame{}, err
		}
	}

	f.payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return frame{}, err
	}
	if masked {
		maskBytes(key, f.payload)
	}

	return f, nil
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}
