// File: wshub/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RFC6455 frame codec for the server side of the hub. Client frames
// must be masked; server frames are written unmasked. Payload size is
// enforced per frame to keep a single client from exhausting memory.

package wshub

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	opContinuation byte = 0x0
	opText         byte = 0x1
	opBinary       byte = 0x2
	opClose        byte = 0x8
	opPing         byte = 0x9
	opPong         byte = 0xA
)

// Close codes used by the hub.
const (
	closeNormal          = 1000
	closeGoingAway       = 1001
	closeProtocolError   = 1002
	closeMessageTooBig   = 1009
	closeInternalError   = 1011
	maxControlPayload    = 125
	// MaxFramePayload bounds a single frame's payload.
	MaxFramePayload = 1 << 20
)

var (
	errFrameTooLarge  = errors.New("ws: frame payload exceeds limit")
	errUnmaskedClient = errors.New("ws: client frame not masked")
	errBadControl     = errors.New("ws: malformed control frame")
)

type frame struct {
	fin     bool
	opcode  byte
	payload []byte
}

func (f *frame) isControl() bool { return f.opcode&0x8 != 0 }

// readFrame blocks until one complete frame is read from the client.
// The mask is removed in place.
func readFrame(br *bufio.Reader) (*frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	fin := hdr[0]&0x80 != 0
	if hdr[0]&0x70 != 0 {
		return nil, fmt.Errorf("ws: reserved bits set")
	}
	opcode := hdr[0] & 0x0F
	masked := hdr[1]&0x80 != 0
	length := int64(hdr[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			return nil, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			return nil, err
		}
		length = int64(binary.BigEndian.Uint64(ext[:]))
	}
	if length > MaxFramePayload {
		return nil, errFrameTooLarge
	}
	if opcode&0x8 != 0 && (length > maxControlPayload || !fin) {
		return nil, errBadControl
	}
	if !masked {
		return nil, errUnmaskedClient
	}

	var maskKey [4]byte
	if _, err := io.ReadFull(br, maskKey[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, err
	}
	for i := range payload {
		payload[i] ^= maskKey[i%4]
	}
	return &frame{fin: fin, opcode: opcode, payload: payload}, nil
}

// encodeFrame serializes an unmasked server frame.
func encodeFrame(opcode byte, fin bool, payload []byte) []byte {
	var b0 byte = opcode & 0x0F
	if fin {
		b0 |= 0x80
	}
	plen := len(payload)
	var out []byte
	switch {
	case plen <= 125:
		out = make([]byte, 0, 2+plen)
		out = append(out, b0, byte(plen))
	case plen <= 0xFFFF:
		out = make([]byte, 0, 4+plen)
		out = append(out, b0, 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(plen))
		out = append(out, ext[:]...)
	default:
		out = make([]byte, 0, 10+plen)
		out = append(out, b0, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(plen))
		out = append(out, ext[:]...)
	}
	return append(out, payload...)
}

// closePayload builds a close frame body: 2-byte code plus reason.
func closePayload(code int, reason string) []byte {
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	out := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(out, uint16(code))
	copy(out[2:], reason)
	return out
}
