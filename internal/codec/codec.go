// File: internal/codec/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Newline-delimited JSON framing for the engine IPC channel, plus the
// small set of string-escaping helpers the HTTP front end needs.

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize bounds a single IPC line. Frames above this are a
// protocol violation from the engine and terminate the channel.
const MaxFrameSize = 64 << 20 // 64 MiB

var ErrFrameTooLarge = errors.New("ipc frame exceeds maximum allowed size")

// Request is the gateway→engine frame.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply is the engine→gateway frame. ID 0 (or absent) marks an
// unsolicited event frame.
type Reply struct {
	ID      uint64          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Unsolicited-frame fields.
	Status              string `json:"status,omitempty"`
	LicenseStatus       string `json:"license_status,omitempty"`
	Message             string `json:"message,omitempty"`
	HardwareFingerprint string `json:"hardware_fingerprint,omitempty"`
}

// EncodeRequest serializes req followed by the terminating newline.
// The returned slice is ready for a single write to the engine stdin.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode ipc request: %w", err)
	}
	if len(data)+1 > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return append(data, '\n'), nil
}

// DecodeReply parses one line (without the trailing newline) into a Reply.
func DecodeReply(line []byte) (*Reply, error) {
	if len(line) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errors.New("empty ipc frame")
	}
	var rep Reply
	if err := json.Unmarshal(line, &rep); err != nil {
		return nil, fmt.Errorf("decode ipc reply: %w", err)
	}
	return &rep, nil
}

// IsUnsolicited reports whether the frame carries no correlation id.
func (r *Reply) IsUnsolicited() bool { return r.ID == 0 }

// EscapeJSONString escapes s for direct embedding inside a JSON string
// literal in a synthesized HTTP body. Used by the front end for error
// bodies built without a full marshal round trip.
func EscapeJSONString(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
